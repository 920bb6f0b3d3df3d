package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/nai/cache"
	"github.com/chazu/nai/vm"
)

// ---------------------------------------------------------------------------
// Test infrastructure
// ---------------------------------------------------------------------------

type testEnv struct {
	server  *NaiServer
	http    *httptest.Server
	compile *connect.Client[structpb.Struct, structpb.Struct]
	run     *connect.Client[structpb.Struct, structpb.Struct]
}

func newTestEnv(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	cfg := Config{Workers: 2, Timeout: 5 * time.Second, VM: vm.DefaultConfig()}
	s := New(cfg, opts...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		s.Stop()
	})
	return &testEnv{
		server:  s,
		http:    ts,
		compile: connect.NewClient[structpb.Struct, structpb.Struct](ts.Client(), ts.URL+CompileProcedure),
		run:     connect.NewClient[structpb.Struct, structpb.Struct](ts.Client(), ts.URL+RunProcedure),
	}
}

func request(t *testing.T, fields map[string]any) *connect.Request[structpb.Struct] {
	t.Helper()
	st, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return connect.NewRequest(st)
}

func bg() context.Context { return context.Background() }

// ---------------------------------------------------------------------------
// Compile
// ---------------------------------------------------------------------------

func TestCompile_Success(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.compile.CallUnary(bg(), request(t, map[string]any{
		"source":      "fn helper() -> i64 { return 1; }\nfn main() -> i64 { return helper(); }",
		"disassemble": true,
	}))
	if err != nil {
		t.Fatalf("Compile returned error: %v", err)
	}
	r := parseCompileResult(resp.Msg)
	if !r.OK {
		t.Fatalf("Compile failed: %+v", r.Diagnostics)
	}
	if r.ModuleID == "" {
		t.Error("Compile should return a module id")
	}
	if r.Cached {
		t.Error("first compile should not be cached")
	}
	if strings.Join(r.Functions, ",") != "helper,main" {
		t.Errorf("functions = %v, want [helper main]", r.Functions)
	}
	if !strings.Contains(r.Disassembly, "main") {
		t.Errorf("disassembly = %q", r.Disassembly)
	}
}

func TestCompile_SameSourceReusesModule(t *testing.T) {
	env := newTestEnv(t)
	fields := map[string]any{"source": "fn main() -> i64 { return 5; }"}

	first, err := env.compile.CallUnary(bg(), request(t, fields))
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.compile.CallUnary(bg(), request(t, fields))
	if err != nil {
		t.Fatal(err)
	}
	a, b := parseCompileResult(first.Msg), parseCompileResult(second.Msg)
	if a.ModuleID != b.ModuleID {
		t.Errorf("module ids differ: %q vs %q", a.ModuleID, b.ModuleID)
	}
	if !b.Cached {
		t.Error("second compile should be served from the module store")
	}
}

func TestCompile_Diagnostics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.compile.CallUnary(bg(), request(t, map[string]any{
		"source": "fn main() {\n    y = 1;\n}\n",
	}))
	if err != nil {
		t.Fatalf("compile errors should not be RPC errors: %v", err)
	}
	r := parseCompileResult(resp.Msg)
	if r.OK {
		t.Fatal("Compile should fail")
	}
	if len(r.Diagnostics) != 1 {
		t.Fatalf("got %d diagnostics, want 1", len(r.Diagnostics))
	}
	d := r.Diagnostics[0]
	if d.Line != 2 || d.Column != 5 || !strings.Contains(d.Message, "undefined: y") {
		t.Errorf("diagnostic = %+v", d)
	}
}

func TestCompile_RequiresSource(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.compile.CallUnary(bg(), request(t, map[string]any{}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want invalid_argument", connect.CodeOf(err))
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_Source(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.run.CallUnary(bg(), request(t, map[string]any{
		"source": `fn main() -> i64 { print("hi "); print_int(-7); return -3; }`,
	}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	r, err := parseRunResult(resp.Msg)
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK {
		t.Fatalf("Run failed: %s", r.Error)
	}
	if r.Value != -3 {
		t.Errorf("value = %d, want -3", r.Value)
	}
	if r.Output != "hi -7" {
		t.Errorf("output = %q, want %q", r.Output, "hi -7")
	}
	if r.RunID == "" || r.ModuleID == "" {
		t.Errorf("missing ids: run %q module %q", r.RunID, r.ModuleID)
	}
	if r.Steps == 0 {
		t.Error("steps should be reported")
	}
}

func TestRun_ModuleIDWithEntry(t *testing.T) {
	env := newTestEnv(t)

	cresp, err := env.compile.CallUnary(bg(), request(t, map[string]any{
		"source": "fn add(a: i64, b: i64) -> i64 { return a + b; }\nfn main() -> i64 { return 0; }",
	}))
	if err != nil {
		t.Fatal(err)
	}
	id := parseCompileResult(cresp.Msg).ModuleID

	resp, err := env.run.CallUnary(bg(), request(t, map[string]any{
		"module_id": id,
		"entry":     "add",
		"args":      []any{40, 2},
	}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	r, err := parseRunResult(resp.Msg)
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK || r.Value != 42 {
		t.Errorf("add(40, 2) = %d (ok=%v, error=%q)", r.Value, r.OK, r.Error)
	}
	if r.ModuleID != id {
		t.Errorf("module id = %q, want %q", r.ModuleID, id)
	}
}

func TestRun_UnknownModule(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run.CallUnary(bg(), request(t, map[string]any{"module_id": "nope"}))
	if connect.CodeOf(err) != connect.CodeNotFound {
		t.Errorf("code = %v, want not_found", connect.CodeOf(err))
	}
}

func TestRun_RequiresProgram(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.run.CallUnary(bg(), request(t, map[string]any{"entry": "main"}))
	if connect.CodeOf(err) != connect.CodeInvalidArgument {
		t.Errorf("code = %v, want invalid_argument", connect.CodeOf(err))
	}
}

func TestRun_CompileFailure(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.run.CallUnary(bg(), request(t, map[string]any{"source": "fn main( {"}))
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	r, err := parseRunResult(resp.Msg)
	if err != nil {
		t.Fatal(err)
	}
	if r.OK || r.Error != "compile failed" || len(r.Diagnostics) == 0 {
		t.Errorf("result = %+v", r)
	}
}

func TestRun_RuntimeErrors(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		kind   error
	}{
		{
			"division by zero",
			map[string]any{"source": "fn main() -> i64 { x: i64 = 0; return 10 / x; }"},
			vm.ErrDivideByZero,
		},
		{
			"instruction limit",
			map[string]any{
				"source":           "fn main() { loop { } }",
				"max_instructions": 500,
			},
			vm.ErrInstructionLimit,
		},
		{
			"unknown entry",
			map[string]any{"source": "fn main() {}", "entry": "missing"},
			vm.ErrUnknownFunction,
		},
	}
	env := newTestEnv(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.run.CallUnary(bg(), request(t, tt.fields))
			if err != nil {
				t.Fatalf("runtime errors should not be RPC errors: %v", err)
			}
			r, err := parseRunResult(resp.Msg)
			if err != nil {
				t.Fatal(err)
			}
			if r.OK {
				t.Fatal("Run should fail")
			}
			if r.ErrorKind != tt.kind.Error() {
				t.Errorf("error_kind = %q, want %q", r.ErrorKind, tt.kind.Error())
			}
		})
	}
}

func TestRun_UsesImageCache(t *testing.T) {
	images, err := cache.Open(t.TempDir() + "/cache.db")
	if err != nil {
		t.Fatal(err)
	}
	defer images.Close()
	src := map[string]any{"source": "fn main() -> i64 { return 9; }"}

	// A second server shares the cache but not the module store.
	for i, wantCached := range []bool{false, true} {
		env := newTestEnv(t, WithCache(images))
		resp, err := env.compile.CallUnary(bg(), request(t, src))
		if err != nil {
			t.Fatal(err)
		}
		if got := parseCompileResult(resp.Msg).Cached; got != wantCached {
			t.Errorf("server %d: cached = %v, want %v", i, got, wantCached)
		}
	}
	if st, err := images.Stats(); err != nil || st.Entries != 1 {
		t.Errorf("cache entries = %d, want 1", st.Entries)
	}
}

func TestRun_JSONCodec(t *testing.T) {
	env := newTestEnv(t)

	body := `{"source": "fn main() -> i64 { return 6 * 7; }"}`
	req, err := http.NewRequest(http.MethodPost, env.http.URL+RunProcedure, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := env.http.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["ok"] != true || out["value"] != "42" {
		t.Errorf("response = %v", out)
	}
}
