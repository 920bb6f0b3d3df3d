package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/nai/compiler"
	"github.com/chazu/nai/server"
	"github.com/chazu/nai/vm"
)

func writeSource(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func quietConfig(out *bytes.Buffer) vm.Config {
	cfg := vm.DefaultConfig()
	cfg.Output = out
	return cfg
}

func TestCompileFilesAndRun(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.nai", `fn main() -> i64 { print("a"); return 3; }`)
	b := writeSource(t, dir, "b.nai", `fn main() -> i64 { print("b"); return 4; }`)
	natives := vm.Builtins()

	mods, err := compileFiles(context.Background(), []string{a, b}, natives, nil)
	if err != nil {
		t.Fatalf("compileFiles: %v", err)
	}
	if len(mods) != 2 || mods[0].Name != "a.nai" || mods[1].Name != "b.nai" {
		t.Fatalf("modules = %v", mods)
	}

	var out bytes.Buffer
	for i, want := range []int64{3, 4} {
		v, err := runModule(context.Background(), mods[i], "main", quietConfig(&out), natives)
		if err != nil {
			t.Fatalf("runModule: %v", err)
		}
		if v != want {
			t.Errorf("%s returned %d, want %d", mods[i].Name, v, want)
		}
	}
	if out.String() != "ab" {
		t.Errorf("output = %q, want %q", out.String(), "ab")
	}
}

func TestCompileFilesThroughCache(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "p.nai", `fn main() -> i64 { return 8; }`)
	images, err := openCache(filepath.Join(dir, ".nai", "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer images.Close()

	for range 2 {
		if _, err := compileFiles(context.Background(), []string{src}, vm.Builtins(), images); err != nil {
			t.Fatalf("compileFiles: %v", err)
		}
	}
	st, err := images.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if st.Entries != 1 || st.Hits != 1 || st.Misses != 1 {
		t.Errorf("cache stats = %+v", st)
	}
}

func TestCompileFilesMissing(t *testing.T) {
	_, err := compileFiles(context.Background(), []string{filepath.Join(t.TempDir(), "nope.nai")}, vm.Builtins(), nil)
	if err == nil || !strings.Contains(err.Error(), "cannot read") {
		t.Errorf("error = %v", err)
	}
}

func TestRunModuleOtherEntry(t *testing.T) {
	natives := vm.Builtins()
	m, err := compiler.Compile("e.nai", "fn start() -> i64 { return 11; }\nfn main() -> i64 { return 1; }", natives)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	v, err := runModule(context.Background(), m, "start", quietConfig(&out), natives)
	if err != nil || v != 11 {
		t.Errorf("runModule(start) = %d, %v", v, err)
	}
	if _, err := runModule(context.Background(), m, "missing", quietConfig(&out), natives); !errors.Is(err, vm.ErrUnknownFunction) {
		t.Errorf("missing entry error = %v", err)
	}
}

func TestImageFileRoundTrip(t *testing.T) {
	natives := vm.Builtins()
	m, err := compiler.Compile("img.nai", "fn main() -> i64 { return 21 * 2; }", natives)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "out", "img.naic")
	if err := writeImage(path, m); err != nil {
		t.Fatalf("writeImage: %v", err)
	}
	loaded, err := readImage(path)
	if err != nil {
		t.Fatalf("readImage: %v", err)
	}
	var out bytes.Buffer
	if v, err := runModule(context.Background(), loaded, "main", quietConfig(&out), natives); err != nil || v != 42 {
		t.Errorf("image run = %d, %v", v, err)
	}

	bad := writeSource(t, t.TempDir(), "bad.naic", "not an image")
	if _, err := readImage(bad); err == nil {
		t.Error("readImage should reject garbage")
	}
}

func TestReportCompileError(t *testing.T) {
	_, err := compiler.Compile("bad.nai", "fn main() {\n    y = 1;\n}\n", vm.Builtins())
	if err == nil {
		t.Fatal("expected compile error")
	}
	var buf bytes.Buffer
	reportCompileError(&buf, err)
	if !strings.Contains(buf.String(), "bad.nai:2:5") || !strings.Contains(buf.String(), "undefined: y") {
		t.Errorf("report = %q", buf.String())
	}
}

func TestLoadManifestExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := writeSource(t, dir, "nai.toml", "[source]\nentry = \"start\"\n")

	for _, p := range []string{path, dir} {
		m, err := loadManifest(p)
		if err != nil {
			t.Fatalf("loadManifest(%s): %v", p, err)
		}
		if m.Source.Entry != "start" {
			t.Errorf("entry = %q, want start", m.Source.Entry)
		}
	}
	if _, err := loadManifest(filepath.Join(dir, "missing.toml")); err == nil {
		t.Error("missing manifest should fail")
	}
}

func TestRunRemote(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := server.New(server.Config{Workers: 1, Timeout: 5 * time.Second, VM: vm.DefaultConfig()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-done
		srv.Stop()
	}()

	dir := t.TempDir()
	good := writeSource(t, dir, "good.nai", `fn main() -> i64 { print("remote"); return 5; }`)
	bad := writeSource(t, dir, "bad.nai", `fn main() { y = 1; }`)

	callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer callCancel()

	var out bytes.Buffer
	code, err := runRemote(callCtx, ln.Addr().String(), []string{good}, "main", 0, &out)
	if err != nil {
		t.Fatalf("runRemote: %v", err)
	}
	if code != 5 || out.String() != "remote" {
		t.Errorf("code = %d, output = %q", code, out.String())
	}

	if _, err := runRemote(callCtx, ln.Addr().String(), []string{bad}, "main", 0, &out); err == nil {
		t.Error("remote compile failure should be an error")
	}
}
