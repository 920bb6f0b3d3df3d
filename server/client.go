package server

import (
	"context"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a remote execution service over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

// CompileResult is the decoded Compile response.
type CompileResult struct {
	OK          bool
	ModuleID    string
	Cached      bool
	Functions   []string
	Disassembly string
	Diagnostics []Diagnostic
}

// RunRequest describes one execution. Either Source or ModuleID is set.
type RunRequest struct {
	Name            string
	Source          string
	ModuleID        string
	Entry           string
	Args            []int64
	MaxInstructions uint64
}

// RunResult is the decoded Run response.
type RunResult struct {
	OK          bool
	RunID       string
	ModuleID    string
	Value       int64
	Output      string
	Steps       uint64
	Error       string
	ErrorKind   string
	Diagnostics []Diagnostic
}

// Dial connects to an execution service at addr ("host:port") without TLS.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Compile compiles source remotely.
func (c *Client) Compile(ctx context.Context, name, source string, disassemble bool) (*CompileResult, error) {
	req, err := structpb.NewStruct(map[string]any{
		"name":        name,
		"source":      source,
		"disassemble": disassemble,
	})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, CompileProcedure, req, resp); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return parseCompileResult(resp), nil
}

// Run executes a program remotely.
func (c *Client) Run(ctx context.Context, r RunRequest) (*RunResult, error) {
	req, err := r.message()
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, RunProcedure, req, resp); err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	return parseRunResult(resp)
}

func (r RunRequest) message() (*structpb.Struct, error) {
	fields := map[string]any{}
	if r.Name != "" {
		fields["name"] = r.Name
	}
	if r.Source != "" {
		fields["source"] = r.Source
	}
	if r.ModuleID != "" {
		fields["module_id"] = r.ModuleID
	}
	if r.Entry != "" {
		fields["entry"] = r.Entry
	}
	if len(r.Args) > 0 {
		args := make([]any, len(r.Args))
		for i, a := range r.Args {
			args[i] = a
		}
		fields["args"] = args
	}
	if r.MaxInstructions > 0 {
		fields["max_instructions"] = r.MaxInstructions
	}
	return structpb.NewStruct(fields)
}

func parseCompileResult(s *structpb.Struct) *CompileResult {
	r := &CompileResult{
		OK:          boolField(s, "ok"),
		ModuleID:    stringField(s, "module_id"),
		Cached:      boolField(s, "cached"),
		Disassembly: stringField(s, "disassembly"),
		Diagnostics: parseDiagnostics(s),
	}
	for _, v := range listField(s, "functions") {
		r.Functions = append(r.Functions, v.GetStringValue())
	}
	return r
}

func parseRunResult(s *structpb.Struct) (*RunResult, error) {
	r := &RunResult{
		OK:          boolField(s, "ok"),
		RunID:       stringField(s, "run_id"),
		ModuleID:    stringField(s, "module_id"),
		Output:      stringField(s, "output"),
		Steps:       uint64(numberField(s, "steps")),
		Error:       stringField(s, "error"),
		ErrorKind:   stringField(s, "error_kind"),
		Diagnostics: parseDiagnostics(s),
	}
	if text := stringField(s, "value"); text != "" {
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("run: bad value %q: %w", text, err)
		}
		r.Value = v
	}
	return r, nil
}
