package server

import (
	"errors"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/chazu/nai/compiler"
)

// Requests and responses are google.protobuf.Struct documents, so the
// service needs no generated code and speaks Connect, gRPC and gRPC-Web
// with either the binary or the JSON codec.
//
// CompileRequest:  name, source, disassemble
// CompileResponse: ok, module_id, cached, functions, disassembly, diagnostics
// RunRequest:      name, source | module_id, entry, args, max_instructions
// RunResponse:     ok, run_id, module_id, value, output, steps, error,
//                  error_kind, diagnostics
//
// value is the decimal text of the signed 64-bit result since Struct
// numbers are doubles.

func stringField(s *structpb.Struct, name string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[name].GetStringValue()
}

func numberField(s *structpb.Struct, name string) float64 {
	if s == nil {
		return 0
	}
	return s.GetFields()[name].GetNumberValue()
}

func boolField(s *structpb.Struct, name string) bool {
	if s == nil {
		return false
	}
	return s.GetFields()[name].GetBoolValue()
}

func listField(s *structpb.Struct, name string) []*structpb.Value {
	if s == nil {
		return nil
	}
	return s.GetFields()[name].GetListValue().GetValues()
}

// Diagnostic is one compile error in a response.
type Diagnostic struct {
	Line    int
	Column  int
	Message string
}

// diagnostics flattens a compile error into per-position entries.
func diagnostics(err error) []Diagnostic {
	var list compiler.ErrorList
	if errors.As(err, &list) {
		out := make([]Diagnostic, len(list))
		for i, e := range list {
			out[i] = Diagnostic{Line: e.Pos.Line, Column: e.Pos.Column, Message: e.Msg}
		}
		return out
	}
	var single *compiler.Error
	if errors.As(err, &single) {
		return []Diagnostic{{Line: single.Pos.Line, Column: single.Pos.Column, Message: single.Msg}}
	}
	return []Diagnostic{{Message: err.Error()}}
}

func diagnosticValues(ds []Diagnostic) []any {
	out := make([]any, len(ds))
	for i, d := range ds {
		out[i] = map[string]any{
			"line":    d.Line,
			"column":  d.Column,
			"message": d.Message,
		}
	}
	return out
}

// parseDiagnostics reads the diagnostics list of a response.
func parseDiagnostics(s *structpb.Struct) []Diagnostic {
	var out []Diagnostic
	for _, v := range listField(s, "diagnostics") {
		d := v.GetStructValue()
		out = append(out, Diagnostic{
			Line:    int(numberField(d, "line")),
			Column:  int(numberField(d, "column")),
			Message: stringField(d, "message"),
		})
	}
	return out
}

func stringValues(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
