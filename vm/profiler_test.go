package vm

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestProfilerCountsCallsAndOpcodes(t *testing.T) {
	p := NewProfiler()
	p.HotThreshold = 3

	m := NewModule("t")
	m.AddFunction(&Function{Name: "one", Code: []Instruction{
		{Op: OpMoveNumReg, Dst: Rax, Size: 8, Imm: 1},
	}, CleanupAddress: 1})
	m.AddFunction(&Function{Name: "main", Code: []Instruction{
		{Op: OpCall, Imm: Hash("one")},
		{Op: OpCall, Imm: Hash("one")},
		{Op: OpCall, Imm: Hash("one")},
	}, CleanupAddress: 3})

	it := NewInterpreter(Config{StackSize: 1024, Profiler: p}, nil)
	if _, err := it.Call(context.Background(), m, "main"); err != nil {
		t.Fatal(err)
	}

	if fp := p.FunctionProfile("one"); fp == nil || fp.CallCount != 3 {
		t.Fatalf("profile for one = %+v", fp)
	}
	if n := p.OpcodeCount(OpCall); n != 3 {
		t.Errorf("OpCall count = %d", n)
	}
	stats := p.Stats()
	if stats.Functions != 2 || stats.Calls != 4 || stats.HotFunctions != 1 || stats.Instructions != 6 {
		t.Errorf("stats = %+v", stats)
	}
	if hot := p.HotFunctions(); len(hot) != 1 || hot[0].Name != "one" {
		t.Errorf("hot = %v", hot)
	}

	var buf bytes.Buffer
	if err := p.WriteReport(&buf); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "CALL (0xF0)") {
		t.Errorf("report:\n%s", buf.String())
	}

	p.Reset()
	if p.Stats().Calls != 0 {
		t.Error("Reset did not clear calls")
	}
}
