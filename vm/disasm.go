package vm

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the function.
func (f *Function) Disassemble() string {
	var sb strings.Builder
	f.disassembleTo(&sb)
	return sb.String()
}

func (f *Function) disassembleTo(sb *strings.Builder) {
	fmt.Fprintf(sb, "; === %s ===\n", f.Name)
	fmt.Fprintf(sb, "; Hash: 0x%016X\n", f.Hash)
	if f.Native {
		sb.WriteString("; Native\n")
	}

	if len(f.Params) > 0 {
		fmt.Fprintf(sb, "; Parameters (%d): ", len(f.Params))
		for i, p := range f.Params {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(p.Name)
			if p.Register != RegNone {
				fmt.Fprintf(sb, "=%s", p.Register)
			} else {
				fmt.Fprintf(sb, "=[rbp%+d]", -p.Offset)
			}
		}
		sb.WriteString("\n")
	}
	if f.Native {
		sb.WriteString("\n")
		return
	}
	fmt.Fprintf(sb, "; Frame: %d bytes\n", f.FrameSize)
	fmt.Fprintf(sb, "; Cleanup: %04X\n\n", f.CleanupAddress)

	targets := jumpTargets(f.Code)
	for ip, in := range f.Code {
		marker := "  "
		if ip == f.CleanupAddress {
			marker = "E>"
		} else if targets[ip] {
			marker = "->"
		}
		fmt.Fprintf(sb, "%s %04X  %s\n", marker, ip, in)
	}
	sb.WriteString("\n")
}

// Disassemble returns a listing of every function in the module, ordered by
// name, preceded by the string table.
func (m *Module) Disassemble() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "; Module %s\n", m.Name)
	if len(m.Strings) > 0 {
		sb.WriteString("; Strings:\n")
		for i, s := range m.Strings {
			display := s
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			fmt.Fprintf(&sb, ";   [%3d] %q\n", i, display)
		}
	}
	sb.WriteString("\n")
	for _, fn := range m.SortedFunctions() {
		fn.disassembleTo(&sb)
	}
	return sb.String()
}

func jumpTargets(code []Instruction) map[int]bool {
	targets := make(map[int]bool)
	for ip, in := range code {
		switch in.Op {
		case OpJump:
			targets[int(in.Offset)] = true
		case OpJumpRelative:
			targets[ip+int(in.Offset)] = true
		}
	}
	return targets
}
