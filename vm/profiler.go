package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"text/tabwriter"
)

// FunctionProfile holds profiling data for a single function.
type FunctionProfile struct {
	Name      string
	CallCount uint64 // atomic
	Native    bool
}

// Profiler counts function calls and executed opcodes. It is safe to share
// between interpreters.
type Profiler struct {
	functions sync.Map // function hash -> *FunctionProfile
	opcodes   [256]uint64

	// HotThreshold is the call count above which a function is reported hot.
	HotThreshold uint64
}

// NewProfiler creates a new profiler with default thresholds.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

// RecordCall increments the call count for fn.
func (p *Profiler) RecordCall(fn *Function) {
	if fn == nil {
		return
	}
	val, _ := p.functions.LoadOrStore(fn.Hash, &FunctionProfile{Name: fn.Name, Native: fn.Native})
	atomic.AddUint64(&val.(*FunctionProfile).CallCount, 1)
}

// RecordInstruction counts one executed instruction.
func (p *Profiler) RecordInstruction(op Opcode) {
	atomic.AddUint64(&p.opcodes[op], 1)
}

// FunctionProfile returns the profile for a function, or nil if not tracked.
func (p *Profiler) FunctionProfile(name string) *FunctionProfile {
	if val, ok := p.functions.Load(Hash(name)); ok {
		return val.(*FunctionProfile)
	}
	return nil
}

// OpcodeCount returns how many times op executed.
func (p *Profiler) OpcodeCount(op Opcode) uint64 {
	return atomic.LoadUint64(&p.opcodes[op])
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Functions    int    // Number of functions called at least once
	HotFunctions int    // Functions at or above HotThreshold
	Calls        uint64 // Total calls, natives included
	Instructions uint64 // Total executed instructions
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.functions.Range(func(_, value any) bool {
		fp := value.(*FunctionProfile)
		n := atomic.LoadUint64(&fp.CallCount)
		stats.Functions++
		stats.Calls += n
		if n >= p.HotThreshold {
			stats.HotFunctions++
		}
		return true
	})
	for i := range p.opcodes {
		stats.Instructions += atomic.LoadUint64(&p.opcodes[i])
	}
	return stats
}

// HotFunctions returns the profiles of functions at or above the threshold,
// most called first.
func (p *Profiler) HotFunctions() []*FunctionProfile {
	var hot []*FunctionProfile
	p.functions.Range(func(_, value any) bool {
		fp := value.(*FunctionProfile)
		if atomic.LoadUint64(&fp.CallCount) >= p.HotThreshold {
			hot = append(hot, fp)
		}
		return true
	})
	sort.Slice(hot, func(i, j int) bool { return hot[i].CallCount > hot[j].CallCount })
	return hot
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.functions.Range(func(key, _ any) bool {
		p.functions.Delete(key)
		return true
	})
	for i := range p.opcodes {
		atomic.StoreUint64(&p.opcodes[i], 0)
	}
}

// WriteReport prints call and opcode counts as aligned tables.
func (p *Profiler) WriteReport(w io.Writer) error {
	var fns []*FunctionProfile
	p.functions.Range(func(_, value any) bool {
		fns = append(fns, value.(*FunctionProfile))
		return true
	})
	sort.Slice(fns, func(i, j int) bool {
		if fns[i].CallCount != fns[j].CallCount {
			return fns[i].CallCount > fns[j].CallCount
		}
		return fns[i].Name < fns[j].Name
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FUNCTION\tCALLS\t")
	for _, fp := range fns {
		name := fp.Name
		if fp.Native {
			name += " (native)"
		}
		fmt.Fprintf(tw, "%s\t%d\t\n", name, atomic.LoadUint64(&fp.CallCount))
	}
	fmt.Fprintln(tw, "\t\t")
	fmt.Fprintln(tw, "OPCODE\tCOUNT\t")
	for op := range p.opcodes {
		n := atomic.LoadUint64(&p.opcodes[op])
		if n == 0 {
			continue
		}
		o := Opcode(op)
		fmt.Fprintf(tw, "%s (0x%02X)\t%d\t\n", o, byte(o), n)
	}
	return tw.Flush()
}
