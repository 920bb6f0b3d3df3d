package compiler

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/nai/vm"
)

// Version identifies the toolchain in program images and cache keys. Bump
// it whenever generated code changes for the same source.
const Version = "nai 0.1.0"

// Source is one named compilation unit.
type Source struct {
	Name string
	Text string
}

// Compile parses, analyzes and generates one module.
func Compile(name, source string, natives *vm.Natives) (*vm.Module, error) {
	return compileWith(Source{Name: name, Text: source}, natives, DefaultTypes())
}

// Check parses and analyzes a source without generating code. When
// analysis fails the partially analyzed module is returned with the
// error, for tools that still want to show what resolved.
func Check(name, source string, natives *vm.Natives) (*Module, error) {
	return check(Source{Name: name, Text: source}, natives, DefaultTypes())
}

// Generate lowers an analyzed module to bytecode.
func Generate(m *Module) (*vm.Module, error) {
	return NewCodeGenerator(m.Name).Process(m)
}

// CompileAll compiles independent modules concurrently. The result has one
// module per source, in order; the first failure cancels the rest.
func CompileAll(ctx context.Context, sources []Source, natives *vm.Natives) ([]*vm.Module, error) {
	// The type table is shared read-only by every worker.
	types := DefaultTypes()

	out := make([]*vm.Module, len(sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, src := range sources {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := compileWith(src, natives, types)
			if err != nil {
				return err
			}
			out[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Infof("compiled %d modules", len(out))
	return out, nil
}

func check(src Source, natives *vm.Natives, types *TypeTable) (*Module, error) {
	f, err := Parse(src.Name, src.Text)
	if err != nil {
		return nil, err
	}
	return Analyze(f, natives, types)
}

func compileWith(src Source, natives *vm.Natives, types *TypeTable) (*vm.Module, error) {
	m, err := check(src, natives, types)
	if err != nil {
		return nil, err
	}
	return Generate(m)
}
