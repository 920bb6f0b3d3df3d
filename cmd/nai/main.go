// Nai CLI - compiles and runs Nai programs, and serves them over the network
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/nai/cache"
	"github.com/chazu/nai/compiler"
	"github.com/chazu/nai/manifest"
	"github.com/chazu/nai/server"
	"github.com/chazu/nai/vm"
)

// Images older than this are dropped from the cache on startup.
const cacheMaxAge = 30 * 24 * time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	verbose := flag.Bool("v", false, "Verbose output")
	trace := flag.Bool("trace", false, "Log every executed instruction")
	disasm := flag.Bool("disasm", false, "Print the disassembly instead of running")
	output := flag.String("o", "", "Write the compiled image to this file instead of running")
	imagePath := flag.String("image", "", "Run a compiled image")
	configPath := flag.String("config", "", "Path to nai.toml (default: search upward from the working directory)")
	serveMode := flag.Bool("serve", false, "Start the execution service (gRPC + Connect HTTP/JSON)")
	servePort := flag.Int("port", 0, "Execution service port (used with -serve)")
	lspMode := flag.Bool("lsp", false, "Start the language server on stdio")
	remote := flag.String("remote", "", "Run through the execution service at host:port")
	stats := flag.Bool("stats", false, "Print an execution profile to stderr")
	noCache := flag.Bool("no-cache", false, "Do not read or write the image cache")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nai [options] [files...]\n\n")
		fmt.Fprintf(os.Stderr, "Compiles the given .nai files and runs main, exiting with its value.\n")
		fmt.Fprintf(os.Stderr, "Without files, the sources listed in nai.toml are used.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  nai hello.nai                 # Compile and run\n")
		fmt.Fprintf(os.Stderr, "  nai -disasm hello.nai         # Show the bytecode\n")
		fmt.Fprintf(os.Stderr, "  nai -o hello.naic hello.nai   # Save an image\n")
		fmt.Fprintf(os.Stderr, "  nai -image hello.naic         # Run a saved image\n")
		fmt.Fprintf(os.Stderr, "  nai -serve -port 7071         # Start the execution service\n")
		fmt.Fprintf(os.Stderr, "  nai -remote localhost:7071 hello.nai\n")
	}
	flag.Parse()

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *trace {
		verbosity = 2
	}
	commonlog.Configure(verbosity, nil)

	if *lspMode {
		if err := server.NewLSP(nil).Run(); err != nil {
			fmt.Fprintf(os.Stderr, "LSP error: %v\n", err)
			return 1
		}
		return 0
	}

	m, err := loadManifest(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading manifest: %v\n", err)
		return 1
	}

	cfg := m.VMConfig()
	cfg.Output = os.Stdout
	cfg.Trace = cfg.Trace || *trace
	var profiler *vm.Profiler
	if *stats {
		profiler = vm.NewProfiler()
		cfg.Profiler = profiler
	}

	var images *cache.Cache
	if m.Cache.Enabled && !*noCache {
		images, err = openCache(m.CachePath())
		if err != nil {
			// The cache only saves time; run without it.
			fmt.Fprintf(os.Stderr, "Warning: image cache disabled: %v\n", err)
		} else {
			defer images.Close()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *serveMode {
		port := m.Server.Port
		if *servePort != 0 {
			port = *servePort
		}
		var opts []server.ServerOption
		if images != nil {
			opts = append(opts, server.WithCache(images))
		}
		srv := server.New(server.Config{
			Workers: m.Server.Workers,
			Timeout: m.Server.Timeout,
			VM:      m.VMConfig(),
		}, opts...)
		defer srv.Stop()
		if err := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port)); err != nil {
			fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
			return 1
		}
		return 0
	}

	natives := vm.Builtins()

	var modules []*vm.Module
	if *imagePath != "" {
		mod, err := readImage(*imagePath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		modules = append(modules, mod)
	} else {
		paths := flag.Args()
		if len(paths) == 0 {
			paths = m.SourcePaths()
		}
		if len(paths) == 0 {
			flag.Usage()
			return 2
		}

		if *remote != "" {
			code, err := runRemote(ctx, *remote, paths, m.Source.Entry, cfg.MaxInstructions, os.Stdout)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			return code
		}

		modules, err = compileFiles(ctx, paths, natives, images)
		if err != nil {
			reportCompileError(os.Stderr, err)
			return 1
		}
	}

	if *verbose {
		for _, mod := range modules {
			fmt.Fprintf(os.Stderr, "Compiled %s: %d functions, %d strings\n", mod.Name, len(mod.Functions), len(mod.Strings))
		}
	}

	if *disasm {
		for _, mod := range modules {
			fmt.Print(mod.Disassemble())
		}
		return 0
	}

	if *output != "" {
		if len(modules) != 1 {
			fmt.Fprintln(os.Stderr, "Error: -o needs exactly one source file")
			return 1
		}
		if err := writeImage(*output, modules[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
		}
		return 0
	}

	var result int64
	for _, mod := range modules {
		result, err = runModule(ctx, mod, m.Source.Entry, cfg, natives)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			if profiler != nil {
				profiler.WriteReport(os.Stderr)
			}
			return 1
		}
	}
	if profiler != nil {
		profiler.WriteReport(os.Stderr)
	}
	if images != nil && *verbose {
		if st, err := images.Stats(); err == nil {
			fmt.Fprintf(os.Stderr, "Cache: %d images, %d hits, %d misses\n", st.Entries, st.Hits, st.Misses)
		}
	}
	return int(result)
}

// loadManifest reads the manifest named by path, or the nearest nai.toml
// above the working directory. Defaults are used when none exists.
func loadManifest(path string) (*manifest.Manifest, error) {
	if path != "" {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return manifest.Load(path)
		}
		return manifest.LoadFile(path)
	}
	m, err := manifest.FindAndLoad(".")
	if err != nil {
		return nil, err
	}
	if m == nil {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		m = manifest.Default(wd)
	}
	return m, nil
}

func openCache(path string) (*cache.Cache, error) {
	c, err := cache.Open(path)
	if err != nil {
		return nil, err
	}
	if _, err := c.Prune(cacheMaxAge); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// compileFiles compiles every file into its own module. Without a cache
// the files are compiled concurrently.
func compileFiles(ctx context.Context, paths []string, natives *vm.Natives, images *cache.Cache) ([]*vm.Module, error) {
	var sources []compiler.Source
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", p, err)
		}
		sources = append(sources, compiler.Source{Name: filepath.Base(p), Text: string(data)})
	}

	if images == nil {
		return compiler.CompileAll(ctx, sources, natives)
	}
	modules := make([]*vm.Module, 0, len(sources))
	for _, src := range sources {
		mod, _, err := images.Compile(src.Name, src.Text, natives, compiler.Version)
		if err != nil {
			return nil, err
		}
		modules = append(modules, mod)
	}
	return modules, nil
}

// runModule executes entry in a fresh interpreter. The main entry runs as
// a program; any other function is called without arguments.
func runModule(ctx context.Context, m *vm.Module, entry string, cfg vm.Config, natives *vm.Natives) (int64, error) {
	it := vm.NewInterpreter(cfg, natives)
	if entry == "" || entry == manifest.DefaultEntry {
		return it.Run(ctx, m)
	}
	v, err := it.Call(ctx, m, entry)
	return int64(v), err
}

func reportCompileError(w io.Writer, err error) {
	var list compiler.ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			fmt.Fprintln(w, e)
		}
		return
	}
	fmt.Fprintf(w, "Error: %v\n", err)
}

func readImage(path string) (*vm.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read image: %w", err)
	}
	m, err := vm.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

func writeImage(path string, m *vm.Module) error {
	data, err := vm.EncodeImage(m, compiler.Version)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}
