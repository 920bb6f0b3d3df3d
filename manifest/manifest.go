// Package manifest handles nai.toml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chazu/nai/vm"
)

// FileName is the manifest file looked up in a project directory.
const FileName = "nai.toml"

// Defaults applied to settings the manifest leaves out.
const (
	DefaultEntry     = "main"
	DefaultCachePath = ".nai/cache.db"
	DefaultPort      = 7071
	DefaultTimeout   = 10 * time.Second
)

// Manifest represents a nai.toml project configuration.
type Manifest struct {
	Project Project      `toml:"project"`
	Source  Source       `toml:"source"`
	VM      VMConfig     `toml:"vm"`
	Cache   CacheConfig  `toml:"cache"`
	Server  ServerConfig `toml:"server"`

	// Dir is the directory containing the nai.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

// Source lists the files to compile and the entry function.
type Source struct {
	Files []string `toml:"files"`
	Entry string   `toml:"entry"`
}

// VMConfig sizes and limits the interpreter. Zero means the vm default,
// except MaxInstructions where zero means no limit.
type VMConfig struct {
	StackSize       uint64 `toml:"stack-size"`
	HeapSize        uint64 `toml:"heap-size"`
	MaxInstructions uint64 `toml:"max-instructions"`
	MaxCallDepth    int    `toml:"max-call-depth"`
	Trace           bool   `toml:"trace"`
}

// CacheConfig configures the compiled image cache.
type CacheConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// ServerConfig configures the execution service.
type ServerConfig struct {
	Port    int           `toml:"port"`
	Workers int           `toml:"workers"`
	Timeout time.Duration `toml:"timeout"`
}

// Default returns the configuration used when no nai.toml exists.
func Default(dir string) *Manifest {
	m := &Manifest{Dir: dir}
	m.Cache.Enabled = true
	m.applyDefaults()
	return m
}

// Load parses a nai.toml file from the given directory.
func Load(dir string) (*Manifest, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses a manifest at an explicit path. Relative paths inside it
// resolve against the file's directory.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	m, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Dir, err = filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates manifest text. Dir is left empty.
func Parse(text string) (*Manifest, error) {
	var raw map[string]any
	if _, err := toml.Decode(text, &raw); err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if raw == nil {
		raw = map[string]any{}
	}
	if err := Validate(raw); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var m Manifest
	md, err := toml.Decode(text, &m)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}
	if !md.IsDefined("cache", "enabled") {
		m.Cache.Enabled = true
	}
	m.applyDefaults()
	return &m, nil
}

func (m *Manifest) applyDefaults() {
	if m.Source.Entry == "" {
		m.Source.Entry = DefaultEntry
	}
	if m.VM.StackSize == 0 {
		m.VM.StackSize = vm.DefaultStackSize
	}
	if m.VM.HeapSize == 0 {
		m.VM.HeapSize = vm.DefaultHeapSize
	}
	if m.VM.MaxCallDepth == 0 {
		m.VM.MaxCallDepth = vm.DefaultMaxCallDepth
	}
	if m.Cache.Path == "" {
		m.Cache.Path = DefaultCachePath
	}
	if m.Server.Port == 0 {
		m.Server.Port = DefaultPort
	}
	if m.Server.Workers == 0 {
		m.Server.Workers = runtime.GOMAXPROCS(0)
	}
	if m.Server.Timeout == 0 {
		m.Server.Timeout = DefaultTimeout
	}
}

// FindAndLoad walks up from startDir to find a nai.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// SourcePaths returns absolute paths for the configured source files.
func (m *Manifest) SourcePaths() []string {
	var paths []string
	for _, f := range m.Source.Files {
		paths = append(paths, m.resolve(f))
	}
	return paths
}

// CachePath returns the absolute path of the image cache database.
func (m *Manifest) CachePath() string {
	return m.resolve(m.Cache.Path)
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}

// VMConfig returns the interpreter configuration described by the manifest.
// Output is left for the caller to set.
func (m *Manifest) VMConfig() vm.Config {
	return vm.Config{
		StackSize:       m.VM.StackSize,
		HeapSize:        m.VM.HeapSize,
		MaxInstructions: m.VM.MaxInstructions,
		MaxCallDepth:    m.VM.MaxCallDepth,
		Trace:           m.VM.Trace,
	}
}
