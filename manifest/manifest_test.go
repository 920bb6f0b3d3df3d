package manifest

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/chazu/nai/vm"
)

func writeManifest(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "test-app"
version = "0.1.0"

[source]
files = ["main.nai", "lib/util.nai"]
entry = "main"

[vm]
stack-size = 8192
heap-size = 65536
max-instructions = 100000
max-call-depth = 128
trace = true

[cache]
enabled = false
path = "/tmp/nai-cache.db"

[server]
port = 9000
workers = 3
timeout = "1m30s"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" || m.Project.Version != "0.1.0" {
		t.Errorf("project = %+v", m.Project)
	}
	paths := m.SourcePaths()
	if len(paths) != 2 || paths[1] != filepath.Join(m.Dir, "lib", "util.nai") {
		t.Errorf("source paths = %v", paths)
	}

	cfg := m.VMConfig()
	if cfg.StackSize != 8192 || cfg.HeapSize != 65536 || cfg.MaxInstructions != 100000 ||
		cfg.MaxCallDepth != 128 || !cfg.Trace {
		t.Errorf("vm config = %+v", cfg)
	}

	if m.Cache.Enabled {
		t.Error("cache should be disabled")
	}
	if m.CachePath() != "/tmp/nai-cache.db" {
		t.Errorf("cache path = %q", m.CachePath())
	}
	if m.Server.Port != 9000 || m.Server.Workers != 3 {
		t.Errorf("server = %+v", m.Server)
	}
	if m.Server.Timeout != 90*time.Second {
		t.Errorf("timeout = %v, want 1m30s", m.Server.Timeout)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Source.Entry != DefaultEntry {
		t.Errorf("entry = %q, want %q", m.Source.Entry, DefaultEntry)
	}
	if m.VM.StackSize != vm.DefaultStackSize || m.VM.HeapSize != vm.DefaultHeapSize {
		t.Errorf("vm = %+v", m.VM)
	}
	if m.VM.MaxCallDepth != vm.DefaultMaxCallDepth {
		t.Errorf("max call depth = %d", m.VM.MaxCallDepth)
	}
	if !m.Cache.Enabled {
		t.Error("cache should default to enabled")
	}
	if m.CachePath() != filepath.Join(m.Dir, DefaultCachePath) {
		t.Errorf("cache path = %q", m.CachePath())
	}
	if m.Server.Port != DefaultPort || m.Server.Timeout != DefaultTimeout {
		t.Errorf("server = %+v", m.Server)
	}
	if m.Server.Workers != runtime.GOMAXPROCS(0) {
		t.Errorf("workers = %d", m.Server.Workers)
	}
}

func TestDefaultMatchesEmptyManifest(t *testing.T) {
	parsed, err := Parse("")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	def := Default("")
	if parsed.VMConfig() != def.VMConfig() || parsed.Cache != def.Cache || parsed.Server != def.Server {
		t.Errorf("Default() = %+v, empty manifest = %+v", def, parsed)
	}
}

func TestLoadManifestNotFound(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing nai.toml")
	}
}

func TestLoadManifestInvalidTOML(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "[project\nname = ")
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("err = %v, want parse error", err)
	}
}

func TestSchemaRejections(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown section", "[linker]\nflags = 1\n"},
		{"unknown key", "[vm]\nstacksize = 4096\n"},
		{"wrong type", "[vm]\ntrace = \"yes\"\n"},
		{"stack too small", "[vm]\nstack-size = 16\n"},
		{"bad port", "[server]\nport = 70000\n"},
		{"bad duration", "[server]\ntimeout = \"soon\"\n"},
		{"bad source file", "[source]\nfiles = [\"main.c\"]\n"},
		{"bad entry", "[source]\nentry = \"1main\"\n"},
		{"empty name", "[project]\nname = \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.content)
			if err == nil {
				t.Fatal("expected schema error")
			}
			if !strings.Contains(err.Error(), "invalid manifest") {
				t.Errorf("err = %v, want schema error", err)
			}
		})
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[project]\nname = \"found\"\n")
	deep := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(deep, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(deep)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil || m.Project.Name != "found" {
		t.Fatalf("manifest = %+v", m)
	}
	abs, _ := filepath.Abs(root)
	if m.Dir != abs {
		t.Errorf("dir = %q, want %q", m.Dir, abs)
	}
}

func TestFindAndLoadNotFound(t *testing.T) {
	m, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil manifest, got %+v", m)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ci.toml")
	content := "[source]\nfiles = [\"prog.nai\"]\n\n[cache]\npath = \"tmp/images.db\"\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got, want := m.SourcePaths()[0], filepath.Join(dir, "prog.nai"); got != want {
		t.Errorf("source path = %q, want %q", got, want)
	}
	if got, want := m.CachePath(), filepath.Join(dir, "tmp", "images.db"); got != want {
		t.Errorf("cache path = %q, want %q", got, want)
	}
}
