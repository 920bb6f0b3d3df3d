package server

import (
	"testing"
	"time"

	"github.com/chazu/nai/vm"
)

func TestModuleStore_AddAndLookup(t *testing.T) {
	s := NewModuleStore()
	m := vm.NewModule("a.nai")

	id := s.Add("key-a", m)
	if id == "" {
		t.Fatal("Add returned an empty id")
	}
	if again := s.Add("key-a", m); again != id {
		t.Errorf("re-adding the same key gave id %q, want %q", again, id)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}

	got, ok := s.Lookup(id)
	if !ok || got != m {
		t.Fatalf("Lookup(%q) = %v, %v", id, got, ok)
	}
	kid, km, ok := s.LookupKey("key-a")
	if !ok || kid != id || km != m {
		t.Errorf("LookupKey = %q, %v, %v", kid, km, ok)
	}
	if _, ok := s.Lookup("missing"); ok {
		t.Error("Lookup of unknown id should fail")
	}
}

func TestModuleStore_Release(t *testing.T) {
	s := NewModuleStore()
	id := s.Add("k", vm.NewModule("a.nai"))
	s.Release(id)
	s.Release(id)

	if _, ok := s.Lookup(id); ok {
		t.Error("released module still found by id")
	}
	if _, _, ok := s.LookupKey("k"); ok {
		t.Error("released module still found by key")
	}
}

func TestModuleStore_Sweep(t *testing.T) {
	s := NewModuleStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	old := s.Add("old", vm.NewModule("old.nai"))
	now = now.Add(20 * time.Minute)
	fresh := s.Add("fresh", vm.NewModule("fresh.nai"))
	now = now.Add(15 * time.Minute)

	if n := s.Sweep(30 * time.Minute); n != 1 {
		t.Fatalf("Sweep removed %d modules, want 1", n)
	}
	if _, ok := s.Lookup(old); ok {
		t.Error("idle module survived the sweep")
	}
	if _, ok := s.Lookup(fresh); !ok {
		t.Error("recent module was swept")
	}
}

func TestModuleStore_LookupKeepsModuleAlive(t *testing.T) {
	s := NewModuleStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	id := s.Add("k", vm.NewModule("a.nai"))
	now = now.Add(25 * time.Minute)
	s.Lookup(id)
	now = now.Add(25 * time.Minute)

	if n := s.Sweep(30 * time.Minute); n != 0 {
		t.Errorf("Sweep removed %d modules, want 0", n)
	}
}

func TestModuleStore_StartSweeper(t *testing.T) {
	s := NewModuleStore()
	s.Add("k", vm.NewModule("a.nai"))

	stop := s.StartSweeper(5*time.Millisecond, -time.Hour)
	defer stop()

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never removed the module")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
