package alias

import (
	"errors"
	"testing"

	"github.com/nextlevelbuilder/talon/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	r, err := NewRegistry(st)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r, st
}

func TestSetResolveRemove(t *testing.T) {
	r, _ := newTestRegistry(t)

	rec, err := r.Set("Runbook", "socket:eng:main")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if rec.Alias != "runbook" {
		t.Errorf("alias not normalized: %q", rec.Alias)
	}

	key, ok := r.Resolve("RUNBOOK")
	if !ok || key != "socket:eng:main" {
		t.Errorf("Resolve = %q, %v", key, ok)
	}

	prev, err := r.Remove("runbook")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if prev.SessionKey != "socket:eng:main" {
		t.Errorf("Remove returned %+v", prev)
	}
	if _, err := r.Remove("runbook"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove = %v, want ErrNotFound", err)
	}
}

func TestInvalidNames(t *testing.T) {
	r, _ := newTestRegistry(t)

	for _, bad := range []string{"", "has space", "sl/ash", "x:y", string(make([]byte, 65))} {
		if _, err := r.Set(bad, "socket:eng:main"); !errors.Is(err, ErrInvalidAlias) {
			t.Errorf("Set(%q) = %v, want ErrInvalidAlias", bad, err)
		}
	}
}

func TestSingleHopResolution(t *testing.T) {
	r, _ := newTestRegistry(t)

	if _, err := r.Set("primary", "slack:C1:main"); err != nil {
		t.Fatalf("Set primary: %v", err)
	}
	// Pointing at an existing alias binds to its session, never chains.
	if _, err := r.Set("secondary", "primary"); err != nil {
		t.Fatalf("Set secondary: %v", err)
	}
	key, ok := r.Resolve("secondary")
	if !ok || key != "slack:C1:main" {
		t.Errorf("Resolve(secondary) = %q, want slack:C1:main", key)
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	r, st := newTestRegistry(t)
	if _, err := r.Set("ops", "discord:988:main"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	r2, err := NewRegistry(st)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	key, ok := r2.Resolve("ops")
	if !ok || key != "discord:988:main" {
		t.Errorf("after reload Resolve = %q, %v", key, ok)
	}
}

func TestAliasesForSession(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Set("b", "slack:C1:main")
	r.Set("a", "slack:C1:main")
	r.Set("c", "slack:C2:main")

	got := r.AliasesForSession("slack:C1:main")
	if len(got) != 2 || got[0].Alias != "a" || got[1].Alias != "b" {
		t.Errorf("AliasesForSession = %+v", got)
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	for _, in := range []string{"MiXeD", " padded ", "already"} {
		once := Normalize(in)
		if Normalize(once) != once {
			t.Errorf("Normalize not idempotent for %q", in)
		}
	}
}
