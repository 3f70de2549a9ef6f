package tiered

import (
	"testing"
	"time"

	"github.com/cloud-shuttle/switchboard/pkg/types"
)

func TestMemoryTTLAndSweep(t *testing.T) {
	m := NewMemory()
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	m.SetVersioned("old", []byte("a"), types.Version{Step: 1}, 0)
	m.Set("short", []byte("b"), time.Minute)

	now = now.Add(30 * time.Minute)
	m.Set("recent", []byte("c"), 0)

	if _, ok := m.Get("short", 0); ok {
		t.Error("expired entry still readable")
	}
	if _, ok := m.Get("old", 10*time.Minute); ok {
		t.Error("entry outside freshness window still readable")
	}
	if _, ok := m.Get("old", 0); !ok {
		t.Error("entry without freshness check not readable")
	}
	if v, ok := m.Version("old"); !ok || v.Step != 1 {
		t.Errorf("Version(old) = %v, %v", v, ok)
	}
	if _, ok := m.Version("recent"); ok {
		t.Error("unversioned entry reported a version")
	}

	now = now.Add(45 * time.Minute)
	removed := m.Sweep(time.Hour)
	// "old" is 75 minutes old, "short" expired, "recent" is 45 minutes old
	if removed != 2 {
		t.Errorf("Sweep removed %d entries, want 2", removed)
	}
	if m.Len() != 1 {
		t.Errorf("Len = %d after sweep, want 1", m.Len())
	}
	if _, ok := m.Get("recent", 0); !ok {
		t.Error("recent entry swept")
	}
}
