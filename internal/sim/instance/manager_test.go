package instance

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg Config, stateFile string) *Manager {
	t.Helper()
	worlds := 0
	factory := func(zone ZoneType, name string) (string, error) {
		worlds++
		return fmt.Sprintf("world-%s-%d", zone, worlds), nil
	}
	m, err := NewManager(cfg, factory, stateFile)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestFindOrCreateFillsThenShards(t *testing.T) {
	m := newTestManager(t, Config{MaxBots: 10}, "")

	var first Allocation
	for i := 0; i < 10; i++ {
		a, err := m.FindOrCreate(ZoneGeneral)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if i == 0 {
			first = a
		}
		if a.InstanceID != first.InstanceID {
			t.Fatalf("alloc %d went to %s, want %s", i, a.InstanceID, first.InstanceID)
		}
	}
	inst, _ := m.Get(first.InstanceID)
	if inst.Status != StatusFull || inst.CurrentBots != 10 {
		t.Fatalf("first instance = %+v, want FULL at 10", inst)
	}

	// Full zone: the next allocation creates a second instance and leaves
	// the first untouched.
	a, err := m.FindOrCreate(ZoneGeneral)
	if err != nil {
		t.Fatalf("overflow alloc: %v", err)
	}
	if a.InstanceID == first.InstanceID {
		t.Fatal("allocation placed into a FULL instance")
	}
	second, _ := m.Get(a.InstanceID)
	if second.CurrentBots != 1 || second.Status != StatusActive {
		t.Fatalf("second instance = %+v", second)
	}
	inst, _ = m.Get(first.InstanceID)
	if inst.CurrentBots != 10 {
		t.Fatalf("first instance mutated: %+v", inst)
	}
}

func TestZonesAreIndependent(t *testing.T) {
	m := newTestManager(t, Config{MaxBots: 2}, "")

	a, _ := m.FindOrCreate(ZoneGeneral)
	b, err := m.FindOrCreate(ZoneEvent)
	if err != nil {
		t.Fatalf("event alloc: %v", err)
	}
	if a.InstanceID == b.InstanceID || a.WorldID == b.WorldID {
		t.Fatalf("zones share a shard: %v vs %v", a, b)
	}
}

func TestReleaseSlotDemotesFull(t *testing.T) {
	m := newTestManager(t, Config{MaxBots: 2}, "")

	a, _ := m.FindOrCreate(ZoneGeneral)
	_, _ = m.FindOrCreate(ZoneGeneral)
	inst, _ := m.Get(a.InstanceID)
	if inst.Status != StatusFull {
		t.Fatalf("status = %s, want FULL", inst.Status)
	}

	if err := m.ReleaseSlot(a.InstanceID); err != nil {
		t.Fatalf("ReleaseSlot: %v", err)
	}
	inst, _ = m.Get(a.InstanceID)
	if inst.Status != StatusActive || inst.CurrentBots != 1 {
		t.Fatalf("after release = %+v", inst)
	}

	if err := m.ReleaseSlot("nope"); err == nil {
		t.Fatal("release of unknown instance should fail")
	}
}

func TestLowestLoadTieBreak(t *testing.T) {
	m := newTestManager(t, Config{MaxBots: 4}, "")

	a, _ := m.FindOrCreate(ZoneGeneral) // general-1: 1
	_ = m.MarkDraining(a.InstanceID)
	b, _ := m.FindOrCreate(ZoneGeneral) // general-2: 1
	_ = m.ReleaseSlot(b.InstanceID)     // general-2: 0
	_ = m.SetStatus(a.InstanceID, StatusActive)

	// general-2 (load 0) beats general-1 (load 1).
	c, _ := m.FindOrCreate(ZoneGeneral)
	if c.InstanceID != b.InstanceID {
		t.Fatalf("allocation to %s, want lowest-load %s", c.InstanceID, b.InstanceID)
	}
}

func TestDrainingRefusesAllocations(t *testing.T) {
	m := newTestManager(t, Config{MaxBots: 4}, "")

	a, _ := m.FindOrCreate(ZoneGeneral)
	if err := m.MarkDraining(a.InstanceID); err != nil {
		t.Fatalf("MarkDraining: %v", err)
	}
	b, err := m.FindOrCreate(ZoneGeneral)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if b.InstanceID == a.InstanceID {
		t.Fatal("allocation placed into a DRAINING instance")
	}
}

func TestForcePlaceRequiresGrace(t *testing.T) {
	m := newTestManager(t, Config{MaxBots: 1, OverCapacityGrace: time.Minute}, "")

	a, _ := m.FindOrCreate(ZoneGeneral)
	if err := m.ForcePlace(a.InstanceID); err == nil {
		t.Fatal("over-capacity placement without grace should fail")
	}
	if err := m.GrantGrace(a.InstanceID); err != nil {
		t.Fatalf("GrantGrace: %v", err)
	}
	if err := m.ForcePlace(a.InstanceID); err != nil {
		t.Fatalf("ForcePlace in grace: %v", err)
	}
	inst, _ := m.Get(a.InstanceID)
	if inst.CurrentBots != 2 {
		t.Fatalf("current bots = %d, want 2", inst.CurrentBots)
	}
}

func TestHealthReportFlags(t *testing.T) {
	m := newTestManager(t, Config{MaxBots: 10, HighLoadPct: 90, EmptyDrainAfter: time.Millisecond}, "")

	hot, _ := m.FindOrCreate(ZoneGeneral)
	for i := 0; i < 9; i++ {
		_, _ = m.FindOrCreate(ZoneGeneral)
	}
	cold, _ := m.FindOrCreate(ZoneGeneral) // second shard, then emptied
	_ = m.ReleaseSlot(cold.InstanceID)
	time.Sleep(5 * time.Millisecond)

	dead := map[string]bool{}
	report := m.HealthReport(func(worldID string) bool { return !dead[worldID] })
	byID := map[string]HealthEntry{}
	for _, e := range report {
		byID[e.InstanceID] = e
	}

	if !hasFlag(byID[hot.InstanceID], FlagShardRecommended) {
		t.Fatalf("hot instance not flagged: %+v", byID[hot.InstanceID])
	}
	if !hasFlag(byID[cold.InstanceID], FlagDrainRecommended) {
		t.Fatalf("chronically empty instance not flagged: %+v", byID[cold.InstanceID])
	}

	dead[byID[hot.InstanceID].WorldID] = true
	report = m.HealthReport(func(worldID string) bool { return !dead[worldID] })
	for _, e := range report {
		if e.InstanceID == hot.InstanceID && !hasFlag(e, FlagReassignRecommended) {
			t.Fatalf("dead world not flagged: %+v", e)
		}
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "instances.json")
	m := newTestManager(t, Config{MaxBots: 3}, stateFile)

	a, _ := m.FindOrCreate(ZoneGeneral)
	_, _ = m.FindOrCreate(ZoneGeneral)
	_ = m.MarkDraining(a.InstanceID)
	if err := m.FlushState(context.Background()); err != nil {
		t.Fatalf("FlushState: %v", err)
	}
	m.Close()

	m2 := newTestManager(t, Config{MaxBots: 3}, stateFile)
	inst, ok := m2.Get(a.InstanceID)
	if !ok {
		t.Fatal("instance lost across restart")
	}
	if inst.Status != StatusDraining || inst.CurrentBots != 2 {
		t.Fatalf("restored instance = %+v", inst)
	}

	// Counter restored: the next created shard does not reuse a name.
	b, _ := m2.FindOrCreate(ZoneGeneral)
	if b.InstanceID == a.InstanceID {
		t.Fatalf("name %s reused after restart", b.InstanceID)
	}
}

func hasFlag(e HealthEntry, flag string) bool {
	for _, f := range e.Flags {
		if f == flag {
			return true
		}
	}
	return false
}
