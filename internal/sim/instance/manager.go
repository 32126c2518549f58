package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type ZoneType string

const (
	ZoneGeneral    ZoneType = "general"
	ZoneRegional   ZoneType = "regional"
	ZoneEvent      ZoneType = "event"
	ZoneRestricted ZoneType = "restricted"
	ZoneTest       ZoneType = "test"
)

type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusFull        Status = "FULL"
	StatusDraining    Status = "DRAINING"
	StatusMaintenance Status = "MAINTENANCE"
)

// Instance is one capacity-bounded shard. CurrentBots never exceeds MaxBots
// outside an explicitly granted grace window; status tracks load: ACTIVE
// below capacity, FULL at capacity, DRAINING/MAINTENANCE by operator action.
type Instance struct {
	Name        string    `json:"name"`
	ZoneType    ZoneType  `json:"zone_type"`
	Status      Status    `json:"status"`
	CurrentBots int       `json:"current_bots"`
	MaxBots     int       `json:"max_bots"`
	WorldID     string    `json:"world_id"`
	GraceUntil  time.Time `json:"grace_until,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Allocation struct {
	InstanceID string
	WorldID    string
}

// WorldFactory binds a new instance to a world. It may return an existing
// world id when worlds are shared between shards of a zone.
type WorldFactory func(zone ZoneType, instanceName string) (worldID string, err error)

type Config struct {
	MaxBots           int
	OverCapacityGrace time.Duration
	HighLoadPct       int
	EmptyDrainAfter   time.Duration
}

func (c *Config) normalize() {
	if c.MaxBots <= 0 {
		c.MaxBots = 10
	}
	if c.HighLoadPct <= 0 || c.HighLoadPct > 100 {
		c.HighLoadPct = 90
	}
	if c.EmptyDrainAfter <= 0 {
		c.EmptyDrainAfter = time.Hour
	}
}

type persistedState struct {
	Version     int                  `json:"version"`
	Instances   []Instance           `json:"instances"`
	ZoneDefault map[string]string    `json:"zone_default,omitempty"`
	ZoneCounter map[string]int       `json:"zone_counter,omitempty"`
	EmptySince  map[string]time.Time `json:"empty_since,omitempty"`
}

type Manager struct {
	mu sync.RWMutex

	cfg       Config
	newWorld  WorldFactory
	stateFile string

	instances map[string]*Instance
	// First instance created per zone; exempt from the chronically-empty
	// drain recommendation.
	zoneDefault map[ZoneType]string
	zoneCounter map[ZoneType]int
	emptySince  map[string]time.Time

	persistDebounce time.Duration
	persistCh       chan struct{}
	persistFlush    chan chan struct{}
	persistStop     chan struct{}
	persistWG       sync.WaitGroup
	closeOnce       sync.Once
}

func NewManager(cfg Config, factory WorldFactory, stateFile string) (*Manager, error) {
	if factory == nil {
		return nil, fmt.Errorf("nil world factory")
	}
	cfg.normalize()
	m := &Manager{
		cfg:             cfg,
		newWorld:        factory,
		stateFile:       stateFile,
		instances:       map[string]*Instance{},
		zoneDefault:     map[ZoneType]string{},
		zoneCounter:     map[ZoneType]int{},
		emptySince:      map[string]time.Time{},
		persistDebounce: 200 * time.Millisecond,
		persistCh:       make(chan struct{}, 1),
		persistFlush:    make(chan chan struct{}, 8),
		persistStop:     make(chan struct{}),
	}
	m.loadState()
	m.persistWG.Add(1)
	go m.persistLoop()
	return m, nil
}

// FindOrCreate places one occupant in the lowest-load ACTIVE instance of the
// zone, creating a new instance when none has room. Capacity overflow is
// never surfaced to the caller; only a failed world binding is.
func (m *Manager) FindOrCreate(zone ZoneType) (Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *Instance
	for _, inst := range m.instances {
		if inst.ZoneType != zone || inst.Status != StatusActive {
			continue
		}
		if inst.CurrentBots >= inst.MaxBots {
			continue
		}
		if best == nil ||
			inst.CurrentBots < best.CurrentBots ||
			(inst.CurrentBots == best.CurrentBots && inst.Name < best.Name) {
			best = inst
		}
	}
	if best != nil {
		best.CurrentBots++
		if best.CurrentBots >= best.MaxBots {
			best.Status = StatusFull
		}
		delete(m.emptySince, best.Name)
		m.schedulePersistLocked()
		return Allocation{InstanceID: best.Name, WorldID: best.WorldID}, nil
	}

	m.zoneCounter[zone]++
	name := fmt.Sprintf("%s-%d", zone, m.zoneCounter[zone])
	worldID, err := m.newWorld(zone, name)
	if err != nil {
		m.zoneCounter[zone]--
		return Allocation{}, fmt.Errorf("bind world for %s: %w", name, err)
	}
	inst := &Instance{
		Name:        name,
		ZoneType:    zone,
		Status:      StatusActive,
		CurrentBots: 1,
		MaxBots:     m.cfg.MaxBots,
		WorldID:     worldID,
		CreatedAt:   time.Now().UTC(),
	}
	if inst.CurrentBots >= inst.MaxBots {
		inst.Status = StatusFull
	}
	m.instances[name] = inst
	if _, ok := m.zoneDefault[zone]; !ok {
		m.zoneDefault[zone] = name
	}
	m.schedulePersistLocked()
	return Allocation{InstanceID: name, WorldID: worldID}, nil
}

// ReleaseSlot frees one occupant slot. A FULL instance with room again goes
// back to ACTIVE; DRAINING/MAINTENANCE stay as the operator set them.
func (m *Manager) ReleaseSlot(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[instanceID]
	if inst == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	if inst.CurrentBots > 0 {
		inst.CurrentBots--
	}
	if inst.Status == StatusFull && inst.CurrentBots < inst.MaxBots {
		inst.Status = StatusActive
	}
	if inst.CurrentBots == 0 {
		if _, ok := m.emptySince[instanceID]; !ok {
			m.emptySince[instanceID] = time.Now().UTC()
		}
	}
	m.schedulePersistLocked()
	return nil
}

// ForcePlace admits one occupant beyond capacity during the instance's
// grace window (migration out of a draining shard). Outside a grace window
// it enforces the capacity invariant.
func (m *Manager) ForcePlace(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[instanceID]
	if inst == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	if inst.CurrentBots >= inst.MaxBots && time.Now().After(inst.GraceUntil) {
		return fmt.Errorf("instance %s at capacity with no grace window", instanceID)
	}
	inst.CurrentBots++
	if inst.Status == StatusActive && inst.CurrentBots >= inst.MaxBots {
		inst.Status = StatusFull
	}
	delete(m.emptySince, instanceID)
	m.schedulePersistLocked()
	return nil
}

// GrantGrace opens an over-capacity window on the instance.
func (m *Manager) GrantGrace(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[instanceID]
	if inst == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	inst.GraceUntil = time.Now().Add(m.cfg.OverCapacityGrace)
	m.schedulePersistLocked()
	return nil
}

// SetStatus applies an operator status change. DRAINING and MAINTENANCE
// refuse new allocations; setting ACTIVE on a full instance snaps to FULL.
func (m *Manager) SetStatus(instanceID string, status Status) error {
	switch status {
	case StatusActive, StatusFull, StatusDraining, StatusMaintenance:
	default:
		return fmt.Errorf("unknown status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.instances[instanceID]
	if inst == nil {
		return fmt.Errorf("instance not found: %s", instanceID)
	}
	inst.Status = status
	if status == StatusActive && inst.CurrentBots >= inst.MaxBots {
		inst.Status = StatusFull
	}
	m.schedulePersistLocked()
	return nil
}

func (m *Manager) MarkDraining(instanceID string) error {
	return m.SetStatus(instanceID, StatusDraining)
}

// Get returns a copy of one instance.
func (m *Manager) Get(instanceID string) (Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.instances[instanceID]
	if inst == nil {
		return Instance{}, false
	}
	return *inst, true
}

// Instances returns copies of all instances sorted by name.
func (m *Manager) Instances() []Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		out = append(out, *inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// HealthEntry is one row of the health report.
type HealthEntry struct {
	InstanceID  string   `json:"instance_id"`
	ZoneType    ZoneType `json:"zone_type"`
	Status      Status   `json:"status"`
	CurrentBots int      `json:"current_bots"`
	MaxBots     int      `json:"max_bots"`
	WorldID     string   `json:"world_id"`
	LoadPct     int      `json:"load_pct"`
	Flags       []string `json:"flags,omitempty"`
}

const (
	FlagShardRecommended    = "shard_recommended"
	FlagDrainRecommended    = "drain_recommended"
	FlagReassignRecommended = "reassign_recommended"
)

// HealthReport computes load and advisory flags per instance: above the
// high-load threshold, chronically empty non-default shards, and shards
// whose bound world fails the liveness check. liveness may be nil.
func (m *Manager) HealthReport(liveness func(worldID string) bool) []HealthEntry {
	now := time.Now().UTC()
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]HealthEntry, 0, len(m.instances))
	for _, inst := range m.instances {
		e := HealthEntry{
			InstanceID:  inst.Name,
			ZoneType:    inst.ZoneType,
			Status:      inst.Status,
			CurrentBots: inst.CurrentBots,
			MaxBots:     inst.MaxBots,
			WorldID:     inst.WorldID,
		}
		if inst.MaxBots > 0 {
			e.LoadPct = inst.CurrentBots * 100 / inst.MaxBots
		}
		if e.LoadPct > m.cfg.HighLoadPct {
			e.Flags = append(e.Flags, FlagShardRecommended)
		}
		if inst.CurrentBots == 0 && m.zoneDefault[inst.ZoneType] != inst.Name {
			if since, ok := m.emptySince[inst.Name]; ok && now.Sub(since) >= m.cfg.EmptyDrainAfter {
				e.Flags = append(e.Flags, FlagDrainRecommended)
			}
		}
		if liveness != nil && !liveness(inst.WorldID) {
			e.Flags = append(e.Flags, FlagReassignRecommended)
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

func (m *Manager) loadState() {
	if strings.TrimSpace(m.stateFile) == "" {
		return
	}
	b, err := os.ReadFile(m.stateFile)
	if err != nil {
		return
	}
	var st persistedState
	if err := json.Unmarshal(b, &st); err != nil {
		return
	}
	for i := range st.Instances {
		inst := st.Instances[i]
		if inst.Name == "" {
			continue
		}
		m.instances[inst.Name] = &inst
	}
	for zone, name := range st.ZoneDefault {
		if zone != "" && name != "" {
			m.zoneDefault[ZoneType(zone)] = name
		}
	}
	for zone, n := range st.ZoneCounter {
		if zone != "" && n > 0 {
			m.zoneCounter[ZoneType(zone)] = n
		}
	}
	for name, ts := range st.EmptySince {
		if name != "" && !ts.IsZero() {
			m.emptySince[name] = ts
		}
	}
}

func (m *Manager) schedulePersistLocked() {
	if m.stateFile == "" || m.persistCh == nil {
		return
	}
	select {
	case m.persistCh <- struct{}{}:
	default:
	}
}

func (m *Manager) persistLoop() {
	defer m.persistWG.Done()
	var timer *time.Timer
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
	}
	for {
		var timerCh <-chan time.Time
		if timer != nil {
			timerCh = timer.C
		}
		select {
		case <-m.persistStop:
			stopTimer()
			m.persistNow()
			return
		case <-m.persistCh:
			if timer == nil {
				timer = time.NewTimer(m.persistDebounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(m.persistDebounce)
			}
		case ack := <-m.persistFlush:
			stopTimer()
			m.persistNow()
			if ack != nil {
				close(ack)
			}
		case <-timerCh:
			stopTimer()
			m.persistNow()
		}
	}
}

func (m *Manager) persistNow() {
	if m.stateFile == "" {
		return
	}
	m.mu.RLock()
	st := persistedState{
		Version:     1,
		Instances:   make([]Instance, 0, len(m.instances)),
		ZoneDefault: map[string]string{},
		ZoneCounter: map[string]int{},
		EmptySince:  map[string]time.Time{},
	}
	for _, inst := range m.instances {
		st.Instances = append(st.Instances, *inst)
	}
	for zone, name := range m.zoneDefault {
		st.ZoneDefault[string(zone)] = name
	}
	for zone, n := range m.zoneCounter {
		st.ZoneCounter[string(zone)] = n
	}
	for name, ts := range m.emptySince {
		st.EmptySince[name] = ts
	}
	m.mu.RUnlock()

	sort.Slice(st.Instances, func(i, j int) bool { return st.Instances[i].Name < st.Instances[j].Name })

	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	tmp := m.stateFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return
	}
	_ = os.Rename(tmp, m.stateFile)
}

// FlushState forces a synchronous persist, for shutdown paths and tests.
func (m *Manager) FlushState(ctx context.Context) error {
	if m.stateFile == "" || m.persistFlush == nil {
		return nil
	}
	ack := make(chan struct{})
	select {
	case m.persistFlush <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.persistStop != nil {
			close(m.persistStop)
		}
		m.persistWG.Wait()
	})
}
