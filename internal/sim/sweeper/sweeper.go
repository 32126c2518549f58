package sweeper

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"pixeltown.ai/internal/sim/instance"
	"pixeltown.ai/internal/sim/tuning"
	"pixeltown.ai/internal/sim/world"
)

// Presence reports when a player's external controller was last seen. A
// missing record means the player was never driven over this transport and
// is left alone.
type Presence interface {
	LastSeen(worldID string, playerID uint64) (time.Time, bool)
}

// Recorder receives one row per sweep pass, for the sweep history index.
type Recorder interface {
	RecordSweep(worldID, kind string, cleared int)
}

// Sweeper runs the periodic repair passes. Every repair goes through the
// ordinary command queue of the owning world, so it serializes with regular
// traffic and stays idempotent; the sweeper itself never touches world state.
type Sweeper struct {
	cfg      tuning.Sweeps
	worlds   func() []*world.World
	mgr      *instance.Manager
	presence Presence
	rec      Recorder
	logger   *log.Logger
}

func New(cfg tuning.Sweeps, worlds func() []*world.World, mgr *instance.Manager, presence Presence, rec Recorder, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		cfg:      cfg,
		worlds:   worlds,
		mgr:      mgr,
		presence: presence,
		rec:      rec,
		logger:   logger,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepInputs(time.Duration(s.cfg.StuckInputAfterMs) * time.Millisecond)
			s.SweepOperations()
			s.SweepOrphans()
			s.HealthPass()
		}
	}
}

// SweepInputs submits a stuck-input clear to every world. olderThan is the
// base threshold; commands on the slow allowlist use the configured wider
// one. Returns the number of inputs observed over threshold at submit time.
func (s *Sweeper) SweepInputs(olderThan time.Duration) int {
	slowOlder := time.Duration(s.cfg.StuckInputSlowAfterMs) * time.Millisecond
	if slowOlder < olderThan {
		slowOlder = olderThan
	}
	observed := 0
	now := time.Now()
	for _, w := range s.worlds() {
		over := 0
		for _, p := range w.PendingInputs() {
			if now.Sub(p.ReceivedAt) >= olderThan {
				over++
			}
		}
		observed += over
		args, _ := json.Marshal(map[string]any{
			"older_than_ms":      olderThan.Milliseconds(),
			"slow_older_than_ms": slowOlder.Milliseconds(),
			"slow_commands":      s.cfg.SlowCommands,
		})
		if _, err := w.Submit("clearStuckInputs", args); err != nil {
			s.logger.Printf("sweep inputs world=%s submit failed: %v", w.ID(), err)
			continue
		}
		if s.rec != nil {
			s.rec.RecordSweep(w.ID(), "inputs", over)
		}
	}
	return observed
}

// SweepOperations clears every operation the worlds flagged as overdue.
func (s *Sweeper) SweepOperations() int {
	submitted := 0
	for _, w := range s.worlds() {
		stuck := w.StuckOperations()
		for _, op := range stuck {
			args, _ := json.Marshal(map[string]any{
				"agent_id":     op.AgentID,
				"operation_id": op.OperationID,
			})
			if _, err := w.Submit("clearStuckOperation", args); err != nil {
				s.logger.Printf("sweep operations world=%s agent=%d submit failed: %v", w.ID(), op.AgentID, err)
				continue
			}
			submitted++
		}
		if s.rec != nil && len(stuck) > 0 {
			s.rec.RecordSweep(w.ID(), "operations", len(stuck))
		}
	}
	return submitted
}

// SweepOrphans archives players whose controller has been gone longer than
// the orphan threshold. Players the presence layer never saw are skipped.
func (s *Sweeper) SweepOrphans() int {
	if s.presence == nil {
		return 0
	}
	threshold := time.Duration(s.cfg.OrphanAfterMs) * time.Millisecond
	now := time.Now()
	archived := 0
	for _, w := range s.worlds() {
		v := w.View()
		if v == nil {
			continue
		}
		count := 0
		for _, p := range v.Players {
			if p.Archived {
				continue
			}
			seen, ok := s.presence.LastSeen(w.ID(), p.ID)
			if !ok || now.Sub(seen) < threshold {
				continue
			}
			args, _ := json.Marshal(map[string]uint64{"player_id": p.ID})
			if _, err := w.Submit("archivePlayer", args); err != nil {
				s.logger.Printf("sweep orphans world=%s player=%d submit failed: %v", w.ID(), p.ID, err)
				continue
			}
			count++
		}
		archived += count
		if s.rec != nil && count > 0 {
			s.rec.RecordSweep(w.ID(), "orphans", count)
		}
	}
	return archived
}

// HealthPass runs the instance health report and parks shards whose bound
// world is gone in MAINTENANCE so the allocator stops using them.
func (s *Sweeper) HealthPass() []instance.HealthEntry {
	if s.mgr == nil {
		return nil
	}
	live := map[string]bool{}
	for _, w := range s.worlds() {
		live[w.ID()] = true
	}
	report := s.mgr.HealthReport(func(worldID string) bool { return live[worldID] })
	for _, e := range report {
		for _, f := range e.Flags {
			if f == instance.FlagReassignRecommended && e.Status != instance.StatusMaintenance {
				if err := s.mgr.SetStatus(e.InstanceID, instance.StatusMaintenance); err != nil {
					s.logger.Printf("health pass: park %s: %v", e.InstanceID, err)
				}
			}
		}
	}
	return report
}
