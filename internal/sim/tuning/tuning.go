package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	TickRateHz int `yaml:"tick_rate_hz"`

	GridWidth  int `yaml:"grid_width"`
	GridHeight int `yaml:"grid_height"`

	// Tiles per tick, scaled by 1000 so the value stays an integer.
	PlayerSpeedMilli int `yaml:"player_speed_milli"`

	SnapshotEveryTicks int `yaml:"snapshot_every_ticks"`
	RecentInputs       int `yaml:"recent_inputs"`

	Sweeps    Sweeps    `yaml:"sweeps"`
	Instances Instances `yaml:"instances"`
}

// Sweeps carries one authoritative threshold per class of operation.
type Sweeps struct {
	IntervalMs            int      `yaml:"interval_ms"`
	StuckInputAfterMs     int      `yaml:"stuck_input_after_ms"`
	StuckInputSlowAfterMs int      `yaml:"stuck_input_slow_after_ms"`
	SlowCommands          []string `yaml:"slow_commands"`
	StuckOperationAfterMs int      `yaml:"stuck_operation_after_ms"`
	OrphanAfterMs         int      `yaml:"orphan_after_ms"`
}

type Instances struct {
	MaxBots             int `yaml:"max_bots"`
	OverCapacityGraceMs int `yaml:"over_capacity_grace_ms"`
	HighLoadPct         int `yaml:"high_load_pct"`
	EmptyDrainAfterMs   int `yaml:"empty_drain_after_ms"`
}

func Load(path string) (Tuning, error) {
	var t Tuning
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.fillDefaults()
	return t, nil
}

func Defaults() Tuning {
	var t Tuning
	t.fillDefaults()
	return t
}

func (t *Tuning) fillDefaults() {
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = "1.0"
	}
	if t.TickRateHz <= 0 {
		t.TickRateHz = 16
	}
	if t.GridWidth <= 0 {
		t.GridWidth = 64
	}
	if t.GridHeight <= 0 {
		t.GridHeight = 48
	}
	if t.PlayerSpeedMilli <= 0 {
		t.PlayerSpeedMilli = 250
	}
	if t.SnapshotEveryTicks <= 0 {
		t.SnapshotEveryTicks = 3000
	}
	if t.RecentInputs <= 0 {
		t.RecentInputs = 4096
	}
	if t.Sweeps.IntervalMs <= 0 {
		t.Sweeps.IntervalMs = 60_000
	}
	if t.Sweeps.StuckInputAfterMs <= 0 {
		t.Sweeps.StuckInputAfterMs = 300_000
	}
	if t.Sweeps.StuckInputSlowAfterMs <= 0 {
		t.Sweeps.StuckInputSlowAfterMs = 900_000
	}
	if t.Sweeps.StuckOperationAfterMs <= 0 {
		t.Sweeps.StuckOperationAfterMs = 120_000
	}
	if len(t.Sweeps.SlowCommands) == 0 {
		t.Sweeps.SlowCommands = []string{"startOperation"}
	}
	if t.Sweeps.OrphanAfterMs <= 0 {
		t.Sweeps.OrphanAfterMs = 1_800_000
	}
	if t.Instances.MaxBots <= 0 {
		t.Instances.MaxBots = 10
	}
	if t.Instances.OverCapacityGraceMs <= 0 {
		t.Instances.OverCapacityGraceMs = 30_000
	}
	if t.Instances.HighLoadPct <= 0 {
		t.Instances.HighLoadPct = 90
	}
	if t.Instances.EmptyDrainAfterMs <= 0 {
		t.Instances.EmptyDrainAfterMs = 3_600_000
	}
}
