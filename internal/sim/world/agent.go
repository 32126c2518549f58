package world

import "time"

type Agent struct {
	ID          uint64
	PlayerID    uint64
	Personality string

	// In-progress operation, if any. Prevents overlapping movement/social
	// requests for the same agent and lets the sweeper detect stuck state.
	Operation *Operation

	Archived bool
}

type Operation struct {
	Name        string
	OperationID string
	StartedAt   time.Time
}

// StuckOperation is published for the recovery sweeper when an operation
// outlives the configured threshold. The engine never retries on its own.
type StuckOperation struct {
	AgentID     uint64
	Name        string
	OperationID string
	StartedAt   time.Time
}
