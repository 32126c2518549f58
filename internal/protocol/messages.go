package protocol

import "encoding/json"

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ClientName      string `json:"client_name"`
	ZonePreference  string `json:"zone_preference,omitempty"`
	MaxQueue        int    `json:"max_queue,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	InstanceID      string      `json:"instance_id"`
	WorldID         string      `json:"world_id"`
	WorldParams     WorldParams `json:"world_params"`
}

type WorldParams struct {
	TickRateHz int   `json:"tick_rate_hz"`
	GridWidth  int   `json:"grid_width"`
	GridHeight int   `json:"grid_height"`
	Seed       int64 `json:"seed"`
}

// SUBMIT (client -> server): enqueue one command against a world.
// Ref is a client-chosen correlation id echoed back on the ACK.
type SubmitMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	Ref             string          `json:"ref"`
	WorldID         string          `json:"world_id,omitempty"`
	Name            string          `json:"name"`
	Args            json.RawMessage `json:"args,omitempty"`
}

// ACK (server -> client): the submission was accepted (or rejected before
// enqueue). Acceptance says nothing about the command's eventual outcome.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	InputID         string `json:"input_id,omitempty"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// POLL (client -> server): ask for the outcome of a previously accepted input.
type PollMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	InputID         string `json:"input_id"`
}

// OUTCOME (server -> client)
type OutcomeMsg struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	InputID         string          `json:"input_id"`
	Known           bool            `json:"known"`
	Done            bool            `json:"done"`
	OK              bool            `json:"ok,omitempty"`
	Value           json.RawMessage `json:"value,omitempty"`
	Code            string          `json:"code,omitempty"`
	Message         string          `json:"message,omitempty"`
}

// SNAPSHOT_REQ (client -> server)
type SnapshotReqMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	WorldID         string `json:"world_id,omitempty"`
}

// SNAPSHOT (server -> client): read-only projection of one world.
type SnapshotMsg struct {
	Type            string             `json:"type"`
	ProtocolVersion string             `json:"protocol_version"`
	WorldID         string             `json:"world_id"`
	Tick            uint64             `json:"tick"`
	Players         []PlayerView       `json:"players"`
	Agents          []AgentView        `json:"agents"`
	Conversations   []ConversationView `json:"conversations"`
}

// View types shared by the snapshot message, the admin endpoints, and the
// persisted snapshot format. Participant/typing sets are serialized as
// sorted arrays; set semantics are restored on import.
type PlayerView struct {
	ID       uint64    `json:"id"`
	Name     string    `json:"name"`
	Pos      [2]float64 `json:"pos"`
	Path     [][2]int  `json:"path,omitempty"`
	Activity string    `json:"activity,omitempty"`
	Zone     string    `json:"zone,omitempty"`
	Archived bool      `json:"archived,omitempty"`
}

type AgentView struct {
	ID          uint64         `json:"id"`
	PlayerID    uint64         `json:"player_id"`
	Personality string         `json:"personality"`
	Operation   *OperationView `json:"operation,omitempty"`
	Archived    bool           `json:"archived,omitempty"`
}

type OperationView struct {
	Name        string `json:"name"`
	OperationID string `json:"operation_id"`
	StartedAtMs int64  `json:"started_at_ms"`
}

type ConversationView struct {
	ID           uint64       `json:"id"`
	Creator      uint64       `json:"creator"`
	CreatedAtMs  int64        `json:"created_at_ms"`
	Participants []uint64     `json:"participants"`
	Typing       []uint64     `json:"typing,omitempty"`
	LastMessage  *MessageView `json:"last_message,omitempty"`
	NumMessages  int          `json:"num_messages"`
	Finished     bool         `json:"finished"`
}

type MessageView struct {
	Author uint64 `json:"author"`
	Text   string `json:"text"`
}
