package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

type Header struct {
	Version int    `json:"version"`
	WorldID string `json:"world_id"`
	Tick    uint64 `json:"tick"`
}

// SnapshotV1 captures everything needed to resume a world: its generation
// parameters, all entities, and the id counter. Sets are serialized as
// sorted arrays.
type SnapshotV1 struct {
	Header Header `json:"header"`

	Seed       int64 `json:"seed"`
	TickRate   int   `json:"tick_rate_hz"`
	GridWidth  int   `json:"grid_width"`
	GridHeight int   `json:"grid_height"`

	PlayerSpeedMilli   int `json:"player_speed_milli,omitempty"`
	SnapshotEveryTicks int `json:"snapshot_every_ticks,omitempty"`

	Players       []PlayerV1       `json:"players"`
	Agents        []AgentV1        `json:"agents"`
	Conversations []ConversationV1 `json:"conversations"`

	NextID uint64 `json:"next_id"`
}

type PlayerV1 struct {
	ID       uint64     `json:"id"`
	Name     string     `json:"name"`
	Pos      [2]float64 `json:"pos"`
	Path     [][2]int   `json:"path,omitempty"`
	Activity string     `json:"activity,omitempty"`
	Zone     string     `json:"zone,omitempty"`
	Archived bool       `json:"archived,omitempty"`
}

type AgentV1 struct {
	ID          uint64       `json:"id"`
	PlayerID    uint64       `json:"player_id"`
	Personality string       `json:"personality"`
	Operation   *OperationV1 `json:"operation,omitempty"`
	Archived    bool         `json:"archived,omitempty"`
}

type OperationV1 struct {
	Name        string `json:"name"`
	OperationID string `json:"operation_id"`
	StartedAtMs int64  `json:"started_at_ms"`
}

type ConversationV1 struct {
	ID           uint64     `json:"id"`
	Creator      uint64     `json:"creator"`
	CreatedAtMs  int64      `json:"created_at_ms"`
	Participants []uint64   `json:"participants"`
	Typing       []uint64   `json:"typing,omitempty"`
	Invitee      uint64     `json:"invitee,omitempty"`
	LastMessage  *MessageV1 `json:"last_message,omitempty"`
	NumMessages  int        `json:"num_messages"`
	Finished     bool       `json:"finished"`
}

type MessageV1 struct {
	Author uint64 `json:"author"`
	Text   string `json:"text"`
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// Header line is advisory; gob carries the full struct.
	_, _ = br.ReadBytes('\n')

	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// FilePath names the snapshot file for a world at a tick.
func FilePath(dir, worldID string, tick uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%012d.snap.zst", worldID, tick))
}

// Latest returns the path of the highest-tick snapshot for the world, or ""
// if none exist.
func Latest(dir, worldID string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	prefix := worldID + "-"
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".snap.zst") {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return filepath.Join(dir, names[len(names)-1]), nil
}
