package indexdb

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"pixeltown.ai/internal/persistence/snapshot"
	"pixeltown.ai/internal/sim/world"
)

func TestSQLiteIndex_WritesAllTables(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "index.db")

	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		entry := world.InputLogEntry{
			Seq:     seq,
			InputID: fmt.Sprintf("in-%d", seq),
			Tick:    100 + seq,
			Name:    "moveTo",
			Args:    json.RawMessage(`{"player_id":1,"to":[5,5]}`),
			OK:      true,
		}
		if seq == 2 {
			entry.OK = false
			entry.Code = "E_BLOCKED"
		}
		if err := idx.WriteInput("town-1", entry); err != nil {
			t.Fatalf("write input %d: %v", seq, err)
		}
	}

	idx.RecordSnapshot("town-1", "/tmp/town-1-000000000200.snap.zst", snapshot.SnapshotV1{
		Header: snapshot.Header{Version: 1, WorldID: "town-1", Tick: 200},
		Seed:   42,
		Players: []snapshot.PlayerV1{
			{ID: 1, Name: "alice"},
		},
	})
	idx.RecordSweep("town-1", "inputs", 2)

	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open sql: %v", err)
	}
	defer db.Close()

	counts := map[string]int{"inputs": 3, "snapshots": 1, "sweeps": 1}
	for table, want := range counts {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != want {
			t.Fatalf("table %s count=%d want %d", table, n, want)
		}
	}

	var (
		name string
		ok   int
		code string
	)
	row := db.QueryRow(`SELECT name, ok, code FROM inputs WHERE world_id = ? AND seq = ?`, "town-1", 2)
	if err := row.Scan(&name, &ok, &code); err != nil {
		t.Fatalf("scan inputs: %v", err)
	}
	if name != "moveTo" || ok != 0 || code != "E_BLOCKED" {
		t.Fatalf("inputs row mismatch: name=%q ok=%d code=%q", name, ok, code)
	}

	var (
		path    string
		players int
	)
	row = db.QueryRow(`SELECT path, players FROM snapshots WHERE world_id = ? AND tick = ?`, "town-1", 200)
	if err := row.Scan(&path, &players); err != nil {
		t.Fatalf("scan snapshots: %v", err)
	}
	if path != "/tmp/town-1-000000000200.snap.zst" || players != 1 {
		t.Fatalf("snapshots row mismatch: path=%q players=%d", path, players)
	}
}

func TestSQLiteIndex_DropsAfterClose(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenSQLite(filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Writes after close are silently dropped, not panics.
	if err := idx.WriteInput("town-1", world.InputLogEntry{Seq: 1, InputID: "x", Name: "moveTo"}); err != nil {
		t.Fatalf("write after close: %v", err)
	}
	idx.RecordSweep("town-1", "orphans", 0)
	if err := idx.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
