package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"pixeltown.ai/internal/persistence/snapshot"
	"pixeltown.ai/internal/sim/world"
)

// SQLiteIndex is a queryable secondary index over the JSONL logs. Writes go
// through a single writer goroutine with batched transactions; the channel
// drops on backpressure because the JSONL logs remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqInput reqKind = iota + 1
	reqSnapshot
	reqSweep
)

type req struct {
	kind reqKind

	worldID  string
	input    world.InputLogEntry
	snapshot snapshotRow
	sweep    SweepRow
}

type snapshotRow struct {
	Tick          uint64
	Path          string
	Seed          int64
	Players       int
	Agents        int
	Conversations int
}

// SweepRow records one recovery-sweeper pass.
type SweepRow struct {
	WorldID    string
	Kind       string
	Cleared    int
	RecordedAt string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		// High buffer: bursty input batches must not stall the sim.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS inputs (
			world_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			input_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			name TEXT NOT NULL,
			ok INTEGER NOT NULL,
			code TEXT,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (world_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inputs_id ON inputs(input_id);`,
		`CREATE INDEX IF NOT EXISTS idx_inputs_name_tick ON inputs(world_id, name, tick);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			world_id TEXT NOT NULL,
			tick INTEGER NOT NULL,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			players INTEGER NOT NULL,
			agents INTEGER NOT NULL,
			conversations INTEGER NOT NULL,
			PRIMARY KEY (world_id, tick)
		);`,
		`CREATE TABLE IF NOT EXISTS sweeps (
			world_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			cleared INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sweeps_world ON sweeps(world_id, recorded_at);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) WriteInput(worldID string, entry world.InputLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- req{kind: reqInput, worldID: worldID, input: entry}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
	}
	return nil
}

func (s *SQLiteIndex) RecordSnapshot(worldID, path string, snap snapshot.SnapshotV1) {
	if s == nil || s.closed.Load() {
		return
	}
	r := snapshotRow{
		Tick:          snap.Header.Tick,
		Path:          path,
		Seed:          snap.Seed,
		Players:       len(snap.Players),
		Agents:        len(snap.Agents),
		Conversations: len(snap.Conversations),
	}
	select {
	case s.ch <- req{kind: reqSnapshot, worldID: worldID, snapshot: r}:
	default:
	}
}

func (s *SQLiteIndex) RecordSweep(worldID, kind string, cleared int) {
	if s == nil || s.closed.Load() {
		return
	}
	r := SweepRow{
		WorldID:    worldID,
		Kind:       kind,
		Cleared:    cleared,
		RecordedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	select {
	case s.ch <- req{kind: reqSweep, worldID: worldID, sweep: r}:
	default:
	}
}

// WorldLogger adapts the index to the world's per-world InputLogger.
func (s *SQLiteIndex) WorldLogger(worldID string) world.InputLogger {
	return worldLogger{s: s, worldID: worldID}
}

type worldLogger struct {
	s       *SQLiteIndex
	worldID string
}

func (l worldLogger) WriteInput(entry world.InputLogEntry) error {
	return l.s.WriteInput(l.worldID, entry)
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertInput, _ := s.db.Prepare(`INSERT OR REPLACE INTO inputs(world_id,seq,input_id,tick,name,ok,code,raw_json) VALUES(?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(world_id,tick,path,seed,players,agents,conversations) VALUES(?,?,?,?,?,?,?)`)
	insertSweep, _ := s.db.Prepare(`INSERT INTO sweeps(world_id,kind,cleared,recorded_at) VALUES(?,?,?,?)`)
	defer func() {
		if insertInput != nil {
			_ = insertInput.Close()
		}
		if insertSnapshot != nil {
			_ = insertSnapshot.Close()
		}
		if insertSweep != nil {
			_ = insertSweep.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			// If we can't start a tx, we can't do much; sleep a bit.
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}

	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqInput:
			in := r.input
			raw, _ := json.Marshal(in)
			ok := 0
			if in.OK {
				ok = 1
			}
			if insertInput != nil {
				if _, err := tx.Stmt(insertInput).Exec(
					r.worldID,
					int64(in.Seq),
					in.InputID,
					int64(in.Tick),
					in.Name,
					ok,
					in.Code,
					string(raw),
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSnapshot:
			sn := r.snapshot
			if insertSnapshot != nil {
				if _, err := tx.Stmt(insertSnapshot).Exec(
					r.worldID,
					int64(sn.Tick),
					sn.Path,
					sn.Seed,
					sn.Players,
					sn.Agents,
					sn.Conversations,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}

		case reqSweep:
			sw := r.sweep
			if insertSweep != nil {
				if _, err := tx.Stmt(insertSweep).Exec(
					sw.WorldID,
					sw.Kind,
					sw.Cleared,
					sw.RecordedAt,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}
