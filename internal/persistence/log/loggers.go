package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"pixeltown.ai/internal/sim/world"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// InputLogger appends one JSONL entry per processed input (compressed).
type InputLogger struct{ w *JSONLZstdWriter }

func NewInputLogger(worldDir string) *InputLogger {
	return &InputLogger{w: NewJSONLZstdWriter(filepath.Join(worldDir, "inputs"), "inputs")}
}

func (l *InputLogger) WriteInput(v world.InputLogEntry) error { return l.w.Write(v) }
func (l *InputLogger) Close() error                           { return l.w.Close() }

// SweepLogEntry is the durable record appended for every recovery-sweep
// pass that cleared something.
type SweepLogEntry struct {
	WorldID    string `json:"world_id"`
	Kind       string `json:"kind"`
	Cleared    int    `json:"cleared"`
	RecordedMs int64  `json:"recorded_ms"`
}

// SweepLogger appends one JSONL entry per sweep pass (compressed).
type SweepLogger struct{ w *JSONLZstdWriter }

func NewSweepLogger(baseDir string) *SweepLogger {
	return &SweepLogger{w: NewJSONLZstdWriter(filepath.Join(baseDir, "sweeps"), "sweeps")}
}

func (l *SweepLogger) RecordSweep(worldID, kind string, cleared int) {
	_ = l.w.Write(SweepLogEntry{
		WorldID:    worldID,
		Kind:       kind,
		Cleared:    cleared,
		RecordedMs: time.Now().UnixMilli(),
	})
}

func (l *SweepLogger) Close() error { return l.w.Close() }
