package world

import (
	"encoding/json"
	"sync"
	"time"

	"pixeltown.ai/internal/protocol"
)

// Input is one externally submitted command. Its outcome, once set, is
// immutable, and an input is applied at most once: the engine skips any
// queued input whose ledger entry already carries an outcome (the stuck
// sweep may resolve an input before its queued copy surfaces).
type Input struct {
	ID   string
	Seq  uint64
	Name string
	Args json.RawMessage

	ReceivedAt time.Time

	// Outcome; valid once Done.
	Done    bool
	OK      bool
	Value   json.RawMessage
	Code    string
	Message string
}

// PendingInput is the admin projection of an unresolved input.
type PendingInput struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Name       string    `json:"name"`
	ReceivedAt time.Time `json:"received_at"`
	AgeMs      int64     `json:"age_ms"`
}

// inputLedger tracks every accepted input until it is evicted from the
// bounded ring. Producers append under the lock (which also fixes receipt
// order); the engine loop sets outcomes; pollers read copies.
type inputLedger struct {
	mu      sync.RWMutex
	nextSeq uint64
	byID    map[string]*Input
	ring    []string
	ringPos int
}

func newInputLedger(capacity int) *inputLedger {
	if capacity <= 0 {
		capacity = 4096
	}
	return &inputLedger{
		byID: make(map[string]*Input, capacity),
		ring: make([]string, capacity),
	}
}

// add registers the input, assigns its receipt sequence, and evicts the
// oldest entry when the ring wraps. Returns the assigned sequence.
func (l *inputLedger) add(in *Input) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSeq++
	in.Seq = l.nextSeq
	if old := l.ring[l.ringPos]; old != "" {
		delete(l.byID, old)
	}
	l.ring[l.ringPos] = in.ID
	l.ringPos = (l.ringPos + 1) % len(l.ring)
	l.byID[in.ID] = in
	return in.Seq
}

// resolve sets the outcome exactly once. Returns false if the input is
// unknown or already done.
func (l *inputLedger) resolve(id string, ok bool, value json.RawMessage, code, message string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	in := l.byID[id]
	if in == nil || in.Done {
		return false
	}
	in.Done = true
	in.OK = ok
	in.Value = value
	in.Code = code
	in.Message = message
	return true
}

func (l *inputLedger) done(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	in := l.byID[id]
	return in != nil && in.Done
}

// get returns a copy so callers never observe a half-written outcome.
func (l *inputLedger) get(id string) (Input, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	in := l.byID[id]
	if in == nil {
		return Input{}, false
	}
	return *in, true
}

// pending lists unresolved inputs oldest-first.
func (l *inputLedger) pending(now time.Time) []PendingInput {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]PendingInput, 0, 16)
	n := len(l.ring)
	for i := 0; i < n; i++ {
		id := l.ring[(l.ringPos+i)%n]
		if id == "" {
			continue
		}
		in := l.byID[id]
		if in == nil || in.Done {
			continue
		}
		out = append(out, PendingInput{
			ID:         in.ID,
			Seq:        in.Seq,
			Name:       in.Name,
			ReceivedAt: in.ReceivedAt,
			AgeMs:      now.Sub(in.ReceivedAt).Milliseconds(),
		})
	}
	return out
}

// failStuck resolves every unresolved input older than olderThan with an
// E_STUCK outcome. Commands named in slow get the slowOlderThan threshold
// instead. excludeID (the sweep input itself) is never touched. Returns the
// number of inputs cleared.
func (l *inputLedger) failStuck(now time.Time, excludeID string, olderThan, slowOlderThan time.Duration, slow map[string]struct{}) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cleared := 0
	for _, in := range l.byID {
		if in.Done || in.ID == excludeID {
			continue
		}
		threshold := olderThan
		if _, ok := slow[in.Name]; ok {
			threshold = slowOlderThan
		}
		if now.Sub(in.ReceivedAt) < threshold {
			continue
		}
		in.Done = true
		in.OK = false
		in.Code = protocol.ErrStuck
		in.Message = "cleared as stuck"
		cleared++
	}
	return cleared
}

// InputLogEntry is the durable record appended for every processed input.
type InputLogEntry struct {
	Seq        uint64          `json:"seq"`
	InputID    string          `json:"input_id"`
	Tick       uint64          `json:"tick"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args,omitempty"`
	ReceivedMs int64           `json:"received_ms"`
	OK         bool            `json:"ok"`
	Value      json.RawMessage `json:"value,omitempty"`
	Code       string          `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}
