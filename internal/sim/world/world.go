package world

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"pixeltown.ai/internal/persistence/snapshot"
	"pixeltown.ai/internal/protocol"
	"pixeltown.ai/internal/sim/path"
)

type Config struct {
	ID         string
	TickRateHz int

	GridWidth  int
	GridHeight int
	Seed       int64

	// Tiles per tick * 1000.
	PlayerSpeedMilli int

	SnapshotEveryTicks int
	RecentInputs       int

	// An agent operation older than this is flagged for the sweeper.
	StuckOperationAfter time.Duration
}

// InputLogger receives one entry per processed input. Implemented in
// internal/persistence/*; may be nil.
type InputLogger interface {
	WriteInput(entry InputLogEntry) error
}

var ErrQueueFull = errors.New("input queue full")

const inboxCapacity = 1024

// World is a single-threaded authoritative simulation. All entity state is
// accessed only from the engine goroutine; reads from outside go through
// the ledger, the published view, or the published stuck-operation list.
type World struct {
	cfg     Config
	grid    path.Grid
	blocked map[path.Point]struct{}

	tick atomic.Uint64

	// Monotonic entity id counter, shared by players, agents and
	// conversations. Engine-goroutine only; persisted in snapshots.
	nextID uint64

	players       map[uint64]*Player
	agents        map[uint64]*Agent
	conversations map[uint64]*Conversation

	// playerConv indexes each player's single non-finished conversation.
	playerConv    map[uint64]uint64
	agentByPlayer map[uint64]uint64

	submitMu sync.Mutex
	inbox    chan *Input
	stop     chan struct{}
	ledger   *inputLedger

	inputLogger  InputLogger
	snapshotSink chan<- snapshot.SnapshotV1

	view  atomic.Pointer[protocol.SnapshotMsg]
	stuck atomic.Pointer[[]StuckOperation]

	stepMicros atomic.Int64
}

func New(cfg Config) (*World, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("empty world id")
	}
	if cfg.TickRateHz <= 0 {
		return nil, fmt.Errorf("tick rate must be positive")
	}
	if cfg.GridWidth <= 0 || cfg.GridHeight <= 0 {
		return nil, fmt.Errorf("grid must be positive")
	}
	if cfg.PlayerSpeedMilli <= 0 {
		cfg.PlayerSpeedMilli = 250
	}
	if cfg.StuckOperationAfter <= 0 {
		cfg.StuckOperationAfter = 2 * time.Minute
	}

	// The ledger ring must cover at least the queue backlog: evicting a
	// not-yet-applied input would lose its outcome and the at-most-once
	// guard in applyInput.
	recent := cfg.RecentInputs
	if recent <= 0 {
		recent = 4096
	}
	if recent < inboxCapacity {
		recent = inboxCapacity
	}

	w := &World{
		cfg:           cfg,
		grid:          path.Grid{Width: cfg.GridWidth, Height: cfg.GridHeight},
		blocked:       scatterObstacles(cfg.GridWidth, cfg.GridHeight, cfg.Seed),
		players:       map[uint64]*Player{},
		agents:        map[uint64]*Agent{},
		conversations: map[uint64]*Conversation{},
		playerConv:    map[uint64]uint64{},
		agentByPlayer: map[uint64]uint64{},
		inbox:         make(chan *Input, inboxCapacity),
		stop:          make(chan struct{}),
		ledger:        newInputLedger(recent),
	}
	w.publishView(0)
	w.stuck.Store(&[]StuckOperation{})
	return w, nil
}

// scatterObstacles places a deterministic sprinkle of blocked tiles. The
// border rows/columns stay open so spawn scanning always succeeds.
func scatterObstacles(width, height int, seed int64) map[path.Point]struct{} {
	blocked := map[path.Point]struct{}{}
	rng := rand.New(rand.NewSource(seed))
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x++ {
			if rng.Intn(100) < 8 {
				blocked[path.Point{X: x, Y: y}] = struct{}{}
			}
		}
	}
	return blocked
}

func (w *World) SetInputLogger(l InputLogger)                  { w.inputLogger = l }
func (w *World) SetSnapshotSink(ch chan<- snapshot.SnapshotV1) { w.snapshotSink = ch }

func (w *World) ID() string          { return w.cfg.ID }
func (w *World) CurrentTick() uint64 { return w.tick.Load() }

// Params describes the fixed world geometry handed to clients on welcome.
func (w *World) Params() protocol.WorldParams {
	return protocol.WorldParams{
		TickRateHz: w.cfg.TickRateHz,
		GridWidth:  w.cfg.GridWidth,
		GridHeight: w.cfg.GridHeight,
		Seed:       w.cfg.Seed,
	}
}

// Submit enqueues a command without waiting for it to be processed. The
// receipt order fixed here is the order the engine applies in; ties from
// concurrent producers resolve by insertion sequence.
func (w *World) Submit(name string, args json.RawMessage) (string, error) {
	if !isSupportedCommand(name) {
		return "", fmt.Errorf("unknown command %q", name)
	}
	in := &Input{
		ID:         uuid.NewString(),
		Name:       name,
		Args:       args,
		ReceivedAt: time.Now(),
	}
	w.submitMu.Lock()
	defer w.submitMu.Unlock()
	select {
	case <-w.stop:
		return "", errors.New("world stopped")
	default:
	}
	// Assign the sequence and enqueue under the same lock so channel order
	// always matches sequence order.
	w.ledger.add(in)
	select {
	case w.inbox <- in:
	default:
		w.ledger.resolve(in.ID, false, nil, protocol.ErrWorldBusy, "input queue full")
		return "", ErrQueueFull
	}
	return in.ID, nil
}

// Outcome reports the state of a previously accepted input.
func (w *World) Outcome(inputID string) (Input, bool) {
	return w.ledger.get(inputID)
}

// PendingInputs lists accepted inputs that have no outcome yet, oldest
// first, for the admin surface.
func (w *World) PendingInputs() []PendingInput {
	return w.ledger.pending(time.Now())
}

// StuckOperations returns the operations flagged at the last tick.
func (w *World) StuckOperations() []StuckOperation {
	ops := w.stuck.Load()
	out := make([]StuckOperation, len(*ops))
	copy(out, *ops)
	return out
}

// View returns the snapshot published at the last tick boundary. It is
// either the pre- or post-batch state, never a partial mutation.
func (w *World) View() *protocol.SnapshotMsg {
	return w.view.Load()
}

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []*Input
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case in := <-w.inbox:
			pending = append(pending, in)
		case <-ticker.C:
			w.step(pending)
			pending = pending[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

func (w *World) step(pending []*Input) {
	start := time.Now()
	nowTick := w.tick.Load()

	for _, in := range pending {
		w.applyInput(in, start, nowTick)
	}

	w.systemMovement()
	w.flagOverdueOperations(start)
	w.publishView(nowTick)

	if w.snapshotSink != nil && w.cfg.SnapshotEveryTicks > 0 &&
		nowTick != 0 && nowTick%uint64(w.cfg.SnapshotEveryTicks) == 0 {
		snap := w.ExportSnapshot(nowTick)
		select {
		case w.snapshotSink <- snap:
		default:
			// Drop if the sink is backed up; the next interval retries.
		}
	}

	w.tick.Add(1)
	w.stepMicros.Store(time.Since(start).Microseconds())
}

// StepOnce advances the world one tick with the given inputs, using the
// same ordering semantics as Run. Intended for deterministic tests.
func (w *World) StepOnce(pending []*Input) uint64 {
	tick := w.tick.Load()
	w.step(pending)
	return tick
}

func (w *World) applyInput(in *Input, now time.Time, nowTick uint64) {
	// At-most-once: the stuck sweep may have resolved this input while it
	// sat in the queue.
	if w.ledger.done(in.ID) {
		return
	}
	value, cerr := w.dispatch(in, now, nowTick)
	entry := InputLogEntry{
		Seq:        in.Seq,
		InputID:    in.ID,
		Tick:       nowTick,
		Name:       in.Name,
		Args:       in.Args,
		ReceivedMs: in.ReceivedAt.UnixMilli(),
	}
	if cerr != nil {
		w.ledger.resolve(in.ID, false, nil, cerr.Code, cerr.Message)
		entry.Code = cerr.Code
		entry.Message = cerr.Message
	} else {
		w.ledger.resolve(in.ID, true, value, "", "")
		entry.OK = true
		entry.Value = value
	}
	if w.inputLogger != nil {
		_ = w.inputLogger.WriteInput(entry)
	}
}

// dispatch applies one handler. Validation failures leave state untouched;
// a panicking handler is fatal for that input only.
func (w *World) dispatch(in *Input, now time.Time, nowTick uint64) (value json.RawMessage, cerr *CmdError) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			cerr = &CmdError{Code: protocol.ErrInternal, Message: fmt.Sprintf("handler panic: %v", r)}
		}
	}()
	h := commandDispatch[in.Name]
	if h == nil {
		return nil, &CmdError{Code: protocol.ErrBadRequest, Message: "unknown command"}
	}
	return h(w, in, now, nowTick)
}

func (w *World) allocID() uint64 {
	w.nextID++
	return w.nextID
}

func (w *World) systemMovement() {
	speed := float64(w.cfg.PlayerSpeedMilli) / 1000.0
	for _, id := range w.sortedPlayerIDs() {
		p := w.players[id]
		if p.Archived || !p.Moving() {
			continue
		}
		p.advance(speed)
	}
}

func (w *World) flagOverdueOperations(now time.Time) {
	flagged := []StuckOperation{}
	for _, id := range w.sortedAgentIDs() {
		a := w.agents[id]
		if a.Archived || a.Operation == nil {
			continue
		}
		if now.Sub(a.Operation.StartedAt) <= w.cfg.StuckOperationAfter {
			continue
		}
		flagged = append(flagged, StuckOperation{
			AgentID:     a.ID,
			Name:        a.Operation.Name,
			OperationID: a.Operation.OperationID,
			StartedAt:   a.Operation.StartedAt,
		})
	}
	w.stuck.Store(&flagged)
}

func (w *World) sortedPlayerIDs() []uint64 {
	ids := make([]uint64, 0, len(w.players))
	for id := range w.players {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *World) sortedAgentIDs() []uint64 {
	ids := make([]uint64, 0, len(w.agents))
	for id := range w.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *World) sortedConversationIDs() []uint64 {
	ids := make([]uint64, 0, len(w.conversations))
	for id := range w.conversations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// spawnPos scans for the first open tile in reading order, offset by how
// many players exist so spawns spread out.
func (w *World) spawnPos() Vec2 {
	offset := len(w.players)
	n := w.grid.Width * w.grid.Height
	for i := 0; i < n; i++ {
		idx := (offset*7 + i) % n
		p := path.Point{X: idx % w.grid.Width, Y: idx / w.grid.Width}
		if _, blocked := w.blocked[p]; !blocked {
			return Vec2{X: float64(p.X), Y: float64(p.Y)}
		}
	}
	return Vec2{}
}

type Metrics struct {
	Tick          uint64  `json:"tick"`
	Players       int     `json:"players"`
	Agents        int     `json:"agents"`
	Conversations int     `json:"conversations"`
	QueueDepth    int     `json:"queue_depth"`
	PendingInputs int     `json:"pending_inputs"`
	StepMS        float64 `json:"step_ms"`
}

// Metrics is safe to call from any goroutine; entity counts come from the
// published view rather than the live maps.
func (w *World) Metrics() Metrics {
	v := w.View()
	m := Metrics{
		Tick:       w.tick.Load(),
		QueueDepth: len(w.inbox),
		StepMS:     float64(w.stepMicros.Load()) / 1000.0,
	}
	if v != nil {
		m.Players = len(v.Players)
		m.Agents = len(v.Agents)
		m.Conversations = len(v.Conversations)
	}
	m.PendingInputs = len(w.ledger.pending(time.Now()))
	return m
}
