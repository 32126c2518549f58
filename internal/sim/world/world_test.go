package world

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"pixeltown.ai/internal/protocol"
	"pixeltown.ai/internal/sim/path"
)

func newTestWorld(t *testing.T) *World {
	t.Helper()
	w, err := New(Config{
		ID:               "w-test",
		TickRateHz:       16,
		GridWidth:        16,
		GridHeight:       12,
		Seed:             7,
		PlayerSpeedMilli: 1000,
		RecentInputs:     128,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func mustSubmit(t *testing.T, w *World, name string, args any) string {
	t.Helper()
	b, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	id, err := w.Submit(name, b)
	if err != nil {
		t.Fatalf("Submit(%s): %v", name, err)
	}
	return id
}

// pump drains the queue and runs one tick, like one iteration of Run.
func pump(t *testing.T, w *World) {
	t.Helper()
	var pending []*Input
	for {
		select {
		case in := <-w.inbox:
			pending = append(pending, in)
		default:
			w.StepOnce(pending)
			return
		}
	}
}

func outcome(t *testing.T, w *World, id string) Input {
	t.Helper()
	in, ok := w.Outcome(id)
	if !ok {
		t.Fatalf("input %s unknown", id)
	}
	if !in.Done {
		t.Fatalf("input %s not done", id)
	}
	return in
}

func wantOK(t *testing.T, w *World, id string) json.RawMessage {
	t.Helper()
	in := outcome(t, w, id)
	if !in.OK {
		t.Fatalf("input %s failed: %s %s", id, in.Code, in.Message)
	}
	return in.Value
}

func wantCode(t *testing.T, w *World, id, code string) {
	t.Helper()
	in := outcome(t, w, id)
	if in.OK {
		t.Fatalf("input %s unexpectedly succeeded", id)
	}
	if in.Code != code {
		t.Fatalf("input %s code = %s, want %s", id, in.Code, code)
	}
}

func createPlayer(t *testing.T, w *World, name, personality string) (playerID, agentID uint64) {
	t.Helper()
	id := mustSubmit(t, w, CmdCreatePlayer, createPlayerArgs{Name: name, Personality: personality})
	pump(t, w)
	var res createPlayerResult
	if err := json.Unmarshal(wantOK(t, w, id), &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return res.PlayerID, res.AgentID
}

func TestSubmitAssignsReceiptOrder(t *testing.T) {
	w := newTestWorld(t)
	pid, _ := createPlayer(t, w, "alice", "")

	errs := make(chan error, 32)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, _ := json.Marshal(setActivityArgs{PlayerID: pid, Activity: fmt.Sprintf("a%d", i)})
			_, err := w.Submit(CmdSetActivity, b)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	// Channel order must match sequence order regardless of producer
	// interleaving.
	var last uint64
	for i := 0; i < 32; i++ {
		in := <-w.inbox
		if in.Seq <= last {
			t.Fatalf("queue out of order: seq %d after %d", in.Seq, last)
		}
		last = in.Seq
	}
}

func TestSubmitUnknownCommand(t *testing.T) {
	w := newTestWorld(t)
	if _, err := w.Submit("teleport", nil); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestQueueFullRejectsWithOutcome(t *testing.T) {
	w := newTestWorld(t)
	pid, _ := createPlayer(t, w, "alice", "")

	var lastID string
	var lastErr error
	for i := 0; i < cap(w.inbox)+1; i++ {
		b, _ := json.Marshal(setActivityArgs{PlayerID: pid, Activity: "x"})
		lastID, lastErr = w.Submit(CmdSetActivity, b)
		if lastErr != nil {
			break
		}
	}
	if lastErr != ErrQueueFull {
		t.Fatalf("err = %v, want ErrQueueFull", lastErr)
	}
	if lastID != "" {
		t.Fatalf("rejected submit returned id %q", lastID)
	}
}

func TestMoveToAndMovement(t *testing.T) {
	w := newTestWorld(t)
	pid, _ := createPlayer(t, w, "alice", "")
	p := w.players[pid]
	start := p.Tile()

	// Nearest open tile a few steps away.
	goal := path.Point{}
	found := false
	for y := 0; y < w.grid.Height && !found; y++ {
		for x := 0; x < w.grid.Width && !found; x++ {
			c := path.Point{X: x, Y: y}
			if c == start {
				continue
			}
			if _, blocked := w.blocked[c]; blocked {
				continue
			}
			if route, ok := path.FindPath(w.grid, w.blocked, start, c); ok && len(route) >= 3 {
				goal = c
				found = true
			}
		}
	}
	if !found {
		t.Fatal("no reachable goal on test grid")
	}

	id := mustSubmit(t, w, CmdMoveTo, moveToArgs{PlayerID: pid, To: [2]int{goal.X, goal.Y}})
	pump(t, w)
	wantOK(t, w, id)

	// 1 tile per tick; the whole grid fits in a bounded number of ticks.
	for i := 0; i < 64 && p.Moving(); i++ {
		pump(t, w)
	}
	if p.Moving() {
		t.Fatal("player still moving")
	}
	if got := p.Tile(); got != goal {
		t.Fatalf("player at %v, want %v", got, goal)
	}

	// stopMoving on an idle player is a no-op success.
	id = mustSubmit(t, w, CmdStopMoving, playerArgs{PlayerID: pid})
	pump(t, w)
	wantOK(t, w, id)
}

func TestMoveToInvalidTargets(t *testing.T) {
	w := newTestWorld(t)
	pid, _ := createPlayer(t, w, "alice", "")

	id := mustSubmit(t, w, CmdMoveTo, moveToArgs{PlayerID: pid, To: [2]int{-1, 0}})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrInvalidTarget)

	var blockedTile path.Point
	for c := range w.blocked {
		blockedTile = c
		break
	}
	id = mustSubmit(t, w, CmdMoveTo, moveToArgs{PlayerID: pid, To: [2]int{blockedTile.X, blockedTile.Y}})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrInvalidTarget)

	id = mustSubmit(t, w, CmdMoveTo, moveToArgs{PlayerID: 999, To: [2]int{1, 1}})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrInvalidTarget)
}

func TestConversationLifecycle(t *testing.T) {
	w := newTestWorld(t)
	a, _ := createPlayer(t, w, "alice", "")
	b, _ := createPlayer(t, w, "bob", "")

	id := mustSubmit(t, w, CmdStartConversation, startConversationArgs{PlayerID: a, InviteeID: b})
	pump(t, w)
	var res map[string]uint64
	if err := json.Unmarshal(wantOK(t, w, id), &res); err != nil {
		t.Fatal(err)
	}
	cid := res["conversation_id"]
	c := w.conversations[cid]
	if c == nil {
		t.Fatal("conversation missing")
	}
	if !c.isParticipant(a) || c.isParticipant(b) {
		t.Fatal("creator should be the only participant before accept")
	}

	// Creator cannot start a second conversation while this one is open.
	id = mustSubmit(t, w, CmdStartConversation, startConversationArgs{PlayerID: a, InviteeID: b})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrConflict)

	// Only the invitee can accept.
	id = mustSubmit(t, w, CmdAcceptInvite, conversationArgs{ConversationID: cid, PlayerID: a})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrNotParticipant)

	id = mustSubmit(t, w, CmdAcceptInvite, conversationArgs{ConversationID: cid, PlayerID: b})
	pump(t, w)
	wantOK(t, w, id)
	if !c.isParticipant(b) {
		t.Fatal("invitee not added")
	}

	id = mustSubmit(t, w, CmdSetTyping, setTypingArgs{ConversationID: cid, PlayerID: b, Typing: true})
	pump(t, w)
	wantOK(t, w, id)

	id = mustSubmit(t, w, CmdSendMessage, sendMessageArgs{ConversationID: cid, PlayerID: b, Text: "hi"})
	pump(t, w)
	wantOK(t, w, id)
	if c.NumMessages != 1 || c.LastMessage == nil || c.LastMessage.Text != "hi" {
		t.Fatalf("message not recorded: %+v", c.LastMessage)
	}
	if _, typing := c.Typing[b]; typing {
		t.Fatal("sending should clear the author's typing flag")
	}

	// Non-participants cannot post.
	stranger, _ := createPlayer(t, w, "carol", "")
	id = mustSubmit(t, w, CmdSendMessage, sendMessageArgs{ConversationID: cid, PlayerID: stranger, Text: "psst"})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrNotParticipant)

	// One leaves: still active. Last leaves: finished.
	id = mustSubmit(t, w, CmdLeaveConversation, conversationArgs{ConversationID: cid, PlayerID: b})
	pump(t, w)
	wantOK(t, w, id)
	if c.Finished {
		t.Fatal("conversation finished with a participant remaining")
	}
	if _, busy := w.playerConv[b]; busy {
		t.Fatal("leaver still indexed")
	}

	id = mustSubmit(t, w, CmdLeaveConversation, conversationArgs{ConversationID: cid, PlayerID: a})
	pump(t, w)
	wantOK(t, w, id)
	if !c.Finished {
		t.Fatal("empty conversation must finish")
	}
	if _, busy := w.playerConv[a]; busy {
		t.Fatal("creator still indexed after finish")
	}

	// Finished conversations reject everything.
	id = mustSubmit(t, w, CmdSendMessage, sendMessageArgs{ConversationID: cid, PlayerID: a, Text: "late"})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrInvalidTarget)
}

func TestRejectInviteFinishes(t *testing.T) {
	w := newTestWorld(t)
	a, _ := createPlayer(t, w, "alice", "")
	b, _ := createPlayer(t, w, "bob", "")

	id := mustSubmit(t, w, CmdStartConversation, startConversationArgs{PlayerID: a, InviteeID: b})
	pump(t, w)
	var res map[string]uint64
	_ = json.Unmarshal(wantOK(t, w, id), &res)
	cid := res["conversation_id"]

	id = mustSubmit(t, w, CmdRejectInvite, conversationArgs{ConversationID: cid, PlayerID: b})
	pump(t, w)
	wantOK(t, w, id)
	if !w.conversations[cid].Finished {
		t.Fatal("rejected conversation must finish")
	}
	if _, busy := w.playerConv[a]; busy {
		t.Fatal("creator must be free after rejection")
	}
}

func TestArchivePlayerLeavesConversation(t *testing.T) {
	w := newTestWorld(t)
	a, _ := createPlayer(t, w, "alice", "friendly")
	b, _ := createPlayer(t, w, "bob", "")

	id := mustSubmit(t, w, CmdStartConversation, startConversationArgs{PlayerID: a, InviteeID: b})
	pump(t, w)
	var res map[string]uint64
	_ = json.Unmarshal(wantOK(t, w, id), &res)
	cid := res["conversation_id"]

	id = mustSubmit(t, w, CmdArchivePlayer, playerArgs{PlayerID: a})
	pump(t, w)
	wantOK(t, w, id)

	if !w.players[a].Archived {
		t.Fatal("player not archived")
	}
	if !w.conversations[cid].Finished {
		t.Fatal("sole participant archived; conversation must finish")
	}
	if aid, ok := w.agentByPlayer[a]; ok {
		t.Fatalf("agent %d still indexed for archived player", aid)
	}

	// Archived players are invalid command targets.
	id = mustSubmit(t, w, CmdSetActivity, setActivityArgs{PlayerID: a, Activity: "idle"})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrInvalidTarget)
}

func TestOperationLifecycle(t *testing.T) {
	w := newTestWorld(t)
	_, aid := createPlayer(t, w, "npc", "curious")
	if aid == 0 {
		t.Fatal("personality should create an agent")
	}

	id := mustSubmit(t, w, CmdStartOperation, startOperationArgs{AgentID: aid, Name: "planNextMove"})
	pump(t, w)
	var res map[string]string
	if err := json.Unmarshal(wantOK(t, w, id), &res); err != nil {
		t.Fatal(err)
	}
	opID := res["operation_id"]

	// Only one operation at a time.
	id = mustSubmit(t, w, CmdStartOperation, startOperationArgs{AgentID: aid, Name: "chat"})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrConflict)

	// Wrong id does not finish.
	id = mustSubmit(t, w, CmdFinishOperation, operationArgs{AgentID: aid, OperationID: "nope"})
	pump(t, w)
	wantCode(t, w, id, protocol.ErrInvalidTarget)

	id = mustSubmit(t, w, CmdFinishOperation, operationArgs{AgentID: aid, OperationID: opID})
	pump(t, w)
	wantOK(t, w, id)
	if w.agents[aid].Operation != nil {
		t.Fatal("operation not cleared")
	}
}

func TestStuckOperationFlagAndClear(t *testing.T) {
	w := newTestWorld(t)
	_, aid := createPlayer(t, w, "npc", "curious")

	id := mustSubmit(t, w, CmdStartOperation, startOperationArgs{AgentID: aid, Name: "planNextMove"})
	pump(t, w)
	var res map[string]string
	_ = json.Unmarshal(wantOK(t, w, id), &res)
	opID := res["operation_id"]

	if got := w.StuckOperations(); len(got) != 0 {
		t.Fatalf("fresh operation flagged: %+v", got)
	}

	w.agents[aid].Operation.StartedAt = time.Now().Add(-10 * time.Minute)
	pump(t, w)
	stuck := w.StuckOperations()
	if len(stuck) != 1 || stuck[0].OperationID != opID {
		t.Fatalf("stuck list = %+v", stuck)
	}

	// Clearing is idempotent: second clear reports nothing to do.
	id = mustSubmit(t, w, CmdClearStuckOperation, operationArgs{AgentID: aid, OperationID: opID})
	pump(t, w)
	var cres map[string]bool
	_ = json.Unmarshal(wantOK(t, w, id), &cres)
	if !cres["cleared"] {
		t.Fatal("first clear should report cleared=true")
	}

	id = mustSubmit(t, w, CmdClearStuckOperation, operationArgs{AgentID: aid, OperationID: opID})
	pump(t, w)
	_ = json.Unmarshal(wantOK(t, w, id), &cres)
	if cres["cleared"] {
		t.Fatal("second clear should report cleared=false")
	}

	if got := w.StuckOperations(); len(got) != 0 {
		t.Fatalf("cleared operation still flagged: %+v", got)
	}
}

func TestClearStuckInputs(t *testing.T) {
	w := newTestWorld(t)

	// An accepted input whose queued copy was lost: it stays pending until
	// the sweep resolves it.
	orphan := &Input{ID: "orphan-1", Name: CmdStopMoving, ReceivedAt: time.Now().Add(-10 * time.Minute)}
	w.ledger.add(orphan)

	slowOrphan := &Input{ID: "orphan-2", Name: CmdStartOperation, ReceivedAt: time.Now().Add(-10 * time.Minute)}
	w.ledger.add(slowOrphan)

	args := clearStuckInputsArgs{
		OlderThanMs:     300_000,
		SlowOlderThanMs: 900_000,
		SlowCommands:    []string{CmdStartOperation},
	}
	id := mustSubmit(t, w, CmdClearStuckInputs, args)
	pump(t, w)
	var res map[string]int
	_ = json.Unmarshal(wantOK(t, w, id), &res)
	if res["cleared"] != 1 {
		t.Fatalf("cleared = %d, want 1", res["cleared"])
	}

	in := outcome(t, w, "orphan-1")
	if in.OK || in.Code != protocol.ErrStuck {
		t.Fatalf("orphan outcome = %+v", in)
	}
	// The slow command is inside its wider threshold and stays pending.
	if slow, _ := w.Outcome("orphan-2"); slow.Done {
		t.Fatal("slow command cleared before its threshold")
	}

	// Idempotent: a second sweep finds nothing.
	id = mustSubmit(t, w, CmdClearStuckInputs, args)
	pump(t, w)
	_ = json.Unmarshal(wantOK(t, w, id), &res)
	if res["cleared"] != 0 {
		t.Fatalf("second sweep cleared = %d, want 0", res["cleared"])
	}
}

func TestAtMostOnceAfterSweep(t *testing.T) {
	w := newTestWorld(t)
	pid, _ := createPlayer(t, w, "alice", "")

	// Queue a command, then resolve it out-of-band before it is applied
	// (what the stuck sweep does). The queued copy must be skipped.
	id := mustSubmit(t, w, CmdSetActivity, setActivityArgs{PlayerID: pid, Activity: "reading"})
	if !w.ledger.resolve(id, false, nil, protocol.ErrStuck, "cleared as stuck") {
		t.Fatal("resolve failed")
	}
	pump(t, w)

	if w.players[pid].Activity != "" {
		t.Fatal("resolved input must not be applied")
	}
	in := outcome(t, w, id)
	if in.Code != protocol.ErrStuck {
		t.Fatalf("outcome overwritten: %+v", in)
	}
}

func TestViewPublishedPerTick(t *testing.T) {
	w := newTestWorld(t)
	a, _ := createPlayer(t, w, "alice", "friendly")
	before := w.View()

	id := mustSubmit(t, w, CmdSetActivity, setActivityArgs{PlayerID: a, Activity: "reading"})
	// View is unchanged until the tick boundary.
	if w.View() != before {
		t.Fatal("view changed before step")
	}
	pump(t, w)
	wantOK(t, w, id)

	v := w.View()
	if v == before {
		t.Fatal("view not republished")
	}
	if len(v.Players) != 1 || v.Players[0].Activity != "reading" {
		t.Fatalf("view players = %+v", v.Players)
	}
	if len(v.Agents) != 1 {
		t.Fatalf("view agents = %+v", v.Agents)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	w := newTestWorld(t)
	a, _ := createPlayer(t, w, "alice", "friendly")
	b, _ := createPlayer(t, w, "bob", "")

	id := mustSubmit(t, w, CmdStartConversation, startConversationArgs{PlayerID: a, InviteeID: b})
	pump(t, w)
	var res map[string]uint64
	_ = json.Unmarshal(wantOK(t, w, id), &res)
	cid := res["conversation_id"]

	id = mustSubmit(t, w, CmdAcceptInvite, conversationArgs{ConversationID: cid, PlayerID: b})
	pump(t, w)
	wantOK(t, w, id)
	id = mustSubmit(t, w, CmdSendMessage, sendMessageArgs{ConversationID: cid, PlayerID: a, Text: "hello"})
	pump(t, w)
	wantOK(t, w, id)

	snap := w.ExportSnapshot(w.CurrentTick())

	w2 := newTestWorld(t)
	if err := w2.ImportSnapshot(snap); err != nil {
		t.Fatalf("ImportSnapshot: %v", err)
	}

	if !reflect.DeepEqual(w2.ExportSnapshot(snap.Header.Tick), snap) {
		t.Fatal("re-export differs from imported snapshot")
	}
	if w2.playerConv[a] != cid || w2.playerConv[b] != cid {
		t.Fatal("conversation index not rebuilt")
	}
	if w2.agentByPlayer[a] == 0 {
		t.Fatal("agent index not rebuilt")
	}

	// Ids allocated after import must not collide.
	c, _ := createPlayer(t, w2, "carol", "")
	if c <= cid {
		t.Fatalf("id %d reused after import (counter at %d)", c, cid)
	}
}

func TestLedgerRetainsFullQueueBacklog(t *testing.T) {
	// A ledger ring smaller than the queue capacity would evict inputs
	// that were accepted but not yet applied, losing their outcomes.
	w, err := New(Config{
		ID:               "w-backlog",
		TickRateHz:       16,
		GridWidth:        16,
		GridHeight:       12,
		Seed:             7,
		PlayerSpeedMilli: 1000,
		RecentInputs:     8,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ids := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		ids = append(ids, mustSubmit(t, w, CmdCreatePlayer, createPlayerArgs{Name: fmt.Sprintf("p%d", i)}))
	}
	pump(t, w)
	for _, id := range ids {
		wantOK(t, w, id)
	}
}
