package world

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pixeltown.ai/internal/protocol"
	"pixeltown.ai/internal/sim/path"
)

// Command names. One handler per name; dispatch is a closed map checked by
// validateDispatchMap at init.
const (
	CmdCreatePlayer  = "createPlayer"
	CmdArchivePlayer = "archivePlayer"
	CmdSetActivity   = "setActivity"
	CmdMoveTo        = "moveTo"
	CmdStopMoving    = "stopMoving"

	CmdStartConversation  = "startConversation"
	CmdAcceptInvite       = "acceptInvite"
	CmdRejectInvite       = "rejectInvite"
	CmdSendMessage        = "sendMessage"
	CmdSetTyping          = "setTyping"
	CmdLeaveConversation  = "leaveConversation"
	CmdFinishConversation = "finishConversation"

	CmdStartOperation  = "startOperation"
	CmdFinishOperation = "finishOperation"

	// Repair commands, submitted by the recovery sweeper through the same
	// queue as everything else.
	CmdClearStuckOperation = "clearStuckOperation"
	CmdClearStuckInputs    = "clearStuckInputs"
)

var supportedCommands = []string{
	CmdCreatePlayer,
	CmdArchivePlayer,
	CmdSetActivity,
	CmdMoveTo,
	CmdStopMoving,
	CmdStartConversation,
	CmdAcceptInvite,
	CmdRejectInvite,
	CmdSendMessage,
	CmdSetTyping,
	CmdLeaveConversation,
	CmdFinishConversation,
	CmdStartOperation,
	CmdFinishOperation,
	CmdClearStuckOperation,
	CmdClearStuckInputs,
}

func isSupportedCommand(name string) bool {
	for _, c := range supportedCommands {
		if c == name {
			return true
		}
	}
	return false
}

type CmdError struct {
	Code    string
	Message string
}

func cmdErr(code, message string) *CmdError {
	if !protocol.IsKnownCode(code) {
		code = protocol.ErrInternal
	}
	return &CmdError{Code: code, Message: message}
}

type handlerFunc func(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError)

var commandDispatch = map[string]handlerFunc{
	CmdCreatePlayer:        handleCreatePlayer,
	CmdArchivePlayer:       handleArchivePlayer,
	CmdSetActivity:         handleSetActivity,
	CmdMoveTo:              handleMoveTo,
	CmdStopMoving:          handleStopMoving,
	CmdStartConversation:   handleStartConversation,
	CmdAcceptInvite:        handleAcceptInvite,
	CmdRejectInvite:        handleRejectInvite,
	CmdSendMessage:         handleSendMessage,
	CmdSetTyping:           handleSetTyping,
	CmdLeaveConversation:   handleLeaveConversation,
	CmdFinishConversation:  handleFinishConversation,
	CmdStartOperation:      handleStartOperation,
	CmdFinishOperation:     handleFinishOperation,
	CmdClearStuckOperation: handleClearStuckOperation,
	CmdClearStuckInputs:    handleClearStuckInputs,
}

func init() {
	if err := validateDispatchMap("commandDispatch", commandDispatch, supportedCommands); err != nil {
		panic(err)
	}
}

func validateDispatchMap[T any](name string, handlers map[string]T, supported []string) error {
	allowed := make(map[string]struct{}, len(supported))
	for _, k := range supported {
		if k == "" {
			return fmt.Errorf("%s: empty supported key", name)
		}
		if _, ok := allowed[k]; ok {
			return fmt.Errorf("%s: duplicate supported key %q", name, k)
		}
		allowed[k] = struct{}{}
	}
	if len(handlers) != len(allowed) {
		return fmt.Errorf("%s size mismatch: got=%d want=%d", name, len(handlers), len(allowed))
	}
	for k := range handlers {
		if _, ok := allowed[k]; !ok {
			return fmt.Errorf("%s has unsupported key %q", name, k)
		}
	}
	return nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// --- lookup helpers ---

func (w *World) activePlayer(id uint64) (*Player, *CmdError) {
	p := w.players[id]
	if p == nil || p.Archived {
		return nil, cmdErr(protocol.ErrInvalidTarget, fmt.Sprintf("player %d not found", id))
	}
	return p, nil
}

func (w *World) activeAgent(id uint64) (*Agent, *CmdError) {
	a := w.agents[id]
	if a == nil || a.Archived {
		return nil, cmdErr(protocol.ErrInvalidTarget, fmt.Sprintf("agent %d not found", id))
	}
	return a, nil
}

func (w *World) activeConversation(id uint64) (*Conversation, *CmdError) {
	c := w.conversations[id]
	if c == nil {
		return nil, cmdErr(protocol.ErrInvalidTarget, fmt.Sprintf("conversation %d not found", id))
	}
	if c.Finished {
		return nil, cmdErr(protocol.ErrInvalidTarget, fmt.Sprintf("conversation %d already finished", id))
	}
	return c, nil
}

// unindexFinished drops the player->conversation entries of a conversation
// that just finished.
func (w *World) unindexFinished(c *Conversation) {
	if !c.Finished {
		return
	}
	for pid := range c.Participants {
		if w.playerConv[pid] == c.ID {
			delete(w.playerConv, pid)
		}
	}
	if w.playerConv[c.Creator] == c.ID {
		delete(w.playerConv, c.Creator)
	}
}

// detachFromConversation removes the player from its current conversation,
// if any, with the usual finish-on-empty side effect.
func (w *World) detachFromConversation(playerID uint64) {
	cid, ok := w.playerConv[playerID]
	if !ok {
		return
	}
	c := w.conversations[cid]
	delete(w.playerConv, playerID)
	if c == nil {
		return
	}
	c.removeParticipant(playerID)
	w.unindexFinished(c)
}

// --- player handlers ---

type createPlayerArgs struct {
	Name        string `json:"name"`
	Personality string `json:"personality,omitempty"`
	Zone        string `json:"zone,omitempty"`
}

type createPlayerResult struct {
	PlayerID uint64 `json:"player_id"`
	AgentID  uint64 `json:"agent_id,omitempty"`
}

func handleCreatePlayer(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args createPlayerArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	if strings.TrimSpace(args.Name) == "" {
		return nil, cmdErr(protocol.ErrBadRequest, "missing name")
	}

	p := &Player{
		ID:   w.allocID(),
		Name: args.Name,
		Pos:  w.spawnPos(),
		Zone: args.Zone,
	}
	w.players[p.ID] = p

	res := createPlayerResult{PlayerID: p.ID}
	// An agent is created alongside its player when a personality tag is
	// given; externally controlled players have none.
	if args.Personality != "" {
		a := &Agent{
			ID:          w.allocID(),
			PlayerID:    p.ID,
			Personality: args.Personality,
		}
		w.agents[a.ID] = a
		w.agentByPlayer[p.ID] = a.ID
		res.AgentID = a.ID
	}
	return mustJSON(res), nil
}

type playerArgs struct {
	PlayerID uint64 `json:"player_id"`
}

func handleArchivePlayer(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args playerArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	p, cerr := w.activePlayer(args.PlayerID)
	if cerr != nil {
		return nil, cerr
	}

	w.detachFromConversation(p.ID)
	p.clearPath()
	p.Activity = ""
	p.Archived = true

	if aid, ok := w.agentByPlayer[p.ID]; ok {
		if a := w.agents[aid]; a != nil {
			a.Operation = nil
			a.Archived = true
		}
		delete(w.agentByPlayer, p.ID)
	}
	return mustJSON(map[string]bool{"archived": true}), nil
}

type setActivityArgs struct {
	PlayerID uint64 `json:"player_id"`
	Activity string `json:"activity"`
	Zone     string `json:"zone,omitempty"`
}

func handleSetActivity(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args setActivityArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	p, cerr := w.activePlayer(args.PlayerID)
	if cerr != nil {
		return nil, cerr
	}
	p.Activity = args.Activity
	if args.Zone != "" {
		p.Zone = args.Zone
	}
	return mustJSON(map[string]bool{"ok": true}), nil
}

type moveToArgs struct {
	PlayerID uint64 `json:"player_id"`
	To       [2]int `json:"to"`
}

func handleMoveTo(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args moveToArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	p, cerr := w.activePlayer(args.PlayerID)
	if cerr != nil {
		return nil, cerr
	}
	goal := path.Point{X: args.To[0], Y: args.To[1]}
	if !w.grid.Contains(goal) {
		return nil, cmdErr(protocol.ErrInvalidTarget, "target outside grid")
	}
	if _, blocked := w.blocked[goal]; blocked {
		return nil, cmdErr(protocol.ErrInvalidTarget, "target tile blocked")
	}
	route, ok := path.FindPath(w.grid, w.blocked, p.Tile(), goal)
	if !ok {
		return nil, cmdErr(protocol.ErrBlocked, "no walkable route")
	}
	if len(route) <= 1 {
		p.clearPath()
		return mustJSON(map[string]int{"waypoints": 0}), nil
	}
	p.Path = route
	p.PathIndex = 1
	return mustJSON(map[string]int{"waypoints": len(route) - 1}), nil
}

func handleStopMoving(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args playerArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	p, cerr := w.activePlayer(args.PlayerID)
	if cerr != nil {
		return nil, cerr
	}
	p.clearPath()
	return mustJSON(map[string]bool{"ok": true}), nil
}

// --- conversation handlers ---

type startConversationArgs struct {
	PlayerID  uint64 `json:"player_id"`
	InviteeID uint64 `json:"invitee_id"`
}

func handleStartConversation(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args startConversationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	creator, cerr := w.activePlayer(args.PlayerID)
	if cerr != nil {
		return nil, cerr
	}
	invitee, cerr := w.activePlayer(args.InviteeID)
	if cerr != nil {
		return nil, cerr
	}
	if creator.ID == invitee.ID {
		return nil, cmdErr(protocol.ErrBadRequest, "cannot invite self")
	}
	if _, busy := w.playerConv[creator.ID]; busy {
		return nil, cmdErr(protocol.ErrConflict, "creator already in a conversation")
	}
	if _, busy := w.playerConv[invitee.ID]; busy {
		return nil, cmdErr(protocol.ErrConflict, "invitee already in a conversation")
	}

	c := &Conversation{
		ID:           w.allocID(),
		Creator:      creator.ID,
		CreatedAt:    now,
		Participants: map[uint64]struct{}{creator.ID: {}},
		Typing:       map[uint64]struct{}{},
		Invitee:      invitee.ID,
	}
	w.conversations[c.ID] = c
	w.playerConv[creator.ID] = c.ID
	return mustJSON(map[string]uint64{"conversation_id": c.ID}), nil
}

type conversationArgs struct {
	ConversationID uint64 `json:"conversation_id"`
	PlayerID       uint64 `json:"player_id"`
}

func handleAcceptInvite(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args conversationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	c, cerr := w.activeConversation(args.ConversationID)
	if cerr != nil {
		return nil, cerr
	}
	if c.Invitee == 0 || c.Invitee != args.PlayerID {
		return nil, cmdErr(protocol.ErrNotParticipant, "no pending invite for player")
	}
	if _, cerr := w.activePlayer(args.PlayerID); cerr != nil {
		return nil, cerr
	}
	if _, busy := w.playerConv[args.PlayerID]; busy {
		return nil, cmdErr(protocol.ErrConflict, "player already in a conversation")
	}
	c.Participants[args.PlayerID] = struct{}{}
	c.Invitee = 0
	w.playerConv[args.PlayerID] = c.ID
	return mustJSON(map[string]bool{"accepted": true}), nil
}

func handleRejectInvite(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args conversationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	c, cerr := w.activeConversation(args.ConversationID)
	if cerr != nil {
		return nil, cerr
	}
	if c.Invitee == 0 || c.Invitee != args.PlayerID {
		return nil, cmdErr(protocol.ErrNotParticipant, "no pending invite for player")
	}
	// Rejection retires the whole conversation; it never touches the
	// creator's other state.
	c.finish()
	w.unindexFinished(c)
	return mustJSON(map[string]bool{"rejected": true}), nil
}

type sendMessageArgs struct {
	ConversationID uint64 `json:"conversation_id"`
	PlayerID       uint64 `json:"player_id"`
	Text           string `json:"text"`
}

func handleSendMessage(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args sendMessageArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	if args.Text == "" {
		return nil, cmdErr(protocol.ErrBadRequest, "missing text")
	}
	c, cerr := w.activeConversation(args.ConversationID)
	if cerr != nil {
		return nil, cerr
	}
	if !c.isParticipant(args.PlayerID) {
		return nil, cmdErr(protocol.ErrNotParticipant, "sender not a participant")
	}
	c.recordMessage(args.PlayerID, args.Text)
	return mustJSON(map[string]int{"num_messages": c.NumMessages}), nil
}

type setTypingArgs struct {
	ConversationID uint64 `json:"conversation_id"`
	PlayerID       uint64 `json:"player_id"`
	Typing         bool   `json:"typing"`
}

func handleSetTyping(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args setTypingArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	c, cerr := w.activeConversation(args.ConversationID)
	if cerr != nil {
		return nil, cerr
	}
	if !c.isParticipant(args.PlayerID) {
		return nil, cmdErr(protocol.ErrNotParticipant, "not a participant")
	}
	c.setTyping(args.PlayerID, args.Typing)
	return mustJSON(map[string]bool{"ok": true}), nil
}

func handleLeaveConversation(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args conversationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	c, cerr := w.activeConversation(args.ConversationID)
	if cerr != nil {
		return nil, cerr
	}
	if !c.isParticipant(args.PlayerID) {
		return nil, cmdErr(protocol.ErrNotParticipant, "not a participant")
	}
	c.removeParticipant(args.PlayerID)
	delete(w.playerConv, args.PlayerID)
	w.unindexFinished(c)
	return mustJSON(map[string]bool{"finished": c.Finished}), nil
}

func handleFinishConversation(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args conversationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	c, cerr := w.activeConversation(args.ConversationID)
	if cerr != nil {
		return nil, cerr
	}
	if !c.isParticipant(args.PlayerID) {
		return nil, cmdErr(protocol.ErrNotParticipant, "not a participant")
	}
	c.finish()
	w.unindexFinished(c)
	return mustJSON(map[string]bool{"finished": true}), nil
}

// --- operation handlers ---

type startOperationArgs struct {
	AgentID uint64 `json:"agent_id"`
	Name    string `json:"name"`
}

func handleStartOperation(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args startOperationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	if args.Name == "" {
		return nil, cmdErr(protocol.ErrBadRequest, "missing operation name")
	}
	a, cerr := w.activeAgent(args.AgentID)
	if cerr != nil {
		return nil, cerr
	}
	if a.Operation != nil {
		return nil, cmdErr(protocol.ErrConflict,
			fmt.Sprintf("operation %s already in progress", a.Operation.Name))
	}
	a.Operation = &Operation{
		Name:        args.Name,
		OperationID: uuid.NewString(),
		StartedAt:   now,
	}
	return mustJSON(map[string]string{"operation_id": a.Operation.OperationID}), nil
}

type operationArgs struct {
	AgentID     uint64 `json:"agent_id"`
	OperationID string `json:"operation_id"`
}

func handleFinishOperation(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args operationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	a, cerr := w.activeAgent(args.AgentID)
	if cerr != nil {
		return nil, cerr
	}
	if a.Operation == nil || a.Operation.OperationID != args.OperationID {
		return nil, cmdErr(protocol.ErrInvalidTarget, "no matching operation")
	}
	a.Operation = nil
	return mustJSON(map[string]bool{"ok": true}), nil
}

// handleClearStuckOperation force-resolves a flagged operation so movement
// and social commands stop being blocked. Idempotent: clearing an already
// cleared or since-replaced operation succeeds without effect.
func handleClearStuckOperation(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args operationArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	a := w.agents[args.AgentID]
	if a == nil {
		return nil, cmdErr(protocol.ErrInvalidTarget, fmt.Sprintf("agent %d not found", args.AgentID))
	}
	if a.Operation == nil || a.Operation.OperationID != args.OperationID {
		return mustJSON(map[string]bool{"cleared": false}), nil
	}
	a.Operation = nil
	return mustJSON(map[string]bool{"cleared": true}), nil
}

type clearStuckInputsArgs struct {
	OlderThanMs     int64    `json:"older_than_ms"`
	SlowOlderThanMs int64    `json:"slow_older_than_ms,omitempty"`
	SlowCommands    []string `json:"slow_commands,omitempty"`
}

// handleClearStuckInputs marks every unresolved input older than the
// threshold as failed. Long-running command names get the wider slow
// threshold so they are not cleared prematurely. Running twice with the
// same threshold clears each stuck input exactly once.
func handleClearStuckInputs(w *World, in *Input, now time.Time, nowTick uint64) (json.RawMessage, *CmdError) {
	var args clearStuckInputsArgs
	if err := json.Unmarshal(in.Args, &args); err != nil {
		return nil, cmdErr(protocol.ErrBadRequest, "bad args")
	}
	if args.OlderThanMs <= 0 {
		return nil, cmdErr(protocol.ErrBadRequest, "older_than_ms must be positive")
	}
	slowOlder := args.SlowOlderThanMs
	if slowOlder < args.OlderThanMs {
		slowOlder = args.OlderThanMs
	}
	slow := map[string]struct{}{}
	for _, name := range args.SlowCommands {
		slow[name] = struct{}{}
	}
	cleared := w.ledger.failStuck(now, in.ID,
		time.Duration(args.OlderThanMs)*time.Millisecond,
		time.Duration(slowOlder)*time.Millisecond,
		slow)
	return mustJSON(map[string]int{"cleared": cleared}), nil
}
