package world

import (
	"sort"

	"pixeltown.ai/internal/protocol"
)

// publishView swaps in a fresh read-only projection of the world. Only the
// engine goroutine calls this, at tick boundaries, so readers always observe
// a consistent whole-tick state.
func (w *World) publishView(tick uint64) {
	view := &protocol.SnapshotMsg{
		Type:            protocol.TypeSnapshot,
		ProtocolVersion: protocol.Version,
		WorldID:         w.cfg.ID,
		Tick:            tick,
		Players:         make([]protocol.PlayerView, 0, len(w.players)),
		Agents:          make([]protocol.AgentView, 0, len(w.agents)),
		Conversations:   make([]protocol.ConversationView, 0, len(w.conversations)),
	}

	for _, id := range w.sortedPlayerIDs() {
		view.Players = append(view.Players, playerView(w.players[id]))
	}
	for _, id := range w.sortedAgentIDs() {
		view.Agents = append(view.Agents, agentView(w.agents[id]))
	}
	for _, id := range w.sortedConversationIDs() {
		view.Conversations = append(view.Conversations, conversationView(w.conversations[id]))
	}

	w.view.Store(view)
}

func playerView(p *Player) protocol.PlayerView {
	v := protocol.PlayerView{
		ID:       p.ID,
		Name:     p.Name,
		Pos:      [2]float64{p.Pos.X, p.Pos.Y},
		Activity: p.Activity,
		Zone:     p.Zone,
		Archived: p.Archived,
	}
	// Remaining waypoints only; consumed ones are history.
	if p.Moving() {
		rest := p.Path[p.PathIndex:]
		v.Path = make([][2]int, len(rest))
		for i, wp := range rest {
			v.Path[i] = [2]int{wp.X, wp.Y}
		}
	}
	return v
}

func agentView(a *Agent) protocol.AgentView {
	v := protocol.AgentView{
		ID:          a.ID,
		PlayerID:    a.PlayerID,
		Personality: a.Personality,
		Archived:    a.Archived,
	}
	if a.Operation != nil {
		v.Operation = &protocol.OperationView{
			Name:        a.Operation.Name,
			OperationID: a.Operation.OperationID,
			StartedAtMs: a.Operation.StartedAt.UnixMilli(),
		}
	}
	return v
}

func conversationView(c *Conversation) protocol.ConversationView {
	v := protocol.ConversationView{
		ID:           c.ID,
		Creator:      c.Creator,
		CreatedAtMs:  c.CreatedAt.UnixMilli(),
		Participants: sortedSet(c.Participants),
		Typing:       sortedSet(c.Typing),
		NumMessages:  c.NumMessages,
		Finished:     c.Finished,
	}
	if len(v.Typing) == 0 {
		v.Typing = nil
	}
	if c.LastMessage != nil {
		v.LastMessage = &protocol.MessageView{
			Author: c.LastMessage.Author,
			Text:   c.LastMessage.Text,
		}
	}
	return v
}

func sortedSet(set map[uint64]struct{}) []uint64 {
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
