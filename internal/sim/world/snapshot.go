package world

import (
	"fmt"
	"time"

	"pixeltown.ai/internal/persistence/snapshot"
	"pixeltown.ai/internal/sim/path"
)

// ExportSnapshot serializes the full world state. Engine goroutine only.
func (w *World) ExportSnapshot(tick uint64) snapshot.SnapshotV1 {
	snap := snapshot.SnapshotV1{
		Header: snapshot.Header{
			Version: 1,
			WorldID: w.cfg.ID,
			Tick:    tick,
		},
		Seed:               w.cfg.Seed,
		TickRate:           w.cfg.TickRateHz,
		GridWidth:          w.cfg.GridWidth,
		GridHeight:         w.cfg.GridHeight,
		PlayerSpeedMilli:   w.cfg.PlayerSpeedMilli,
		SnapshotEveryTicks: w.cfg.SnapshotEveryTicks,
		NextID:             w.nextID,
	}

	for _, id := range w.sortedPlayerIDs() {
		p := w.players[id]
		pv := snapshot.PlayerV1{
			ID:       p.ID,
			Name:     p.Name,
			Pos:      [2]float64{p.Pos.X, p.Pos.Y},
			Activity: p.Activity,
			Zone:     p.Zone,
			Archived: p.Archived,
		}
		if p.Moving() {
			rest := p.Path[p.PathIndex:]
			pv.Path = make([][2]int, len(rest))
			for i, wp := range rest {
				pv.Path[i] = [2]int{wp.X, wp.Y}
			}
		}
		snap.Players = append(snap.Players, pv)
	}

	for _, id := range w.sortedAgentIDs() {
		a := w.agents[id]
		av := snapshot.AgentV1{
			ID:          a.ID,
			PlayerID:    a.PlayerID,
			Personality: a.Personality,
			Archived:    a.Archived,
		}
		if a.Operation != nil {
			av.Operation = &snapshot.OperationV1{
				Name:        a.Operation.Name,
				OperationID: a.Operation.OperationID,
				StartedAtMs: a.Operation.StartedAt.UnixMilli(),
			}
		}
		snap.Agents = append(snap.Agents, av)
	}

	for _, id := range w.sortedConversationIDs() {
		c := w.conversations[id]
		cv := snapshot.ConversationV1{
			ID:           c.ID,
			Creator:      c.Creator,
			CreatedAtMs:  c.CreatedAt.UnixMilli(),
			Participants: sortedSet(c.Participants),
			Typing:       sortedSet(c.Typing),
			Invitee:      c.Invitee,
			NumMessages:  c.NumMessages,
			Finished:     c.Finished,
		}
		if len(cv.Typing) == 0 {
			cv.Typing = nil
		}
		if c.LastMessage != nil {
			cv.LastMessage = &snapshot.MessageV1{
				Author: c.LastMessage.Author,
				Text:   c.LastMessage.Text,
			}
		}
		snap.Conversations = append(snap.Conversations, cv)
	}

	return snap
}

// ImportSnapshot replaces the entity state from a snapshot and rebuilds the
// derived indexes. Must be called before Run.
func (w *World) ImportSnapshot(snap snapshot.SnapshotV1) error {
	if snap.Header.Version != 1 {
		return fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if snap.Header.WorldID != w.cfg.ID {
		return fmt.Errorf("snapshot world %q does not match %q", snap.Header.WorldID, w.cfg.ID)
	}
	if snap.GridWidth != w.cfg.GridWidth || snap.GridHeight != w.cfg.GridHeight {
		return fmt.Errorf("snapshot grid %dx%d does not match %dx%d",
			snap.GridWidth, snap.GridHeight, w.cfg.GridWidth, w.cfg.GridHeight)
	}

	w.players = map[uint64]*Player{}
	w.agents = map[uint64]*Agent{}
	w.conversations = map[uint64]*Conversation{}
	w.playerConv = map[uint64]uint64{}
	w.agentByPlayer = map[uint64]uint64{}

	for _, pv := range snap.Players {
		p := &Player{
			ID:       pv.ID,
			Name:     pv.Name,
			Pos:      Vec2{X: pv.Pos[0], Y: pv.Pos[1]},
			Activity: pv.Activity,
			Zone:     pv.Zone,
			Archived: pv.Archived,
		}
		if len(pv.Path) > 0 {
			p.Path = make([]path.Point, len(pv.Path))
			for i, wp := range pv.Path {
				p.Path[i] = path.Point{X: wp[0], Y: wp[1]}
			}
		}
		w.players[p.ID] = p
	}

	for _, av := range snap.Agents {
		a := &Agent{
			ID:          av.ID,
			PlayerID:    av.PlayerID,
			Personality: av.Personality,
			Archived:    av.Archived,
		}
		if av.Operation != nil {
			a.Operation = &Operation{
				Name:        av.Operation.Name,
				OperationID: av.Operation.OperationID,
				StartedAt:   time.UnixMilli(av.Operation.StartedAtMs),
			}
		}
		w.agents[a.ID] = a
		if !a.Archived {
			w.agentByPlayer[a.PlayerID] = a.ID
		}
	}

	for _, cv := range snap.Conversations {
		c := &Conversation{
			ID:           cv.ID,
			Creator:      cv.Creator,
			CreatedAt:    time.UnixMilli(cv.CreatedAtMs),
			Participants: map[uint64]struct{}{},
			Typing:       map[uint64]struct{}{},
			Invitee:      cv.Invitee,
			NumMessages:  cv.NumMessages,
			Finished:     cv.Finished,
		}
		for _, pid := range cv.Participants {
			c.Participants[pid] = struct{}{}
		}
		for _, pid := range cv.Typing {
			c.Typing[pid] = struct{}{}
		}
		if cv.LastMessage != nil {
			c.LastMessage = &Message{Author: cv.LastMessage.Author, Text: cv.LastMessage.Text}
		}
		w.conversations[c.ID] = c
		if !c.Finished {
			for pid := range c.Participants {
				w.playerConv[pid] = c.ID
			}
		}
	}

	w.nextID = snap.NextID
	w.tick.Store(snap.Header.Tick)
	w.publishView(snap.Header.Tick)
	return nil
}
