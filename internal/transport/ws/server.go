package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pixeltown.ai/internal/protocol"
	"pixeltown.ai/internal/sim/instance"
	"pixeltown.ai/internal/sim/world"
)

// Registry tracks the last time a connected controller acted on behalf of a
// player. The recovery sweeper reads it to find abandoned players.
type Registry struct {
	mu   sync.RWMutex
	seen map[string]map[uint64]time.Time
}

func NewRegistry() *Registry {
	return &Registry{seen: map[string]map[uint64]time.Time{}}
}

func (r *Registry) Touch(worldID string, playerID uint64) {
	if playerID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byPlayer := r.seen[worldID]
	if byPlayer == nil {
		byPlayer = map[uint64]time.Time{}
		r.seen[worldID] = byPlayer
	}
	byPlayer[playerID] = time.Now()
}

func (r *Registry) LastSeen(worldID string, playerID uint64) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.seen[worldID][playerID]
	return t, ok
}

type Server struct {
	resolve  func(worldID string) *world.World
	alloc    *instance.Manager
	presence *Registry
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(resolve func(worldID string) *world.World, alloc *instance.Manager, presence *Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		resolve:  resolve,
		alloc:    alloc,
		presence: presence,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		w, alloc, out := s.handshake(conn)
		if w == nil {
			return
		}
		defer func() {
			if s.alloc != nil && alloc.InstanceID != "" {
				if err := s.alloc.ReleaseSlot(alloc.InstanceID); err != nil {
					s.log.Printf("ws: release %s: %v", alloc.InstanceID, err)
				}
			}
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		send := func(v any) bool {
			b, err := json.Marshal(v)
			if err != nil {
				return false
			}
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			switch base.Type {
			case protocol.TypeSubmit:
				s.handleSubmit(w, msg, send)
			case protocol.TypePoll:
				s.handlePoll(w, msg, send)
			case protocol.TypeSnapshotReq:
				if v := w.View(); v != nil {
					send(v)
				}
			}
		}
	}
}

func (s *Server) handleSubmit(w *world.World, msg []byte, send func(any) bool) {
	var sub protocol.SubmitMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return
	}
	ack := protocol.AckMsg{
		Type:            protocol.TypeAck,
		ProtocolVersion: protocol.Version,
		AckFor:          sub.Ref,
	}
	if sub.ProtocolVersion != protocol.Version {
		ack.Code = protocol.ErrProtoBadRequest
		ack.Message = "bad protocol_version"
		send(ack)
		return
	}
	if sub.WorldID != "" && sub.WorldID != w.ID() {
		ack.Code = protocol.ErrWorldNotFound
		ack.Message = "world not served by this session"
		send(ack)
		return
	}

	inputID, err := w.Submit(sub.Name, sub.Args)
	switch {
	case errors.Is(err, world.ErrQueueFull):
		ack.Code = protocol.ErrWorldBusy
		ack.Message = "input queue full"
	case err != nil:
		ack.Code = protocol.ErrBadRequest
		ack.Message = err.Error()
	default:
		ack.Accepted = true
		ack.InputID = inputID
		s.touchFromArgs(w.ID(), sub.Args)
	}
	send(ack)
}

func (s *Server) handlePoll(w *world.World, msg []byte, send func(any) bool) {
	var poll protocol.PollMsg
	if err := json.Unmarshal(msg, &poll); err != nil {
		return
	}
	outcome := protocol.OutcomeMsg{
		Type:            protocol.TypeOutcome,
		ProtocolVersion: protocol.Version,
		InputID:         poll.InputID,
	}
	if in, ok := w.Outcome(poll.InputID); ok {
		outcome.Known = true
		outcome.Done = in.Done
		outcome.OK = in.OK
		outcome.Value = in.Value
		outcome.Code = in.Code
		outcome.Message = in.Message
	}
	send(outcome)
}

// touchFromArgs refreshes presence for the player a command acts on.
func (s *Server) touchFromArgs(worldID string, args json.RawMessage) {
	if s.presence == nil || len(args) == 0 {
		return
	}
	var probe struct {
		PlayerID uint64 `json:"player_id"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return
	}
	s.presence.Touch(worldID, probe.PlayerID)
}

func (s *Server) handshake(conn *websocket.Conn) (*world.World, instance.Allocation, chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, instance.Allocation{}, nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil, instance.Allocation{}, nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil, instance.Allocation{}, nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil, instance.Allocation{}, nil
	}

	zone := instance.ZoneType(hello.ZonePreference)
	if zone == "" {
		zone = instance.ZoneGeneral
	}
	alloc, err := s.alloc.FindOrCreate(zone)
	if err != nil {
		s.log.Printf("ws: allocate %s: %v", zone, err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "allocation failed"), time.Now().Add(time.Second))
		return nil, instance.Allocation{}, nil
	}
	w := s.resolve(alloc.WorldID)
	if w == nil {
		_ = s.alloc.ReleaseSlot(alloc.InstanceID)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "world unavailable"), time.Now().Add(time.Second))
		return nil, instance.Allocation{}, nil
	}

	maxQ := hello.MaxQueue
	if maxQ <= 0 {
		maxQ = 8
	}
	if maxQ > 64 {
		maxQ = 64
	}
	out := make(chan []byte, maxQ)

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		InstanceID:      alloc.InstanceID,
		WorldID:         w.ID(),
		WorldParams:     w.Params(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		_ = s.alloc.ReleaseSlot(alloc.InstanceID)
		return nil, instance.Allocation{}, nil
	}

	return w, alloc, out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
