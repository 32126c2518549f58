package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"pixeltown.ai/internal/protocol"
)

// A smoke-test client: joins a world, spawns a player, then wanders
// between random tiles, polling each command to completion.
func main() {
	var (
		url  = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name = flag.String("name", "bot", "player name")
		zone = flag.String("zone", "general", "zone preference")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      *name,
		ZonePreference:  *zone,
		MaxQueue:        8,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := readMsg(conn, protocol.TypeWelcome, &welcome); err != nil {
		logger.Fatalf("WELCOME: %v", err)
	}
	logger.Printf("WELCOME instance=%s world=%s grid=%dx%d",
		welcome.InstanceID, welcome.WorldID, welcome.WorldParams.GridWidth, welcome.WorldParams.GridHeight)

	c := &client{conn: conn, logger: logger, worldID: welcome.WorldID}

	value, err := c.run("createPlayer", map[string]any{"name": *name, "zone": *zone})
	if err != nil {
		logger.Fatalf("createPlayer: %v", err)
	}
	var created struct {
		PlayerID uint64 `json:"player_id"`
	}
	if err := json.Unmarshal(value, &created); err != nil {
		logger.Fatalf("createPlayer result: %v", err)
	}
	logger.Printf("player_id=%d", created.PlayerID)

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; ; i++ {
		select {
		case <-stop:
			return
		default:
		}

		tx := r.Intn(welcome.WorldParams.GridWidth)
		ty := r.Intn(welcome.WorldParams.GridHeight)
		if _, err := c.run("moveTo", map[string]any{
			"player_id": created.PlayerID,
			"to":        [2]int{tx, ty},
		}); err != nil {
			logger.Printf("moveTo (%d,%d): %v", tx, ty, err)
		} else {
			logger.Printf("walking to (%d,%d)", tx, ty)
		}
		time.Sleep(time.Duration(3+r.Intn(5)) * time.Second)
	}
}

type client struct {
	conn    *websocket.Conn
	logger  *log.Logger
	worldID string
	seq     int
}

// run submits one command and polls until its outcome is done.
func (c *client) run(name string, args map[string]any) (json.RawMessage, error) {
	c.seq++
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	submit := protocol.SubmitMsg{
		Type:            protocol.TypeSubmit,
		ProtocolVersion: protocol.Version,
		Ref:             fmt.Sprintf("r%d", c.seq),
		WorldID:         c.worldID,
		Name:            name,
		Args:            raw,
	}
	if err := c.conn.WriteJSON(submit); err != nil {
		return nil, err
	}
	var ack protocol.AckMsg
	if err := readMsg(c.conn, protocol.TypeAck, &ack); err != nil {
		return nil, err
	}
	if !ack.Accepted {
		return nil, fmt.Errorf("rejected: %s %s", ack.Code, ack.Message)
	}

	for {
		poll := protocol.PollMsg{
			Type:            protocol.TypePoll,
			ProtocolVersion: protocol.Version,
			InputID:         ack.InputID,
		}
		if err := c.conn.WriteJSON(poll); err != nil {
			return nil, err
		}
		var out protocol.OutcomeMsg
		if err := readMsg(c.conn, protocol.TypeOutcome, &out); err != nil {
			return nil, err
		}
		if !out.Known {
			return nil, fmt.Errorf("input %s unknown", ack.InputID)
		}
		if out.Done {
			if !out.OK {
				return nil, fmt.Errorf("failed: %s %s", out.Code, out.Message)
			}
			return out.Value, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// readMsg reads frames until one of the wanted type arrives, skipping
// anything else the server pushes in between.
func readMsg(conn *websocket.Conn, want string, v any) error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", want)
		}
		_ = conn.SetReadDeadline(deadline)
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		if base.Type != want {
			continue
		}
		return json.Unmarshal(msg, v)
	}
}
