package world

import "time"

// Conversation is the multi-state social interaction between players.
//
// Lifecycle: created with the creator as the only participant and a pending
// invite for one other player. Accept adds the invitee; reject finishes the
// conversation with no other effect. While active, participants can type,
// send messages and leave. Finished is monotonic: once set it never clears,
// and an empty participant set forces it.
type Conversation struct {
	ID        uint64
	Creator   uint64
	CreatedAt time.Time

	Participants map[uint64]struct{}
	Typing       map[uint64]struct{}

	// Pending invitee; zero once accepted or rejected.
	Invitee uint64

	LastMessage *Message
	NumMessages int

	Finished bool
}

type Message struct {
	Author uint64
	Text   string
}

func (c *Conversation) isParticipant(playerID uint64) bool {
	_, ok := c.Participants[playerID]
	return ok
}

func (c *Conversation) setTyping(playerID uint64, typing bool) {
	if typing {
		c.Typing[playerID] = struct{}{}
		return
	}
	delete(c.Typing, playerID)
}

func (c *Conversation) recordMessage(author uint64, text string) {
	c.LastMessage = &Message{Author: author, Text: text}
	c.NumMessages++
	delete(c.Typing, author)
}

// finish marks the conversation done and clears the typing set. Participants
// are retained for historical queries. Idempotent.
func (c *Conversation) finish() {
	c.Finished = true
	c.Invitee = 0
	c.Typing = map[uint64]struct{}{}
}

// removeParticipant drops the player from both sets. Finishing on empty is
// a side effect, not a separate command.
func (c *Conversation) removeParticipant(playerID uint64) {
	delete(c.Participants, playerID)
	delete(c.Typing, playerID)
	if len(c.Participants) == 0 {
		c.finish()
	}
}
