package sim

import (
	"time"

	"colocate/internal/net/proto"
)

// Command is a peer message staged for the next relay tick.
type Command struct {
	ActorID    string
	Type       string
	Seq        uint64
	ReceivedAt time.Time
	// Conn identifies the connection the command arrived on. Commands left
	// over from a closed connection are dropped.
	Conn       uint64
	Message    proto.Message
}

// NewCommand wraps msg received from actor.
func NewCommand(actor string, msg proto.Message, receivedAt time.Time) Command {
	return Command{
		ActorID:    actor,
		Type:       msg.Type,
		Seq:        msg.Seq,
		ReceivedAt: receivedAt,
		Message:    msg,
	}
}
