// Package broadcast delivers small JSON notices to every participant
// subscribed to a named channel (e.g. "videocall-A1"). It is how one side of
// an appointment tells the other that the call has ended.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("broadcast")

// ErrClosed is returned by a Bus after Close.
var ErrClosed = errors.New("broadcast: bus closed")

// Message is one notice on a channel.
type Message struct {
	Channel string          `json:"channel"`
	From    string          `json:"from,omitempty"`
	Data    json.RawMessage `json:"data"`
}

// Bus publishes to and subscribes on named channels. Delivery is best-effort:
// slow subscribers drop messages.
type Bus interface {
	Publish(ctx context.Context, channel string, msg Message) error
	// Subscribe returns a channel of messages and a cancel func. The channel
	// is closed by cancel, by ctx ending or by Close.
	Subscribe(ctx context.Context, channel string) (<-chan Message, func(), error)
	Close() error
}

// Notice types carried in Message.Data.
const (
	TypeCallEnded = "call-ended"
)

// CallEnded is the payload announcing that a call was ended by EndedBy.
type CallEnded struct {
	Type    string `json:"type"`
	EndedBy string `json:"endedBy"`
}

// NewCallEnded builds the call-ended notice for channel.
func NewCallEnded(channel, from, endedBy string) (Message, error) {
	b, err := json.Marshal(CallEnded{Type: TypeCallEnded, EndedBy: endedBy})
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: channel, From: from, Data: b}, nil
}

// DecodeCallEnded reports whether msg is a call-ended notice and who ended it.
func DecodeCallEnded(msg Message) (CallEnded, bool) {
	var ce CallEnded
	if err := json.Unmarshal(msg.Data, &ce); err != nil || ce.Type != TypeCallEnded {
		return CallEnded{}, false
	}
	return ce, true
}
