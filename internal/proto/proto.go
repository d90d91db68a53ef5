// Package proto holds the wire types shared by the broker and its clients.
// Wire format: one JSON object per websocket text message.
package proto

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// Broker websocket endpoints.
	PeerPath      = "/peer"
	BroadcastPath = "/broadcast"
)

// Peer message types, server ⇄ client on PeerPath.
const (
	TypeOpen      = "OPEN"      // server → client: registration accepted
	TypeIDTaken   = "ID-TAKEN"  // server → client: name already registered, socket closes
	TypeHeartbeat = "HEARTBEAT" // client → server: keeps the registration alive
	TypeOffer     = "OFFER"     // caller → callee, relayed
	TypeAnswer    = "ANSWER"    // callee → caller, relayed
	TypeCandidate = "CANDIDATE" // either way, relayed (trickle ICE)
	TypeLeave     = "LEAVE"     // either way, relayed: connection closed by sender
	TypeExpire    = "EXPIRE"    // server → sender: Dst is not registered (Src carries Dst)
	TypeError     = "ERROR"     // server → client: malformed input
)

// Connection kinds carried in Negotiation.Kind.
const (
	KindMedia = "media"
	KindData  = "data"
)

// Message is the envelope exchanged on PeerPath.
type Message struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Negotiation is the payload of OFFER, ANSWER, CANDIDATE and LEAVE.
// Every media or data connection has its own ConnectionID.
type Negotiation struct {
	ConnectionID string                     `json:"connectionId"`
	Kind         string                     `json:"kind"`
	Label        string                     `json:"label,omitempty"`
	SDP          *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// ErrorPayload accompanies ID-TAKEN and ERROR.
type ErrorPayload struct {
	Msg string `json:"msg"`
}

// NewMessage builds a Message with payload marshalled to JSON.
func NewMessage(typ, src, dst string, payload any) (Message, error) {
	m := Message{Type: typ, Src: src, Dst: dst}
	if payload == nil {
		return m, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	m.Payload = b
	return m, nil
}

// Broadcast frame types on BroadcastPath.
const (
	FrameSubscribe   = "SUBSCRIBE"   // client → server
	FrameUnsubscribe = "UNSUBSCRIBE" // client → server
	FramePublish     = "PUBLISH"     // client → server
	FrameMessage     = "MESSAGE"     // server → subscribers (never echoed to the publisher)
)

// Frame is the envelope exchanged on BroadcastPath.
type Frame struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	From    string          `json:"from,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func NowMillis() int64 { return time.Now().UnixMilli() }
