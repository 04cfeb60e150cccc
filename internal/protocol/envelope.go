// Package protocol defines the wire format exchanged between chat clients and
// the broker. Every WebSocket text frame carries exactly one JSON envelope.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies which envelope variant a frame carries.
type Kind string

const (
	// Client → broker.
	KindJoin Kind = "join"
	KindChat Kind = "chat"

	// Broker → clients. KindChat is reused with the From field populated.
	KindRoster Kind = "roster"

	// KindLeave is synthesized by the broker on disconnect; clients never
	// need to send it, though a client that does is simply disconnected.
	KindLeave Kind = "leave"
)

// Envelope is the closed set of message variants understood by the broker.
// Exactly one group of fields is meaningful for each Kind:
//
//	KindJoin   – Username
//	KindChat   – Text, plus From on broker→client frames
//	KindRoster – Users, in join order
//	KindLeave  – no payload
type Envelope struct {
	Kind     Kind
	Username string
	From     string
	Text     string
	Users    []string
}

// Join builds a client registration envelope.
func Join(username string) Envelope {
	return Envelope{Kind: KindJoin, Username: username}
}

// Chat builds a chat envelope. From is empty on client→broker frames and
// carries the sender's username on broker→client frames.
func Chat(from, text string) Envelope {
	return Envelope{Kind: KindChat, From: from, Text: text}
}

// Roster builds a roster envelope listing online usernames in join order.
func Roster(users []string) Envelope {
	if users == nil {
		users = []string{}
	}
	return Envelope{Kind: KindRoster, Users: users}
}

// Leave builds the internal disconnect envelope.
func Leave() Envelope {
	return Envelope{Kind: KindLeave}
}

// DecodeError reports a frame that could not be turned into a valid Envelope.
// The connection that produced it is disconnected; other connections are
// unaffected.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("protocol: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// DefaultMaxTextSize caps chat text payloads in bytes.
const DefaultMaxTextSize = 4096

// Codec is a deterministic, reversible mapping between Envelope values and
// wire bytes. Decode(Encode(e)) yields e for every valid envelope e.
type Codec struct {
	maxTextSize int
}

// NewCodec returns a Codec rejecting chat text longer than maxTextSize bytes.
// Non-positive values fall back to DefaultMaxTextSize.
func NewCodec(maxTextSize int) Codec {
	if maxTextSize <= 0 {
		maxTextSize = DefaultMaxTextSize
	}
	return Codec{maxTextSize: maxTextSize}
}

// wireEnvelope is the single JSON shape all variants share on the wire.
type wireEnvelope struct {
	Type     string   `json:"type"`
	Username string   `json:"username,omitempty"`
	From     string   `json:"from,omitempty"`
	Text     string   `json:"text,omitempty"`
	Users    []string `json:"users,omitempty"`
}

// Encode serializes a well-formed envelope. Fields that do not belong to the
// envelope's Kind are never emitted.
func (c Codec) Encode(e Envelope) []byte {
	w := wireEnvelope{Type: string(e.Kind)}
	switch e.Kind {
	case KindJoin:
		w.Username = e.Username
	case KindChat:
		w.From = e.From
		w.Text = e.Text
	case KindRoster:
		w.Users = e.Users
	case KindLeave:
	}

	// Marshalling a struct of strings and string slices cannot fail.
	data, _ := json.Marshal(w)
	return data
}

// Decode parses wire bytes into an Envelope. Truncated JSON, unrecognized
// tags, missing join usernames, and oversized chat text all yield a
// *DecodeError.
func (c Codec) Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Reason: "malformed frame", Cause: err}
	}

	switch Kind(w.Type) {
	case KindJoin:
		if w.Username == "" {
			return Envelope{}, &DecodeError{Reason: "join requires a username"}
		}
		return Join(w.Username), nil

	case KindChat:
		if len(w.Text) > c.maxTextSize {
			return Envelope{}, &DecodeError{
				Reason: fmt.Sprintf("chat text exceeds %d bytes", c.maxTextSize),
			}
		}
		return Chat(w.From, w.Text), nil

	case KindRoster:
		return Roster(w.Users), nil

	case KindLeave:
		return Leave(), nil

	default:
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("unrecognized type %q", w.Type)}
	}
}
