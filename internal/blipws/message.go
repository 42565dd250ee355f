// Package blipws is the message-oriented bidirectional channel the
// Replicator speaks: request/response correlation over a
// WebSocket-framed transport, per-profile dispatch, and byte-based flow
// control on both the send and receive sides.
package blipws

import (
	"encoding/json"

	"litecore/internal/liteerr"
)

// MessageType distinguishes the three frame kinds on the wire.
type MessageType uint8

const (
	TypeRequest MessageType = iota
	TypeResponse
	TypeError
)

// Message is one protocol message. Requests carry a Profile naming the
// handler; a reply re-uses the request's Number.
type Message struct {
	Type       MessageType
	Number     uint64
	Profile    string
	Properties map[string]string
	Body       []byte

	// Error replies only.
	ErrorCode   int
	ErrorDomain string
}

// Property returns a named property or "".
func (m *Message) Property(key string) string {
	if m.Properties == nil {
		return ""
	}
	return m.Properties[key]
}

// SetProperty sets a property, allocating the map on first use.
func (m *Message) SetProperty(key, value string) {
	if m.Properties == nil {
		m.Properties = make(map[string]string)
	}
	m.Properties[key] = value
}

// NewRequest builds a request for the given profile.
func NewRequest(profile string) *Message {
	return &Message{Type: TypeRequest, Profile: profile}
}

// Response builds an empty success reply to m.
func (m *Message) Response() *Message {
	return &Message{Type: TypeResponse, Number: m.Number}
}

// ErrorResponse builds an error reply to m.
func (m *Message) ErrorResponse(domain string, code int, message string) *Message {
	return &Message{
		Type: TypeError, Number: m.Number,
		ErrorDomain: domain, ErrorCode: code, Body: []byte(message),
	}
}

// Err converts an error reply into a liteerr value; nil for non-error
// messages. LiteCore-domain codes map back onto their error kinds so a
// remote NotFound or Conflict classifies the same as a local one.
func (m *Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	switch m.ErrorDomain {
	case "WebSocket", "HTTP":
		return liteerr.WSClosed(m.ErrorCode, "%s", string(m.Body))
	case "LiteCore":
		switch m.ErrorCode {
		case 404:
			return liteerr.New(liteerr.NotFound, "%s", string(m.Body))
		case 409:
			return liteerr.New(liteerr.Conflict, "%s", string(m.Body))
		case 400:
			return liteerr.New(liteerr.InvalidParameter, "%s", string(m.Body))
		}
	}
	return liteerr.New(liteerr.Unknown, "remote error %s/%d: %s", m.ErrorDomain, m.ErrorCode, string(m.Body))
}

// wireMessage is the JSON envelope for one frame.
type wireMessage struct {
	Type        MessageType       `json:"t"`
	Number      uint64            `json:"n"`
	Profile     string            `json:"p,omitempty"`
	Properties  map[string]string `json:"props,omitempty"`
	Body        []byte            `json:"body,omitempty"`
	ErrorCode   int               `json:"errCode,omitempty"`
	ErrorDomain string            `json:"errDomain,omitempty"`
}

func encodeMessage(m *Message) ([]byte, error) {
	data, err := json.Marshal(wireMessage{
		Type: m.Type, Number: m.Number, Profile: m.Profile,
		Properties: m.Properties, Body: m.Body,
		ErrorCode: m.ErrorCode, ErrorDomain: m.ErrorDomain,
	})
	if err != nil {
		return nil, liteerr.Wrap(liteerr.Unknown, err, "encode message %d", m.Number)
	}
	return data, nil
}

func decodeMessage(data []byte) (*Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, liteerr.Wrap(liteerr.JSONParseError, err, "decode frame")
	}
	return &Message{
		Type: w.Type, Number: w.Number, Profile: w.Profile,
		Properties: w.Properties, Body: w.Body,
		ErrorCode: w.ErrorCode, ErrorDomain: w.ErrorDomain,
	}, nil
}
