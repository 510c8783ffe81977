// Package protocol defines the JSON messages exchanged with explorer clients over the
// websocket feed, and the schemas they are checked against.
package protocol

import (
	"encoding/json"
	"errors"
)

// Version is sent in every frame. Clients speaking another version are refused at HELLO.
const Version = "1.0"

// Client -> server.
const (
	TypeHello  = "HELLO"
	TypeRadius = "RADIUS"
)

// Server -> client.
const (
	TypeWelcome = "WELCOME"
	TypeChunk   = "CHUNK"
	TypeError   = "ERROR"
)

// BaseMessage carries the fields shared by every frame; it is decoded first to pick the
// concrete message type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
}

var errNoType = errors.New("message has no type")

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.Type == "" {
		return m, errNoType
	}
	return m, nil
}
