package frame

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

// Type indicates the type of a transport-layer frame.
type Type byte

const (
	Open Type = iota
	Close
	Ping
	Pong
	Message
	Upgrade
	Noop
)

// String returns string representation of a frame Type
func (t Type) String() string {
	switch t {
	case Open:
		return "open"
	case Close:
		return "close"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case Message:
		return "message"
	case Upgrade:
		return "upgrade"
	case Noop:
		return "noop"
	}
	return "invalid"
}

// Frame is the outer envelope; exactly one frame travels per WebSocket
// message. Binary frames carry their type as a leading raw byte, textual
// frames as a leading ASCII digit.
type Frame struct {
	Type   Type
	Data   []byte
	Binary bool
}

// ToRaw returns the raw binary form of the frame.
func (f Frame) ToRaw() []byte {
	b := make([]byte, 0, len(f.Data)+1)
	b = append(b, byte(f.Type))
	return append(b, f.Data...)
}

// ToString returns the textual form of the frame. A binary payload is
// prefixed with 'b' and base64-encoded, for peers that cannot accept
// binary WebSocket messages.
func (f Frame) ToString() string {
	if f.Binary {
		return "b" + string(byte(f.Type)+'0') + base64.StdEncoding.EncodeToString(f.Data)
	}
	return string(byte(f.Type)+'0') + string(f.Data)
}

// Handshake is the payload of the OPEN frame sent from the accepting
// side to the dialing side.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval uint32   `json:"pingInterval"`
	PingTimeout  uint32   `json:"pingTimeout"`
}

// ErrBadHandshake signals an OPEN payload missing liveness parameters.
var ErrBadHandshake = errors.New("Malformed handshake.")

// ParseHandshake decodes an OPEN payload. PingInterval and PingTimeout
// must both be present and fit an unsigned 32-bit integer.
func ParseHandshake(data []byte) (*Handshake, error) {
	var raw struct {
		SID          string   `json:"sid"`
		Upgrades     []string `json:"upgrades"`
		PingInterval *uint32  `json:"pingInterval"`
		PingTimeout  *uint32  `json:"pingTimeout"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrBadHandshake
	}
	if raw.PingInterval == nil || raw.PingTimeout == nil {
		return nil, ErrBadHandshake
	}
	return &Handshake{
		SID:          raw.SID,
		Upgrades:     raw.Upgrades,
		PingInterval: *raw.PingInterval,
		PingTimeout:  *raw.PingTimeout,
	}, nil
}
