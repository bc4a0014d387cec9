// Package duplex implements the session layer of a bidirectional,
// multiplexed RPC-over-WebSocket protocol. A session carries both
// fire-and-forget events and correlated request/response calls over a
// single WebSocket, using two-layer framing: an outer frame layer
// (package frame) and the inner packet layer implemented here.
package duplex

// PacketType indicates type of a Packet
type PacketType byte

const (
	PacketTypeConnect PacketType = iota
	PacketTypeDisconnect
	PacketTypeEvent
	PacketTypeAck
	PacketTypeError
	PacketTypeBinaryEvent
	PacketTypeBinaryAck
)

// String returns string representation of a PacketType
func (p PacketType) String() string {
	switch p {
	case PacketTypeConnect:
		return "connect"
	case PacketTypeDisconnect:
		return "disconnect"
	case PacketTypeEvent:
		return "event"
	case PacketTypeAck:
		return "ack"
	case PacketTypeError:
		return "error"
	case PacketTypeBinaryEvent:
		return "binary_event"
	case PacketTypeBinaryAck:
		return "binary_ack"
	}
	return "invalid"
}

// handshakeSID is the fixed session id advertised in the OPEN payload;
// session tracking happens above this layer.
const handshakeSID = "00000000000000000000"

// blacklist holds observer-framework lifecycle names. They are reserved
// for the session itself and can never be multiplexed into the
// application event bus.
var blacklist = map[string]struct{}{
	"open":           {},
	"close":          {},
	"error":          {},
	"newListener":    {},
	"removeListener": {},
}

func blacklisted(name string) bool {
	_, ok := blacklist[name]
	return ok
}
