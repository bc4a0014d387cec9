package duplex

import (
	"github.com/tinylib/msgp/msgp"
)

// Msgpack packet codec, an alternative to the textual form negotiated
// out of band (both peers configured alike). The whole packet travels
// as a single binary MESSAGE frame; binary arguments are carried inline
// as msgpack bin values instead of trailing attachment frames.

// EncodeMsgpack serializes the packet into one msgpack payload.
func (p *Packet) EncodeMsgpack() ([]byte, error) {
	v, err := p.GetData()
	if err != nil {
		return nil, err
	}
	o := make([]byte, 0, 64+len(p.data))
	o = msgp.AppendMapHeader(o, 3)
	o = msgp.AppendString(o, "type")
	o = msgp.AppendUint8(o, uint8(p.Type))
	o = msgp.AppendString(o, "id")
	o = msgp.AppendInt64(o, p.ID)
	o = msgp.AppendString(o, "data")
	return msgp.AppendIntf(o, v)
}

// DecodeMsgpack parses one msgpack payload into a packet. Inline bin
// values are lifted back out into buffers so GetData and the dispatch
// path behave identically for both codecs.
func DecodeMsgpack(b []byte) (*Packet, error) {
	sz, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return nil, ErrUnknownPacket
	}
	p := &Packet{ID: -1}
	var data interface{}
	for i := uint32(0); i < sz; i++ {
		var field []byte
		field, b, err = msgp.ReadMapKeyZC(b)
		if err != nil {
			return nil, ErrUnknownPacket
		}
		switch msgp.UnsafeString(field) {
		case "type":
			var t uint8
			t, b, err = msgp.ReadUint8Bytes(b)
			if err != nil || PacketType(t) > PacketTypeBinaryAck {
				return nil, ErrUnknownPacket
			}
			p.Type = PacketType(t)
		case "id":
			p.ID, b, err = msgp.ReadInt64Bytes(b)
			if err != nil {
				return nil, ErrUnknownPacket
			}
		case "data":
			data, b, err = msgp.ReadIntfBytes(b)
			if err != nil {
				return nil, ErrUnknownPacket
			}
		default:
			b, err = msgp.Skip(b)
			if err != nil {
				return nil, ErrUnknownPacket
			}
		}
	}
	if p.ID < 0 {
		p.ID = -1
	}
	if data != nil {
		if err = p.SetData(normalizeMsgp(data)); err != nil {
			return nil, ErrUnknownPacket
		}
	}
	return p, nil
}

// normalizeMsgp aligns msgpack decode output with the JSON data model:
// integer and float32 scalars widen to float64, map[interface{}] keys
// become strings where possible.
func normalizeMsgp(v interface{}) interface{} {
	switch d := v.(type) {
	case int64:
		return float64(d)
	case uint64:
		return float64(d)
	case float32:
		return float64(d)
	case []interface{}:
		for i := range d {
			d[i] = normalizeMsgp(d[i])
		}
		return d
	case map[string]interface{}:
		for k := range d {
			d[k] = normalizeMsgp(d[k])
		}
		return d
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(d))
		for k, val := range d {
			if s, ok := k.(string); ok {
				out[s] = normalizeMsgp(val)
			}
		}
		return out
	}
	return v
}
