package duplex

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"strconv"
)

// Packet is the inner application-layer message carried in MESSAGE
// frames. A packet declaring attachments is followed by that many
// binary MESSAGE frames, collected into buffers before dispatch.
type Packet struct {
	Type PacketType
	ID   int64 // -1 when the packet carries no correlation id

	attachments int
	buffers     [][]byte
	data        []byte // raw JSON payload, placeholders included
}

// Attachments returns the number of binary buffers the packet declares.
func (p *Packet) Attachments() int { return p.attachments }

// Buffers returns the binary buffers collected so far, in arrival order.
func (p *Packet) Buffers() [][]byte { return p.buffers }

// Pending reports whether the packet still awaits binary attachments.
func (p *Packet) Pending() bool { return len(p.buffers) < p.attachments }

// Add appends one binary attachment, reporting whether the packet is
// now complete.
func (p *Packet) Add(b []byte) bool {
	p.buffers = append(p.buffers, b)
	return len(p.buffers) >= p.attachments
}

// DecodePacket parses the textual form of a packet: type digit,
// attachment count ("N-", binary types only), correlation id digits,
// then the JSON payload.
func DecodePacket(b []byte) (*Packet, error) {
	if len(b) == 0 {
		return nil, ErrUnknownPacket
	}
	t := PacketType(b[0] - '0')
	if t > PacketTypeBinaryAck {
		return nil, ErrUnknownPacket
	}
	p := &Packet{Type: t, ID: -1}
	i := 1
	if t == PacketTypeBinaryEvent || t == PacketTypeBinaryAck {
		j := i
		for ; j < len(b) && b[j] != '-'; j++ {
			if b[j] < '0' || b[j] > '9' {
				return nil, ErrUnknownPacket
			}
			p.attachments = p.attachments*10 + int(b[j]-'0')
		}
		if j == i || j >= len(b) {
			return nil, ErrUnknownPacket
		}
		i = j + 1
	}
	j := i
	var id int64
	for ; j < len(b) && b[j] >= '0' && b[j] <= '9'; j++ {
		id = id*10 + int64(b[j]-'0')
	}
	if j > i {
		p.ID = id
		i = j
	}
	if i < len(b) {
		p.data = b[i:]
	}
	return p, nil
}

// Encode renders the textual form of the packet. Binary buffers are not
// part of it; they travel as separate binary MESSAGE frames.
func (p *Packet) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(p.Type) + '0')
	if p.attachments > 0 {
		buf.WriteString(strconv.Itoa(p.attachments))
		buf.WriteByte('-')
	}
	if p.ID >= 0 {
		buf.WriteString(strconv.FormatInt(p.ID, 10))
	}
	buf.Write(p.data)
	return buf.Bytes()
}

// SetData stores the payload value. Arguments implementing
// encoding.BinaryMarshaler, and raw []byte values, are lifted out into
// binary buffers and replaced by placeholders; their presence promotes
// EVENT and ACK packets to their binary variants.
func (p *Packet) SetData(v interface{}) error {
	p.attachments = 0
	p.buffers = nil
	b, err := json.Marshal(p.extract(v))
	if err != nil {
		return err
	}
	p.data = b
	if p.attachments > 0 {
		switch p.Type {
		case PacketTypeEvent:
			p.Type = PacketTypeBinaryEvent
		case PacketTypeAck:
			p.Type = PacketTypeBinaryAck
		}
	}
	return nil
}

func (p *Packet) extract(v interface{}) interface{} {
	switch d := v.(type) {
	case nil:
		return nil
	case []byte:
		return p.placehold(d)
	case encoding.BinaryMarshaler:
		b, err := d.MarshalBinary()
		if err != nil {
			return nil
		}
		return p.placehold(b)
	case []interface{}:
		out := make([]interface{}, len(d))
		for i := range d {
			out[i] = p.extract(d[i])
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(d))
		for k := range d {
			out[k] = p.extract(d[k])
		}
		return out
	}
	return v
}

func (p *Packet) placehold(b []byte) interface{} {
	ph := placeholder{num: p.attachments}
	p.attachments++
	p.buffers = append(p.buffers, b)
	return ph
}

// GetData decodes the payload, substituting collected buffers for their
// placeholders. Call it only after Pending reports false.
func (p *Packet) GetData() (interface{}, error) {
	if p.data == nil {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(p.data, &v); err != nil {
		return nil, err
	}
	return p.restore(v), nil
}

func (p *Packet) restore(v interface{}) interface{} {
	switch d := v.(type) {
	case []interface{}:
		for i := range d {
			d[i] = p.restore(d[i])
		}
		return d
	case map[string]interface{}:
		if ph, _ := d["_placeholder"].(bool); ph {
			if num, ok := d["num"].(float64); ok {
				if n := int(num); n >= 0 && n < len(p.buffers) {
					return p.buffers[n]
				}
			}
			return nil
		}
		for k := range d {
			d[k] = p.restore(d[k])
		}
		return d
	}
	return v
}

type placeholder struct {
	num int
}

func (b placeholder) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`{"_placeholder":true,"num":%d}`, b.num)), nil
}

// Binary refers to binary data carried as a packet attachment.
type Binary interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Bytes is the default Binary implementation, a helper to transfer
// `[]byte` arguments as attachments.
type Bytes struct {
	Data []byte
}

// MarshalBinary implements Binary interface
func (b Bytes) MarshalBinary() ([]byte, error) {
	return b.Data[:], nil
}

// UnmarshalBinary implements Binary interface
func (b *Bytes) UnmarshalBinary(p []byte) error {
	b.Data = p
	return nil
}
