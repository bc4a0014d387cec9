package duplex

import (
	"errors"
	"time"

	"github.com/duplexio/duplex/frame"
)

// handleFrame is the parser's frame sink. Dispatch failures surface on
// the session error channel without tearing the session down, except
// for the violations that explicitly destroy it.
func (s *Socket) handleFrame(f frame.Frame) {
	metricFrames.WithLabelValues("in", f.Type.String()).Inc()
	err := s.dispatchFrame(f)
	if err == nil {
		return
	}
	s.emitError(err)
	if errors.Is(err, ErrUnexpectedPong) {
		s.Destroy()
	}
}

func (s *Socket) dispatchFrame(f frame.Frame) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	switch f.Type {
	case frame.Open:
		if f.Binary {
			return ErrBinaryOpen
		}
		hs, err := frame.ParseHandshake(f.Data)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.pingInterval = time.Duration(hs.PingInterval) * time.Millisecond
		s.pingTimeout = time.Duration(hs.PingTimeout) * time.Millisecond
		s.mu.Unlock()
	case frame.Close:
		s.mu.Lock()
		s.write(frame.Frame{Type: frame.Close})
		s.mu.Unlock()
		if s.role == Inbound {
			s.Destroy()
		} else {
			s.close()
		}
	case frame.Ping:
		s.mu.Lock()
		s.write(frame.Frame{Type: frame.Pong, Data: f.Data, Binary: f.Binary})
		s.mu.Unlock()
	case frame.Pong:
		s.mu.Lock()
		if !s.challenge {
			s.mu.Unlock()
			return ErrUnexpectedPong
		}
		s.challenge = false
		s.mu.Unlock()
	case frame.Message:
		return s.handleMessage(f)
	case frame.Upgrade:
		return ErrUpgrade
	case frame.Noop:
	default:
		return ErrUnknownFrame
	}
	return nil
}

// handleMessage drives packet reassembly. At most one packet is ever in
// reassembly; while one is pending every arriving frame must be a
// binary MESSAGE carrying the next attachment.
func (s *Socket) handleMessage(f frame.Frame) error {
	s.mu.Lock()
	if s.packet != nil {
		if !f.Binary {
			s.packet = nil
			s.mu.Unlock()
			return ErrExpectedAttachment
		}
		complete := s.packet.Add(f.Data)
		if !complete {
			s.mu.Unlock()
			return nil
		}
		p := s.packet
		s.packet = nil
		s.mu.Unlock()
		return s.dispatchPacket(p)
	}
	msgpack := s.msgpack
	s.mu.Unlock()

	if f.Binary {
		if msgpack {
			p, err := DecodeMsgpack(f.Data)
			if err != nil {
				return err
			}
			return s.dispatchPacket(p)
		}
		return ErrUnexpectedAttachment
	}
	p, err := DecodePacket(f.Data)
	if err != nil {
		return err
	}
	if p.Pending() {
		s.mu.Lock()
		s.packet = p
		s.mu.Unlock()
		return nil
	}
	return s.dispatchPacket(p)
}

func (s *Socket) dispatchPacket(p *Packet) error {
	metricPackets.WithLabelValues("in", p.Type.String()).Inc()
	switch p.Type {
	case PacketTypeConnect:
		return s.handleConnect(p)
	case PacketTypeDisconnect:
		return s.handleDisconnect(p)
	case PacketTypeEvent, PacketTypeBinaryEvent:
		return s.handleEvent(p)
	case PacketTypeAck, PacketTypeBinaryAck:
		return s.handleAck(p)
	case PacketTypeError:
		return s.handleRemoteError(p)
	}
	return ErrUnknownPacket
}

// handleConnect and handleDisconnect are no-ops, reserved for layers
// embedding Socket.
func (s *Socket) handleConnect(*Packet) error    { return nil }
func (s *Socket) handleDisconnect(*Packet) error { return nil }

func (s *Socket) handleEvent(p *Packet) error {
	v, err := p.GetData()
	if err != nil {
		return err
	}
	list, ok := v.([]interface{})
	if !ok || len(list) == 0 {
		return ErrMalformedEvent
	}
	name, ok := list[0].(string)
	if !ok {
		return ErrMalformedEvent
	}
	args := list[1:]

	if p.ID >= 0 {
		// incoming call: invoke the hook and reply with an ack
		s.mu.Lock()
		hook := s.hooks[name]
		s.mu.Unlock()
		if hook == nil {
			return ErrUnknownHook
		}
		result, herr := hook.Call(args)
		ack := &Packet{Type: PacketTypeAck, ID: p.ID}
		if herr != nil {
			err = ack.SetData([]interface{}{remoteErrorShape(herr)})
		} else {
			err = ack.SetData([]interface{}{nil, result})
		}
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.writePacket(ack)
		s.mu.Unlock()
		return nil
	}

	// fire-and-forget event
	if blacklisted(name) {
		return ErrBlacklisted
	}
	if ferr := s.events.fire(name, args); ferr != nil {
		// report the handler failure back to the peer
		ep := &Packet{Type: PacketTypeError, ID: -1}
		if err := ep.SetData(remoteErrorShape(ferr)); err != nil {
			return err
		}
		s.mu.Lock()
		s.writePacket(ep)
		s.mu.Unlock()
	}
	return nil
}

func (s *Socket) handleAck(p *Packet) error {
	if p.ID < 0 {
		return ErrMalformedAck
	}
	v, err := p.GetData()
	if err != nil {
		return err
	}
	var list []interface{}
	switch d := v.(type) {
	case nil:
	case []interface{}:
		list = d
	default:
		return ErrMalformedAck
	}

	s.mu.Lock()
	j, ok := s.jobs[uint32(p.ID)]
	if ok {
		// removal precedes resolution
		delete(s.jobs, uint32(p.ID))
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownAck
	}

	var errv, result interface{}
	if len(list) > 0 {
		errv = list[0]
	}
	if len(list) > 1 {
		result = list[1]
	}
	if errv != nil {
		shape, ok := errv.(map[string]interface{})
		if !ok {
			j.reject(ErrMalformedAck)
			return ErrMalformedAck
		}
		j.reject(castRemoteError(shape))
		return nil
	}
	j.resolve(result)
	return nil
}

// handleRemoteError surfaces an uncorrelated ERROR packet on the
// session error channel.
func (s *Socket) handleRemoteError(p *Packet) error {
	v, err := p.GetData()
	if err != nil {
		return err
	}
	shape, ok := v.(map[string]interface{})
	if !ok {
		return ErrMalformedError
	}
	return castRemoteError(shape)
}
