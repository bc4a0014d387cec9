package frame

import (
	"encoding/base64"
	"errors"
)

var (
	ErrEmptyPayload = errors.New("Empty frame payload.")
	ErrBadEncoding  = errors.New("Malformed base64 frame.")
)

// Parser is a stateful decoder turning transport payloads into frames.
// It splits the leading type marker from the payload; validating the
// type against the known set is left to the frame dispatcher. Decoded
// frames and decode failures are delivered through the two callbacks.
type Parser struct {
	frame func(Frame)
	err   func(error)
}

func NewParser(onFrame func(Frame), onError func(error)) *Parser {
	return &Parser{frame: onFrame, err: onError}
}

// FeedString consumes one textual transport payload. Payloads starting
// with 'b' carry a base64-encoded binary frame.
func (p *Parser) FeedString(s string) {
	if len(s) == 0 {
		p.err(ErrEmptyPayload)
		return
	}
	if s[0] == 'b' {
		if len(s) < 2 {
			p.err(ErrEmptyPayload)
			return
		}
		data, err := base64.StdEncoding.DecodeString(s[2:])
		if err != nil {
			p.err(ErrBadEncoding)
			return
		}
		p.frame(Frame{Type: Type(s[1] - '0'), Data: data, Binary: true})
		return
	}
	p.frame(Frame{Type: Type(s[0] - '0'), Data: []byte(s[1:]), Binary: false})
}

// FeedBinary consumes one binary transport payload.
func (p *Parser) FeedBinary(b []byte) {
	if len(b) == 0 {
		p.err(ErrEmptyPayload)
		return
	}
	p.frame(Frame{Type: Type(b[0]), Data: b[1:], Binary: true})
}
