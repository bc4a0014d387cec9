package frame

import "errors"

// Events receives transport callbacks. Nil members are skipped. A
// session detaches from its transport by rebinding an empty Events, so
// late transport activity never re-enters torn-down state.
type Events struct {
	Open    func()
	Message func(data []byte, binary bool)
	Error   func(err error)
	Close   func(code int, reason string)
}

// Transport is a duplex stream exclusively owned by one session.
type Transport interface {
	// Bind installs the event sink. The first Bind starts delivery;
	// subsequent calls atomically replace the sink.
	Bind(ev *Events)
	// Send queues one transport payload. It never blocks: a full
	// outbound queue is reported as ErrQueueFull.
	Send(data []byte, binary bool) error
	Close() error
}

var (
	// ErrQueueFull reports outbound backpressure; the session treats
	// the peer as stalled.
	ErrQueueFull = errors.New("Send queue overflow.")
)
