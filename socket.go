package duplex

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/duplexio/duplex/frame"
)

// Role tells how a session came to be: inbound sessions were accepted
// from a listening server, outbound sessions were initiated by Connect.
type Role int

const (
	Inbound Role = iota
	Outbound
)

// String returns string representation of a Role
func (r Role) String() string {
	if r == Inbound {
		return "inbound"
	}
	return "outbound"
}

const (
	defaultPingInterval   = 25 * time.Second
	defaultPingTimeout    = 60 * time.Second
	defaultTickInterval   = 5 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultJobTimeout     = 600 * time.Second
)

// job is a pending outgoing call, resolved by a matching ack.
type job struct {
	ch     chan jobResult
	issued time.Time
}

type jobResult struct {
	value interface{}
	err   error
}

func (j *job) resolve(v interface{}) { j.ch <- jobResult{value: v} }
func (j *job) reject(err error)      { j.ch <- jobResult{err: err} }

// Socket owns one WebSocket endpoint and exposes the RPC surface. All
// mutable state is guarded by mu; the lock is never held across
// transport I/O completion or user callbacks.
type Socket struct {
	mu sync.Mutex

	role   Role
	url    string
	host   string
	port   int
	ssl    bool
	binary bool // peer accepts binary frames

	connected bool
	challenge bool
	destroyed bool

	time     time.Time // last state transition, drives connect timeout
	lastPing time.Time

	sequence uint32 // next outgoing call id, wraps mod 2^32

	pingInterval   time.Duration
	pingTimeout    time.Duration
	tickInterval   time.Duration
	connectTimeout time.Duration
	jobTimeout     time.Duration

	packet *Packet        // inbound packet awaiting binary attachments
	buffer []*frame.Frame // outbound frames withheld until connected

	jobs  map[uint32]*job
	hooks map[string]*callback

	events *listeners

	channels map[string]struct{}
	server   *Server

	transport frame.Transport
	parser    *frame.Parser

	msgpack bool
	done    chan struct{}
	log     zerolog.Logger

	openFns  []func()
	closeFns []func()
	errorFns []func(error)
}

// Option adjusts a session before its transport is bound.
type Option func(*Socket)

// WithLogger attaches a logger to the session.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Socket) { s.log = log }
}

// WithMsgpack switches the session to the msgpack packet codec. Both
// peers must agree out of band.
func WithMsgpack() Option {
	return func(s *Socket) { s.msgpack = true }
}

// WithPingPolicy overrides the liveness parameters advertised by an
// inbound session's handshake.
func WithPingPolicy(interval, timeout time.Duration) Option {
	return func(s *Socket) {
		s.pingInterval = interval
		s.pingTimeout = timeout
	}
}

// WithTimeouts overrides the connect and job deadlines.
func WithTimeouts(connect, jobs time.Duration) Option {
	return func(s *Socket) {
		s.connectTimeout = connect
		s.jobTimeout = jobs
	}
}

func newSocket(role Role, opts ...Option) *Socket {
	s := &Socket{
		role:           role,
		binary:         true,
		time:           time.Now(),
		pingInterval:   defaultPingInterval,
		pingTimeout:    defaultPingTimeout,
		tickInterval:   defaultTickInterval,
		connectTimeout: defaultConnectTimeout,
		jobTimeout:     defaultJobTimeout,
		jobs:           make(map[uint32]*job),
		hooks:          make(map[string]*callback),
		events:         newListeners(),
		channels:       make(map[string]struct{}),
		done:           make(chan struct{}),
		log:            zerolog.Nop(),
	}
	s.parser = frame.NewParser(s.handleFrame, s.handleParseError)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Accept adopts an upgraded WebSocket as an inbound session. The server
// may be nil for sessions managed externally.
func Accept(srv *Server, r *http.Request, t frame.Transport) *Socket {
	var opts []Option
	if srv != nil {
		opts = srv.socketOptions()
	}
	s := newSocket(Inbound, opts...)
	s.server = srv
	if r != nil {
		s.url = r.URL.String()
		s.host, s.port = splitPeerAddr(r.RemoteAddr)
		s.ssl = r.TLS != nil
		s.binary = !frame.Base64Required(r)
	}
	if srv != nil {
		srv.add(s)
		if srv.onOpen != nil {
			srv.onOpen(s)
		}
	}
	s.attach(t)
	s.startLiveness()
	return s
}

// Connect dials a listening peer and returns the outbound session. The
// session is usable immediately; frames sent before the transport opens
// are buffered.
func Connect(host string, port int, ssl bool, opts ...Option) (*Socket, error) {
	scheme := "ws"
	if ssl {
		scheme = "wss"
	}
	rawurl := fmt.Sprintf("%s://%s:%d%s", scheme, host, port, frame.Path)
	t, err := frame.Dial(rawurl, nil)
	if err != nil {
		return nil, err
	}
	s := newSocket(Outbound, opts...)
	s.url = rawurl
	s.host = host
	s.port = port
	s.ssl = ssl
	s.attach(t)
	s.startLiveness()
	return s, nil
}

func splitPeerAddr(addr string) (string, int) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port, _ := strconv.Atoi(addr[i+1:])
			return addr[:i], port
		}
	}
	return addr, 0
}

func (s *Socket) attach(t frame.Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
	t.Bind(&frame.Events{
		Open:    s.transportOpen,
		Message: s.transportMessage,
		Error:   s.transportError,
		Close:   s.transportClose,
	})
}

// Role reports whether the session is inbound or outbound.
func (s *Socket) Role() Role { return s.role }

// Connected reports whether the transport has opened. An outbound
// session is connected before the peer's OPEN frame arrives.
func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// OnOpen registers fn to run when the session connects.
func (s *Socket) OnOpen(fn func()) {
	s.mu.Lock()
	s.openFns = append(s.openFns, fn)
	s.mu.Unlock()
}

// OnClose registers fn to run when the session is destroyed.
func (s *Socket) OnClose(fn func()) {
	s.mu.Lock()
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

// OnError registers fn as sink for session errors.
func (s *Socket) OnError(fn func(error)) {
	s.mu.Lock()
	s.errorFns = append(s.errorFns, fn)
	s.mu.Unlock()
}

// Listen registers an application listener for fire-and-forget events.
// A blacklisted name or a non-function handler is a programmer error.
func (s *Socket) Listen(name string, fn interface{}) {
	if blacklisted(name) {
		panic("duplex: blacklisted event name: " + name)
	}
	s.events.on(name, newCallback(fn))
}

// Fire sends a fire-and-forget event to the peer.
func (s *Socket) Fire(name string, args ...interface{}) error {
	if blacklisted(name) {
		panic("duplex: blacklisted event name: " + name)
	}
	p := &Packet{Type: PacketTypeEvent, ID: -1}
	if err := p.SetData(append([]interface{}{name}, args...)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrDestroyed
	}
	s.writePacket(p)
	return nil
}

// Hook registers the RPC responder for name. Exactly one responder may
// exist per name; rebinding is a programmer error.
func (s *Socket) Hook(name string, fn interface{}) {
	if blacklisted(name) {
		panic("duplex: blacklisted event name: " + name)
	}
	cb := newCallback(fn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hooks[name]; ok {
		panic("duplex: hook already bound: " + name)
	}
	s.hooks[name] = cb
}

// Call invokes the named hook on the peer and blocks until the matching
// ack arrives, the job deadline passes, or the session is destroyed.
// Must not be called from a hook or listener of the same session.
func (s *Socket) Call(name string, args ...interface{}) (interface{}, error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	id := s.sequence
	s.sequence++ // wraps mod 2^32
	if _, ok := s.jobs[id]; ok {
		s.mu.Unlock()
		panic("duplex: call id collision: " + strconv.FormatUint(uint64(id), 10))
	}
	p := &Packet{Type: PacketTypeEvent, ID: int64(id)}
	if err := p.SetData(append([]interface{}{name}, args...)); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	j := &job{ch: make(chan jobResult, 1), issued: time.Now()}
	s.jobs[id] = j
	s.writePacket(p)
	s.mu.Unlock()

	r := <-j.ch
	switch {
	case r.err == nil:
		metricCalls.WithLabelValues("ok").Inc()
	case errors.Is(r.err, ErrJobTimeout):
		metricCalls.WithLabelValues("timeout").Inc()
	default:
		metricCalls.WithLabelValues("error").Inc()
	}
	return r.value, r.err
}

// Channel reports membership of the named channel.
func (s *Socket) Channel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[name]
	return ok
}

// Join adds the session to the named channel. Outbound sessions have no
// channel registry; the call is a no-op for them.
func (s *Socket) Join(name string) {
	if s.server != nil {
		s.server.Join(s, name)
	}
}

// Leave removes the session from the named channel.
func (s *Socket) Leave(name string) {
	if s.server != nil {
		s.server.Leave(s, name)
	}
}

func (s *Socket) addChannel(name string) {
	s.mu.Lock()
	s.channels[name] = struct{}{}
	s.mu.Unlock()
}

func (s *Socket) removeChannel(name string) {
	s.mu.Lock()
	delete(s.channels, name)
	s.mu.Unlock()
}

// write puts one frame on the transport. Callers hold mu. A binary
// frame is sent raw only when the peer accepts binary; otherwise its
// textual (base64) encoding is used.
func (s *Socket) write(f frame.Frame) {
	if s.transport == nil {
		return
	}
	var err error
	if f.Binary && s.binary {
		err = s.transport.Send(f.ToRaw(), true)
	} else {
		err = s.transport.Send([]byte(f.ToString()), false)
	}
	if err != nil {
		// backpressure or dead transport: treat the peer as stalled
		go s.transportError(err)
		return
	}
	metricFrames.WithLabelValues("out", f.Type.String()).Inc()
}

// writePacket serializes a packet as one MESSAGE frame followed by its
// binary buffers, each as a binary MESSAGE frame, in order. With the
// msgpack codec the whole packet, buffers inline, goes out as a single
// binary MESSAGE frame instead. Callers hold mu, except through send
// paths that take it.
func (s *Socket) writePacket(p *Packet) {
	metricPackets.WithLabelValues("out", p.Type.String()).Inc()
	if s.msgpack {
		b, err := p.EncodeMsgpack()
		if err != nil {
			go s.emitError(err)
			return
		}
		s.deliver(frame.Frame{Type: frame.Message, Data: b, Binary: true})
		return
	}
	s.deliver(frame.Frame{Type: frame.Message, Data: p.Encode()})
	for _, b := range p.buffers {
		s.deliver(frame.Frame{Type: frame.Message, Data: b, Binary: true})
	}
}

// deliver routes a frame through the pre-open buffer when necessary.
// Callers hold mu.
func (s *Socket) deliver(f frame.Frame) {
	if !s.connected {
		s.buffer = append(s.buffer, &f)
		return
	}
	s.write(f)
}

func (s *Socket) transportOpen() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.time = time.Now()
	if s.role == Inbound {
		// the handshake precedes anything buffered
		hs, _ := json.Marshal(frame.Handshake{
			SID:          handshakeSID,
			Upgrades:     []string{},
			PingInterval: uint32(s.pingInterval / time.Millisecond),
			PingTimeout:  uint32(s.pingTimeout / time.Millisecond),
		})
		s.write(frame.Frame{Type: frame.Open, Data: hs})
		connect := &Packet{Type: PacketTypeConnect, ID: -1}
		s.write(frame.Frame{Type: frame.Message, Data: connect.Encode()})
	}
	pending := s.buffer
	s.buffer = nil
	for _, f := range pending {
		s.write(*f)
	}
	s.connected = true
	s.mu.Unlock()

	metricSessions.WithLabelValues(s.role.String()).Inc()
	s.log.Debug().Str("role", s.role.String()).Str("host", s.host).Msg("session open")
	s.emitOpen()
}

func (s *Socket) transportMessage(data []byte, binary bool) {
	s.mu.Lock()
	dead := s.destroyed
	s.mu.Unlock()
	if dead {
		return
	}
	if binary {
		s.parser.FeedBinary(data)
	} else {
		s.parser.FeedString(string(data))
	}
}

func (s *Socket) transportError(err error) {
	s.mu.Lock()
	dead := s.destroyed
	s.mu.Unlock()
	if dead {
		return
	}
	s.emitError(err)
	if s.role == Inbound {
		s.Destroy()
	} else {
		s.close()
	}
}

func (s *Socket) transportClose(code int, reason string) {
	s.mu.Lock()
	dead := s.destroyed
	s.mu.Unlock()
	if dead {
		return
	}
	if code != 1000 && code != 1001 {
		s.emitError(&CloseError{Code: code, Reason: reason})
	}
	if s.role == Inbound {
		s.Destroy()
	} else {
		s.close()
	}
}

func (s *Socket) handleParseError(err error) {
	s.emitError(err)
}

// close resets the session to its disconnected state: in-progress
// reassembly and liveness flags are cleared, outstanding jobs are
// rejected, and the transport is detached before being closed so late
// events cannot re-enter. It is idempotent and does not emit close.
func (s *Socket) close() {
	s.mu.Lock()
	wasConnected := s.connected
	s.packet = nil
	s.connected = false
	s.challenge = false
	s.sequence = 0
	s.lastPing = time.Time{}
	s.time = time.Now()
	jobs := s.jobs
	s.jobs = make(map[uint32]*job)
	t := s.transport
	s.transport = nil
	s.mu.Unlock()

	for _, j := range jobs {
		j.reject(ErrJobTimeout)
	}
	if t != nil {
		t.Bind(&frame.Events{}) // detach
		t.Close()
	}
	if wasConnected {
		metricSessions.WithLabelValues(s.role.String()).Dec()
	}
}

// Destroy tears the session down. It is idempotent: close is emitted
// exactly once and any later error is swallowed.
func (s *Socket) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.buffer = nil
	s.mu.Unlock()

	close(s.done)
	s.close()
	if s.server != nil {
		s.server.drop(s)
	}
	s.log.Debug().Str("role", s.role.String()).Msg("session destroyed")
	s.emitClose()

	s.mu.Lock()
	s.events.clear()
	s.openFns = nil
	s.closeFns = nil
	s.errorFns = nil
	s.mu.Unlock()
}

// reconnect redials the original URL after a connect timeout. Outbound
// sessions only; inbound sessions destroy on that path instead.
func (s *Socket) reconnect() {
	s.close()
	s.log.Debug().Str("url", s.url).Msg("reconnecting")
	t, err := frame.Dial(s.url, nil)
	if err != nil {
		s.emitError(err)
		return // the next connect-timeout tick retries
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		t.Close()
		return
	}
	s.mu.Unlock()
	s.attach(t)
}

func (s *Socket) emitOpen() {
	s.mu.Lock()
	fns := append([]func(){}, s.openFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Socket) emitClose() {
	s.mu.Lock()
	fns := append([]func(){}, s.closeFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// emitError surfaces err on the session error channel. After Destroy
// all errors are swallowed.
func (s *Socket) emitError(err error) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	fns := append([]func(error){}, s.errorFns...)
	s.mu.Unlock()
	metricErrors.Inc()
	if len(fns) == 0 {
		s.log.Warn().Err(err).Str("role", s.role.String()).Msg("session error")
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}
