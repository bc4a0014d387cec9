package duplex

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/duplexio/duplex/frame"
)

// Server accepts inbound sessions and tracks channel membership.
type Server struct {
	mu       sync.Mutex
	sockets  map[*Socket]struct{}
	channels map[string]map[*Socket]struct{}

	pingInterval time.Duration
	pingTimeout  time.Duration
	msgpack      bool
	log          zerolog.Logger
	sockOpts     []Option

	onOpen func(*Socket)
}

// ServerOption adjusts server behavior.
type ServerOption func(*Server)

// WithServerLogger attaches a logger to the server and its sessions.
func WithServerLogger(log zerolog.Logger) ServerOption {
	return func(srv *Server) { srv.log = log }
}

// WithServerPingPolicy sets the liveness parameters advertised to peers.
func WithServerPingPolicy(interval, timeout time.Duration) ServerOption {
	return func(srv *Server) {
		srv.pingInterval = interval
		srv.pingTimeout = timeout
	}
}

// WithServerMsgpack switches accepted sessions to the msgpack codec.
func WithServerMsgpack() ServerOption {
	return func(srv *Server) { srv.msgpack = true }
}

// WithSocketOption forwards an extra option to every accepted session.
func WithSocketOption(o Option) ServerOption {
	return func(srv *Server) { srv.sockOpts = append(srv.sockOpts, o) }
}

// WithServerConfig applies a loaded configuration.
func WithServerConfig(cfg Config) ServerOption {
	return func(srv *Server) {
		srv.pingInterval = cfg.PingInterval
		srv.pingTimeout = cfg.PingTimeout
		srv.msgpack = cfg.Msgpack
		srv.sockOpts = append(srv.sockOpts, WithTimeouts(cfg.ConnectTimeout, cfg.JobTimeout))
	}
}

func NewServer(opts ...ServerOption) *Server {
	srv := &Server{
		sockets:      make(map[*Socket]struct{}),
		channels:     make(map[string]map[*Socket]struct{}),
		pingInterval: defaultPingInterval,
		pingTimeout:  defaultPingTimeout,
		log:          zerolog.Nop(),
	}
	for _, o := range opts {
		o(srv)
	}
	return srv
}

// OnOpen registers fn to run for every accepted session, before its
// transport is bound; register hooks and listeners there.
func (srv *Server) OnOpen(fn func(*Socket)) {
	srv.onOpen = fn
}

// Handler returns the HTTP surface: the accept endpoint and metrics.
func (srv *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(frame.Path, srv.accept)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ServeHTTP implements http.Handler for mounting into an existing mux.
func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	srv.accept(w, r)
}

func (srv *Server) accept(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "invalid transport", http.StatusBadRequest)
		return
	}
	t, err := frame.Accept(w, r)
	if err != nil {
		// the upgrader has already written its response
		srv.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	so := Accept(srv, r, t)
	srv.log.Debug().Str("peer", r.RemoteAddr).Bool("binary", so.binary).Msg("session accepted")
}

func (srv *Server) socketOptions() []Option {
	opts := []Option{
		WithPingPolicy(srv.pingInterval, srv.pingTimeout),
		WithLogger(srv.log),
	}
	if srv.msgpack {
		opts = append(opts, WithMsgpack())
	}
	return append(opts, srv.sockOpts...)
}

func (srv *Server) add(so *Socket) {
	srv.mu.Lock()
	srv.sockets[so] = struct{}{}
	srv.mu.Unlock()
}

// drop removes a destroyed session from the registry and every channel.
func (srv *Server) drop(so *Socket) {
	srv.mu.Lock()
	delete(srv.sockets, so)
	for name, members := range srv.channels {
		delete(members, so)
		if len(members) == 0 {
			delete(srv.channels, name)
		}
	}
	srv.mu.Unlock()
	so.mu.Lock()
	so.channels = make(map[string]struct{})
	so.mu.Unlock()
}

// Join adds a session to the named channel.
func (srv *Server) Join(so *Socket, name string) {
	srv.mu.Lock()
	members, ok := srv.channels[name]
	if !ok {
		members = make(map[*Socket]struct{})
		srv.channels[name] = members
	}
	members[so] = struct{}{}
	srv.mu.Unlock()
	so.addChannel(name)
}

// Leave removes a session from the named channel.
func (srv *Server) Leave(so *Socket, name string) {
	srv.mu.Lock()
	if members, ok := srv.channels[name]; ok {
		delete(members, so)
		if len(members) == 0 {
			delete(srv.channels, name)
		}
	}
	srv.mu.Unlock()
	so.removeChannel(name)
}

// Fire broadcasts a fire-and-forget event to every member of a channel.
func (srv *Server) Fire(channel, event string, args ...interface{}) {
	srv.mu.Lock()
	members := make([]*Socket, 0, len(srv.channels[channel]))
	for so := range srv.channels[channel] {
		members = append(members, so)
	}
	srv.mu.Unlock()
	for _, so := range members {
		if err := so.Fire(event, args...); err != nil {
			srv.log.Warn().Err(err).Str("channel", channel).Msg("broadcast failed")
		}
	}
}

// Len reports the number of registered sessions.
func (srv *Server) Len() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sockets)
}

// Close destroys every registered session.
func (srv *Server) Close() {
	srv.mu.Lock()
	sockets := make([]*Socket, 0, len(srv.sockets))
	for so := range srv.sockets {
		sockets = append(sockets, so)
	}
	srv.mu.Unlock()
	for _, so := range sockets {
		so.Destroy()
	}
}
