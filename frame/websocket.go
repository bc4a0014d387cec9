package frame

import (
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	// Path is the HTTP endpoint sessions are accepted on.
	Path = "/socket.io/"

	queryTransport = "transport"
	queryBase64    = "b64"

	transportWebsocket = "websocket"

	// DefaultQueueDepth bounds the outbound send queue per connection.
	DefaultQueueDepth = 64
)

// Upgrader performs the server-side WebSocket upgrade.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Dial establishes an outbound WebSocket transport.
func Dial(rawurl string, requestHeader http.Header) (Transport, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set(queryTransport, transportWebsocket)
	u.RawQuery = q.Encode()
	c, _, err := websocket.DefaultDialer.Dial(u.String(), requestHeader)
	if err != nil {
		return nil, err
	}
	return newWebsocketTransport(c, DefaultQueueDepth), nil
}

// Accept upgrades an inbound HTTP request into a WebSocket transport.
// On upgrade failure the response has already been written.
func Accept(w http.ResponseWriter, r *http.Request) (Transport, error) {
	c, err := Upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		return nil, err
	}
	return newWebsocketTransport(c, DefaultQueueDepth), nil
}

// Base64Required reports whether the handshake query demands textual
// frames only.
func Base64Required(r *http.Request) bool {
	return r.URL.Query().Get(queryBase64) == "1"
}

type websocketTransport struct {
	conn *websocket.Conn
	out  chan wsMessage
	done chan struct{}

	bindOnce  sync.Once
	closeOnce sync.Once

	mu sync.RWMutex
	ev *Events
}

type wsMessage struct {
	data   []byte
	binary bool
}

func newWebsocketTransport(conn *websocket.Conn, depth int) *websocketTransport {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &websocketTransport{
		conn: conn,
		out:  make(chan wsMessage, depth),
		done: make(chan struct{}),
	}
}

func (t *websocketTransport) Bind(ev *Events) {
	t.mu.Lock()
	t.ev = ev
	t.mu.Unlock()
	t.bindOnce.Do(func() {
		go t.writePump()
		go t.readPump()
	})
}

func (t *websocketTransport) Send(data []byte, binary bool) error {
	m := wsMessage{data: data, binary: binary}
	select {
	case <-t.done:
		return websocket.ErrCloseSent
	case t.out <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (t *websocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close()
	})
	return nil
}

func (t *websocketTransport) events() *Events {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.ev == nil {
		return &Events{}
	}
	return t.ev
}

func (t *websocketTransport) readPump() {
	if open := t.events().Open; open != nil {
		open()
	}
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			ev := t.events()
			if ce, ok := err.(*websocket.CloseError); ok {
				if ev.Close != nil {
					ev.Close(ce.Code, ce.Text)
				}
			} else if ev.Error != nil {
				select {
				case <-t.done: // deliberate local close
				default:
					ev.Error(err)
				}
			}
			return
		}
		ev := t.events()
		if ev.Message == nil {
			continue
		}
		switch msgType {
		case websocket.TextMessage:
			ev.Message(data, false)
		case websocket.BinaryMessage:
			ev.Message(data, true)
		}
	}
}

func (t *websocketTransport) writePump() {
	for {
		select {
		case <-t.done:
			return
		case m := <-t.out:
			msgType := websocket.TextMessage
			if m.binary {
				msgType = websocket.BinaryMessage
			}
			if err := t.conn.WriteMessage(msgType, m.data); err != nil {
				if ev := t.events(); ev.Error != nil {
					ev.Error(err)
				}
				return
			}
		}
	}
}
