package timing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jam-duna/x86emu/log"
	"github.com/jam-duna/x86emu/uop"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 54 * time.Second
	clientBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Record is the JSON message sent for every executed instruction.
type Record struct {
	Pid  int      `json:"pid"`
	Eip  string   `json:"eip"`
	Uops []string `json:"uops"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// WebsocketSink streams instructions to websocket clients. Consume never
// blocks: records that do not fit in the broadcast buffer are dropped.
type WebsocketSink struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	quit       chan struct{}

	connected atomic.Int64
	dropped   atomic.Uint64
}

func NewWebsocketSink(buffer int) *WebsocketSink {
	return &WebsocketSink{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, buffer),
		quit:       make(chan struct{}),
	}
}

// Run dispatches records to clients until ctx is cancelled.
func (s *WebsocketSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(s.quit)
			for c := range s.clients {
				close(c.send)
			}
			s.clients = nil
			s.connected.Store(0)
			return

		case c := <-s.register:
			s.clients[c] = struct{}{}
			s.connected.Add(1)

		case c := <-s.unregister:
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
				s.connected.Add(-1)
			}

		case msg := <-s.broadcast:
			for c := range s.clients {
				select {
				case c.send <- msg:
				default:
					delete(s.clients, c)
					close(c.send)
					s.connected.Add(-1)
				}
			}
		}
	}
}

func (s *WebsocketSink) Consume(pid int, eip uint32, uops []*uop.Uop) {
	rec := Record{Pid: pid, Eip: fmt.Sprintf("0x%x", eip), Uops: make([]string, len(uops))}
	for i, u := range uops {
		rec.Uops[i] = u.String()
	}
	msg, err := json.Marshal(rec)
	if err != nil {
		log.Warn(log.TimingMonitoring, "websocket sink: marshal", "err", err)
		return
	}
	select {
	case s.broadcast <- msg:
	default:
		s.dropped.Add(1)
	}
}

// Clients returns the number of connected clients.
func (s *WebsocketSink) Clients() int {
	return int(s.connected.Load())
}

// Dropped returns the number of records lost to a full buffer.
func (s *WebsocketSink) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *WebsocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error(log.TimingMonitoring, "websocket upgrade", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	select {
	case s.register <- c:
	case <-s.quit:
		conn.Close()
		return
	}
	go s.writePump(c)
	go s.readPump(c)
}

// readPump only watches for the peer going away.
func (s *WebsocketSink) readPump(c *client) {
	defer func() {
		select {
		case s.unregister <- c:
		case <-s.quit:
		}
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Trace(log.TimingMonitoring, "websocket close", "err", err)
			}
			return
		}
	}
}

func (s *WebsocketSink) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			for len(c.send) > 0 {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs the sink and an HTTP server exposing it at /uops until ctx is
// cancelled.
func Serve(ctx context.Context, addr string, s *WebsocketSink) error {
	mux := http.NewServeMux()
	mux.Handle("/uops", s)
	srv := &http.Server{Addr: addr, Handler: mux}

	go s.Run(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info(log.TimingMonitoring, "micro-op stream listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("uop stream server: %w", err)
	}
	return nil
}
