package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/amoylab/replay/internal/capture"
	"github.com/amoylab/replay/internal/common/cnst"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout    = 10 * time.Second
	maxMessageBytes = 4 << 20
	sendBuffer      = 256
)

// PipelineFactory builds the capture pipeline for a connected page
type PipelineFactory func(startURL, screen string, rec capture.Recorder) (*capture.Pipeline, error)

// Bridge relays a page's recorder and host signals over a websocket into a
// capture pipeline. Only one page can be captured at a time; further
// connections are refused by the pipeline's process guard.
type Bridge struct {
	logger         *zap.Logger
	newPipeline    PipelineFactory
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewBridge(logger *zap.Logger, allowedOrigins []string, factory PipelineFactory) *Bridge {
	b := &Bridge{
		logger:         logger.Named("recorder.bridge"),
		newPipeline:    factory,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		conns:          make(map[*websocket.Conn]struct{}),
	}
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		b.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			b.allowedHosts[parsed.Host] = true
		}
	}
	return b
}

// ServeHTTP upgrades the request and serves one page session
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: b.checkOrigin}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ws.Close()
		return
	}
	b.conns[ws] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, ws)
		b.mu.Unlock()
		b.wg.Done()
	}()

	b.logger.Info("page connected", zap.String("remote_addr", r.RemoteAddr))
	b.serve(ws)
	b.logger.Info("page disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// Close drops every page connection and waits until their pipelines have
// been unloaded and closed.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	for ws := range b.conns {
		_ = ws.Close()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Bridge) serve(ws *websocket.Conn) {
	c := newConn(ws)
	defer c.close()
	ws.SetReadLimit(maxMessageBytes)

	var hello Message
	if err := ws.ReadJSON(&hello); err != nil || hello.Type != MsgHello || hello.URL == "" {
		c.fail(ErrCodeBadHello, "first frame must be a hello with the page url")
		return
	}

	rec := &remote{conn: c}
	p, err := b.newPipeline(hello.URL, hello.Screen, rec)
	if errors.Is(err, cnst.ErrAlreadyInitialized) {
		b.logger.Warn("refusing second page while a capture is running")
		c.fail(ErrCodeAlreadyInitialized, err.Error())
		return
	}
	if err != nil {
		c.fail(ErrCodePipeline, err.Error())
		return
	}
	defer func() {
		if err := p.Close(); err != nil {
			b.logger.Debug("pipeline close", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recording := p.Start(ctx)
	c.send(Message{Type: MsgReady, Recording: recording})

	coord := p.Coordinator()
	go func() {
		select {
		case <-coord.Done():
			c.send(Message{Type: MsgEnded, State: coord.State().String()})
		case <-ctx.Done():
		}
	}()

	for {
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Debug("read failed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case MsgEvent:
			for _, ev := range msg.Events {
				rec.deliver(ev)
			}
		case MsgActivity:
			coord.Activity(msg.Kind)
		case MsgVisibility:
			coord.VisibilityChanged(ctx, msg.Hidden)
		case MsgNavigate:
			coord.Navigate(ctx, msg.URL)
		case MsgUnload:
			reason := msg.Reason
			if reason == "" {
				reason = "unload"
			}
			coord.Unload(ctx, reason)
		default:
			b.logger.Debug("unknown frame", zap.String("type", string(msg.Type)))
		}
	}
}

func (b *Bridge) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if len(b.allowedOrigins) > 0 {
		return b.allowedOrigins[origin] || b.allowedHosts[parsed.Host]
	}
	host := parsed.Hostname()
	return parsed.Host == r.Host || host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// remote is the Recorder face of the page on the other end of the socket
type remote struct {
	conn *conn

	mu   sync.Mutex
	emit func(capture.Event)
}

var (
	_ capture.Recorder        = (*remote)(nil)
	_ capture.FullSnapshotter = (*remote)(nil)
)

func (r *remote) Start(emit func(capture.Event)) (func(), error) {
	r.mu.Lock()
	r.emit = emit
	r.mu.Unlock()
	if !r.conn.send(Message{Type: MsgStart}) {
		return nil, errors.New("page connection closed")
	}
	return func() {
		r.mu.Lock()
		r.emit = nil
		r.mu.Unlock()
		r.conn.send(Message{Type: MsgStop})
	}, nil
}

func (r *remote) TakeFullSnapshot() {
	r.conn.send(Message{Type: MsgSnapshot})
}

func (r *remote) deliver(ev capture.Event) {
	r.mu.Lock()
	emit := r.emit
	r.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// conn serializes writes to the socket through a single pump
type conn struct {
	ws *websocket.Conn

	mu     sync.Mutex
	out    chan []byte
	closed bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:   ws,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *conn) writePump() {
	defer close(c.done)
	for msg := range c.out {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// send queues msg and reports whether it was accepted. Frames are dropped
// when the page stops reading.
func (c *conn) send(msg Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- data:
		return true
	default:
		return false
	}
}

func (c *conn) fail(code, reason string) {
	c.send(Message{Type: MsgError, Code: code, Error: reason})
}

// close flushes queued frames, sends a close frame and closes the socket
func (c *conn) close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
	c.mu.Unlock()
	select {
	case <-c.done:
	case <-time.After(writeTimeout):
	}
	_ = c.ws.Close()
}
