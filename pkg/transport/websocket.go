package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	defaultSendBuffer   = 64
)

type WebSocketConfig struct {
	DialOptions  *websocket.DialOptions
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
	Logger       *slog.Logger
}

// WebSocket is a Transport over a single coder/websocket connection. Writes
// go through a buffered pump so Send never blocks on the network. Frames
// accepted by Send are still written when the connection is closed, ahead of
// the close frame; Wait reports when that has happened.
type WebSocket struct {
	cfg    WebSocketConfig
	logger *slog.Logger

	mu       sync.Mutex
	sess     *session
	closing  map[*session]struct{}
	flushErr error
}

type session struct {
	ctx    context.Context
	cancel context.CancelFunc
	ev     Events
	out    chan []byte
	once   sync.Once

	// stop is closed when the session is closed locally; the pump then
	// flushes out and exits, closing pumpDone. done is closed once the close
	// handshake has finished.
	stop     chan struct{}
	pumpDone chan struct{}
	done     chan struct{}
	flushErr error

	mu     sync.Mutex
	conn   *websocket.Conn
	open   bool
	closed bool
}

func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocket{cfg: cfg, logger: cfg.Logger, closing: make(map[*session]struct{})}
}

func (w *WebSocket) Open(endpoint string, params url.Values, ev Events) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ctx:    ctx,
		cancel: cancel,
		ev:     ev,
		out:      make(chan []byte, w.cfg.SendBuffer),
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		done:     make(chan struct{}),
	}

	w.mu.Lock()
	prev := w.sess
	w.sess = s
	w.mu.Unlock()

	if prev != nil {
		w.closeSession(prev, StatusGoingAway, "reopening")
	}

	go w.run(s, endpoint, params)
}

func (w *WebSocket) Send(data []byte) bool {
	w.mu.Lock()
	s := w.sess
	w.mu.Unlock()
	if s == nil {
		return false
	}
	return s.enqueue(data)
}

func (w *WebSocket) Close(code StatusCode, reason string) {
	w.mu.Lock()
	s := w.sess
	w.sess = nil
	w.mu.Unlock()
	if s != nil {
		w.closeSession(s, code, reason)
	}
}

// Wait blocks until every closed connection has written its buffered frames
// and finished the close handshake, or ctx is done. It returns the first
// flush failure seen since the previous Wait.
func (w *WebSocket) Wait(ctx context.Context) error {
	w.mu.Lock()
	pending := make([]*session, 0, len(w.closing))
	for s := range w.closing {
		pending = append(pending, s)
	}
	w.mu.Unlock()

	for _, s := range pending {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	w.mu.Lock()
	err := w.flushErr
	w.flushErr = nil
	w.mu.Unlock()
	return err
}

func (w *WebSocket) run(s *session, endpoint string, params url.Values) {
	u, err := BuildURL(endpoint, params)
	if err != nil {
		s.terminate(func() { s.ev.fireError(fmt.Errorf("transport: parsing endpoint: %w", err)) })
		return
	}

	conn, _, err := websocket.Dial(s.ctx, u, w.cfg.DialOptions)
	if err != nil {
		s.terminate(func() { s.ev.fireError(fmt.Errorf("transport: dialing %s: %w", endpoint, err)) })
		return
	}
	conn.SetReadLimit(w.cfg.ReadLimit)

	if !s.attach(conn) {
		conn.CloseNow()
		s.terminate(func() { s.ev.fireClose(StatusNormalClosure, "closed while connecting", true) })
		return
	}

	s.ev.fireOpen()
	go w.writePump(s, conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			s.detach()
			code, reason, clean := closeInfo(err)
			s.terminate(func() { s.ev.fireClose(code, reason, clean) })
			s.cancel()
			return
		}
		s.ev.fireMessage(data)
	}
}

func (w *WebSocket) writePump(s *session, conn *websocket.Conn) {
	defer close(s.pumpDone)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stop:
			s.flushErr = w.flush(s, conn)
			return
		case data := <-s.out:
			ctx, cancel := context.WithTimeout(s.ctx, w.cfg.WriteTimeout)
			err := conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				w.logger.Warn("websocket write failed", slog.String("err", err.Error()))
				conn.CloseNow()
				return
			}
		}
	}
}

// flush writes whatever Send accepted before the session was closed, all
// within one write timeout.
func (w *WebSocket) flush(s *session, conn *websocket.Conn) error {
	ctx, cancel := context.WithTimeout(s.ctx, w.cfg.WriteTimeout)
	defer cancel()
	for {
		select {
		case data := <-s.out:
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return fmt.Errorf("transport: flushing %d pending frames: %w", len(s.out)+1, err)
			}
		default:
			return nil
		}
	}
}

func (w *WebSocket) closeSession(s *session, code StatusCode, reason string) {
	conn, ok := s.markClosed()
	if !ok {
		return
	}
	if conn == nil {
		s.cancel()
		close(s.done)
		return
	}

	w.mu.Lock()
	w.closing[s] = struct{}{}
	w.mu.Unlock()

	go func() {
		var err error
		select {
		case <-s.pumpDone:
			err = s.flushErr
		case <-time.After(w.cfg.WriteTimeout):
			err = errors.New("transport: write pump did not stop before close")
		}
		if err != nil {
			w.logger.Warn("websocket flush failed", slog.String("err", err.Error()))
		}
		_ = conn.Close(websocket.StatusCode(code), reason)
		s.cancel()

		w.mu.Lock()
		delete(w.closing, s)
		if err != nil && w.flushErr == nil {
			w.flushErr = err
		}
		w.mu.Unlock()
		close(s.done)
	}()
}

func closeInfo(err error) (StatusCode, string, bool) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return StatusCode(ce.Code), ce.Reason, true
	}
	return StatusAbnormalClosure, err.Error(), false
}

func (s *session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	s.open = true
	return true
}

func (s *session) detach() {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
}

func (s *session) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

// markClosed stops Send from accepting frames and tells the pump to flush.
// It reports false when the session was already closed.
func (s *session) markClosed() (*websocket.Conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	s.closed = true
	s.open = false
	close(s.stop)
	return s.conn, true
}

func (s *session) terminate(fn func()) {
	s.once.Do(fn)
}

func (e Events) fireOpen() {
	if e.OnOpen != nil {
		e.OnOpen()
	}
}

func (e Events) fireMessage(data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(data)
	}
}

func (e Events) fireClose(code StatusCode, reason string, wasClean bool) {
	if e.OnClose != nil {
		e.OnClose(code, reason, wasClean)
	}
}

func (e Events) fireError(err error) {
	if e.OnError != nil {
		e.OnError(err)
	}
}
