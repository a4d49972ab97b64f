package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/igorsilveira/kefu/pkg/heartbeat"
	"github.com/igorsilveira/kefu/pkg/outbound"
	"github.com/igorsilveira/kefu/pkg/protocol"
	"github.com/igorsilveira/kefu/pkg/reconnect"
	"github.com/igorsilveira/kefu/pkg/transport"
	"github.com/igorsilveira/kefu/pkg/upload"
)

var (
	ErrClosed           = errors.New("client: closed")
	ErrNotConnected     = errors.New("client: not connected")
	ErrRetriesExhausted = errors.New("client: reconnection attempts exhausted")
	ErrHeartbeatTimeout = errors.New("client: heartbeat timeout")
	ErrNoUploader       = errors.New("client: no uploader configured")

	errMissingEndpoint = errors.New("client: endpoint is required")
)

const (
	defaultDedupSize = 1024
	defaultInboxSize = 256
	closeWaitTimeout = 15 * time.Second
	drainRetryDelay  = 50 * time.Millisecond

	disconnectReason      = "client disconnect"
	heartbeatTimeoutCause = "heartbeat timeout"
)

// Uploader stores file and voice payloads out of band and returns where
// they can be fetched.
type Uploader interface {
	Upload(ctx context.Context, req upload.Request) (upload.Result, error)
}

type Config struct {
	Transport         transport.Transport
	Uploader          Uploader
	Logger            *slog.Logger
	QueueCapacity     int
	HeartbeatInterval time.Duration
	Reconnect         reconnect.Config
	DedupSize         int
	Now               func() time.Time
	NewID             func() string
}

type Metrics struct {
	MessagesSent     uint64
	MessagesReceived uint64
	ReconnectCount   uint64
	LastHeartbeatAt  time.Time
}

type frame struct {
	msg  protocol.WireMessage
	data []byte
}

// Client is the message channel client. Fields marked loop-owned are only
// touched by the loop goroutine; public methods post closures to it.
type Client struct {
	cfg       Config
	logger    *slog.Logger
	transport transport.Transport
	uploader  Uploader
	bus       *dispatcher

	inbox     chan func()
	quit      chan struct{}
	loopDone  chan struct{}
	closeOnce sync.Once

	// loop-owned
	state      ConnectionState
	endpoint   string
	identity   protocol.Identity
	gen        uint64
	retrySeq   uint64
	retryTimer *time.Timer
	drainTimer *time.Timer
	next       reconnect.Attempt
	monitor    *heartbeat.Monitor
	queue      *outbound.Queue[frame]
	policy     *reconnect.Policy
	seen       *lru.Cache[string, struct{}]
	metrics    Metrics
	dropped    int
	span       trace.Span
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewWebSocket(transport.WebSocketConfig{Logger: cfg.Logger})
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = heartbeat.DefaultInterval
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaultDedupSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}

	seen, err := lru.New[string, struct{}](cfg.DedupSize)
	if err != nil {
		panic(fmt.Sprintf("client: creating dedup cache: %v", err))
	}

	c := &Client{
		cfg:       cfg,
		logger:    cfg.Logger,
		transport: cfg.Transport,
		uploader:  cfg.Uploader,
		bus:       newDispatcher(cfg.Logger),
		inbox:     make(chan func(), defaultInboxSize),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		queue:     outbound.New[frame](cfg.QueueCapacity),
		policy:    reconnect.New(cfg.Reconnect),
		seen:      seen,
	}
	go c.run()
	return c
}

func (c *Client) run() {
	defer close(c.loopDone)
	for {
		select {
		case fn := <-c.inbox:
			fn()
		case <-c.quit:
			return
		}
	}
}

func (c *Client) post(fn func()) bool {
	select {
	case c.inbox <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (c *Client) call(fn func()) error {
	done := make(chan struct{})
	if !c.post(func() { fn(); close(done) }) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		return ErrClosed
	}
}

// Connect opens the channel. It returns before the connection is up;
// progress is reported through events. Calling it while a connection is
// being established, up, or being re-established does nothing.
func (c *Client) Connect(endpoint string, id protocol.Identity) error {
	if endpoint == "" {
		return errMissingEndpoint
	}
	if err := id.Validate(); err != nil {
		return err
	}
	return c.call(func() {
		next, eff, ok := transition(c.state, inputConnect)
		if !ok {
			c.logger.Debug("connect ignored", slog.String("state", c.state.String()))
			return
		}
		if id.SessionID == "" {
			id.SessionID = c.cfg.NewID()
		}
		c.endpoint = endpoint
		c.identity = id
		c.apply(next, eff, nil, nil)
	})
}

// Disconnect ends the session: pending reconnection is cancelled, the
// heartbeat stops, the transport closes, and queued messages are dropped.
func (c *Client) Disconnect() error {
	return c.call(c.disconnect)
}

// Close disconnects and releases the client's goroutines. Events emitted
// before Close are still delivered. When the transport finishes closing in
// the background, Close waits for it so frames it accepted are written.
func (c *Client) Close() error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		err = c.call(c.disconnect)
		close(c.quit)
		<-c.loopDone
		c.bus.close()
		if err == nil {
			err = c.awaitTransport()
		}
	})
	return err
}

func (c *Client) awaitTransport() error {
	w, ok := c.transport.(transport.Waiter)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeWaitTimeout)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		return fmt.Errorf("client: closing transport: %w", err)
	}
	return nil
}

func (c *Client) disconnect() {
	prev := c.state
	next, eff, _ := transition(c.state, inputDisconnect)
	c.gen++
	c.apply(next, eff, nil, func() {
		if prev == Disconnected && c.dropped == 0 {
			return
		}
		c.logger.Info("channel disconnected", slog.Int("dropped", c.dropped))
		c.bus.emit(DisconnectedEvent{
			Code:      transport.StatusNormalClosure,
			Reason:    disconnectReason,
			WasClean:  true,
			Requested: true,
			Dropped:   c.dropped,
		})
	})
}

// Send builds a wire message from out and routes it to the transport when
// connected, or to the outbound queue otherwise. The returned message
// carries the assigned id and timestamp.
func (c *Client) Send(out protocol.Outgoing) (protocol.WireMessage, error) {
	var (
		msg protocol.WireMessage
		err error
	)
	if callErr := c.call(func() { msg, err = c.route(out) }); callErr != nil {
		return protocol.WireMessage{}, callErr
	}
	return msg, err
}

// SendTyping is never queued; a typing indicator is worthless once stale.
func (c *Client) SendTyping(to string, isTyping bool) error {
	var err error
	if callErr := c.call(func() { err = c.sendTyping(to, isTyping) }); callErr != nil {
		return callErr
	}
	return err
}

// SendFile uploads r and then sends a chat message pointing at the stored
// payload. Upload failures are returned without touching the channel.
func (c *Client) SendFile(ctx context.Context, to string, kind upload.Kind, name string, r io.Reader) (protocol.WireMessage, error) {
	if c.uploader == nil {
		return protocol.WireMessage{}, ErrNoUploader
	}

	var id protocol.Identity
	if err := c.call(func() { id = c.identity }); err != nil {
		return protocol.WireMessage{}, err
	}

	res, err := c.uploader.Upload(ctx, upload.Request{
		Kind:      kind,
		Name:      name,
		Body:      r,
		UserID:    id.UserID,
		SessionID: id.SessionID,
	})
	if err != nil {
		return protocol.WireMessage{}, fmt.Errorf("client: uploading %s: %w", name, err)
	}

	content := res.URL
	if content == "" {
		content = res.ID
	}
	return c.Send(protocol.Outgoing{
		Type:        protocol.TypeChat,
		To:          to,
		Content:     content,
		ContentType: uploadContentType(kind, res.MimeType),
	})
}

func (c *Client) State() ConnectionState {
	s := Disconnected
	if err := c.call(func() { s = c.state }); err != nil {
		return Disconnected
	}
	return s
}

func (c *Client) Metrics() Metrics {
	var m Metrics
	_ = c.call(func() { m = c.metrics })
	return m
}

// Pending is the number of messages waiting in the outbound queue.
func (c *Client) Pending() int {
	n := 0
	_ = c.call(func() { n = c.queue.Len() })
	return n
}

func (c *Client) Identity() protocol.Identity {
	var id protocol.Identity
	_ = c.call(func() { id = c.identity })
	return id
}

func (c *Client) On(kind Kind, fn func(Event)) Subscription {
	return c.bus.subscribe(kind, fn)
}

func (c *Client) Off(sub Subscription) {
	c.bus.unsubscribe(sub)
}

func (c *Client) OnStatusChange(fn func(StatusChange)) Subscription {
	return subscribe(c.bus, KindStatusChange, fn)
}

func (c *Client) OnConnected(fn func(ConnectedEvent)) Subscription {
	return subscribe(c.bus, KindConnected, fn)
}

func (c *Client) OnDisconnected(fn func(DisconnectedEvent)) Subscription {
	return subscribe(c.bus, KindDisconnected, fn)
}

func (c *Client) OnReconnecting(fn func(ReconnectingEvent)) Subscription {
	return subscribe(c.bus, KindReconnecting, fn)
}

func (c *Client) OnError(fn func(ErrorEvent)) Subscription {
	return subscribe(c.bus, KindError, fn)
}

func (c *Client) OnWarning(fn func(Warning)) Subscription {
	return subscribe(c.bus, KindWarning, fn)
}

// OnMessage subscribes to inbound messages. kind is KindMessage for every
// message or MessageKind(t) for a single type.
func (c *Client) OnMessage(kind Kind, fn func(MessageEvent)) Subscription {
	return subscribe(c.bus, kind, fn)
}

func uploadContentType(kind upload.Kind, mime string) protocol.ContentType {
	switch {
	case kind == upload.KindVoice:
		return protocol.ContentVoice
	case strings.HasPrefix(strings.ToLower(mime), "image/"):
		return protocol.ContentImage
	default:
		return protocol.ContentFile
	}
}
