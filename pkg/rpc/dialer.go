package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iqlusioninc/iqkms/pkg/log"
)

// Dialer is the client side of an RPC connection.
type Dialer interface {
	// Dial connects to url and returns once the handshake is done. The
	// connection then runs in the background until ctx is cancelled or the
	// socket fails; handleClosure is called once at that point.
	Dial(ctx context.Context, url string, handleClosure func(err error)) error
	// IsConnected reports whether a connection is open.
	IsConnected() bool
	// Call sends req and waits for the response with the same request id.
	Call(ctx context.Context, req *Request) (*Response, error)
	// EventCh yields responses that match no pending call.
	EventCh() <-chan *Response
}

// WebsocketDialerConfig configures a WebsocketDialer.
type WebsocketDialerConfig struct {
	// HandshakeTimeout bounds the websocket handshake.
	HandshakeTimeout time.Duration
	// PingInterval is the keep-alive period. Zero disables keep-alive.
	PingInterval time.Duration
	// PingRequestID is reserved for keep-alive pings and must not collide
	// with the ids of regular calls.
	PingRequestID uint64
	// EventChanSize is the buffer of the event channel.
	EventChanSize int
	// Header is sent with the handshake, e.g. Authorization.
	Header http.Header
}

// DefaultWebsocketDialerConfig pings every 5s with an id far above the ids
// Client assigns.
var DefaultWebsocketDialerConfig = WebsocketDialerConfig{
	HandshakeTimeout: 5 * time.Second,
	PingInterval:     5 * time.Second,
	PingRequestID:    1 << 63,
	EventChanSize:    100,
}

// WithBearerToken returns a copy of cfg that authenticates with token.
func (cfg WebsocketDialerConfig) WithBearerToken(token string) WebsocketDialerConfig {
	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Authorization", "Bearer "+token)
	cfg.Header = header
	return cfg
}

// session is one dialed socket. It ends when ctx is cancelled.
type session struct {
	ctx    context.Context
	conn   *websocket.Conn
	events chan *Response
	logger log.Logger
}

// WebsocketDialer is a Dialer over gorilla/websocket. Calls may be made
// concurrently; writes are serialized.
type WebsocketDialer struct {
	cfg     WebsocketDialerConfig
	session *session
	eventCh chan *Response
	// pending maps the request id of each in-flight call to its reply sink.
	pending map[uint64]chan *Response
	mu      sync.RWMutex
	writeMu sync.Mutex
}

var _ Dialer = (*WebsocketDialer)(nil)

func NewWebsocketDialer(cfg WebsocketDialerConfig) *WebsocketDialer {
	return &WebsocketDialer{
		cfg:     cfg,
		eventCh: make(chan *Response, cfg.EventChanSize),
		pending: make(map[uint64]chan *Response),
	}
}

// Dial opens a session and starts its closer, reader and keep-alive loops.
//
//	dialer := NewWebsocketDialer(DefaultWebsocketDialerConfig.WithBearerToken(token))
//	err := dialer.Dial(ctx, "ws://[::1]:27100/ws", func(err error) {
//	    if err != nil {
//	        logger.Error("connection closed", "error", err)
//	    }
//	})
//
// A node that rejects the token fails Dial with ErrUnauthenticated.
func (d *WebsocketDialer) Dial(parentCtx context.Context, url string, handleClosure func(err error)) error {
	if d.IsConnected() {
		return ErrAlreadyConnected
	}

	conn, err := d.handshake(parentCtx, url)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &session{
		ctx:    ctx,
		conn:   conn,
		events: make(chan *Response, d.cfg.EventChanSize),
		logger: log.FromContext(parentCtx).WithName("ws-dialer"),
	}

	d.mu.Lock()
	d.session = s
	d.eventCh = s.events
	d.mu.Unlock()

	group := newClosureGroup(cancel, 3)
	go d.closeWhenDone(s, group.done)
	go d.readLoop(s, group.done)
	go d.keepAlive(s, group.done)

	go func() {
		handleClosure(group.wait())
	}()

	return nil
}

func (d *WebsocketDialer) handshake(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout:  d.cfg.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.cfg.Header)
	switch {
	case err == nil:
		return conn, nil
	case resp != nil && resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: %w", ErrDialingWebsocket, ErrUnauthenticated)
	default:
		return nil, fmt.Errorf("%w: %w", ErrDialingWebsocket, err)
	}
}

func (d *WebsocketDialer) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.session != nil && d.session.ctx.Err() == nil
}

// closeWhenDone closes the socket once the session ends. Calls still waiting
// observe the session context and return ErrNoResponse.
func (d *WebsocketDialer) closeWhenDone(s *session, stop func(error)) {
	<-s.ctx.Done()
	err := s.conn.Close()

	d.mu.Lock()
	d.pending = make(map[uint64]chan *Response)
	d.mu.Unlock()

	stop(err)
}

func (d *WebsocketDialer) readLoop(s *session, stop func(error)) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			stop(s.readFailure(err))
			return
		}

		var res Response
		if err := json.Unmarshal(raw, &res); err != nil {
			s.logger.Warn("dropping malformed message", "error", err)
			continue
		}
		d.deliver(s, &res)
	}
}

// readFailure maps a read error to the closure error. Reads that fail
// because the session already ended are not errors.
func (s *session) readFailure(err error) error {
	var netErr net.Error
	switch {
	case s.ctx.Err() != nil:
		s.logger.Debug("read loop exiting on context done")
		return nil
	case errors.As(err, &netErr) && netErr.Timeout():
		s.logger.Error("websocket connection timeout", "error", err)
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	default:
		s.logger.Error("websocket read error", "error", err)
		return fmt.Errorf("%w: %w", ErrReadingMessage, err)
	}
}

// deliver hands res to the call waiting on its request id, or to the event
// channel. It never blocks the read loop.
func (d *WebsocketDialer) deliver(s *session, res *Response) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sink, ok := d.pending[res.Res.RequestID]
	if !ok {
		sink = s.events
	}

	select {
	case sink <- res:
	default:
		s.logger.Warn("response channel full, dropping message", "requestID", res.Res.RequestID)
	}
}

// Call is safe for concurrent use as long as request ids are unique among
// in-flight calls.
func (d *WebsocketDialer) Call(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	id := req.Req.RequestID

	s, sink, err := d.register(id)
	if err != nil {
		return nil, err
	}
	defer d.unregister(id)

	if err := d.send(s, req); err != nil {
		return nil, err
	}

	select {
	case res := <-sink:
		return res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w for request %d: %w", ErrNoResponse, id, ctx.Err())
	case <-s.ctx.Done():
		return nil, fmt.Errorf("%w for request %d", ErrNoResponse, id)
	}
}

func (d *WebsocketDialer) register(id uint64) (*session, chan *Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session == nil || d.session.ctx.Err() != nil {
		return nil, nil, ErrNotConnected
	}
	sink := make(chan *Response, 1)
	d.pending[id] = sink
	return d.session, sink, nil
}

func (d *WebsocketDialer) unregister(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

func (d *WebsocketDialer) send(s *session, req *Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMarshalingRequest, err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("%w: %w", ErrSendingRequest, err)
	}
	return nil
}

// keepAlive pings the node every PingInterval. A failed ping ends the
// session with ErrSendingPing.
func (d *WebsocketDialer) keepAlive(s *session, stop func(error)) {
	if d.cfg.PingInterval <= 0 {
		<-s.ctx.Done()
		stop(nil)
		return
	}

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			stop(nil)
			return
		case <-ticker.C:
			err := d.ping(s)
			if err == nil {
				continue
			}
			if s.ctx.Err() != nil {
				stop(nil)
				return
			}
			s.logger.Error("keep-alive ping failed", "error", err)
			stop(fmt.Errorf("%w: %w", ErrSendingPing, err))
			return
		}
	}
}

func (d *WebsocketDialer) ping(s *session) error {
	req := NewRequest(NewPayload(d.cfg.PingRequestID, PingMethod.String(), nil))
	res, err := d.Call(s.ctx, &req)
	if err != nil {
		return err
	}
	if err := res.Error(); err != nil {
		return err
	}
	if res.Res.Method != PongMethod.String() {
		s.logger.Warn("unexpected response to ping", "method", res.Res.Method)
	}
	return nil
}

// EventCh is replaced on every Dial; callers should fetch it after dialing.
func (d *WebsocketDialer) EventCh() <-chan *Response {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.eventCh
}
