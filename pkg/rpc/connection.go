package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iqlusioninc/iqkms/pkg/log"
)

const (
	defaultWsConnWriteTimeout      = 5 * time.Second
	defaultWsConnProcessBufferSize = 10
	defaultWsConnWriteBufferSize   = 10
	// sign_message_eip155 carries the whole message, every other request is
	// a few hundred bytes.
	defaultWsConnReadLimit int64 = 1 << 20
)

// Connection is one client connection as seen by the node.
type Connection interface {
	// ConnectionID returns the unique connection identifier.
	ConnectionID() string
	// UserID returns the authenticated subject, or "" when authentication is off.
	UserID() string
	// RawRequests yields inbound messages. It is closed when the connection
	// stops reading.
	RawRequests() <-chan []byte
	// WriteRawResponse queues a message. It returns false, and schedules the
	// connection for closing, when the queue stays full past the write timeout.
	WriteRawResponse(message []byte) bool
	// Serve runs the connection until it closes and then calls handleClosure once.
	Serve(parentCtx context.Context, handleClosure func(error))
}

// GorillaWsConnectionAdapter is the subset of *websocket.Conn a
// WebsocketConnection needs.
type GorillaWsConnectionAdapter interface {
	ReadMessage() (messageType int, p []byte, err error)
	NextWriter(messageType int) (io.WriteCloser, error)
	Close() error
}

// readLimiter is implemented by *websocket.Conn.
type readLimiter interface {
	SetReadLimit(limit int64)
}

// WebsocketConnectionConfig configures a WebsocketConnection. ConnectionID
// and WebsocketConn are required.
type WebsocketConnectionConfig struct {
	ConnectionID  string
	UserID        string
	WebsocketConn GorillaWsConnectionAdapter

	WriteTimeout      time.Duration
	WriteBufferSize   int
	ProcessBufferSize int
	// ReadLimit caps one inbound message in bytes. A larger message closes
	// the connection with ErrMessageTooLarge.
	ReadLimit            int64
	Logger               log.Logger
	OnMessageSentHandler func([]byte)
}

func (cfg *WebsocketConnectionConfig) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoopLogger()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWsConnWriteTimeout
	}
	if cfg.WriteBufferSize <= 0 {
		cfg.WriteBufferSize = defaultWsConnWriteBufferSize
	}
	if cfg.ProcessBufferSize <= 0 {
		cfg.ProcessBufferSize = defaultWsConnProcessBufferSize
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultWsConnReadLimit
	}
	if cfg.OnMessageSentHandler == nil {
		cfg.OnMessageSentHandler = func([]byte) {}
	}
}

// WebsocketConnection is the node side of one client socket. A reader feeds
// RawRequests, a writer drains the outbound queue, and a watchdog closes the
// socket when the serving context ends or the client stops taking responses.
// The user id is bound at creation from the authenticated upgrade request.
type WebsocketConnection struct {
	id     string
	userID string
	ws     GorillaWsConnectionAdapter
	logger log.Logger

	writeTimeout time.Duration
	onSent       func([]byte)

	inbound  chan []byte
	outbound chan []byte
	stalled  chan struct{}

	served    atomic.Bool
	closeOnce sync.Once
}

func NewWebsocketConnection(config WebsocketConnectionConfig) (*WebsocketConnection, error) {
	if config.ConnectionID == "" {
		return nil, errors.New("connection ID cannot be empty")
	}
	if config.WebsocketConn == nil {
		return nil, errors.New("websocket connection cannot be nil")
	}
	config.setDefaults()

	if rl, ok := config.WebsocketConn.(readLimiter); ok {
		rl.SetReadLimit(config.ReadLimit)
	}

	return &WebsocketConnection{
		id:           config.ConnectionID,
		userID:       config.UserID,
		ws:           config.WebsocketConn,
		logger:       config.Logger.WithKV("connectionID", config.ConnectionID),
		writeTimeout: config.WriteTimeout,
		onSent:       config.OnMessageSentHandler,
		inbound:      make(chan []byte, config.ProcessBufferSize),
		outbound:     make(chan []byte, config.WriteBufferSize),
		stalled:      make(chan struct{}, 1),
	}, nil
}

// Serve starts the reader, the writer and the watchdog and returns. Once all
// three have stopped, handleClosure receives the first error. A connection is
// served once; later calls only invoke handleClosure(nil).
func (c *WebsocketConnection) Serve(parentCtx context.Context, handleClosure func(error)) {
	if !c.served.CompareAndSwap(false, true) {
		handleClosure(nil)
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)
	group := newClosureGroup(cancel, 3)

	go c.readLoop(ctx, group.done)
	go c.writeLoop(ctx, group.done)
	go c.watchdog(ctx, group.done)

	go func() {
		handleClosure(group.wait())
		c.closeSocket()
	}()
}

func (c *WebsocketConnection) ConnectionID() string {
	return c.id
}

func (c *WebsocketConnection) UserID() string {
	return c.userID
}

func (c *WebsocketConnection) RawRequests() <-chan []byte {
	return c.inbound
}

func (c *WebsocketConnection) WriteRawResponse(message []byte) bool {
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()

	select {
	case c.outbound <- message:
		return true
	case <-timer.C:
		select {
		case c.stalled <- struct{}{}:
		default:
		}
		return false
	}
}

func (c *WebsocketConnection) readLoop(ctx context.Context, stop func(error)) {
	defer close(c.inbound)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			stop(c.readFailure(err))
			return
		}
		if len(msg) == 0 {
			continue
		}

		select {
		case c.inbound <- msg:
		case <-ctx.Done():
			stop(nil)
			return
		}
	}
}

// readFailure maps a read error to the closure error: nil for an orderly
// close, ErrMessageTooLarge past the read limit, the error itself otherwise.
func (c *WebsocketConnection) readFailure(err error) error {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.logger.Warn("closing connection after oversized message", "error", err)
		return fmt.Errorf("%w: %w", ErrMessageTooLarge, err)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure):
		c.logger.Error("websocket closed with unexpected reason", "error", err)
		return err
	default:
		return nil
	}
}

func (c *WebsocketConnection) writeLoop(ctx context.Context, stop func(error)) {
	defer stop(nil)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.outbound:
			if len(msg) == 0 {
				continue
			}
			if err := c.writeFrame(msg); err != nil {
				c.logger.Error("failed to write response", "error", err)
				continue
			}
			c.onSent(msg)
		}
	}
}

func (c *WebsocketConnection) writeFrame(msg []byte) error {
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// watchdog closes the socket when the connection context ends or a response
// could not be queued in time. Closing unblocks a reader waiting on a silent
// client.
func (c *WebsocketConnection) watchdog(ctx context.Context, stop func(error)) {
	select {
	case <-ctx.Done():
		stop(nil)
	case <-c.stalled:
		c.logger.Warn("closing connection that stopped reading responses")
		stop(ErrClientStalled)
	}
	c.closeSocket()
}

func (c *WebsocketConnection) closeSocket() {
	c.closeOnce.Do(func() {
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("error closing websocket", "error", err)
		}
	})
}

// closureGroup joins the goroutines serving one socket. The first to stop
// cancels the others; wait returns the first non-nil error once all stopped.
type closureGroup struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	err    error
}

func newClosureGroup(cancel context.CancelFunc, members int) *closureGroup {
	g := &closureGroup{cancel: cancel}
	g.wg.Add(members)
	return g
}

// done must be called exactly once per member.
func (g *closureGroup) done(err error) {
	g.mu.Lock()
	if err != nil && g.err == nil {
		g.err = err
	}
	g.mu.Unlock()

	g.cancel()
	g.wg.Done()
}

func (g *closureGroup) wait() error {
	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
