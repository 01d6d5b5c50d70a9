package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"

	"github.com/iqlusioninc/iqkms/pkg/log"
)

const (
	defaultNodeErrorMessage = "an error occurred while processing the request"
	tracerName              = "github.com/iqlusioninc/iqkms/pkg/rpc"
)

const (
	// nodeGroupHandlerPrefix is the prefix used for all handler group IDs
	nodeGroupHandlerPrefix = "group."
	// nodeGroupRoot is the identifier for the root handler group
	nodeGroupRoot = "root"
)

// Node routes RPC requests to handlers.
type Node interface {
	// Handle registers the handler for method. Global middleware runs first.
	Handle(method string, handler Handler)
	// Use adds global middleware, run in registration order.
	Use(middleware Handler)
	// NewGroup creates a handler group with its own middleware.
	NewGroup(name string) HandlerGroup
}

type HandlerGroup interface {
	Handle(method string, handler Handler)
	Use(middleware Handler)
	NewGroup(name string) HandlerGroup
}

var (
	_ Node         = &WebsocketNode{}
	_ http.Handler = &WebsocketNode{}

	_ HandlerGroup = &WebsocketHandlerGroup{}
)

// AuthenticateFunc inspects the upgrade request and returns the user id of
// the connection. A non-nil error rejects the connection with 401.
type AuthenticateFunc func(r *http.Request) (userID string, err error)

// WebsocketNode serves the RPC protocol over websocket connections.
//
// Each connection gets a uuid, its own read, write and processing
// goroutines, and per-connection SafeStorage. Requests on one connection are
// processed in order; each one runs in its own OpenTelemetry span with a
// request-scoped logger in its context.
type WebsocketNode struct {
	upgrader     websocket.Upgrader
	cfg          WebsocketNodeConfig
	groupId      string
	handlerChain map[string][]Handler
	// routes maps a method to its handler chain path, e.g. ["group.root", "group.sign", "sign_digest"]
	routes  map[string][]string
	connHub *ConnectionHub
}

// WebsocketNodeConfig configures a WebsocketNode. Only Logger is required.
type WebsocketNodeConfig struct {
	// Logger is used for structured logging throughout the node (required).
	Logger log.Logger
	// Tracer starts the per-request spans. Defaults to the global provider.
	Tracer trace.Tracer
	// Authenticate runs before the websocket upgrade. Nil accepts everyone
	// with an empty user id.
	Authenticate AuthenticateFunc

	// OnConnectHandler is called when a connection is established.
	OnConnectHandler func(connectionID, userID string)
	// OnDisconnectHandler is called when a connection is closed.
	OnDisconnectHandler func(connectionID, userID string)
	// OnMessageReceivedHandler is called for every inbound message.
	OnMessageReceivedHandler func([]byte)
	// OnMessageSentHandler is called after a message is written to a client.
	OnMessageSentHandler func([]byte)
	// OnRequestHandledHandler is called with the method, the response code
	// and the processing time of every routed request.
	OnRequestHandledHandler func(method string, code codes.Code, took time.Duration)

	// WsUpgraderReadBufferSize sets the read buffer size for the WebSocket upgrader (default: 1024).
	WsUpgraderReadBufferSize int
	// WsUpgraderWriteBufferSize sets the write buffer size for the WebSocket upgrader (default: 1024).
	WsUpgraderWriteBufferSize int
	// WsUpgraderCheckOrigin validates the origin of incoming WebSocket requests.
	// Default allows all origins.
	WsUpgraderCheckOrigin func(r *http.Request) bool

	// WsConnWriteTimeout is the maximum time to wait for a write operation (default: 5s).
	WsConnWriteTimeout time.Duration
	// WsConnWriteBufferSize is the capacity of each connection's outgoing message queue (default: 10).
	WsConnWriteBufferSize int
	// WsConnProcessBufferSize is the capacity of each connection's incoming message queue (default: 10).
	WsConnProcessBufferSize int
	// WsConnReadLimit caps one inbound message in bytes (default: 1 MiB).
	WsConnReadLimit int64
}

// NewWebsocketNode creates a node with a built-in "ping" handler.
func NewWebsocketNode(config WebsocketNodeConfig) (*WebsocketNode, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	config.Logger = config.Logger.WithName("rpc-node")

	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}
	if config.OnConnectHandler == nil {
		config.OnConnectHandler = func(string, string) {}
	}
	if config.OnDisconnectHandler == nil {
		config.OnDisconnectHandler = func(string, string) {}
	}
	if config.OnMessageReceivedHandler == nil {
		config.OnMessageReceivedHandler = func([]byte) {}
	}
	if config.OnMessageSentHandler == nil {
		config.OnMessageSentHandler = func([]byte) {}
	}
	if config.OnRequestHandledHandler == nil {
		config.OnRequestHandledHandler = func(string, codes.Code, time.Duration) {}
	}
	if config.WsUpgraderReadBufferSize <= 0 {
		config.WsUpgraderReadBufferSize = 1024
	}
	if config.WsUpgraderWriteBufferSize <= 0 {
		config.WsUpgraderWriteBufferSize = 1024
	}
	if config.WsUpgraderCheckOrigin == nil {
		config.WsUpgraderCheckOrigin = func(r *http.Request) bool {
			return true
		}
	}

	node := &WebsocketNode{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WsUpgraderReadBufferSize,
			WriteBufferSize: config.WsUpgraderWriteBufferSize,
			CheckOrigin:     config.WsUpgraderCheckOrigin,
		},
		cfg:          config,
		groupId:      nodeGroupHandlerPrefix + nodeGroupRoot,
		handlerChain: make(map[string][]Handler),
		routes:       make(map[string][]string),
		connHub:      NewConnectionHub(),
	}

	node.Handle(PingMethod.String(), node.handlePing)

	return node, nil
}

// ConnectionCount returns the number of open connections.
func (wn *WebsocketNode) ConnectionCount() int {
	return wn.connHub.Count()
}

// ServeHTTP authenticates, upgrades and serves one connection. It blocks
// until the connection is closed.
func (wn *WebsocketNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if wn.cfg.Authenticate != nil {
		var err error
		userID, err = wn.cfg.Authenticate(r)
		if err != nil {
			wn.cfg.Logger.Warn("rejected unauthenticated connection", "remoteAddr", r.RemoteAddr, "error", err)
			http.Error(w, ErrUnauthenticated.Error(), http.StatusUnauthorized)
			return
		}
	}

	wsConnection, err := wn.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wn.cfg.Logger.Error("failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer wsConnection.Close()

	connectionID := uuid.NewString()

	connConfig := WebsocketConnectionConfig{
		ConnectionID:         connectionID,
		UserID:               userID,
		WebsocketConn:        wsConnection,
		WriteTimeout:         wn.cfg.WsConnWriteTimeout,
		WriteBufferSize:      wn.cfg.WsConnWriteBufferSize,
		ProcessBufferSize:    wn.cfg.WsConnProcessBufferSize,
		ReadLimit:            wn.cfg.WsConnReadLimit,
		Logger:               wn.cfg.Logger,
		OnMessageSentHandler: wn.cfg.OnMessageSentHandler,
	}
	connection, err := NewWebsocketConnection(connConfig)
	if err != nil {
		wn.cfg.Logger.Error("failed to create WebSocket connection", "error", err, "connectionID", connectionID)
		return
	}
	if err := wn.connHub.Add(connection); err != nil {
		wn.cfg.Logger.Error("failed to add connection to hub", "error", err, "connectionID", connectionID)
		return
	}

	wn.cfg.OnConnectHandler(connectionID, userID)
	wn.cfg.Logger.Info("new WebSocket connection established", "connectionID", connectionID, "userID", userID, "remoteAddr", r.RemoteAddr)

	defer func() {
		wn.connHub.Remove(connectionID)
		wn.cfg.OnDisconnectHandler(connectionID, userID)
		wn.cfg.Logger.Info("connection closed", "connectionID", connectionID, "userID", userID)
	}()

	parentCtx, cancel := context.WithCancel(r.Context())
	group := newClosureGroup(cancel, 2)

	go connection.Serve(parentCtx, group.done)
	go wn.processRequests(connection, parentCtx, group.done)

	if err := group.wait(); err != nil {
		wn.cfg.Logger.Warn("connection closed with error", "connectionID", connectionID, "error", err)
	}
}

// processRequests decodes, routes and answers requests of one connection
// until it closes.
func (wn *WebsocketNode) processRequests(conn Connection, parentCtx context.Context, handleClosure func(error)) {
	defer handleClosure(nil)
	safeStorage := NewSafeStorage()

	for {
		var messageBytes []byte
		select {
		case <-parentCtx.Done():
			wn.cfg.Logger.Debug("context done, stopping message processing")
			return
		case messageBytes = <-conn.RawRequests():
			if len(messageBytes) == 0 {
				return // connection closed
			}
		}
		wn.cfg.OnMessageReceivedHandler(messageBytes)

		req := Request{}
		if err := json.Unmarshal(messageBytes, &req); err != nil {
			wn.cfg.Logger.Debug("invalid message format", "error", err)
			wn.sendErrorResponse(conn, req.Req.RequestID, codes.InvalidArgument, "invalid message format")
			continue
		}

		routeHandlers, methodRoute := wn.resolveRoute(req.Req.Method)
		if len(routeHandlers) == 0 {
			wn.cfg.Logger.Debug("no handlers' route found for method", "method", req.Req.Method)
			wn.sendErrorResponse(conn, req.Req.RequestID, codes.Unimplemented, fmt.Sprintf("unknown method: %s", req.Req.Method))
			continue
		}

		wn.handleRequest(parentCtx, conn, req, routeHandlers, methodRoute, safeStorage)
	}
}

func (wn *WebsocketNode) resolveRoute(method string) ([]Handler, []string) {
	methodRoute, ok := wn.routes[method]
	if !ok || len(methodRoute) == 0 {
		return nil, nil
	}

	var routeHandlers []Handler
	for _, handlersId := range methodRoute {
		handlers, exists := wn.handlerChain[handlersId]
		if strings.HasPrefix(handlersId, nodeGroupHandlerPrefix) {
			// A group without middleware contributes nothing.
			routeHandlers = append(routeHandlers, handlers...)
			continue
		}
		if !exists || len(handlers) == 0 {
			wn.cfg.Logger.Error("no handlers found for id", "id", handlersId)
			return nil, nil
		}
		routeHandlers = append(routeHandlers, handlers...)
	}
	return routeHandlers, methodRoute
}

func (wn *WebsocketNode) handleRequest(parentCtx context.Context, conn Connection, req Request, handlers []Handler, route []string, storage *SafeStorage) {
	started := time.Now()
	method := req.Req.Method

	spanCtx, span := wn.cfg.Tracer.Start(parentCtx, "rpc."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.method", method),
			attribute.String("rpc.connection_id", conn.ConnectionID()),
			attribute.Int64("rpc.request_id", int64(req.Req.RequestID)),
		))
	defer span.End()

	logger := wn.cfg.Logger.
		WithKV("connectionID", conn.ConnectionID()).
		WithKV("requestID", req.Req.RequestID).
		WithKV("method", method)
	if userID := conn.UserID(); userID != "" {
		logger = logger.WithKV("userID", userID)
	}
	spanCtx = log.SetContextLogger(spanCtx, logger)

	log.FromContext(spanCtx).Debug("processing message", "route", route)

	ctx := &Context{
		Context:      spanCtx,
		ConnectionID: conn.ConnectionID(),
		UserID:       conn.UserID(),
		Request:      req,
		handlers:     handlers,
		Storage:      storage,
	}
	ctx.Next()

	responseBytes, err := ctx.GetRawResponse()
	if err != nil {
		wn.sendErrorResponse(conn, req.Req.RequestID, codes.Internal, defaultNodeErrorMessage)
		log.FromContext(spanCtx).Error("failed to prepare response", "error", err)
		wn.cfg.OnRequestHandledHandler(method, codes.Internal, time.Since(started))
		return
	}
	conn.WriteRawResponse(responseBytes)

	code := Code(ctx.Response.Error())
	span.SetAttributes(attribute.String("rpc.code", code.String()))
	wn.cfg.OnRequestHandledHandler(method, code, time.Since(started))
}

// NewGroup creates a handler group. Groups can be nested; a handler in a
// nested group runs after global, parent group and own middleware.
//
// Example:
//
//	signGroup := node.NewGroup("sign")
//	signGroup.Use(auditMiddleware)
//	signGroup.Handle("sign_digest", handleSignDigest)
func (wn *WebsocketNode) NewGroup(name string) HandlerGroup {
	return &WebsocketHandlerGroup{
		groupId:     nodeGroupHandlerPrefix + name,
		routePrefix: []string{wn.groupId},
		root:        wn,
	}
}

// Handle registers the handler for method.
//
// Panics if method is empty or handler is nil.
func (wn *WebsocketNode) Handle(method string, handler Handler) {
	wn.handle(method, handler)
	wn.routes[method] = []string{wn.groupId, method}
}

func (wn *WebsocketNode) handle(method string, handler Handler) {
	if method == "" {
		panic("Websocket method cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("Websocket handler cannot be nil for method %s", method))
	}

	wn.handlerChain[method] = []Handler{handler}
}

// Use adds global middleware.
func (wn *WebsocketNode) Use(middleware Handler) {
	wn.use(wn.groupId, middleware)
}

func (wn *WebsocketNode) use(groupId string, middleware Handler) {
	if middleware == nil {
		panic("Websocket middleware handler cannot be nil for group")
	}

	if _, exists := wn.handlerChain[groupId]; !exists {
		wn.handlerChain[groupId] = []Handler{}
	}

	wn.handlerChain[groupId] = append(wn.handlerChain[groupId], middleware)
}

// sendErrorResponse answers protocol-level failures that never reach a handler.
func (wn *WebsocketNode) sendErrorResponse(conn Connection, requestID uint64, code codes.Code, message string) {
	if conn == nil {
		wn.cfg.Logger.Error("connection is nil, cannot send error response", "requestID", requestID)
		return
	}

	res := NewErrorResponse(requestID, code, message)
	responseBytes, err := prepareRawResponse(res.Res)
	if err != nil {
		wn.cfg.Logger.Error("failed to prepare error response", "error", err)
		return
	}

	conn.WriteRawResponse(responseBytes)
}

// handlePing runs the global middleware and answers "pong".
func (wn *WebsocketNode) handlePing(ctx *Context) {
	ctx.Next()
	ctx.Succeed(PongMethod.String(), nil)
}

// WebsocketHandlerGroup groups handlers under shared middleware.
type WebsocketHandlerGroup struct {
	groupId     string
	routePrefix []string
	root        *WebsocketNode
}

// NewGroup creates a nested group.
func (hg *WebsocketHandlerGroup) NewGroup(name string) HandlerGroup {
	prefix := make([]string, 0, len(hg.routePrefix)+1)
	prefix = append(prefix, hg.routePrefix...)
	return &WebsocketHandlerGroup{
		groupId:     fmt.Sprintf("%s.%s", hg.groupId, name),
		routePrefix: append(prefix, hg.groupId),
		root:        hg.root,
	}
}

// Handle registers a handler within this group. Method names are global to
// the node.
func (hg *WebsocketHandlerGroup) Handle(method string, handler Handler) {
	route := make([]string, 0, len(hg.routePrefix)+2)
	route = append(route, hg.routePrefix...)
	hg.root.routes[method] = append(route, hg.groupId, method)
	hg.root.handle(method, handler)
}

// Use adds middleware to the group.
//
// Panics if middleware is nil.
func (hg *WebsocketHandlerGroup) Use(middleware Handler) {
	hg.root.use(hg.groupId, middleware)
}
