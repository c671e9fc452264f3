package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/chat"
	"github.com/harun/courier/pkg/registry"
)

const (
	maxBodyBytes    = 1 << 20
	maxMessageBytes = 64 << 10
	shutdownGrace   = 30 * time.Second
)

// Server is the live channel and request/response front of courier
type Server struct {
	host           string
	port           int
	tokens         *TokenVerifier
	allowedOrigins []string
	tickInterval   time.Duration
	sendBuffer     int
	writeTimeout   time.Duration

	limitsMu          sync.RWMutex
	requestsPerMinute int
	maxConcurrent     int

	server      *http.Server
	listener    net.Listener
	handler     http.Handler
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	presence    *registry.Registry
	router      *RPCRouter
	authHandler *AuthHandler
	broadcaster *EventBroadcaster
	chat        *chat.Service
	logger      zerolog.Logger

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	tickCancel     context.CancelFunc
	tickWG         sync.WaitGroup
}

// Config holds server configuration
type Config struct {
	Host              string
	Port              int
	SharedSecret      string
	JWTSecret         string
	AllowedOrigins    []string
	TickInterval      time.Duration
	RequestsPerMinute int
	MaxConcurrent     int
	SendBuffer        int
	WriteTimeout      time.Duration
	Chat              *chat.Service
	Presence          *registry.Registry
	Logger            zerolog.Logger
}

// NewServer creates a new Gateway Server
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Chat == nil {
		return nil, fmt.Errorf("chat service is required")
	}
	if cfg.Presence == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if cfg.TickInterval < 0 {
		cfg.TickInterval = 0
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	clients := NewClientRegistry()
	logger := cfg.Logger.With().Str("component", "gateway").Logger()

	s := &Server{
		host:              cfg.Host,
		port:              cfg.Port,
		tokens:            NewTokenVerifier(cfg.JWTSecret),
		allowedOrigins:    cfg.AllowedOrigins,
		tickInterval:      cfg.TickInterval,
		sendBuffer:        cfg.SendBuffer,
		writeTimeout:      cfg.WriteTimeout,
		requestsPerMinute: cfg.RequestsPerMinute,
		maxConcurrent:     cfg.MaxConcurrent,
		clients:           clients,
		presence:          cfg.Presence,
		router:            NewRPCRouter(),
		authHandler:       NewAuthHandler(cfg.SharedSecret),
		broadcaster:       NewEventBroadcaster(clients, cfg.WriteTimeout, logger),
		chat:              cfg.Chat,
		logger:            logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || s.originAllowed(origin)
		},
	}

	s.registerBuiltinMethods()
	s.handler = s.buildHandler()

	return s, nil
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/rpc", s.handleRPC)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)
	s.registerRESTRoutes(mux)
	return s.withCORS(mux)
}

// Handler returns the HTTP handler serving every gateway route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("Starting Gateway Server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.startTickEmitter()
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the Gateway Server
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down Gateway Server")
	s.stopTickEmitter()

	s.broadcaster.Broadcast("server.shutdown", map[string]interface{}{
		"message": "Server is shutting down",
	})

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(shutdownGrace):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	for _, client := range s.clients.GetAll() {
		client.Flush(time.Second)
		client.Close()
	}

	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info().Msg("Gateway Server stopped")
	return nil
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) startTickEmitter() {
	if s.tickInterval <= 0 {
		return
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	s.tickWG.Add(1)

	go func() {
		defer s.tickWG.Done()

		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				s.broadcaster.Broadcast("tick", map[string]interface{}{
					"status":  "alive",
					"clients": s.clients.Count(),
				})
			}
		}
	}()
}

func (s *Server) stopTickEmitter() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
	s.tickWG.Wait()
}

// UpdateLimits changes the per-connection rate limits of current and future
// connections.
func (s *Server) UpdateLimits(requestsPerMinute, maxConcurrent int) {
	s.limitsMu.Lock()
	s.requestsPerMinute = requestsPerMinute
	s.maxConcurrent = maxConcurrent
	s.limitsMu.Unlock()

	for _, client := range s.clients.GetAll() {
		client.RateLimiter.UpdateLimits(requestsPerMinute, maxConcurrent)
	}
}

func (s *Server) newLimiter() *ClientRateLimiter {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return NewClientRateLimiterWithLimits(s.requestsPerMinute, s.maxConcurrent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	users, handles := s.presence.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"clients": s.clients.Count(),
		"online":  users,
		"joined":  handles,
	})
}

// handleWebSocket handles WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	subject := ""
	if s.tokens != nil {
		sub, err := s.tokens.VerifyRequest(r)
		if err != nil {
			s.logger.Warn().Err(err).Str("ip", r.RemoteAddr).Msg("Rejected WebSocket token")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject = sub
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	clientID, _ := gonanoid.New()
	client := NewClient(clientID, conn, r.RemoteAddr, ClientOptions{
		SendBuffer:   s.sendBuffer,
		WriteTimeout: s.writeTimeout,
		Limiter:      s.newLimiter(),
		Logger:       s.logger,
	})
	client.setSubject(subject)

	s.clients.Add(client)
	observability.SetActiveSessions(s.clients.Count())

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Str("subject", subject).
		Msg("Client connected")

	if s.authHandler.Enabled() {
		if err := s.sendAuthChallenge(client); err != nil {
			s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to send auth challenge")
			s.disconnect(client)
			return
		}
	} else {
		client.markAuthenticated()
	}

	go s.handleClient(client)
}

func (s *Server) sendAuthChallenge(client *Client) error {
	frame, err := s.authHandler.IssueChallenge(client)
	if err != nil {
		return err
	}
	return client.SendJSON(frame)
}

// handleClient runs the read loop of one connection until it closes
func (s *Server) handleClient(client *Client) {
	defer func() {
		s.disconnect(client)
		s.logger.Info().Str("clientId", client.ID()).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("clientId", client.ID()).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		s.handleMessage(client, message)
	}
}

// disconnect detaches a connection from presence and closes it.
func (s *Server) disconnect(client *Client) {
	s.presence.Leave(client)
	client.Close()
	s.clients.Remove(client.ID())
	observability.SetActiveSessions(s.clients.Count())
	s.updatePresenceGauges()
}

// handleMessage handles a single message from a client
func (s *Server) handleMessage(client *Client, message []byte) {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		s.handleAuthMessage(client, authResp)
		return
	}

	if !client.IsAuthenticated() {
		s.sendError(client, "", &RPCError{Code: AuthenticationRequired, Message: "Authentication required"})
		return
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		s.sendError(client, "", toRPCError(err))
		return
	}

	if s.shuttingDown() {
		s.sendError(client, req.ID, &RPCError{Code: InternalError, Message: "Server is shutting down"})
		return
	}

	if rpcErr := client.RateLimiter.Acquire(); rpcErr != nil {
		s.sendError(client, req.ID, rpcErr)
		return
	}
	s.inFlightReqs.Add(1)

	traceID := tracing.NewTraceID()
	ctx := tracing.WithTraceID(context.Background(), traceID)
	ctx = tracing.WithRequestID(ctx, req.ID)
	ctx = tracing.WithUserID(ctx, client.UserID())
	ctx = withClient(ctx, client)
	ctx = withSubject(ctx, client.Subject())

	run := func() {
		defer client.RateLimiter.Release()
		defer s.inFlightReqs.Done()

		response := s.router.RouteRequest(ctx, req)
		s.recordRPC(req.Method, response)
		if err := client.SendJSON(response); err != nil {
			s.logger.Error().
				Err(err).
				Str("clientId", client.ID()).
				Str("requestId", req.ID).
				Str("trace_id", traceID).
				Msg("Failed to send response")
		}
	}

	if orderedMethods[req.Method] {
		run()
		return
	}
	go run()
}

// handleRPC handles single-shot HTTP JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, ok := s.authorizeHTTP(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	req, err := s.router.ParseRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, RPCResponse{
			ID:      "",
			JSONRPC: "2.0",
			Error:   toRPCError(err),
		})
		return
	}

	ctx = tracing.WithRequestID(ctx, req.ID)
	logger := tracing.LoggerFromContext(ctx, s.logger)
	logger.Info().
		Str("request_id", req.ID).
		Str("method", req.Method).
		Msg("Gateway received HTTP RPC request")

	resp := s.router.RouteRequest(ctx, req)
	s.recordRPC(req.Method, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recordRPC(method string, resp *RPCResponse) {
	if !s.router.HasMethod(method) {
		method = "unknown"
	}
	observability.RecordRPCRequest(method, resp.Error == nil)
}

// authorizeHTTP checks the shared secret and bearer token of an HTTP request
// and returns the request context enriched with trace ID and subject.
func (s *Server) authorizeHTTP(w http.ResponseWriter, r *http.Request) (context.Context, bool) {
	if s.authHandler.Enabled() && r.Header.Get("X-Courier-Secret") != s.authHandler.sharedSecret {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}

	subject := ""
	if s.tokens != nil {
		sub, err := s.tokens.VerifyRequest(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return nil, false
		}
		subject = sub
	}

	traceID := r.Header.Get("X-Trace-Id")
	if traceID == "" {
		traceID = tracing.NewTraceID()
	}
	w.Header().Set("X-Trace-Id", traceID)

	ctx := tracing.WithTraceID(r.Context(), traceID)
	return withSubject(ctx, subject), true
}

func (s *Server) withHTTPAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, ok := s.authorizeHTTP(w, r)
		if !ok {
			return
		}
		next(w, r.WithContext(ctx))
	}
}

// handleAuthMessage handles authentication messages
func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) {
	result := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.SendJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID()).Msg("Failed to send auth result")
		return
	}

	if !result.Success {
		observability.RecordAuthFailure()
		observability.RecordSecurityAudit(context.Background(), "auth.failure", client.ID(), "failure", map[string]interface{}{
			"ip":       client.IPAddress,
			"attempts": client.authFailures(),
		})
		s.logger.Warn().
			Str("clientId", client.ID()).
			Str("reason", result.Message).
			Msg("Authentication failed")

		if client.authFailures() >= maxAuthAttempts {
			client.Flush(time.Second)
			client.Close()
		}
	} else {
		s.logger.Info().Str("clientId", client.ID()).Msg("Client authenticated")
	}
}

// sendError sends an error response to a client
func (s *Server) sendError(client *Client, requestID string, rpcErr *RPCError) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error:   rpcErr,
	}

	if err := client.SendJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID()).
			Msg("Failed to send error response")
	}
}

// Broadcast broadcasts an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	s.broadcaster.Broadcast(event, data)
}

// RegisterMethod registers an RPC method handler
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// UnregisterMethod unregisters an RPC method handler
func (s *Server) UnregisterMethod(name string) {
	s.router.UnregisterMethod(name)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.GetConnectedClients()
}
