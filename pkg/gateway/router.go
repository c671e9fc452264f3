package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

// RPCRouter handles RPC method registration and request routing
type RPCRouter struct {
	mu               sync.RWMutex
	methods          map[string]RequestHandler
	idempotencyTTL   time.Duration
	idempotencyCache map[string]cachedRPCResponse
	// noReplay lists methods whose effect is bound to the calling
	// connection; they always run.
	noReplay map[string]bool
	inFlight singleflight.Group
}

type cachedRPCResponse struct {
	response  RPCResponse
	expiresAt time.Time
}

// NewRPCRouter creates a new RPC router
func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods:          make(map[string]RequestHandler),
		idempotencyTTL:   5 * time.Minute,
		idempotencyCache: make(map[string]cachedRPCResponse),
		noReplay:         make(map[string]bool),
	}
}

// ExcludeFromReplay marks methods that must run on every call even when the
// request carries an idempotency key.
func (r *RPCRouter) ExcludeFromReplay(methods ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range methods {
		r.noReplay[m] = true
	}
}

// RegisterMethod registers an RPC method handler
func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.methods[name] = handler
	return nil
}

// UnregisterMethod removes an RPC method handler
func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.methods, name)
}

// ParseRequest parses and validates a JSON-RPC request
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{
			Code:    ParseError,
			Message: "Parse error",
			Data:    err.Error(),
		}
	}

	// Validate required fields
	if req.ID == "" {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing id field",
		}
	}

	if req.Method == "" {
		return nil, &RPCError{
			Code:    InvalidRequest,
			Message: "Invalid request: missing method field",
		}
	}

	// Set JSONRPC version if not provided
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}

	return &req, nil
}

// RouteRequest routes a request to the appropriate handler. Successful
// responses to requests carrying an idempotency key are replayed for the
// cache TTL to the same caller sending the same params.
func (r *RPCRouter) RouteRequest(ctx context.Context, req *RPCRequest) *RPCResponse {
	if req == nil {
		return &RPCResponse{
			ID:      "",
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    InvalidRequest,
				Message: "invalid request",
			},
		}
	}

	cacheKey := r.idempotencyCacheKey(ctx, req)
	if cacheKey == "" {
		return r.dispatch(ctx, req)
	}
	if cached, ok := r.getCachedResponse(cacheKey); ok {
		cached.ID = req.ID
		return &cached
	}

	// Overlapping retries share one execution.
	v, _, _ := r.inFlight.Do(cacheKey, func() (interface{}, error) {
		if cached, ok := r.getCachedResponse(cacheKey); ok {
			return cached, nil
		}
		response := r.dispatch(ctx, req)
		// Only successes are replayed so a client can retry after a failure.
		if response.Error == nil {
			r.cacheResponse(cacheKey, *response)
		}
		return cloneRPCResponse(*response), nil
	})

	response := cloneRPCResponse(v.(RPCResponse))
	response.ID = req.ID
	return &response
}

func (r *RPCRouter) dispatch(ctx context.Context, req *RPCRequest) *RPCResponse {
	r.mu.RLock()
	handler, exists := r.methods[req.Method]
	r.mu.RUnlock()

	if !exists {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error: &RPCError{
				Code:    MethodNotFound,
				Message: fmt.Sprintf("Method not found: %s", req.Method),
			},
		}
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		return &RPCResponse{
			ID:      req.ID,
			JSONRPC: "2.0",
			Error:   toRPCError(err),
		}
	}
	return &RPCResponse{
		ID:      req.ID,
		JSONRPC: "2.0",
		Result:  result,
	}
}

// HasMethod checks if a method is registered
func (r *RPCRouter) HasMethod(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.methods[name]
	return exists
}

// GetMethods returns all registered method names
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := lo.Keys(r.methods)
	slices.Sort(methods)
	return methods
}

// idempotencyCacheKey scopes a key to the method, the verified subject, the
// live connection and the exact params, so a reused key from another caller
// or with another payload never replays a foreign result.
func (r *RPCRouter) idempotencyCacheKey(ctx context.Context, req *RPCRequest) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	r.mu.RLock()
	skip := r.noReplay[req.Method]
	r.mu.RUnlock()
	if skip {
		return ""
	}

	handle := ""
	if client := clientFromContext(ctx); client != nil {
		handle = client.ID()
	}
	return fmt.Sprintf("%s:%s:%s:%s:%016x", req.Method, subjectFromContext(ctx), handle,
		req.IdempotencyKey, xxhash.Sum64(req.Params))
}

func (r *RPCRouter) getCachedResponse(key string) (RPCResponse, bool) {
	r.mu.RLock()
	entry, exists := r.idempotencyCache[key]
	r.mu.RUnlock()
	if !exists {
		return RPCResponse{}, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		r.mu.Lock()
		if current, ok := r.idempotencyCache[key]; ok && now.After(current.expiresAt) {
			delete(r.idempotencyCache, key)
		}
		r.mu.Unlock()
		return RPCResponse{}, false
	}

	return cloneRPCResponse(entry.response), true
}

func (r *RPCRouter) cacheResponse(key string, response RPCResponse) {
	now := time.Now()

	r.mu.Lock()
	r.idempotencyCache[key] = cachedRPCResponse{
		response:  cloneRPCResponse(response),
		expiresAt: now.Add(r.idempotencyTTL),
	}
	for cacheKey, entry := range r.idempotencyCache {
		if now.After(entry.expiresAt) {
			delete(r.idempotencyCache, cacheKey)
		}
	}
	r.mu.Unlock()
}

func cloneRPCResponse(src RPCResponse) RPCResponse {
	cloned := RPCResponse{
		ID:      src.ID,
		Result:  src.Result,
		JSONRPC: src.JSONRPC,
	}
	if src.Error != nil {
		errCopy := *src.Error
		cloned.Error = &errCopy
	}
	return cloned
}
