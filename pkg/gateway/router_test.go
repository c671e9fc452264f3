package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/courier/pkg/conversation"
)

func okHandler(result interface{}) RequestHandler {
	return func(context.Context, json.RawMessage) (interface{}, error) {
		return result, nil
	}
}

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		err := router.RegisterMethod("test.method", okHandler("result"))
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should replace existing method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.replace", okHandler("result1")))
		require.NoError(t, router.RegisterMethod("test.replace", okHandler("result2")))

		resp := router.RouteRequest(context.Background(), &RPCRequest{ID: "1", Method: "test.replace"})
		assert.Equal(t, "result2", resp.Result)
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})
}

func TestRPCRouter_UnregisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should unregister method", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.method", okHandler("result")))
		assert.True(t, router.HasMethod("test.method"))

		router.UnregisterMethod("test.method")
		assert.False(t, router.HasMethod("test.method"))
	})

	t.Run("should handle unregistering non-existent method", func(t *testing.T) {
		assert.NotPanics(t, func() { router.UnregisterMethod("non.existent") })
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		data := []byte(`{"id":"1","method":"chat.send","params":{"sender":"alice"}}`)

		req, err := router.ParseRequest(data)
		require.NoError(t, err)
		assert.Equal(t, "1", req.ID)
		assert.Equal(t, "chat.send", req.Method)
		assert.JSONEq(t, `{"sender":"alice"}`, string(req.Params))
		assert.Equal(t, "2.0", req.JSONRPC)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{invalid json}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject request without id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"test.method"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing id")
	})

	t.Run("should reject request without method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		require.Error(t, err)

		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
		assert.Contains(t, rpcErr.Message, "missing method")
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()
	ctx := context.Background()

	t.Run("should route to registered handler", func(t *testing.T) {
		handler := func(_ context.Context, params json.RawMessage) (interface{}, error) {
			var in struct {
				Input string `json:"input"`
			}
			if err := decodeParams(params, &in); err != nil {
				return nil, err
			}
			return map[string]interface{}{"echo": in.Input}, nil
		}
		require.NoError(t, router.RegisterMethod("test.echo", handler))

		resp := router.RouteRequest(ctx, &RPCRequest{
			ID:     "1",
			Method: "test.echo",
			Params: json.RawMessage(`{"input":"hello"}`),
		})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Error)

		result := resp.Result.(map[string]interface{})
		assert.Equal(t, "hello", result["echo"])
	})

	t.Run("should return error for unknown method", func(t *testing.T) {
		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "unknown.method"})
		assert.Equal(t, "1", resp.ID)
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should return error when handler fails", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.error", func(context.Context, json.RawMessage) (interface{}, error) {
			return nil, fmt.Errorf("handler error")
		}))

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.error"})
		assert.Nil(t, resp.Result)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "handler error")
	})

	t.Run("should map domain errors to codes", func(t *testing.T) {
		cases := []struct {
			name string
			err  error
			code int
		}{
			{"validation", &conversation.ValidationError{Field: "sender", Reason: "is required"}, InvalidParams},
			{"not found", &conversation.NotFoundError{ID: "m1"}, NotFound},
			{"forbidden", ErrForbidden, Forbidden},
			{"live only", ErrLiveOnly, InvalidRequest},
			{"store", fmt.Errorf("%w: disk gone", conversation.ErrStore), InternalError},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				err := tc.err
				require.NoError(t, router.RegisterMethod("test.domain", func(context.Context, json.RawMessage) (interface{}, error) {
					return nil, err
				}))
				resp := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.domain"})
				require.NotNil(t, resp.Error)
				assert.Equal(t, tc.code, resp.Error.Code)
			})
		}
	})

	t.Run("should preserve request ID in response", func(t *testing.T) {
		require.NoError(t, router.RegisterMethod("test.id", okHandler("ok")))

		resp := router.RouteRequest(ctx, &RPCRequest{ID: "unique-id-123", Method: "test.id"})
		assert.Equal(t, "unique-id-123", resp.ID)
	})

	t.Run("should reject nil request", func(t *testing.T) {
		resp := router.RouteRequest(ctx, nil)
		require.NotNil(t, resp.Error)
		assert.Equal(t, InvalidRequest, resp.Error.Code)
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()
	calls := 0
	require.NoError(t, router.RegisterMethod("test.count", func(context.Context, json.RawMessage) (interface{}, error) {
		calls++
		return calls, nil
	}))

	ctx := withSubject(context.Background(), "alice")

	t.Run("should replay cached success with new request ID", func(t *testing.T) {
		first := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.count", IdempotencyKey: "k"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "test.count", IdempotencyKey: "k"})

		assert.Equal(t, 1, first.Result)
		assert.Equal(t, 1, second.Result)
		assert.Equal(t, "2", second.ID)
		assert.Equal(t, 1, calls)
	})

	t.Run("should scope cache by subject", func(t *testing.T) {
		other := withSubject(context.Background(), "bob")
		resp := router.RouteRequest(other, &RPCRequest{ID: "3", Method: "test.count", IdempotencyKey: "k"})
		assert.Equal(t, 2, resp.Result)
	})

	t.Run("should not cache failures", func(t *testing.T) {
		failures := 0
		require.NoError(t, router.RegisterMethod("test.flaky", func(context.Context, json.RawMessage) (interface{}, error) {
			failures++
			if failures == 1 {
				return nil, fmt.Errorf("%w: busy", conversation.ErrStore)
			}
			return "ok", nil
		}))

		first := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.flaky", IdempotencyKey: "retry"})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "test.flaky", IdempotencyKey: "retry"})

		require.NotNil(t, first.Error)
		assert.Nil(t, second.Error)
		assert.Equal(t, "ok", second.Result)
	})
}

func TestRPCRouter_IdempotencyScope(t *testing.T) {
	router := NewRPCRouter()
	var calls atomic.Int64
	echo := func(_ context.Context, params json.RawMessage) (interface{}, error) {
		calls.Add(1)
		return string(params), nil
	}
	require.NoError(t, router.RegisterMethod("test.echo", echo))
	require.NoError(t, router.RegisterMethod("test.bind", echo))
	router.ExcludeFromReplay("test.bind")

	ctx := context.Background()

	t.Run("same key with other params runs again", func(t *testing.T) {
		first := router.RouteRequest(ctx, &RPCRequest{ID: "1", Method: "test.echo", IdempotencyKey: "k1",
			Params: json.RawMessage(`{"sender":"alice","receiver":"bob"}`)})
		second := router.RouteRequest(ctx, &RPCRequest{ID: "2", Method: "test.echo", IdempotencyKey: "k1",
			Params: json.RawMessage(`{"sender":"carol","receiver":"dave"}`)})

		assert.Equal(t, `{"sender":"alice","receiver":"bob"}`, first.Result)
		assert.Equal(t, `{"sender":"carol","receiver":"dave"}`, second.Result)
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("same key on another connection runs again", func(t *testing.T) {
		calls.Store(0)
		params := json.RawMessage(`{"userId":"bob"}`)
		a := withClient(ctx, &Client{id: "conn-a"})
		b := withClient(ctx, &Client{id: "conn-b"})

		router.RouteRequest(a, &RPCRequest{ID: "1", Method: "test.echo", IdempotencyKey: "j", Params: params})
		router.RouteRequest(b, &RPCRequest{ID: "2", Method: "test.echo", IdempotencyKey: "j", Params: params})
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("excluded methods always run", func(t *testing.T) {
		calls.Store(0)
		params := json.RawMessage(`{"userId":"alice"}`)
		for i := 0; i < 3; i++ {
			resp := router.RouteRequest(ctx, &RPCRequest{ID: fmt.Sprint(i), Method: "test.bind", IdempotencyKey: "j", Params: params})
			assert.Nil(t, resp.Error)
		}
		assert.Equal(t, int64(3), calls.Load())
	})
}

func TestRPCRouter_IdempotencyOverlappingRetries(t *testing.T) {
	router := NewRPCRouter()
	var calls atomic.Int64
	release := make(chan struct{})
	require.NoError(t, router.RegisterMethod("test.slow", func(context.Context, json.RawMessage) (interface{}, error) {
		calls.Add(1)
		<-release
		return "stored", nil
	}))

	ctx := withSubject(context.Background(), "alice")
	params := json.RawMessage(`{"content":"hi"}`)

	var wg sync.WaitGroup
	responses := make([]*RPCResponse, 4)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = router.RouteRequest(ctx, &RPCRequest{ID: fmt.Sprint(i), Method: "test.slow", IdempotencyKey: "retry", Params: params})
		}(i)
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load())
	for i, resp := range responses {
		require.NotNil(t, resp)
		assert.Equal(t, fmt.Sprint(i), resp.ID)
		assert.Equal(t, "stored", resp.Result)
	}
}

func TestRPCRouter_GetMethods(t *testing.T) {
	t.Run("should return registered methods sorted", func(t *testing.T) {
		router := NewRPCRouter()
		require.NoError(t, router.RegisterMethod("method2", okHandler(nil)))
		require.NoError(t, router.RegisterMethod("method3", okHandler(nil)))
		require.NoError(t, router.RegisterMethod("method1", okHandler(nil)))

		assert.Equal(t, []string{"method1", "method2", "method3"}, router.GetMethods())
	})

	t.Run("should return empty list when no methods registered", func(t *testing.T) {
		router := NewRPCRouter()
		assert.Empty(t, router.GetMethods())
	})
}

func TestDecodeParams(t *testing.T) {
	t.Run("absent params decode as empty object", func(t *testing.T) {
		var dst struct {
			Sender string `json:"sender"`
		}
		require.NoError(t, decodeParams(nil, &dst))
		require.NoError(t, decodeParams(json.RawMessage("null"), &dst))
		assert.Empty(t, dst.Sender)
	})

	t.Run("wrong shape is invalid params", func(t *testing.T) {
		var dst struct {
			Sender string `json:"sender"`
		}
		err := decodeParams(json.RawMessage(`[1,2]`), &dst)
		require.Error(t, err)
		rpcErr, ok := err.(*RPCError)
		require.True(t, ok)
		assert.Equal(t, InvalidParams, rpcErr.Code)
	})
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, httpStatus(&conversation.ValidationError{Field: "id", Reason: "is required"}))
	assert.Equal(t, 404, httpStatus(&conversation.NotFoundError{ID: "x"}))
	assert.Equal(t, 403, httpStatus(ErrForbidden))
	assert.Equal(t, 500, httpStatus(fmt.Errorf("%w: closed", conversation.ErrStore)))
}
