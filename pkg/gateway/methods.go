package gateway

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/harun/courier/internal/observability"
	"github.com/harun/courier/internal/tracing"
	"github.com/harun/courier/pkg/chat"
	"github.com/harun/courier/pkg/conversation"
)

// Methods that mutate per-connection state or whose order matters to the
// receiver run inline on the connection's read loop. Everything else runs
// concurrently.
var orderedMethods = map[string]bool{
	"join":      true,
	"leave":     true,
	"message":   true,
	"chat.send": true,
}

// JoinParams announces the identity of a live connection.
type JoinParams struct {
	UserID string `json:"userId"`
}

// LiveMessageParams is a message sent over the live channel. Sender may be
// omitted and defaults to the joined identity.
type LiveMessageParams struct {
	Sender   string `json:"sender,omitempty"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
}

// JoinResult acknowledges a join.
type JoinResult struct {
	UserID string `json:"userId"`
	Handle string `json:"handle"`
}

func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("chat.send", s.handleChatSend)
	_ = s.RegisterMethod("chat.history", s.handleChatHistory)
	_ = s.RegisterMethod("chat.edit", s.handleChatEdit)
	_ = s.RegisterMethod("chat.delete", s.handleChatDelete)

	_ = s.RegisterMethod("join", s.handleJoin)
	_ = s.RegisterMethod("leave", s.handleLeave)
	_ = s.RegisterMethod("message", s.handleLiveMessage)

	_ = s.RegisterMethod("clients.list", s.handleClientsList)
	_ = s.RegisterMethod("system.methods", s.handleSystemMethods)

	s.router.ExcludeFromReplay("join", "leave", "message")
}

func (s *Server) handleChatSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req chat.SendRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := authorizeAs(subjectFromContext(ctx), req.Sender); err != nil {
		return nil, err
	}
	return s.chat.Send(ctx, req)
}

func (s *Server) handleChatHistory(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req chat.HistoryRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if sub := subjectFromContext(ctx); sub != "" && sub != req.UserA && sub != req.UserB {
		return nil, authorizeAs(sub, req.UserA)
	}
	msgs, err := s.chat.History(ctx, req)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"messages": msgs}, nil
}

func (s *Server) handleChatEdit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req chat.EditRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	return s.chat.Edit(ctx, req)
}

func (s *Server) handleChatDelete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req chat.DeleteRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := s.chat.Delete(ctx, req); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": req.ID, "deleted": true}, nil
}

// handleJoin binds the calling connection to a user identity.
func (s *Server) handleJoin(ctx context.Context, params json.RawMessage) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, ErrLiveOnly
	}
	var req JoinParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, &conversation.ValidationError{Field: "userId", Reason: "is required"}
	}
	if err := authorizeAs(client.Subject(), req.UserID); err != nil {
		return nil, err
	}

	s.presence.Join(req.UserID, client)
	client.setUserID(req.UserID)
	s.updatePresenceGauges()

	log := tracing.LoggerFromContext(ctx, s.logger)
	log.Info().
		Str("clientId", client.ID()).
		Str("userId", req.UserID).
		Msg("Client joined")

	return JoinResult{UserID: req.UserID, Handle: client.ID()}, nil
}

// handleLeave detaches the calling connection without closing it.
func (s *Server) handleLeave(ctx context.Context, _ json.RawMessage) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, ErrLiveOnly
	}
	s.presence.Leave(client)
	client.setUserID("")
	s.updatePresenceGauges()
	return map[string]interface{}{"left": true}, nil
}

// handleLiveMessage relays a message on behalf of the joined identity. The
// RPC response is the sender's acknowledgement and carries the persisted
// message.
func (s *Server) handleLiveMessage(ctx context.Context, params json.RawMessage) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, ErrLiveOnly
	}
	var req LiveMessageParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}

	joined := client.UserID()
	if joined == "" {
		return nil, &conversation.ValidationError{Field: "sender", Reason: "join before sending"}
	}
	if strings.TrimSpace(req.Sender) == "" {
		req.Sender = joined
	}
	if req.Sender != joined {
		return nil, &conversation.ValidationError{Field: "sender", Reason: "does not match joined identity"}
	}

	return s.chat.Send(ctx, chat.SendRequest{
		Sender:   req.Sender,
		Receiver: req.Receiver,
		Content:  req.Content,
	})
}

func (s *Server) handleClientsList(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"clients": s.GetConnectedClients()}, nil
}

func (s *Server) handleSystemMethods(_ context.Context, _ json.RawMessage) (interface{}, error) {
	return map[string]interface{}{"methods": s.router.GetMethods()}, nil
}

func (s *Server) updatePresenceGauges() {
	users, handles := s.presence.Stats()
	observability.SetOnlineUsers(users)
	observability.SetJoinedHandles(handles)
}
