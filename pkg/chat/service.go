// Package chat is the request/response surface over the conversation store
// and relay. It validates required fields before delegating so callers can
// tell a bad request apart from a missing message or a store failure.
package chat

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/rs/zerolog"

	"github.com/harun/courier/pkg/conversation"
)

// SendRequest asks for a message to be persisted and relayed.
type SendRequest struct {
	Sender   string `json:"sender" validate:"notblank"`
	Receiver string `json:"receiver" validate:"notblank"`
	Content  string `json:"content" validate:"notblank"`
}

// HistoryRequest selects the conversation between two users. A positive
// Limit keeps only the most recent messages.
type HistoryRequest struct {
	UserA string `json:"userA" validate:"notblank"`
	UserB string `json:"userB" validate:"notblank"`
	Limit int    `json:"limit,omitempty" validate:"gte=0"`
}

// EditRequest replaces the content of one message.
type EditRequest struct {
	ID      string `json:"id" validate:"notblank"`
	Content string `json:"content" validate:"notblank"`
}

// DeleteRequest removes one message.
type DeleteRequest struct {
	ID string `json:"id" validate:"notblank"`
}

// Sender persists and relays a message.
type Sender interface {
	Send(ctx context.Context, sender, receiver, content string) (conversation.Message, error)
}

// Service implements send, history, edit and delete.
type Service struct {
	store    conversation.Store
	sender   Sender
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewService creates a service that sends through sender and reads and
// mutates history through store.
func NewService(store conversation.Store, sender Sender, logger zerolog.Logger) *Service {
	return &Service{
		store:    store,
		sender:   sender,
		validate: newValidator(),
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check converts the first failing field into a ValidationError.
func (s *Service) check(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		reason := "is required"
		if fe.Tag() != "notblank" {
			reason = "must satisfy " + fe.Tag()
			if fe.Param() != "" {
				reason += "=" + fe.Param()
			}
		}
		return &conversation.ValidationError{Field: fe.Field(), Reason: reason}
	}
	return &conversation.ValidationError{Field: "request", Reason: err.Error()}
}

// Send validates the request and hands it to the relay.
func (s *Service) Send(ctx context.Context, req SendRequest) (conversation.Message, error) {
	if err := s.check(req); err != nil {
		return conversation.Message{}, err
	}
	msg, err := s.sender.Send(ctx, req.Sender, req.Receiver, req.Content)
	if err != nil {
		s.logFailure("send", err)
		return conversation.Message{}, err
	}
	return msg, nil
}

// History returns the pair's messages in ascending order.
func (s *Service) History(ctx context.Context, req HistoryRequest) ([]conversation.Message, error) {
	if err := s.check(req); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListByPair(ctx, req.UserA, req.UserB, req.Limit)
	if err != nil {
		s.logFailure("history", err)
		return nil, err
	}
	return msgs, nil
}

// Edit replaces a message's content.
func (s *Service) Edit(ctx context.Context, req EditRequest) (conversation.Message, error) {
	if err := s.check(req); err != nil {
		return conversation.Message{}, err
	}
	msg, err := s.store.UpdateContent(ctx, req.ID, req.Content)
	if err != nil {
		s.logFailure("edit", err)
		return conversation.Message{}, err
	}
	return msg, nil
}

// Delete removes a message permanently.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) error {
	if err := s.check(req); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, req.ID); err != nil {
		s.logFailure("delete", err)
		return err
	}
	return nil
}

func (s *Service) logFailure(op string, err error) {
	if errors.Is(err, conversation.ErrStore) {
		s.logger.Error().Err(err).Str("op", op).Msg("Store operation failed")
		return
	}
	s.logger.Debug().Err(err).Str("op", op).Msg("Request rejected")
}
