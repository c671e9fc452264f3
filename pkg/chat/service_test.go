package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/harun/courier/pkg/conversation"
	"github.com/harun/courier/pkg/registry"
	"github.com/harun/courier/pkg/relay"
)

func messageIDs(msgs []conversation.Message) []string {
	return lo.Map(msgs, func(m conversation.Message, _ int) string { return m.ID })
}

// MockSender is a mock implementation of Sender
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, sender, receiver, content string) (conversation.Message, error) {
	args := m.Called(ctx, sender, receiver, content)
	return args.Get(0).(conversation.Message), args.Error(1)
}

type liveHandle struct {
	id  string
	got []conversation.Message
}

func (h *liveHandle) ID() string { return h.id }

func (h *liveHandle) Push(ctx context.Context, msg conversation.Message) error {
	h.got = append(h.got, msg)
	return nil
}

func newTestService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	store := conversation.NewMemoryStore()
	reg := registry.New()
	r := relay.New(store, reg, relay.Config{PushTimeout: time.Second}, zerolog.Nop())
	return NewService(store, r, zerolog.Nop()), reg
}

func TestService_ConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	msg, err := svc.Send(ctx, SendRequest{Sender: "alice", Receiver: "bob", Content: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "bob", msg.Receiver)
	assert.Equal(t, "hello", msg.Content)

	history, err := svc.History(ctx, HistoryRequest{UserA: "bob", UserB: "alice"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)

	edited, err := svc.Edit(ctx, EditRequest{ID: msg.ID, Content: "hello!"})
	require.NoError(t, err)
	assert.Equal(t, "hello!", edited.Content)
	assert.Equal(t, msg.Sender, edited.Sender)
	assert.Equal(t, msg.Receiver, edited.Receiver)
	assert.True(t, msg.CreatedAt.Equal(edited.CreatedAt))

	require.NoError(t, svc.Delete(ctx, DeleteRequest{ID: msg.ID}))

	history, err = svc.History(ctx, HistoryRequest{UserA: "alice", UserB: "bob"})
	require.NoError(t, err)
	assert.Empty(t, history)

	t.Run("second delete is not found", func(t *testing.T) {
		err := svc.Delete(ctx, DeleteRequest{ID: msg.ID})
		assert.ErrorIs(t, err, conversation.ErrNotFound)
		assert.NotErrorIs(t, err, conversation.ErrValidation)
	})

	t.Run("edit after delete is not found", func(t *testing.T) {
		_, err := svc.Edit(ctx, EditRequest{ID: msg.ID, Content: "again"})
		assert.ErrorIs(t, err, conversation.ErrNotFound)
	})
}

func TestService_SendValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	_, err := svc.Send(ctx, SendRequest{Sender: "", Receiver: "bob", Content: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, conversation.ErrValidation)

	var verr *conversation.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "sender", verr.Field)

	history, err := svc.History(ctx, HistoryRequest{UserA: "alice", UserB: "bob"})
	require.NoError(t, err)
	assert.Empty(t, history)
	history, err = svc.History(ctx, HistoryRequest{UserA: "", UserB: "bob"})
	assert.ErrorIs(t, err, conversation.ErrValidation)
	assert.Nil(t, history)
}

func TestService_FieldNames(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	cases := []struct {
		name  string
		call  func() error
		field string
	}{
		{"send receiver", func() error {
			_, err := svc.Send(ctx, SendRequest{Sender: "a", Receiver: " ", Content: "x"})
			return err
		}, "receiver"},
		{"send content", func() error {
			_, err := svc.Send(ctx, SendRequest{Sender: "a", Receiver: "b", Content: "\t"})
			return err
		}, "content"},
		{"history userB", func() error {
			_, err := svc.History(ctx, HistoryRequest{UserA: "a"})
			return err
		}, "userB"},
		{"history limit", func() error {
			_, err := svc.History(ctx, HistoryRequest{UserA: "a", UserB: "b", Limit: -1})
			return err
		}, "limit"},
		{"edit id", func() error {
			_, err := svc.Edit(ctx, EditRequest{Content: "x"})
			return err
		}, "id"},
		{"edit content", func() error {
			_, err := svc.Edit(ctx, EditRequest{ID: "m1"})
			return err
		}, "content"},
		{"delete id", func() error {
			return svc.Delete(ctx, DeleteRequest{})
		}, "id"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var verr *conversation.ValidationError
			require.True(t, errors.As(c.call(), &verr))
			assert.Equal(t, c.field, verr.Field)
		})
	}
}

func TestService_ValidationHappensBeforeDelegation(t *testing.T) {
	sender := &MockSender{}
	svc := NewService(conversation.NewMemoryStore(), sender, zerolog.Nop())

	_, err := svc.Send(context.Background(), SendRequest{Receiver: "bob", Content: "hi"})
	assert.ErrorIs(t, err, conversation.ErrValidation)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestService_StoreErrorSurfaces(t *testing.T) {
	sender := &MockSender{}
	failure := &conversation.StoreError{Op: "append", Err: errors.New("unavailable")}
	sender.On("Send", mock.Anything, "alice", "bob", "hi").Return(conversation.Message{}, failure)
	svc := NewService(conversation.NewMemoryStore(), sender, zerolog.Nop())

	_, err := svc.Send(context.Background(), SendRequest{Sender: "alice", Receiver: "bob", Content: "hi"})
	assert.ErrorIs(t, err, conversation.ErrStore)
	assert.NotErrorIs(t, err, conversation.ErrValidation)
	sender.AssertExpectations(t)
}

func TestService_DeliveryRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("offline receiver still persists", func(t *testing.T) {
		svc, _ := newTestService(t)
		msg, err := svc.Send(ctx, SendRequest{Sender: "alice", Receiver: "bob", Content: "hi"})
		require.NoError(t, err)

		history, err := svc.History(ctx, HistoryRequest{UserA: "alice", UserB: "bob"})
		require.NoError(t, err)
		assert.Equal(t, []string{msg.ID}, messageIDs(history))
	})

	t.Run("every connection of the receiver gets it", func(t *testing.T) {
		svc, reg := newTestService(t)
		phone := &liveHandle{id: "phone"}
		laptop := &liveHandle{id: "laptop"}
		reg.Join("bob", phone)
		reg.Join("bob", laptop)

		msg, err := svc.Send(ctx, SendRequest{Sender: "alice", Receiver: "bob", Content: "hi"})
		require.NoError(t, err)

		for _, h := range []*liveHandle{phone, laptop} {
			require.Len(t, h.got, 1, h.id)
			assert.Equal(t, msg.ID, h.got[0].ID)
		}
	})
}

func TestService_HistoryLimit(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	var sent []string
	for _, text := range []string{"one", "two", "three"} {
		msg, err := svc.Send(ctx, SendRequest{Sender: "alice", Receiver: "bob", Content: text})
		require.NoError(t, err)
		sent = append(sent, msg.ID)
	}

	history, err := svc.History(ctx, HistoryRequest{UserA: "bob", UserB: "alice", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, sent[1:], messageIDs(history))
}
