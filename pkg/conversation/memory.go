package conversation

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps history in process memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	clock *Clock
	seq   uint64
	byID  map[string]*Message
	pairs map[string][]string // pair key -> message IDs in insertion order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		clock: NewClock(fromUnixNano(0)),
		byID:  make(map[string]*Message),
		pairs: make(map[string][]string),
	}
	return s
}

// Append stores a new message and returns it with its assigned ID and timestamps.
func (s *MemoryStore) Append(ctx context.Context, sender, receiver, content string) (Message, error) {
	if err := validateAppend(sender, receiver, content); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Next()
	s.seq++
	msg := &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		Seq:       s.seq,
	}
	key := PairKey(sender, receiver)
	s.byID[msg.ID] = msg
	s.pairs[key] = append(s.pairs[key], msg.ID)
	return *msg, nil
}

// ListByPair returns the pair's history in ascending order.
func (s *MemoryStore) ListByPair(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.pairs[PairKey(userA, userB)]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.byID[id])
	}
	return out, nil
}

// UpdateContent replaces a message's content and refreshes UpdatedAt.
func (s *MemoryStore) UpdateContent(ctx context.Context, id, newContent string) (Message, error) {
	if err := validateUpdate(id, newContent); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("update", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return Message{}, &NotFoundError{ID: id}
	}
	msg.Content = newContent
	msg.UpdatedAt = s.clock.Next()
	return *msg, nil
}

// Remove deletes a message permanently.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	if blank(id) {
		return missing("id")
	}
	if err := ctx.Err(); err != nil {
		return storeErr("remove", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.byID[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	delete(s.byID, id)

	key := PairKey(msg.Sender, msg.Receiver)
	ids := slices.DeleteFunc(s.pairs[key], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(s.pairs, key)
	} else {
		s.pairs[key] = ids
	}
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
