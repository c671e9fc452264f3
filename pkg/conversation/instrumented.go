package conversation

import (
	"context"
	"time"
)

// OpObserver receives the outcome of every store operation.
type OpObserver func(op string, duration time.Duration, err error)

type instrumentedStore struct {
	next    Store
	observe OpObserver
}

// Instrument wraps store so each operation is reported to observe.
func Instrument(store Store, observe OpObserver) Store {
	if observe == nil {
		return store
	}
	return &instrumentedStore{next: store, observe: observe}
}

func (s *instrumentedStore) Append(ctx context.Context, sender, receiver, content string) (Message, error) {
	start := time.Now()
	msg, err := s.next.Append(ctx, sender, receiver, content)
	s.observe("append", time.Since(start), err)
	return msg, err
}

func (s *instrumentedStore) ListByPair(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	start := time.Now()
	msgs, err := s.next.ListByPair(ctx, userA, userB, limit)
	s.observe("list", time.Since(start), err)
	return msgs, err
}

func (s *instrumentedStore) UpdateContent(ctx context.Context, id, newContent string) (Message, error) {
	start := time.Now()
	msg, err := s.next.UpdateContent(ctx, id, newContent)
	s.observe("update", time.Since(start), err)
	return msg, err
}

func (s *instrumentedStore) Remove(ctx context.Context, id string) error {
	start := time.Now()
	err := s.next.Remove(ctx, id)
	s.observe("remove", time.Since(start), err)
	return err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}
