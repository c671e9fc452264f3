package conversation

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Message is one directed text message between two users.
type Message struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	// Seq is the store insertion sequence, used to break CreatedAt ties.
	Seq uint64 `json:"seq"`
}

// Store persists and orders messages.
//
// ListByPair returns every message exchanged between userA and userB in
// either direction, ordered ascending by (CreatedAt, Seq). A positive limit
// keeps only the most recent limit messages, still in ascending order.
type Store interface {
	Append(ctx context.Context, sender, receiver, content string) (Message, error)
	ListByPair(ctx context.Context, userA, userB string, limit int) ([]Message, error)
	UpdateContent(ctx context.Context, id, newContent string) (Message, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// blank reports whether a required field carries no usable value.
func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func validateAppend(sender, receiver, content string) error {
	switch {
	case blank(sender):
		return missing("sender")
	case blank(receiver):
		return missing("receiver")
	case blank(content):
		return missing("content")
	}
	return nil
}

func validateUpdate(id, newContent string) error {
	if blank(id) {
		return missing("id")
	}
	if blank(newContent) {
		return missing("content")
	}
	return nil
}

// PairKey returns the canonical key of the unordered pair {a, b}. Both
// identifiers are hex encoded so the key is safe in SQL and Badger keys
// regardless of what characters user identifiers carry.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return hex.EncodeToString([]byte(a)) + ":" + hex.EncodeToString([]byte(b))
}

// Clock hands out strictly increasing UTC timestamps, even when the wall
// clock stalls or steps backwards.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a clock seeded with the last timestamp already issued.
func NewClock(last time.Time) *Clock {
	return &Clock{last: last, now: time.Now}
}

// Next returns a timestamp strictly after every previous one.
func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Round(0)
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
