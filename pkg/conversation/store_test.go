package conversation

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backend struct {
	name string
	open func(t *testing.T, dir string) Store
}

var backends = []backend{
	{
		name: "memory",
		open: func(t *testing.T, dir string) Store { return NewMemoryStore() },
	},
	{
		name: "sqlite",
		open: func(t *testing.T, dir string) Store {
			s, err := NewSQLiteStore(filepath.Join(dir, "messages.db"), zerolog.Nop())
			require.NoError(t, err)
			return s
		},
	},
	{
		name: "badger",
		open: func(t *testing.T, dir string) Store {
			s, err := NewBadgerStore(filepath.Join(dir, "badger"), zerolog.Nop())
			require.NoError(t, err)
			return s
		},
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, store Store)) {
	for _, b := range backends {
		b := b
		t.Run(b.name, func(t *testing.T) {
			store := b.open(t, t.TempDir())
			t.Cleanup(func() { _ = store.Close() })
			fn(t, store)
		})
	}
}

func TestStoreAppend(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		msg, err := store.Append(ctx, "alice", "bob", "hi")
		require.NoError(t, err)

		assert.NotEmpty(t, msg.ID)
		assert.Equal(t, "alice", msg.Sender)
		assert.Equal(t, "bob", msg.Receiver)
		assert.Equal(t, "hi", msg.Content)
		assert.False(t, msg.CreatedAt.IsZero())
		assert.Equal(t, msg.CreatedAt, msg.UpdatedAt)
	})
}

func TestStoreAppendValidation(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		cases := []struct {
			sender, receiver, content, field string
		}{
			{"", "bob", "hi", "sender"},
			{"alice", "", "hi", "receiver"},
			{"alice", "bob", "", "content"},
			{"alice", "bob", "   ", "content"},
		}
		for _, c := range cases {
			_, err := store.Append(ctx, c.sender, c.receiver, c.content)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, c.field, verr.Field)
		}

		history, err := store.ListByPair(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	})
}

func TestStoreIDsUnique(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		seen := make(map[string]bool)
		for i := 0; i < 50; i++ {
			msg, err := store.Append(ctx, "alice", "bob", fmt.Sprintf("m%d", i))
			require.NoError(t, err)
			assert.False(t, seen[msg.ID], "duplicate id %s", msg.ID)
			seen[msg.ID] = true
		}
	})
}

func TestStoreListByPair(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		m1, err := store.Append(ctx, "alice", "bob", "hi")
		require.NoError(t, err)
		_, err = store.Append(ctx, "alice", "carol", "elsewhere")
		require.NoError(t, err)
		m2, err := store.Append(ctx, "bob", "alice", "hey")
		require.NoError(t, err)

		t.Run("both directions ascending", func(t *testing.T) {
			history, err := store.ListByPair(ctx, "alice", "bob", 0)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, m1.ID, history[0].ID)
			assert.Equal(t, m2.ID, history[1].ID)
			assert.True(t, history[0].CreatedAt.Before(history[1].CreatedAt))
		})

		t.Run("pair symmetry", func(t *testing.T) {
			ab, err := store.ListByPair(ctx, "alice", "bob", 0)
			require.NoError(t, err)
			ba, err := store.ListByPair(ctx, "bob", "alice", 0)
			require.NoError(t, err)
			assert.Equal(t, ab, ba)
		})

		t.Run("unknown pair is empty", func(t *testing.T) {
			history, err := store.ListByPair(ctx, "dave", "erin", 0)
			require.NoError(t, err)
			assert.NotNil(t, history)
			assert.Empty(t, history)
		})

		t.Run("self conversation", func(t *testing.T) {
			self, err := store.Append(ctx, "zoe", "zoe", "note to self")
			require.NoError(t, err)
			history, err := store.ListByPair(ctx, "zoe", "zoe", 0)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, self.ID, history[0].ID)
		})
	})
}

func TestStoreListByPairLimit(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		var ids []string
		for i := 0; i < 5; i++ {
			msg, err := store.Append(ctx, "alice", "bob", fmt.Sprintf("m%d", i))
			require.NoError(t, err)
			ids = append(ids, msg.ID)
		}

		history, err := store.ListByPair(ctx, "bob", "alice", 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, ids[3], history[0].ID)
		assert.Equal(t, ids[4], history[1].ID)

		history, err = store.ListByPair(ctx, "alice", "bob", 10)
		require.NoError(t, err)
		assert.Len(t, history, 5)
	})
}

func TestStoreUpdateContent(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		orig, err := store.Append(ctx, "alice", "bob", "hi")
		require.NoError(t, err)

		updated, err := store.UpdateContent(ctx, orig.ID, "hello")
		require.NoError(t, err)
		assert.Equal(t, orig.ID, updated.ID)
		assert.Equal(t, "hello", updated.Content)
		assert.Equal(t, orig.Sender, updated.Sender)
		assert.Equal(t, orig.Receiver, updated.Receiver)
		assert.True(t, updated.CreatedAt.Equal(orig.CreatedAt))
		assert.True(t, updated.UpdatedAt.After(orig.UpdatedAt))

		history, err := store.ListByPair(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "hello", history[0].Content)

		t.Run("unknown id", func(t *testing.T) {
			_, err := store.UpdateContent(ctx, "does-not-exist", "x")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("missing fields", func(t *testing.T) {
			_, err := store.UpdateContent(ctx, "", "x")
			assert.ErrorIs(t, err, ErrValidation)
			_, err = store.UpdateContent(ctx, orig.ID, "")
			assert.ErrorIs(t, err, ErrValidation)
		})
	})
}

func TestStoreRemove(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		keep, err := store.Append(ctx, "alice", "bob", "keep")
		require.NoError(t, err)
		gone, err := store.Append(ctx, "bob", "alice", "gone")
		require.NoError(t, err)

		require.NoError(t, store.Remove(ctx, gone.ID))

		history, err := store.ListByPair(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, keep.ID, history[0].ID)

		t.Run("removed id is gone for good", func(t *testing.T) {
			assert.ErrorIs(t, store.Remove(ctx, gone.ID), ErrNotFound)
			_, err := store.UpdateContent(ctx, gone.ID, "back")
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("empty id", func(t *testing.T) {
			assert.ErrorIs(t, store.Remove(ctx, ""), ErrValidation)
		})
	})
}

func TestStoreConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, store Store) {
		const writers, perWriter = 8, 10

		var wg sync.WaitGroup
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					_, err := store.Append(ctx, "alice", "bob", fmt.Sprintf("w%d-%d", w, i))
					assert.NoError(t, err)
				}
			}(w)
		}
		wg.Wait()

		history, err := store.ListByPair(ctx, "alice", "bob", 0)
		require.NoError(t, err)
		require.Len(t, history, writers*perWriter)
		for i := 1; i < len(history); i++ {
			assert.True(t, history[i-1].CreatedAt.Before(history[i].CreatedAt))
		}
	})
}

func TestDurableStoresReopen(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends[1:] {
		b := b
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()

			store := b.open(t, dir)
			first, err := store.Append(ctx, "alice", "bob", "before restart")
			require.NoError(t, err)
			require.NoError(t, store.Close())

			store = b.open(t, dir)
			defer store.Close()

			second, err := store.Append(ctx, "bob", "alice", "after restart")
			require.NoError(t, err)
			assert.NotEqual(t, first.ID, second.ID)
			assert.True(t, second.CreatedAt.After(first.CreatedAt))

			history, err := store.ListByPair(ctx, "alice", "bob", 0)
			require.NoError(t, err)
			require.Len(t, history, 2)
			assert.Equal(t, first.ID, history[0].ID)
			assert.Equal(t, "before restart", history[0].Content)
			assert.Equal(t, second.ID, history[1].ID)
		})
	}
}

func TestInstrument(t *testing.T) {
	ctx := context.Background()

	var ops []string
	var failures int
	store := Instrument(NewMemoryStore(), func(op string, _ time.Duration, err error) {
		ops = append(ops, op)
		if err != nil {
			failures++
		}
	})

	msg, err := store.Append(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	_, err = store.ListByPair(ctx, "alice", "bob", 0)
	require.NoError(t, err)
	_, err = store.UpdateContent(ctx, msg.ID, "hello")
	require.NoError(t, err)
	require.NoError(t, store.Remove(ctx, msg.ID))
	assert.Error(t, store.Remove(ctx, msg.ID))

	assert.Equal(t, []string{"append", "list", "update", "remove", "remove"}, ops)
	assert.Equal(t, 1, failures)

	t.Run("nil observer returns store unchanged", func(t *testing.T) {
		base := NewMemoryStore()
		assert.Same(t, base, Instrument(base, nil))
	})
}
