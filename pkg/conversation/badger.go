package conversation

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	badgerConflictRetries = 3
	sequenceBandwidth     = 128
)

var (
	lastCreatedKey = []byte("meta:last_created")
	sequenceKey    = []byte("meta:seq")
)

// BadgerStore persists history in BadgerDB.
//
// Layout:
//
//	msg:{id}                              -> JSON record
//	pair:{pairKey}:{created_ns}:{seq}     -> id
//
// Created time and sequence are zero padded to 20 digits so lexicographic key
// order equals history order within a pair prefix.
type BadgerStore struct {
	db      *badger.DB
	seq     *badger.Sequence
	clock   *Clock
	logger  zerolog.Logger
	writeMu sync.Mutex
}

type badgerRecord struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Seq       uint64 `json:"seq"`
}

// NewBadgerStore opens (or creates) a Badger database in dir.
func NewBadgerStore(dir string, logger zerolog.Logger) (*BadgerStore, error) {
	if dir == "" {
		return nil, errors.New("badger directory is required")
	}
	logger = logger.With().Str("component", "badger_store").Logger()

	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger: logger}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to lease sequence: %w", err)
	}

	var last int64
	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastCreatedKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				last = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
	if err != nil {
		_ = seq.Release()
		db.Close()
		return nil, fmt.Errorf("failed to read last timestamp: %w", err)
	}

	logger.Info().Str("dir", dir).Msg("Badger store initialized")
	return &BadgerStore{
		db:     db,
		seq:    seq,
		clock:  NewClock(fromUnixNano(last)),
		logger: logger,
	}, nil
}

func messageKey(id string) []byte {
	return []byte("msg:" + id)
}

func pairPrefix(a, b string) []byte {
	return []byte("pair:" + PairKey(a, b) + ":")
}

func pairIndexKey(r badgerRecord) []byte {
	return append(pairPrefix(r.Sender, r.Receiver), fmt.Sprintf("%020d:%020d", r.CreatedAt, r.Seq)...)
}

func (r badgerRecord) message() Message {
	return Message{
		ID:        r.ID,
		Sender:    r.Sender,
		Receiver:  r.Receiver,
		Content:   r.Content,
		CreatedAt: fromUnixNano(r.CreatedAt),
		UpdatedAt: fromUnixNano(r.UpdatedAt),
		Seq:       r.Seq,
	}
}

func getRecord(txn *badger.Txn, id string) (badgerRecord, error) {
	var rec badgerRecord
	item, err := txn.Get(messageKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, &NotFoundError{ID: id}
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	return rec, err
}

// update runs fn in a read-write transaction, retrying on write conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < badgerConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		s.logger.Debug().Int("attempt", attempt+1).Msg("Transaction conflict, retrying")
	}
	return err
}

// Append stores a new message.
func (s *BadgerStore) Append(ctx context.Context, sender, receiver, content string) (Message, error) {
	if err := validateAppend(sender, receiver, content); err != nil {
		return Message{}, err
	}
	if err := ctx.Err(); err != nil {
		return Message{}, storeErr("append", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next, err := s.seq.Next()
	if err != nil {
		return Message{}, storeErr("append", err)
	}
	now := s.clock.Next()
	rec := badgerRecord{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		CreatedAt: now.UnixNano(),
		UpdatedAt: now.UnixNano(),
		Seq:       next + 1,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return Message{}, storeErr("append", err)
	}
	lastCreated := make([]byte, 8)
	binary.BigEndian.PutUint64(lastCreated, uint64(rec.CreatedAt))

	err = s.update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(rec.ID), value); err != nil {
			return err
		}
		if err := txn.Set(pairIndexKey(rec), []byte(rec.ID)); err != nil {
			return err
		}
		return txn.Set(lastCreatedKey, lastCreated)
	})
	if err != nil {
		return Message{}, storeErr("append", err)
	}
	return rec.message(), nil
}

// ListByPair scans the pair index in key order. With a limit it walks the
// index backwards from the newest entry, then restores ascending order.
func (s *BadgerStore) ListByPair(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeErr("list", err)
	}

	out := make([]Message, 0)
	prefix := pairPrefix(userA, userB)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.Reverse = limit > 0
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if opts.Reverse {
			seek = append(slices.Clone(prefix), 0xff)
		}
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			rec, err := getRecord(txn, string(id))
			if err != nil {
				return err
			}
			out = append(out, rec.message())
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("list", err)
	}
	if limit > 0 {
		slices.Reverse(out)
	}
	return out, nil
}

// UpdateContent replaces the content of an existing message.
func (s *BadgerStore) UpdateContent(ctx context.Context, id, newContent string) (Message, error) {
	if err := validateUpdate(id, newContent); err != nil {
		return Message{}, err
	}

	var updated badgerRecord
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		rec.Content = newContent
		rec.UpdatedAt = s.clock.Next().UnixNano()
		value, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := txn.Set(messageKey(id), value); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return Message{}, storeErr("update", err)
	}
	return updated.message(), nil
}

// Remove deletes the message record and its pair index entry.
func (s *BadgerStore) Remove(ctx context.Context, id string) error {
	if blank(id) {
		return missing("id")
	}
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(messageKey(id)); err != nil {
			return err
		}
		return txn.Delete(pairIndexKey(rec))
	})
	return storeErr("remove", err)
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to release sequence")
	}
	return s.db.Close()
}

// badgerLogger routes Badger's internal logging into zerolog.
type badgerLogger struct {
	logger zerolog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msgf(format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Msgf(format, args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}
