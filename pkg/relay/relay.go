// Package relay persists outgoing messages and pushes them to the
// recipient's live connections.
//
// A message is sent once the store accepts it. Live delivery happens after
// and never changes the outcome of Send: every handle that cannot be reached
// is reported as a DeliveryMiss.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/harun/courier/pkg/conversation"
	"github.com/harun/courier/pkg/registry"
)

const (
	DefaultPushTimeout   = 5 * time.Second
	DefaultMaxConcurrent = 16
)

// MissReason classifies why a delivery did not happen.
type MissReason string

const (
	MissOffline      MissReason = "offline"
	MissDisconnected MissReason = "disconnected"
	MissPushFailed   MissReason = "push_failed"
	MissTimeout      MissReason = "timeout"
)

// DeliveryMiss describes one best-effort delivery that did not reach a
// connection. HandleID is empty when the receiver had no connection at all.
type DeliveryMiss struct {
	MessageID string
	Receiver  string
	HandleID  string
	Reason    MissReason
	Err       error
}

// Report summarises the live delivery of one persisted message.
type Report struct {
	Delivered []string
	Misses    []DeliveryMiss
}

// HandleSource resolves a user's active connections.
type HandleSource interface {
	ActiveHandlesFor(userID string) []registry.Handle
}

// Hooks are optional callbacks invoked as messages move through the relay.
type Hooks struct {
	OnPersisted func(msg conversation.Message)
	OnDelivered func(msg conversation.Message, handleID string)
	OnMiss      func(miss DeliveryMiss)
}

// Config controls delivery behaviour.
type Config struct {
	PushTimeout   time.Duration
	MaxConcurrent int
}

// Relay writes messages to the store and fans them out to live handles.
type Relay struct {
	store    conversation.Store
	handles  HandleSource
	logger   zerolog.Logger
	hooksMu  sync.RWMutex
	hooks    Hooks
	timeout  time.Duration
	parallel int
}

// New creates a relay.
func New(store conversation.Store, handles HandleSource, cfg Config, logger zerolog.Logger) *Relay {
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = DefaultPushTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	return &Relay{
		store:    store,
		handles:  handles,
		logger:   logger.With().Str("component", "relay").Logger(),
		timeout:  cfg.PushTimeout,
		parallel: cfg.MaxConcurrent,
	}
}

// SetHooks replaces the relay callbacks.
func (r *Relay) SetHooks(h Hooks) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = h
}

func (r *Relay) currentHooks() Hooks {
	r.hooksMu.RLock()
	defer r.hooksMu.RUnlock()
	return r.hooks
}

// Send persists the message and then delivers it to every active handle of
// receiver. A store failure is returned unchanged and nothing is delivered.
func (r *Relay) Send(ctx context.Context, sender, receiver, content string) (conversation.Message, error) {
	msg, err := r.store.Append(ctx, sender, receiver, content)
	if err != nil {
		return conversation.Message{}, err
	}
	if h := r.currentHooks().OnPersisted; h != nil {
		h(msg)
	}
	r.Deliver(ctx, msg)
	return msg, nil
}

// Deliver pushes a persisted message to the receiver's current handles. It
// is detached from ctx cancellation; each push is bounded by the configured
// push timeout instead.
func (r *Relay) Deliver(ctx context.Context, msg conversation.Message) Report {
	hooks := r.currentHooks()
	handles := r.handles.ActiveHandlesFor(msg.Receiver)
	if len(handles) == 0 {
		miss := DeliveryMiss{MessageID: msg.ID, Receiver: msg.Receiver, Reason: MissOffline}
		r.logMiss(miss)
		if hooks.OnMiss != nil {
			hooks.OnMiss(miss)
		}
		return Report{Misses: []DeliveryMiss{miss}}
	}

	base := context.WithoutCancel(ctx)
	var (
		mu     sync.Mutex
		report Report
	)
	p := pool.New().WithMaxGoroutines(r.parallel)
	for _, h := range handles {
		h := h
		p.Go(func() {
			err := r.push(base, h, msg)

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				report.Delivered = append(report.Delivered, h.ID())
				if hooks.OnDelivered != nil {
					hooks.OnDelivered(msg, h.ID())
				}
				return
			}
			miss := DeliveryMiss{
				MessageID: msg.ID,
				Receiver:  msg.Receiver,
				HandleID:  h.ID(),
				Reason:    classify(err),
				Err:       err,
			}
			report.Misses = append(report.Misses, miss)
			r.logMiss(miss)
			if hooks.OnMiss != nil {
				hooks.OnMiss(miss)
			}
		})
	}
	p.Wait()
	return report
}

func (r *Relay) push(base context.Context, h registry.Handle, msg conversation.Message) (err error) {
	ctx, cancel := context.WithTimeout(base, r.timeout)
	defer cancel()

	if rec := panics.Try(func() { err = h.Push(ctx, msg) }); rec != nil {
		return fmt.Errorf("push panicked: %w", rec.AsError())
	}
	return err
}

func classify(err error) MissReason {
	switch {
	case errors.Is(err, registry.ErrHandleClosed):
		return MissDisconnected
	case errors.Is(err, context.DeadlineExceeded):
		return MissTimeout
	default:
		return MissPushFailed
	}
}

func (r *Relay) logMiss(miss DeliveryMiss) {
	var evt *zerolog.Event
	switch miss.Reason {
	case MissOffline, MissDisconnected:
		evt = r.logger.Debug()
	default:
		evt = r.logger.Warn().Err(miss.Err)
	}
	evt.Str("message_id", miss.MessageID).
		Str("receiver", miss.Receiver).
		Str("handle", miss.HandleID).
		Str("reason", string(miss.Reason)).
		Msg("Live delivery missed")
}
