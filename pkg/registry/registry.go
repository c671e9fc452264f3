package registry

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"

	"github.com/harun/courier/pkg/conversation"
)

const defaultShards = 32

// Handle is an opaque reference to one live connection.
type Handle interface {
	ID() string
	Push(ctx context.Context, msg conversation.Message) error
}

type userShard struct {
	mu    sync.RWMutex
	users map[string]map[string]Handle // user ID -> handle ID -> handle
}

type handleShard struct {
	mu     sync.Mutex
	owners map[string]string // handle ID -> user ID
}

// Registry maps user identities to their active handles.
// Lock order is always handle shard before user shard.
type Registry struct {
	userShards   []*userShard
	handleShards []*handleShard
}

// New creates a registry with the default shard count.
func New() *Registry {
	return NewWithShards(defaultShards)
}

// NewWithShards creates a registry with n shards per index.
func NewWithShards(n int) *Registry {
	if n <= 0 {
		n = defaultShards
	}
	r := &Registry{
		userShards:   make([]*userShard, n),
		handleShards: make([]*handleShard, n),
	}
	for i := 0; i < n; i++ {
		r.userShards[i] = &userShard{users: make(map[string]map[string]Handle)}
		r.handleShards[i] = &handleShard{owners: make(map[string]string)}
	}
	return r
}

func (r *Registry) userShardFor(userID string) *userShard {
	return r.userShards[xxhash.Sum64String(userID)%uint64(len(r.userShards))]
}

func (r *Registry) handleShardFor(handleID string) *handleShard {
	return r.handleShards[xxhash.Sum64String(handleID)%uint64(len(r.handleShards))]
}

// Join associates handle with userID. Joining again under the same user is a
// no-op; joining under a different user moves the handle.
func (r *Registry) Join(userID string, handle Handle) {
	if handle == nil {
		return
	}
	hid := handle.ID()
	hs := r.handleShardFor(hid)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if prev, ok := hs.owners[hid]; ok {
		if prev == userID {
			r.addToUser(userID, handle)
			return
		}
		r.removeFromUser(prev, hid)
	}
	hs.owners[hid] = userID
	r.addToUser(userID, handle)
}

// Leave removes handle from whichever user it belongs to. Unknown handles are
// ignored.
func (r *Registry) Leave(handle Handle) {
	if handle == nil {
		return
	}
	hid := handle.ID()
	hs := r.handleShardFor(hid)
	hs.mu.Lock()
	defer hs.mu.Unlock()

	owner, ok := hs.owners[hid]
	if !ok {
		return
	}
	delete(hs.owners, hid)
	r.removeFromUser(owner, hid)
}

// ActiveHandlesFor returns a snapshot of userID's handles ordered by handle
// ID. An offline user yields an empty slice.
func (r *Registry) ActiveHandlesFor(userID string) []Handle {
	us := r.userShardFor(userID)
	us.mu.RLock()
	handles := lo.Values(us.users[userID])
	us.mu.RUnlock()

	slices.SortFunc(handles, func(a, b Handle) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return handles
}

// IsOnline reports whether userID has at least one active handle.
func (r *Registry) IsOnline(userID string) bool {
	us := r.userShardFor(userID)
	us.mu.RLock()
	defer us.mu.RUnlock()

	return len(us.users[userID]) > 0
}

// Stats returns the number of online users and joined handles.
func (r *Registry) Stats() (users, handles int) {
	for _, us := range r.userShards {
		us.mu.RLock()
		users += len(us.users)
		for _, set := range us.users {
			handles += len(set)
		}
		us.mu.RUnlock()
	}
	return users, handles
}

func (r *Registry) addToUser(userID string, handle Handle) {
	us := r.userShardFor(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set, ok := us.users[userID]
	if !ok {
		set = make(map[string]Handle)
		us.users[userID] = set
	}
	set[handle.ID()] = handle
}

func (r *Registry) removeFromUser(userID, handleID string) {
	us := r.userShardFor(userID)
	us.mu.Lock()
	defer us.mu.Unlock()

	set, ok := us.users[userID]
	if !ok {
		return
	}
	delete(set, handleID)
	if len(set) == 0 {
		delete(us.users, userID)
	}
}

// ErrHandleClosed is returned by a Handle whose transport is already gone.
var ErrHandleClosed = errors.New("handle closed")
