// Package registry tracks which live connections belong to which user.
//
// A user may hold several connections at once; a connection belongs to at most
// one user. The registry holds non-owning references: Leave forgets a handle
// but never closes the transport behind it.
//
// State is split across hash shards keyed with xxhash so unrelated users do
// not contend on one lock. Every mutation of a user's handle set happens under
// that user's shard lock, so readers see either the set before or after a
// Join or Leave, never a partial update.
package registry
