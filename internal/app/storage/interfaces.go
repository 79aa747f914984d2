// Package storage declares the persistence interfaces owned by the core:
// the capability grant table, lapp metadata, gossip watermarks and the
// per-lapp key-value namespaces backing the database capability.
package storage

import (
	"context"

	"github.com/lappnet/lapphost/internal/app/domain/capability"
	"github.com/lappnet/lapphost/internal/app/domain/lapp"
)

// GrantStore persists capability grants. Writes must be durable before the
// call returns so a crash between approval and persistence cannot leave an
// inconsistent state visible to a subsequent check.
type GrantStore interface {
	PutGrant(ctx context.Context, grant capability.Grant) error
	DeleteGrant(ctx context.Context, grantID string) error
	DeleteGrantsForLapp(ctx context.Context, lappID string) error
	ListGrants(ctx context.Context) ([]capability.Grant, error)
}

// LappStore persists lapp metadata and module bytes.
type LappStore interface {
	PutLapp(ctx context.Context, l lapp.Lapp) error
	GetLapp(ctx context.Context, id string) (lapp.Lapp, error)
	ListLapps(ctx context.Context) ([]lapp.Lapp, error)
	DeleteLapp(ctx context.Context, id string) error
}

// WatermarkStore persists the per-(topic, origin) gossip sequence watermark
// so deduplication survives process restart.
type WatermarkStore interface {
	Watermark(ctx context.Context, topic, origin string) (uint64, error)
	SetWatermark(ctx context.Context, topic, origin string, seq uint64) error
}

// KVStore gives each lapp a private key-value namespace, exposed to modules
// holding the database capability.
type KVStore interface {
	KVPut(ctx context.Context, lappID, key string, value []byte) error
	KVGet(ctx context.Context, lappID, key string) ([]byte, bool, error)
	KVDelete(ctx context.Context, lappID, key string) error
}
