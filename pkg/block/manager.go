package block

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/objstore"
)

// ErrNotFound indicates the requested block id does not exist in the cache
// or the backing object store.
var ErrNotFound = errors.New("block: not found")

// Manager creates, forks, caches, and persists Blocks. It is the
// BlockManager of §4.A.
type Manager struct {
	store          objstore.Store
	prefixPath     string
	maxBlockBytes  int
	cache          Cache
	defaultKeyKind key.Kind
}

// NewManager constructs a Manager. prefixPath is the object-store key
// prefix blocks are written under ("{prefix}/{block_id}" per §6).
func NewManager(store objstore.Store, prefixPath string, maxBlockBytes int, cache Cache, keyKind key.Kind) *Manager {
	if cache == nil {
		cache = NewUnboundedCache()
	}
	return &Manager{
		store:          store,
		prefixPath:     prefixPath,
		maxBlockBytes:  maxBlockBytes,
		cache:          cache,
		defaultKeyKind: keyKind,
	}
}

// MaxBlockSizeBytes returns the configured size bound deltas are split
// against.
func (m *Manager) MaxBlockSizeBytes() int { return m.maxBlockBytes }

// PrefixPath returns the object-store key prefix blocks are written under.
func (m *Manager) PrefixPath() string { return m.prefixPath }

// Create returns a fresh Unordered delta for a brand-new block.
func (m *Manager) Create() *Delta {
	return NewUnordered(m.defaultKeyKind)
}

// CreateOrdered returns a fresh Ordered delta with no base block, used when
// an ordered writer starts past the end of the last remaining block.
func (m *Manager) CreateOrdered() *Delta {
	return NewOrdered(m.defaultKeyKind)
}

// Fork loads block id (read-through cache) and returns an Unordered delta
// seeded with its full contents and a freshly allocated ID.
func (m *Manager) Fork(ctx context.Context, id uuid.UUID) (*Delta, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ForkUnordered(b), nil
}

// ForkOrdered loads block id and returns an Ordered delta that defers
// copying its tail until Delta.CopyTail is called.
func (m *Manager) ForkOrdered(ctx context.Context, id uuid.UUID) (*Delta, error) {
	b, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ForkOrdered(b), nil
}

// Get fetches a block by id, consulting the cache before the object store.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Block, error) {
	if b, ok := m.cache.Get(id); ok {
		return b, nil
	}

	obj, err := m.store.Get(ctx, m.blockKey(id))
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: block %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("block: fetch %s: %w", id, err)
	}

	b, err := Decode(obj.Data)
	if err != nil {
		return nil, fmt.Errorf("block: decode %s: %w", id, err)
	}

	m.cache.Put(id, b)
	return b, nil
}

// Commit finalizes delta into an immutable Block and populates the cache,
// but does not persist it — callers must call Flush to make it durable.
// This mirrors the spec's split between an in-memory commit step and an
// explicit flush to object storage.
func (m *Manager) Commit(delta *Delta) *Block {
	b := delta.Commit()
	m.cache.Put(b.ID, b)
	return b
}

// Flush persists b to the object store at "{prefix}/{id}".
func (m *Manager) Flush(ctx context.Context, b *Block) error {
	_, err := m.store.Put(ctx, m.blockKey(b.ID), b.Bytes())
	if err != nil {
		return fmt.Errorf("block: flush %s: %w", b.ID, err)
	}
	return nil
}

func (m *Manager) blockKey(id uuid.UUID) string {
	return m.prefixPath + "/" + id.String()
}
