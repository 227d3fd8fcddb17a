package s3heap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/chronicledb/corestore/internal/backoff"
	"github.com/chronicledb/corestore/pkg/objstore"
)

// Push groups schedules by target minute and merges each group into its
// bucket via an ETag-guarded read-modify-write, retried with exponential
// backoff on conflict (§4.G). Buckets are processed with bounded
// concurrency; a failure in any one bucket does not cancel the others, but
// the first error encountered is returned once all buckets finish.
func (h *Heap) Push(ctx context.Context, schedules []Schedule) error {
	if len(schedules) == 0 {
		return nil
	}
	if err := h.ensureInit(ctx); err != nil {
		return err
	}

	groups := make(map[string][]Schedule)
	for _, s := range schedules {
		k := h.bucketKey(s.NextRun)
		groups[k] = append(groups[k], s)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}

	sem := make(chan struct{}, h.concurrency)
	var wg sync.WaitGroup
	errs := make([]error, len(keys))

	for i, k := range keys {
		i, k := i, k
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = h.pushBucket(ctx, k, groups[k])
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// pushBucket merges schedules into the bucket at key via ETag-guarded
// read-modify-write, retrying on ErrConflict per h.policy.
func (h *Heap) pushBucket(ctx context.Context, key string, schedules []Schedule) error {
	return backoff.Retry(ctx, h.policy, func() error {
		existing, etag, err := h.loadBucket(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}

		for _, s := range schedules {
			existing = append(existing, HeapItem{Triggerable: s.Triggerable, Nonce: uuid.New()})
		}

		data, err := encodeBucket(existing)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("s3heap: encode bucket %s: %w", key, err))
		}
		_, err = h.store.PutIfMatch(ctx, key, data, etag)
		if err != nil {
			if errors.Is(err, objstore.ErrConflict) {
				return err // retryable
			}
			return backoff.Permanent(fmt.Errorf("s3heap: write bucket %s: %w", key, err))
		}
		return nil
	})
}

// loadBucket fetches a bucket's current items and ETag. A missing bucket
// returns an empty item list and the empty-string ETag (create-only
// semantics for the first PutIfMatch against that key).
func (h *Heap) loadBucket(ctx context.Context, key string) ([]HeapItem, string, error) {
	obj, err := h.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("s3heap: read bucket %s: %w", key, err)
	}
	items, err := decodeBucket(obj.Data)
	if err != nil {
		return nil, "", err
	}
	return items, obj.ETag, nil
}
