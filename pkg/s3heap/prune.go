package s3heap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chronicledb/corestore/internal/backoff"
	"github.com/chronicledb/corestore/pkg/objstore"
)

// PruneLimits configures Prune's bucket-deletion race guard (§4.G: "Delete a
// bucket only if all items done *and* bucket older than
// min_age_for_deletion").
type PruneLimits struct {
	MinAgeForDeletion time.Duration
}

// Prune walks every bucket, queries the Scheduler in batch, rewrites each
// bucket to keep only surviving (not-done) items, and deletes buckets that
// are both fully done and old enough that no in-flight Push could still be
// targeting them. now is the reference time against MinAgeForDeletion, an
// explicit parameter so callers (and tests) control it rather than this
// package reaching for time.Now() internally.
func (h *Heap) Prune(ctx context.Context, scheduler Scheduler, now time.Time, limits PruneLimits) error {
	if err := h.requireInit(ctx); err != nil {
		return err
	}

	keys, err := h.store.List(ctx, h.prefix+"/")
	if err != nil {
		return fmt.Errorf("s3heap: list buckets: %w", err)
	}

	for _, key := range keys {
		if isInitKey(key) {
			continue
		}
		minute, err := bucketTime(bucketSuffix(key))
		if err != nil {
			continue
		}
		if err := h.pruneBucket(ctx, key, minute, scheduler, now, limits); err != nil {
			return err
		}
	}
	return nil
}

func (h *Heap) pruneBucket(ctx context.Context, key string, minute time.Time, scheduler Scheduler, now time.Time, limits PruneLimits) error {
	return backoff.Retry(ctx, h.policy, func() error {
		items, etag, err := h.loadBucket(ctx, key)
		if err != nil {
			return backoff.Permanent(err)
		}

		oldEnough := now.Sub(minute) >= limits.MinAgeForDeletion

		if len(items) == 0 {
			if oldEnough {
				if err := h.store.Delete(ctx, key); err != nil {
					return backoff.Permanent(fmt.Errorf("s3heap: delete empty bucket %s: %w", key, err))
				}
			}
			return nil
		}

		done, err := scheduler.AreDone(ctx, items)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("s3heap: scheduler.AreDone: %w", err))
		}
		if len(done) != len(items) {
			return backoff.Permanent(fmt.Errorf("%w: got %d want %d", ErrSchedulerLength, len(done), len(items)))
		}

		var survivors []HeapItem
		allDone := true
		for i, it := range items {
			if done[i] {
				continue
			}
			allDone = false
			survivors = append(survivors, it)
		}

		if allDone {
			if oldEnough {
				if err := h.store.Delete(ctx, key); err != nil {
					return backoff.Permanent(fmt.Errorf("s3heap: delete done bucket %s: %w", key, err))
				}
			}
			return nil // not old enough yet: leave it for a later prune pass (race guard)
		}
		if len(survivors) == len(items) {
			return nil // nothing done, nothing to rewrite
		}

		data, err := encodeBucket(survivors)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("s3heap: encode bucket %s: %w", key, err))
		}
		_, err = h.store.PutIfMatch(ctx, key, data, etag)
		if err != nil {
			if errors.Is(err, objstore.ErrConflict) {
				return err // retryable: reload and recompute against the new state
			}
			return backoff.Permanent(fmt.Errorf("s3heap: rewrite bucket %s: %w", key, err))
		}
		return nil
	})
}
