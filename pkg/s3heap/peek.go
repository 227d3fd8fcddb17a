package s3heap

import (
	"context"
	"fmt"
	"time"
)

// PeekFilter decides whether a Triggerable scheduled for the given bucket
// minute is a candidate for this peek call.
type PeekFilter func(t Triggerable, bucketMinute time.Time) bool

// PeekLimits bounds one Peek call's work, per §4.G ("stop at max_buckets,
// max_items, or time_cut_off"). A zero value for MaxBuckets or MaxItems
// means unbounded; a zero TimeCutOff means no cutoff.
type PeekLimits struct {
	MaxBuckets int
	MaxItems   int
	TimeCutOff time.Time
}

// Peek lists buckets in chronological order, loads each, and returns every
// item that passes both filter and a negative Scheduler.AreDone check,
// stopping once a limit is hit.
func (h *Heap) Peek(ctx context.Context, filter PeekFilter, scheduler Scheduler, limits PeekLimits) ([]HeapItem, error) {
	if err := h.requireInit(ctx); err != nil {
		return nil, err
	}

	keys, err := h.store.List(ctx, h.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("s3heap: list buckets: %w", err)
	}

	var out []HeapItem
	bucketsVisited := 0
	for _, key := range keys {
		if isInitKey(key) {
			continue
		}
		minute, err := bucketTime(bucketSuffix(key))
		if err != nil {
			continue // not a minute-bucket key; skip rather than fail the whole peek
		}
		if !limits.TimeCutOff.IsZero() && minute.After(limits.TimeCutOff) {
			break
		}
		if limits.MaxBuckets > 0 && bucketsVisited >= limits.MaxBuckets {
			break
		}
		bucketsVisited++

		items, _, err := h.loadBucket(ctx, key)
		if err != nil {
			return nil, err
		}

		var candidates []HeapItem
		for _, it := range items {
			if filter == nil || filter(it.Triggerable, minute) {
				candidates = append(candidates, it)
			}
		}
		if len(candidates) == 0 {
			continue
		}

		done, err := scheduler.AreDone(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("s3heap: scheduler.AreDone: %w", err)
		}
		if len(done) != len(candidates) {
			return nil, fmt.Errorf("%w: got %d want %d", ErrSchedulerLength, len(done), len(candidates))
		}

		for i, it := range candidates {
			if done[i] {
				continue
			}
			out = append(out, it)
			if limits.MaxItems > 0 && len(out) >= limits.MaxItems {
				return out, nil
			}
		}
	}
	return out, nil
}

func isInitKey(key string) bool {
	return len(key) >= len(initMarker) && key[len(key)-len(initMarker):] == initMarker
}

// bucketSuffix strips the "{prefix}/" portion of a listed key, leaving the
// minute-timestamp component.
func bucketSuffix(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[i+1:]
		}
	}
	return key
}
