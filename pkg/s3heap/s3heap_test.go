package s3heap_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/chronicledb/corestore/pkg/objstore"
	"github.com/chronicledb/corestore/pkg/s3heap"
)

// schedulingUUIDs returns items' SchedulingUUIDs sorted for order-independent
// comparison via cmp.Diff.
func schedulingUUIDs(items []s3heap.HeapItem) []uuid.UUID {
	ids := make([]uuid.UUID, len(items))
	for i, it := range items {
		ids[i] = it.SchedulingUUID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// fakeScheduler marks done any item whose SchedulingUUID is in its done set.
type fakeScheduler struct {
	done map[uuid.UUID]bool
}

func (f *fakeScheduler) AreDone(ctx context.Context, batch []s3heap.HeapItem) ([]bool, error) {
	out := make([]bool, len(batch))
	for i, it := range batch {
		out[i] = f.done[it.SchedulingUUID]
	}
	return out, nil
}

type wrongLengthScheduler struct{}

func (wrongLengthScheduler) AreDone(ctx context.Context, batch []s3heap.HeapItem) ([]bool, error) {
	return []bool{true} // deliberately wrong length whenever batch != 1
}

func newTestHeap(t *testing.T) *s3heap.Heap {
	t.Helper()
	store, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s3heap.New(store, "test-host", 4)
}

func allowAll(s3heap.Triggerable, time.Time) bool { return true }

func TestPushThenPeekVisibility(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	a := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}
	b := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}

	err := h.Push(ctx, []s3heap.Schedule{
		{Triggerable: a, NextRun: base},
		{Triggerable: b, NextRun: base.Add(time.Minute)},
	})
	if err != nil {
		t.Fatal(err)
	}

	sched := &fakeScheduler{done: map[uuid.UUID]bool{}}
	items, err := h.Peek(ctx, allowAll, sched, s3heap.PeekLimits{})
	if err != nil {
		t.Fatal(err)
	}
	want := schedulingUUIDs([]s3heap.HeapItem{{Triggerable: a}, {Triggerable: b}})
	if diff := cmp.Diff(want, schedulingUUIDs(items)); diff != "" {
		t.Fatalf("visible scheduling ids mismatch (-want +got):\n%s", diff)
	}
}

func TestPeekExcludesDoneItems(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	a := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}
	b := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}

	if err := h.Push(ctx, []s3heap.Schedule{
		{Triggerable: a, NextRun: base},
		{Triggerable: b, NextRun: base},
	}); err != nil {
		t.Fatal(err)
	}

	sched := &fakeScheduler{done: map[uuid.UUID]bool{a.SchedulingUUID: true}}
	items, err := h.Peek(ctx, allowAll, sched, s3heap.PeekLimits{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].SchedulingUUID != b.SchedulingUUID {
		t.Fatalf("expected only b visible, got %+v", items)
	}
}

// TestPushPruneThenPeekUniqueness reproduces the spec's round-trip property:
// push(x); prune(); peek() contains no item with are_done == true.
func TestPushPruneThenPeekUniqueness(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	a := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}
	b := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}

	if err := h.Push(ctx, []s3heap.Schedule{
		{Triggerable: a, NextRun: base},
		{Triggerable: b, NextRun: base},
	}); err != nil {
		t.Fatal(err)
	}

	sched := &fakeScheduler{done: map[uuid.UUID]bool{a.SchedulingUUID: true}}
	if err := h.Prune(ctx, sched, base, s3heap.PruneLimits{MinAgeForDeletion: time.Hour}); err != nil {
		t.Fatal(err)
	}

	items, err := h.Peek(ctx, allowAll, sched, s3heap.PeekLimits{})
	if err != nil {
		t.Fatal(err)
	}
	for _, it := range items {
		if sched.done[it.SchedulingUUID] {
			t.Fatalf("done item %v still visible after prune", it.SchedulingUUID)
		}
	}
	if len(items) != 1 || items[0].SchedulingUUID != b.SchedulingUUID {
		t.Fatalf("expected only b to survive prune, got %+v", items)
	}
}

// TestPruneDeletesFullyDoneOldBucket verifies the race guard: a fully-done
// bucket is only deleted once it's older than MinAgeForDeletion.
func TestPruneDeletesFullyDoneOldBucket(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	a := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}

	if err := h.Push(ctx, []s3heap.Schedule{{Triggerable: a, NextRun: base}}); err != nil {
		t.Fatal(err)
	}

	sched := &fakeScheduler{done: map[uuid.UUID]bool{a.SchedulingUUID: true}}

	// Too young: prune must not delete the bucket yet.
	if err := h.Prune(ctx, sched, base, s3heap.PruneLimits{MinAgeForDeletion: time.Hour}); err != nil {
		t.Fatal(err)
	}
	items, err := h.Peek(ctx, allowAll, &fakeScheduler{done: map[uuid.UUID]bool{}}, s3heap.PeekLimits{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Fatalf("expected the still-too-young done item to remain visible via a fresh scheduler, got %+v", items)
	}

	// Old enough: prune now removes the bucket (re-run against a scheduler
	// that still marks it done).
	if err := h.Prune(ctx, sched, base.Add(2*time.Hour), s3heap.PruneLimits{MinAgeForDeletion: time.Hour}); err != nil {
		t.Fatal(err)
	}
	items, err = h.Peek(ctx, allowAll, &fakeScheduler{done: map[uuid.UUID]bool{}}, s3heap.PeekLimits{})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Fatalf("expected bucket deleted after aging past MinAgeForDeletion, got %+v", items)
	}
}

func TestPeekRequiresInit(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	h := s3heap.New(store, "never-pushed-to", 4)

	_, err = h.Peek(ctx, allowAll, &fakeScheduler{}, s3heap.PeekLimits{})
	if err == nil {
		t.Fatal("expected ErrUninitialized, got nil")
	}
}

func TestSchedulerLengthMismatchIsAnError(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	a := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}
	b := s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()}
	if err := h.Push(ctx, []s3heap.Schedule{
		{Triggerable: a, NextRun: base},
		{Triggerable: b, NextRun: base},
	}); err != nil {
		t.Fatal(err)
	}

	_, err := h.Peek(ctx, allowAll, wrongLengthScheduler{}, s3heap.PeekLimits{})
	if err == nil {
		t.Fatal("expected a scheduler-length-mismatch error, got nil")
	}
}

func TestPeekRespectsMaxItems(t *testing.T) {
	ctx := context.Background()
	h := newTestHeap(t)

	base := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	var schedules []s3heap.Schedule
	for i := 0; i < 5; i++ {
		schedules = append(schedules, s3heap.Schedule{
			Triggerable: s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()},
			NextRun:     base.Add(time.Duration(i) * time.Minute),
		})
	}
	if err := h.Push(ctx, schedules); err != nil {
		t.Fatal(err)
	}

	sched := &fakeScheduler{done: map[uuid.UUID]bool{}}
	items, err := h.Peek(ctx, allowAll, sched, s3heap.PeekLimits{MaxItems: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2 (MaxItems bound)", len(items))
	}
}
