package walog_test

import (
	"context"
	"sync"
	"testing"

	"github.com/chronicledb/corestore/pkg/walog"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: make(map[string][]byte)} }

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func TestPushPullLogsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	log := walog.Open(store, "logs", "coll-1")

	first, err := log.PushLogs(ctx, [][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	if first != 0 {
		t.Fatalf("got first offset %d, want 0", first)
	}

	second, err := log.PushLogs(ctx, [][]byte{[]byte("c")})
	if err != nil {
		t.Fatal(err)
	}
	if second != 2 {
		t.Fatalf("got second offset %d, want 2", second)
	}

	// A fresh handle over the same store must replay the persisted segment.
	reopened := walog.Open(store, "logs", "coll-1")
	records, err := reopened.PullLogs(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || string(records[0].Payload) != "b" || string(records[1].Payload) != "c" {
		t.Fatalf("got %+v, want offsets 1(b),2(c)", records)
	}
}

func TestRollupCoalescesAndClassifies(t *testing.T) {
	markers := []walog.Marker{
		{CollectionID: "x", Kind: walog.MarkDirty, LogOffset: 5},
		{CollectionID: "x", Kind: walog.MarkDirty, LogOffset: 8},
		{CollectionID: "y", Kind: walog.MarkForgettable, LogOffset: 3},
		{CollectionID: "z", Kind: walog.MarkDirty, LogOffset: 10},
		{CollectionID: "z", Kind: walog.MarkCollected, LogOffset: 10},
	}

	entries := walog.Rollup(markers)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2 (z fully collected)", len(entries))
	}

	var gotX, gotY bool
	for _, e := range entries {
		switch e.CollectionID {
		case "x":
			gotX = true
			if e.MinOffset != 5 || e.MaxOffset != 8 || !e.BlocksAdvance {
				t.Fatalf("x: got %+v", e)
			}
		case "y":
			gotY = true
			if e.BlocksAdvance {
				t.Fatalf("y: forgettable-only entry must not block advance: %+v", e)
			}
		}
	}
	if !gotX || !gotY {
		t.Fatalf("missing expected entries: %+v", entries)
	}

	if walog.CanAdvanceTo(markers, 8) {
		t.Fatal("x's non-forgettable dirty range must block advance past 8")
	}
	if !walog.CanAdvanceTo(markers, 4) {
		t.Fatal("nothing with MinOffset <= 4 should block advance")
	}
}
