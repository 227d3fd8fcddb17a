// Command corestore is a thin wiring demo: it exercises the blockfile,
// full-text, SPANN and S3-heap packages end to end against a local
// filesystem-backed object store.
// It is explicitly out of scope as a product surface per §1's Non-goals
// (no gRPC service, no real CLI) — it exists only to prove the pieces
// compose, in the spirit of the teacher's cmd/tk mains that wire
// internal/cli into a runnable binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chronicledb/corestore/pkg/block"
	"github.com/chronicledb/corestore/pkg/blockfile"
	"github.com/chronicledb/corestore/pkg/fulltext"
	"github.com/chronicledb/corestore/pkg/key"
	"github.com/chronicledb/corestore/pkg/objstore"
	"github.com/chronicledb/corestore/pkg/s3heap"
	"github.com/chronicledb/corestore/pkg/spann"
)

func main() {
	dir := flag.String("dir", "", "directory backing the demo object store (defaults to a temp dir)")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, "corestore:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*dir, logger); err != nil {
		logger.Error("demo failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(dir string, logger *zap.Logger) error {
	ctx := context.Background()

	if dir == "" {
		d, err := os.MkdirTemp("", "corestore-demo-*")
		if err != nil {
			return fmt.Errorf("create temp dir: %w", err)
		}
		defer os.RemoveAll(d)
		dir = d
	}

	store, err := objstore.NewLocal(dir)
	if err != nil {
		return fmt.Errorf("open object store at %s: %w", dir, err)
	}
	logger.Info("object store ready", zap.String("dir", dir))

	if err := runBlockfileDemo(ctx, store, logger); err != nil {
		return fmt.Errorf("blockfile demo: %w", err)
	}
	if err := runFulltextDemo(ctx, store, logger); err != nil {
		return fmt.Errorf("fulltext demo: %w", err)
	}
	if err := runSpannDemo(ctx, store, logger); err != nil {
		return fmt.Errorf("spann demo: %w", err)
	}
	if err := runHeapDemo(ctx, store, logger); err != nil {
		return fmt.Errorf("s3heap demo: %w", err)
	}
	return nil
}

func runBlockfileDemo(ctx context.Context, store objstore.Store, logger *zap.Logger) error {
	manager := block.NewManager(store, "demo/blocks", 1<<20, nil, key.KindUint32)
	bf := blockfile.Open(manager, store, "demo/root")

	w, err := bf.Create(ctx, key.KindUint32)
	if err != nil {
		return err
	}
	if err := w.Set(ctx, "doc", key.Uint32(1), []byte("hello, corestore")); err != nil {
		return err
	}
	flusher, err := w.Commit()
	if err != nil {
		return err
	}
	root, err := flusher.Flush(ctx, bf)
	if err != nil {
		return err
	}

	reader := bf.OpenReader(root)
	got, err := reader.Get(ctx, "doc", key.Uint32(1))
	if err != nil {
		return err
	}
	logger.Info("blockfile round-trip", zap.ByteString("value", got))
	return nil
}

func runFulltextDemo(ctx context.Context, store objstore.Store, logger *zap.Logger) error {
	manager := block.NewManager(store, "demo/fts-blocks", 1<<20, nil, key.KindUint32)
	bf := blockfile.Open(manager, store, "demo/fts-root")

	w, err := bf.Create(ctx, key.KindUint32)
	if err != nil {
		return err
	}

	idx := fulltext.NewIndex(fulltext.NewTokenizer(3))
	idx.ApplyBatch([]fulltext.Op{
		{Kind: fulltext.OpCreate, DocID: 1, New: "the quick brown fox"},
		{Kind: fulltext.OpCreate, DocID: 2, New: "the lazy dog sleeps"},
	})
	if err := idx.WriteToBlockfiles(ctx, w); err != nil {
		return err
	}

	flusher, err := w.Commit()
	if err != nil {
		return err
	}
	root, err := flusher.Flush(ctx, bf)
	if err != nil {
		return err
	}

	reader := bf.OpenReader(root)
	hits, err := idx.Search(ctx, reader, "fox")
	if err != nil {
		return err
	}
	logger.Info("fulltext search", zap.String("query", "fox"), zap.Uint32s("doc_ids", hits))
	return nil
}

func runSpannDemo(ctx context.Context, store objstore.Store, logger *zap.Logger) error {
	manager := block.NewManager(store, "demo/spann-blocks", 1<<20, nil, key.KindUint32)
	bf := blockfile.Open(manager, store, "demo/spann-root")

	cfg := spann.DefaultConfig(2)
	idx, err := spann.New(ctx, bf, nil, cfg)
	if err != nil {
		return err
	}

	for i := uint32(1); i <= 10; i++ {
		if err := idx.Add(ctx, i, []float32{float32(i), float32(i)}); err != nil {
			return err
		}
	}
	if _, err := idx.Flush(ctx); err != nil {
		return err
	}

	results, err := idx.Search(ctx, []float32{1, 1}, 3)
	if err != nil {
		return err
	}
	for _, r := range results {
		logger.Info("spann neighbor", zap.Uint32("doc_id", r.ID), zap.Float32("distance", r.Distance))
	}
	return nil
}

func runHeapDemo(ctx context.Context, store objstore.Store, logger *zap.Logger) error {
	heap := s3heap.New(store, "demo-host", 4)
	now := time.Now().UTC()

	err := heap.Push(ctx, []s3heap.Schedule{
		{
			Triggerable: s3heap.Triggerable{PartitioningUUID: uuid.New(), SchedulingUUID: uuid.New()},
			NextRun:     now,
		},
	})
	if err != nil {
		return err
	}

	allowAll := func(s3heap.Triggerable, time.Time) bool { return true }
	items, err := heap.Peek(ctx, allowAll, alwaysPending{}, s3heap.PeekLimits{})
	if err != nil {
		return err
	}
	logger.Info("heap peek", zap.Int("pending_items", len(items)))
	return nil
}

// alwaysPending is a Scheduler that never marks anything done, for the demo.
type alwaysPending struct{}

func (alwaysPending) AreDone(ctx context.Context, batch []s3heap.HeapItem) ([]bool, error) {
	return make([]bool, len(batch)), nil
}
