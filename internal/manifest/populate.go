package manifest

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"terrainstream/internal/world"
)

// PrefabFactory turns a stored placement into a live prefab for the chunk
// it is registered with.
type PrefabFactory func(ctx context.Context, chunk *world.Chunk, rec PrefabRecord) (world.TerrainPrefab, error)

// PopulateStats summarizes a Populate run.
type PopulateStats struct {
	Records int
	Prefabs int
	// Skipped counts records whose level or position falls outside the
	// pyramid.
	Skipped int
}

// Populate registers the prefabs of every stored record with the chunk of
// the matching pyramid level that contains the record center. Prefabs are
// built by up to workers goroutines; the first factory error aborts the run.
func Populate(ctx context.Context, store Store, p *world.Pyramid, factory PrefabFactory, workers int) (PopulateStats, error) {
	var records []Record
	if err := store.ForEach(func(r Record) bool {
		records = append(records, r)
		return ctx.Err() == nil
	}); err != nil {
		return PopulateStats{}, fmt.Errorf("read records: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return PopulateStats{}, err
	}

	if workers <= 0 {
		workers = 1
	}
	var prefabs, skipped atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, rec := range records {
		rec := rec // per-iteration copy for the goroutine below (pre-Go 1.22 loop semantics)
		graph := p.Level(rec.Level)
		if graph == nil {
			skipped.Add(1)
			continue
		}
		chunk, ok := graph.ChunkAt(rec.Bounds.Center())
		if !ok {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			for _, pr := range rec.Prefabs {
				if err := ctx.Err(); err != nil {
					return err
				}
				prefab, err := factory(ctx, chunk, pr)
				if err != nil {
					return fmt.Errorf("build prefab %s in %s: %w", pr.ID, rec.Name, err)
				}
				if graph.AddPrefab(chunk, prefab) {
					prefabs.Add(1)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	return PopulateStats{
		Records: len(records),
		Prefabs: int(prefabs.Load()),
		Skipped: int(skipped.Load()),
	}, err
}
