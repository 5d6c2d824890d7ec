package pyramid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/tilestore"
)

const (
	// workerQueueDepth bounds each worker's private work queue.
	workerQueueDepth = 5
	// enqueueTimeout is how long the dispatcher waits for a slot before
	// dropping the item. A drop is logged, never retried.
	enqueueTimeout = 180 * time.Second
	// defaultCacheBudget is the process-wide decoded-block budget split
	// between workers.
	defaultCacheBudget = int64(256) << 20
)

// Stats aggregates the outcome counts of one engine run. Workers never
// propagate per-tile errors; only the counts cross the boundary.
type Stats struct {
	Generated int64
	Empty     int64
	Failed    int64
	Dropped   int64
}

// Engine fans tile work out to parallel workers and funnels the encoded
// tiles into a sink. Workers are goroutines with private bounded queues
// and their own dataset handles: the raster backing is thread-safe for
// concurrent reads, so the pool shares nothing except the result queue.
type Engine struct {
	Workers     int
	CacheBudget int64
}

// NewEngine returns an engine sized from the job options.
func NewEngine(opt Options) *Engine {
	workers := opt.Workers
	if workers < 1 {
		workers = 1
	}
	return &Engine{Workers: workers, CacheBudget: defaultCacheBudget}
}

// Run executes the plan against the sink, dispatching zoom levels from
// deepest to shallowest and round-robining work across the worker
// queues. Cancellation is cooperative: in-flight tiles complete, queued
// ones are abandoned.
func (e *Engine) Run(ctx context.Context, job *TileJob, sink tilestore.Sink, sidecar *Sidecar) (Stats, error) {
	encoder, err := job.Options.Encoder()
	if err != nil {
		return Stats{}, err
	}
	spec := RenderSpec{
		TileSize:        job.TileSize,
		Resampling:      job.Options.Resampling,
		EncodeToRGBA:    job.EncodeToRGBA,
		NoData:          job.NoData,
		NoDataTolerance: job.Options.NoDataTolerance,
		Encoder:         encoder,
	}

	var stats Stats
	perWorkerCache := geotiff.DivideBlockCache(e.CacheBudget, e.Workers)

	results := make(chan tilestore.Tile, e.Workers*4)
	var sinkWg sync.WaitGroup
	sinkWg.Add(1)
	go func() {
		defer sinkWg.Done()
		for t := range results {
			if err := sink.Put(t.Z, t.X, t.Y, t.Data); err != nil {
				log.Printf("Job %s: saving tile %d/%d/%d: %v", job.InFile, t.Z, t.X, t.Y, err)
				atomic.AddInt64(&stats.Failed, 1)
				atomic.AddInt64(&stats.Generated, -1)
			}
		}
	}()

	queues := make([]chan TileDetail, e.Workers)
	var workerWg sync.WaitGroup
	for w := 0; w < e.Workers; w++ {
		queues[w] = make(chan TileDetail, workerQueueDepth)
		workerWg.Add(1)
		go func(queue <-chan TileDetail) {
			defer workerWg.Done()
			e.worker(job, spec, perWorkerCache, queue, results, sidecar, &stats)
		}(queues[w])
	}

	// Deepest zoom first; within a zoom the planner's meta-block order.
	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()
	next := 0
dispatch:
	for tz := job.TMaxZ; tz >= job.TMinZ; tz-- {
		for _, det := range job.Details[tz] {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(enqueueTimeout)
			select {
			case queues[next%e.Workers] <- det:
				next++
			case <-timer.C:
				log.Printf("Job %s: enqueue timeout for tile %d/%d/%d, dropped",
					job.InFile, det.Tz, det.Tx, det.OutY(job.XYZ))
				atomic.AddInt64(&stats.Dropped, 1)
			case <-ctx.Done():
				break dispatch
			}
		}
	}

	for _, q := range queues {
		close(q)
	}
	workerWg.Wait()
	close(results)
	sinkWg.Wait()

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("pyramid job %s cancelled: %w", job.InFile, err)
	}
	return stats, nil
}

// worker renders every detail of its queue. Failures are logged with
// the tile address and skipped; they never cross the pool boundary.
func (e *Engine) worker(job *TileJob, spec RenderSpec, cacheBytes int64, queue <-chan TileDetail, results chan<- tilestore.Tile, sidecar *Sidecar, stats *Stats) {
	d, err := geotiff.Open(job.SrcFile)
	if err != nil {
		log.Printf("Job %s: worker cannot open %q: %v", job.InFile, job.SrcFile, err)
		for range queue {
			atomic.AddInt64(&stats.Failed, 1)
		}
		return
	}
	defer d.Close()
	d.SetBlockCache(geotiff.NewBlockCache(cacheBytes))
	if job.NoData != nil {
		d.SetNoData(*job.NoData)
	}

	for det := range queue {
		y := det.OutY(job.XYZ)
		data, err := RenderDetail(d, spec, det)
		switch {
		case errors.Is(err, ErrEmptyTile):
			atomic.AddInt64(&stats.Empty, 1)
			if sidecar != nil {
				if err := sidecar.MarkEmpty(det.Tz, det.Tx, y); err != nil {
					log.Printf("Job %s: recording empty tile %d/%d/%d: %v", job.InFile, det.Tz, det.Tx, y, err)
				}
			}
		case err != nil:
			atomic.AddInt64(&stats.Failed, 1)
			log.Printf("Job %s: tile %d/%d/%d: %v", job.InFile, det.Tz, det.Tx, y, err)
		default:
			atomic.AddInt64(&stats.Generated, 1)
			results <- tilestore.Tile{Z: det.Tz, X: det.Tx, Y: y, Data: data}
		}
	}
}
