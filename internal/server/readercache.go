package server

import (
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/eugenever/tiler/internal/geotiff"
	"github.com/eugenever/tiler/internal/pyramid"
)

// readerEntry caches the open dataset and job parameters of one
// datasource. The sidecar's modification time is the freshness token: a
// finished rebuild touches the sidecar, which invalidates the entry.
type readerEntry struct {
	dataset *geotiff.Dataset
	row     *pyramid.JobRow
	sidecar *pyramid.Sidecar
	modTime time.Time
	inUse   sync.WaitGroup
}

// acquire pins the entry for work that outlives the request (neighbor
// warming); release lets a pending eviction proceed.
func (e *readerEntry) acquire() { e.inUse.Add(1) }
func (e *readerEntry) release() { e.inUse.Done() }

// readerCache is the LRU of open datasets used by the serving path.
type readerCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *readerEntry]
}

func newReaderCache(size int) (*readerCache, error) {
	c, err := lru.NewWithEvict[string, *readerEntry](size, func(_ string, e *readerEntry) {
		// Detached warmers may still read the mapped file; close only
		// after they finish.
		go func() {
			e.inUse.Wait()
			e.dataset.Close()
			e.sidecar.Close()
		}()
	})
	if err != nil {
		return nil, err
	}
	return &readerCache{cache: c}, nil
}

// get returns the cached entry for a datasource, reloading it when the
// sidecar changed since it was opened.
func (rc *readerCache) get(datasourceID, sidecarPath string) (*readerEntry, error) {
	fi, err := os.Stat(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("no tile job for datasource %q (run a pyramid first): %w", datasourceID, err)
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	if e, ok := rc.cache.Get(datasourceID); ok && e.modTime.Equal(fi.ModTime()) {
		return e, nil
	}

	sidecar, err := pyramid.OpenSidecar(sidecarPath)
	if err != nil {
		return nil, err
	}
	row, err := sidecar.LoadJob()
	if err != nil {
		sidecar.Close()
		return nil, err
	}
	if row == nil {
		sidecar.Close()
		return nil, fmt.Errorf("sidecar %q has no tile job", sidecarPath)
	}

	d, err := geotiff.Open(row.SrcFile)
	if err != nil {
		sidecar.Close()
		return nil, fmt.Errorf("opening prepared raster %q: %w", row.SrcFile, err)
	}
	d.SetBlockCache(geotiff.NewBlockCache(32 << 20))
	if row.NoData != nil {
		d.SetNoData(*row.NoData)
	}

	e := &readerEntry{dataset: d, row: row, sidecar: sidecar, modTime: fi.ModTime()}
	rc.cache.Add(datasourceID, e)
	return e, nil
}

// Close drops every cached entry.
func (rc *readerCache) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cache.Purge()
}
