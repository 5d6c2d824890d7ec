package geotiff

import "sync"

// blockKey identifies one decoded block of one file.
type blockKey struct {
	path  string
	level int
	band  int
	col   int
	row   int
}

// BlockCache bounds the memory spent on decoded raster blocks. Each
// worker holds its own cache sized to its share of the process budget, so
// the aggregate never exceeds the configured total; eviction is FIFO,
// which is close enough to LRU for the sequential access pattern of tile
// generation.
type BlockCache struct {
	mu       sync.Mutex
	cache    map[blockKey][]byte
	order    []blockKey
	bytes    int64
	maxBytes int64
}

// minBlockCacheBytes is the floor every worker gets regardless of how
// many workers share the budget.
const minBlockCacheBytes = 1 << 20

// NewBlockCache creates a cache bounded to maxBytes of decoded data.
func NewBlockCache(maxBytes int64) *BlockCache {
	if maxBytes < minBlockCacheBytes {
		maxBytes = minBlockCacheBytes
	}
	return &BlockCache{
		cache:    make(map[blockKey][]byte),
		maxBytes: maxBytes,
	}
}

// DivideBlockCache returns the per-worker budget for a process-wide total:
// max(1 MiB, total/workers).
func DivideBlockCache(totalBytes int64, workers int) int64 {
	if workers < 1 {
		workers = 1
	}
	per := totalBytes / int64(workers)
	if per < minBlockCacheBytes {
		per = minBlockCacheBytes
	}
	return per
}

// Get returns a cached block.
func (c *BlockCache) Get(path string, level, band, col, row int) ([]byte, bool) {
	key := blockKey{path, level, band, col, row}
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.cache[key]
	return b, ok
}

// Put stores a block, evicting the oldest entries past the byte budget.
func (c *BlockCache) Put(path string, level, band, col, row int, data []byte) {
	key := blockKey{path, level, band, col, row}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.cache[key]; ok {
		return
	}
	for c.bytes+int64(len(data)) > c.maxBytes && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		c.bytes -= int64(len(c.cache[oldest]))
		delete(c.cache, oldest)
	}
	c.cache[key] = data
	c.order = append(c.order, key)
	c.bytes += int64(len(data))
}

// Len returns the number of cached blocks.
func (c *BlockCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Bytes returns the cached data volume.
func (c *BlockCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}
