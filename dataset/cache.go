package dataset

import (
	"container/list"
	"fmt"
	"image"
	"sync"

	"github.com/tsawler/go-detector/tensor"
)

// CachedLoader keeps the most recently decoded images in memory so later
// epochs skip decoding. It is safe for concurrent use and may be shared by
// the train and validation datasets.
type CachedLoader struct {
	mu      sync.Mutex
	loader  ImageLoader
	cache   map[string]*list.Element
	lru     *list.List
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	path  string
	image *tensor.Tensor
	size  image.Point
}

// NewCachedLoader wraps loader with an LRU cache of maxSize images.
// A non-positive maxSize returns loader unchanged.
func NewCachedLoader(loader ImageLoader, maxSize int) ImageLoader {
	if maxSize <= 0 {
		return loader
	}
	return &CachedLoader{
		loader:  loader,
		cache:   make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Load returns the cached image for path, decoding it on a miss
func (c *CachedLoader) Load(path string) (*tensor.Tensor, image.Point, error) {
	c.mu.Lock()
	if elem, ok := c.cache[path]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		entry := elem.Value.(*cacheEntry)
		c.mu.Unlock()
		return entry.image, entry.size, nil
	}
	c.misses++
	c.mu.Unlock()

	img, size, err := c.loader.Load(path)
	if err != nil {
		return nil, image.Point{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache[path]; !ok {
		c.cache[path] = c.lru.PushFront(&cacheEntry{path: path, image: img, size: size})
		for c.lru.Len() > c.maxSize {
			oldest := c.lru.Back()
			c.lru.Remove(oldest)
			delete(c.cache, oldest.Value.(*cacheEntry).path)
		}
	}
	return img, size, nil
}

// Stats returns cache statistics
func (c *CachedLoader) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d images, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
