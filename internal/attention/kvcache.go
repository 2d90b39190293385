package attention

import (
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

var ErrCacheFull = errors.New("kv cache full")

// Cache is a single-sequence K/V store laid out the way the decode kernels
// read it. A paged cache hands out fixed-size blocks from a pool on demand
// and records them in a block table; a contiguous cache stores position p
// at slot p.
type Cache struct {
	layout    Layout
	kvHeads   int
	headDim   int
	blockSize int

	mu    sync.Mutex
	k, v  []float32
	slots int
	free  []int
	table []int
	n     int
}

// NewCache sizes the pool for capacity positions. blockSize is ignored for
// contiguous caches; paged capacity is rounded up to whole blocks.
func NewCache(layout Layout, kvHeads, headDim, capacity, blockSize int) (*Cache, error) {
	if kvHeads <= 0 || headDim <= 0 || capacity <= 0 {
		return nil, fmt.Errorf("%w: cache [%d kv heads, d%d, %d positions]", ErrParams, kvHeads, headDim, capacity)
	}
	c := &Cache{layout: layout, kvHeads: kvHeads, headDim: headDim, slots: capacity}
	if layout == Paged {
		if blockSize <= 0 {
			return nil, fmt.Errorf("%w: paged cache needs a block size", ErrParams)
		}
		blocks := (capacity + blockSize - 1) / blockSize
		c.blockSize = blockSize
		c.slots = blocks * blockSize
		c.free = make([]int, blocks)
		for i := range c.free {
			c.free[i] = blocks - 1 - i
		}
	}
	width := c.slots * kvHeads * headDim
	c.k = make([]float32, width)
	c.v = make([]float32, width)
	return c, nil
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// FreeBlocks is the number of unmapped blocks of a paged cache.
func (c *Cache) FreeBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}

// BlockTable returns a copy of the logical-to-physical block map.
func (c *Cache) BlockTable() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.table...)
}

// Append stores one position. k and v hold KVHeads x HeadDim values.
func (c *Cache) Append(k, v []float32) error {
	width := c.kvHeads * c.headDim
	if len(k) != width || len(v) != width {
		return fmt.Errorf("%w: k/v hold %d/%d values, want %d", ErrParams, len(k), len(v), width)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := c.n
	if c.layout == Paged {
		logical, within := c.n/c.blockSize, c.n%c.blockSize
		if logical == len(c.table) {
			if len(c.free) == 0 {
				return fmt.Errorf("%w: %d blocks mapped", ErrCacheFull, len(c.table))
			}
			phys := c.free[len(c.free)-1]
			c.free = c.free[:len(c.free)-1]
			c.table = append(c.table, phys)
			metrics.RecordKVBlocks(1)
		}
		slot = c.table[logical]*c.blockSize + within
	} else if slot >= c.slots {
		return fmt.Errorf("%w: %d positions", ErrCacheFull, c.slots)
	}

	off := slot * width
	copy(c.k[off:off+width], k)
	copy(c.v[off:off+width], v)
	c.n++
	return nil
}

// Reset forgets every position and returns mapped blocks to the pool.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.table) - 1; i >= 0; i-- {
		c.free = append(c.free, c.table[i])
	}
	metrics.RecordKVBlocks(-len(c.table))
	c.table = c.table[:0]
	c.n = 0
}

// Params builds decode arguments over every cached position. The returned
// params alias the cache until the next Append or Reset.
func (c *Cache) Params(q, out []float32, numHeads int) *Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Params{
		Q:          q,
		Out:        out,
		K:          c.k,
		V:          c.v,
		BlockTable: c.table,
		BlockSize:  c.blockSize,
		NumHeads:   numHeads,
		KVHeads:    c.kvHeads,
		HeadDim:    c.headDim,
		SeqLen:     c.n,
	}
}
