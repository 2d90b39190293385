// Package cpu is the host reference backend: an explicit execution context
// carrying an ordered stream, a grow-or-reuse allocator and the element type
// used for device buffers. Kernels issued on the stream run asynchronously
// in issue order; faults are deferred until the next Sync.
package cpu

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// HostDevice is the device id reported by host contexts.
const HostDevice = -1

type Context struct {
	device  int
	stream  *Stream
	alloc   Allocator
	dtype   DataType
	threads int
	depth   int
}

type Option func(*Context)

func WithDataType(d DataType) Option {
	return func(c *Context) { c.dtype = d }
}

// WithThreads bounds row parallelism inside kernels. n <= 0 keeps NumCPU.
func WithThreads(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.threads = n
		}
	}
}

func WithAllocator(a Allocator) Option {
	return func(c *Context) { c.alloc = a }
}

// WithStreamDepth sets how many launches may be queued before Launch blocks.
func WithStreamDepth(n int) Option {
	return func(c *Context) {
		if n > 0 {
			c.depth = n
		}
	}
}

func NewContext(opts ...Option) *Context {
	c := &Context{
		device:  HostDevice,
		dtype:   F32,
		threads: runtime.NumCPU(),
		depth:   64,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.alloc == nil {
		c.alloc = NewHostAllocator(c.dtype)
	}
	c.stream = newStream(c.depth)
	return c
}

func (c *Context) Device() int { return c.device }

func (c *Context) Stream() *Stream { return c.stream }

func (c *Context) Allocator() Allocator { return c.alloc }

func (c *Context) DataType() DataType { return c.dtype }

func (c *Context) NumThreads() int { return c.threads }

// Free drains and stops the stream. The context must not be used afterwards.
func (c *Context) Free() {
	c.stream.Close()
}

// ParallelRows splits [0, rows) into at most NumThreads contiguous chunks and
// runs fn on each concurrently. It is meant to be called from inside a
// stream launch.
func (c *Context) ParallelRows(rows int, fn func(lo, hi int) error) error {
	if rows <= 0 {
		return nil
	}
	chunk := (rows + c.threads - 1) / c.threads
	if chunk == rows {
		return fn(0, rows)
	}
	var g errgroup.Group
	g.SetLimit(c.threads)
	for lo := 0; lo < rows; lo += chunk {
		hi := min(lo+chunk, rows)
		g.Go(func() error { return fn(lo, hi) })
	}
	return g.Wait()
}
