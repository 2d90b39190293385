package cpu

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	metrics.RecordDeviceMemory(atomic.AddInt64(&allocatedBytes, delta))
}

// AllocatedBytes is the total held by all host allocators.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Buffer is one physical device allocation. On the host backend device
// memory is ordinary memory, but it must only be touched from kernels on the
// owning stream or after a Sync.
type Buffer struct {
	data  []float32
	dtype DataType
}

// Cap is the capacity in elements. A nil buffer has zero capacity.
func (b *Buffer) Cap() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

func (b *Buffer) Bytes() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.data)) * int64(b.dtype.Size())
}

func (b *Buffer) DataType() DataType { return b.dtype }

// Data exposes the backing elements.
func (b *Buffer) Data() []float32 { return b.data }

// Allocator hands out device buffers. GrowOrReuse returns b unchanged when
// it already holds at least elems elements; otherwise it releases b and
// returns a larger buffer. Capacity never shrinks on its own.
type Allocator interface {
	GrowOrReuse(b *Buffer, elems int) *Buffer
	Release(b *Buffer)
}

type HostAllocator struct {
	mu     sync.Mutex
	dtype  DataType
	bytes  int64
	allocs int
}

func NewHostAllocator(dtype DataType) *HostAllocator {
	return &HostAllocator{dtype: dtype}
}

func (a *HostAllocator) GrowOrReuse(b *Buffer, elems int) *Buffer {
	if b != nil && b.data != nil && len(b.data) >= elems {
		return b
	}
	a.Release(b)

	nb := &Buffer{data: make([]float32, elems), dtype: a.dtype}
	a.mu.Lock()
	a.allocs++
	a.bytes += nb.Bytes()
	a.mu.Unlock()
	traceAlloc(nb.Bytes())
	return nb
}

func (a *HostAllocator) Release(b *Buffer) {
	if b == nil || b.data == nil {
		return
	}
	n := b.Bytes()
	b.data = nil
	a.mu.Lock()
	a.bytes -= n
	a.mu.Unlock()
	traceAlloc(-n)
}

// Allocations counts physical allocations made so far.
func (a *HostAllocator) Allocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs
}

// Bytes is what this allocator currently holds.
func (a *HostAllocator) Bytes() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bytes
}

// View is a non-owning window into a buffer: rows start at Offset and are
// Stride elements apart. Stride 0 means rows are packed at their width.
type View struct {
	Buf    *Buffer
	Offset int
	Stride int
}

func (v View) Valid() bool { return v.Buf != nil }

// RowStride resolves the default stride for rows of the given width.
func (v View) RowStride(width int) int {
	if v.Stride == 0 {
		return width
	}
	return v.Stride
}

// Row returns row i as a width-element slice. Resolution happens at call
// time, so kernels see the buffer as it is when they execute.
func (v View) Row(i, width int) []float32 {
	start := v.Offset + i*v.RowStride(width)
	return v.Buf.data[start : start+width : start+width]
}

// Span is the number of elements between the first element of row 0 and
// the last element of row rows-1, inclusive.
func (v View) Span(rows, width int) int {
	if rows <= 0 {
		return 0
	}
	return (rows-1)*v.RowStride(width) + width
}

// Shift returns a view starting delta elements further into the buffer.
func (v View) Shift(delta int) View {
	v.Offset += delta
	return v
}

// WithStride returns a copy with a different row stride.
func (v View) WithStride(stride int) View {
	v.Stride = stride
	return v
}
