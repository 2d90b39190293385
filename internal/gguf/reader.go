package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"golang.org/x/sys/unix"

	"github.com/23skdu/longbow-quiver/internal/logger"
)

type File struct {
	Header     Header
	KV         map[string]any
	Tensors    []*TensorInfo
	DataOffset uint64

	data    []byte
	mmapped bool
	byName  map[string]*TensorInfo
}

// Open maps a GGUF file read-only. The returned file must be closed to
// release the mapping; tensor data is only valid until then.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	gf, err := Parse(data)
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	gf.mmapped = true
	logger.Log.With("component", "gguf").Debug("opened model file",
		"path", path, "version", gf.Header.Version, "tensors", len(gf.Tensors), "kv", len(gf.KV))
	return gf, nil
}

// Parse decodes a GGUF image held in memory. Tensor data aliases data.
func Parse(data []byte) (*File, error) {
	r := &cursor{data: data}
	gf := &File{data: data, KV: make(map[string]any), byName: make(map[string]*TensorInfo)}

	gf.Header.Magic = r.u32()
	if r.err == nil && gf.Header.Magic != Magic {
		return nil, ErrInvalidMagic{Magic: gf.Header.Magic}
	}
	gf.Header.Version = r.u32()
	if r.err == nil && (gf.Header.Version < 2 || gf.Header.Version > 3) {
		return nil, ErrUnsupportedVersion{Version: gf.Header.Version}
	}
	gf.Header.TensorCount = r.u64()
	gf.Header.KVCount = r.u64()
	if r.err != nil {
		return nil, r.err
	}

	for i := uint64(0); i < gf.Header.KVCount; i++ {
		key := r.str()
		val := r.value(ValueType(r.u32()))
		if r.err != nil {
			return nil, fmt.Errorf("metadata %d: %w", i, r.err)
		}
		gf.KV[key] = val
	}

	for i := uint64(0); i < gf.Header.TensorCount; i++ {
		t := &TensorInfo{Name: r.str()}
		nd := r.u32()
		if nd > 8 {
			return nil, fmt.Errorf("%w: tensor %q has %d dims", ErrCorrupt, t.Name, nd)
		}
		t.Dims = make([]uint64, nd)
		for j := range t.Dims {
			t.Dims[j] = r.u64()
		}
		t.Type = GGMLType(r.u32())
		t.Offset = r.u64()
		if r.err != nil {
			return nil, fmt.Errorf("tensor info %d: %w", i, r.err)
		}
		gf.Tensors = append(gf.Tensors, t)
		gf.byName[t.Name] = t
	}

	align := uint64(DefaultAlignment)
	if v, ok := gf.KV["general.alignment"].(uint32); ok && v > 0 {
		align = uint64(v)
	}
	gf.DataOffset = (r.off + align - 1) / align * align

	var avail uint64
	if gf.DataOffset < uint64(len(data)) {
		avail = uint64(len(data)) - gf.DataOffset
	}
	for _, t := range gf.Tensors {
		size, ok := t.size()
		if !ok {
			return nil, fmt.Errorf("%w: tensor %q size %v overflows", ErrCorrupt, t.Name, t.Dims)
		}
		if t.Offset > avail || size > avail-t.Offset {
			return nil, fmt.Errorf("%w: tensor %q data out of bounds", ErrCorrupt, t.Name)
		}
		start := gf.DataOffset + t.Offset
		t.Data = data[start : start+size]
	}
	return gf, nil
}

func (f *File) Close() error {
	if f == nil || f.data == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.data)
	}
	f.data = nil
	f.mmapped = false
	return err
}

func (f *File) Tensor(name string) (*TensorInfo, bool) {
	t, ok := f.byName[name]
	return t, ok
}

// String returns a metadata string, or "" when absent.
func (f *File) String(key string) string {
	s, _ := f.KV[key].(string)
	return s
}

// Uint returns an unsigned integer metadata value of any width.
func (f *File) Uint(key string) (uint64, bool) {
	switch v := f.KV[key].(type) {
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case int32:
		return uint64(v), v >= 0
	case int64:
		return uint64(v), v >= 0
	}
	return 0, false
}

// cursor reads little-endian fields and latches the first error.
type cursor struct {
	data []byte
	off  uint64
	err  error
}

func (c *cursor) take(n uint64) []byte {
	if c.err != nil {
		return nil
	}
	if n > uint64(len(c.data)) || c.off > uint64(len(c.data))-n {
		c.err = io.ErrUnexpectedEOF
		return nil
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8() uint8 {
	if b := c.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (c *cursor) u16() uint16 {
	if b := c.take(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (c *cursor) u32() uint32 {
	if b := c.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (c *cursor) u64() uint64 {
	if b := c.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (c *cursor) str() string {
	return string(c.take(c.u64()))
}

func (c *cursor) value(typ ValueType) any {
	switch typ {
	case ValueUint8:
		return c.u8()
	case ValueInt8:
		return int8(c.u8())
	case ValueUint16:
		return c.u16()
	case ValueInt16:
		return int16(c.u16())
	case ValueUint32:
		return c.u32()
	case ValueInt32:
		return int32(c.u32())
	case ValueFloat32:
		return math.Float32frombits(c.u32())
	case ValueBool:
		return c.u8() != 0
	case ValueString:
		return c.str()
	case ValueArray:
		elem := ValueType(c.u32())
		n := c.u64()
		if c.err == nil && n > uint64(len(c.data)) {
			c.err = fmt.Errorf("%w: array of %d elements", ErrCorrupt, n)
		}
		var arr []any
		for i := uint64(0); i < n && c.err == nil; i++ {
			arr = append(arr, c.value(elem))
		}
		return arr
	case ValueUint64:
		return c.u64()
	case ValueInt64:
		return int64(c.u64())
	case ValueFloat64:
		return math.Float64frombits(c.u64())
	default:
		if c.err == nil {
			c.err = fmt.Errorf("%w: metadata type %d", ErrCorrupt, typ)
		}
		return nil
	}
}
