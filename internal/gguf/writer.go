package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
)

type kvEntry struct {
	key string
	typ ValueType
	val any
}

type tensorEntry struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

// Writer assembles a version 3 GGUF image. Entries are written in the
// order they were added.
type Writer struct {
	meta    []kvEntry
	tensors []tensorEntry
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) SetString(key, v string) { w.meta = append(w.meta, kvEntry{key, ValueString, v}) }

func (w *Writer) SetUint32(key string, v uint32) {
	w.meta = append(w.meta, kvEntry{key, ValueUint32, v})
}

func (w *Writer) SetStrings(key string, v []string) {
	w.meta = append(w.meta, kvEntry{key, ValueArray, v})
}

// AddF32 appends a tensor. dims are innermost first.
func (w *Writer) AddF32(name string, dims []uint64, data []float32) {
	b := make([]byte, 4*len(data))
	for i, x := range data {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(x))
	}
	w.tensors = append(w.tensors, tensorEntry{name, dims, TypeF32, b})
}

func (w *Writer) AddF16(name string, dims []uint64, data []float32) {
	b := make([]byte, 2*len(data))
	for i, x := range data {
		binary.LittleEndian.PutUint16(b[2*i:], float16.Fromfloat32(x).Bits())
	}
	w.tensors = append(w.tensors, tensorEntry{name, dims, TypeF16, b})
}

func (w *Writer) alignment() uint64 {
	for _, m := range w.meta {
		if m.key == "general.alignment" {
			if v, ok := m.val.(uint32); ok && v > 0 {
				return uint64(v)
			}
		}
	}
	return DefaultAlignment
}

type countingWriter struct {
	w   *bufio.Writer
	n   uint64
	err error
}

func (c *countingWriter) write(v any) {
	if c.err != nil {
		return
	}
	c.err = binary.Write(c.w, binary.LittleEndian, v)
	c.n += uint64(binary.Size(v))
}

func (c *countingWriter) bytes(b []byte) {
	if c.err != nil {
		return
	}
	_, c.err = c.w.Write(b)
	c.n += uint64(len(b))
}

func (c *countingWriter) str(s string) {
	c.write(uint64(len(s)))
	c.bytes([]byte(s))
}

func (c *countingWriter) pad(align uint64) {
	if r := c.n % align; r != 0 {
		c.bytes(make([]byte, align-r))
	}
}

// Encode writes the image to out.
func (w *Writer) Encode(out io.Writer) error {
	align := w.alignment()
	c := &countingWriter{w: bufio.NewWriter(out)}

	c.write(uint32(Magic))
	c.write(uint32(3))
	c.write(uint64(len(w.tensors)))
	c.write(uint64(len(w.meta)))

	for _, m := range w.meta {
		c.str(m.key)
		c.write(uint32(m.typ))
		switch v := m.val.(type) {
		case string:
			c.str(v)
		case uint32:
			c.write(v)
		case []string:
			c.write(uint32(ValueString))
			c.write(uint64(len(v)))
			for _, s := range v {
				c.str(s)
			}
		default:
			return fmt.Errorf("gguf: cannot encode %T for %s", v, m.key)
		}
	}

	var off uint64
	for _, t := range w.tensors {
		c.str(t.name)
		c.write(uint32(len(t.dims)))
		for _, d := range t.dims {
			c.write(d)
		}
		c.write(uint32(t.typ))
		c.write(off)
		off += (uint64(len(t.data)) + align - 1) / align * align
	}
	c.pad(align)
	for _, t := range w.tensors {
		c.bytes(t.data)
		c.pad(align)
	}
	if c.err != nil {
		return c.err
	}
	return c.w.Flush()
}

func (w *Writer) WriteFile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return w.Encode(f)
}
