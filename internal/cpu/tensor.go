package cpu

import "fmt"

// Tensor is a named row-major matrix living in one device buffer.
type Tensor struct {
	Name       string
	Rows, Cols int
	Buf        *Buffer

	ctx *Context
}

// NewTensor allocates a zeroed rows x cols tensor.
func (c *Context) NewTensor(name string, rows, cols int) *Tensor {
	return &Tensor{
		Name: name,
		Rows: rows,
		Cols: cols,
		Buf:  c.alloc.GrowOrReuse(nil, rows*cols),
		ctx:  c,
	}
}

// TensorFrom uploads host data, rounding it to the context data type. The
// copy is ordered after all work already issued on the stream.
func (c *Context) TensorFrom(name string, rows, cols int, host []float32) (*Tensor, error) {
	if len(host) != rows*cols {
		return nil, fmt.Errorf("tensor %s: %d host values for shape [%d,%d]", name, len(host), rows, cols)
	}
	t := c.NewTensor(name, rows, cols)
	if err := c.stream.Sync(); err != nil {
		return nil, err
	}
	copy(t.Buf.data, host)
	c.dtype.RoundSlice(t.Buf.data[:len(host)])
	return t, nil
}

func (t *Tensor) View() View { return View{Buf: t.Buf, Stride: t.Cols} }

// ToHost waits for the stream and copies the tensor out.
func (t *Tensor) ToHost() ([]float32, error) {
	if err := t.ctx.stream.Sync(); err != nil {
		return nil, err
	}
	out := make([]float32, t.Rows*t.Cols)
	copy(out, t.Buf.data)
	return out, nil
}

func (t *Tensor) Free() {
	t.ctx.alloc.Release(t.Buf)
	t.Buf = nil
}
