package gguf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/x448/float16"

	"github.com/23skdu/longbow-quiver/internal/ffn"
)

type kv struct {
	key string
	val any
}

type tensorSpec struct {
	name string
	dims []uint64
	typ  GGMLType
	data []float32
}

func encode(t *testing.T, meta []kv, tensors []tensorSpec) []byte {
	t.Helper()
	w := NewWriter()
	for _, m := range meta {
		switch v := m.val.(type) {
		case string:
			w.SetString(m.key, v)
		case uint32:
			w.SetUint32(m.key, v)
		case []string:
			w.SetStrings(m.key, v)
		default:
			t.Fatalf("unsupported metadata value %T", v)
		}
	}
	for _, ts := range tensors {
		switch ts.typ {
		case TypeF32:
			w.AddF32(ts.name, ts.dims, ts.data)
		case TypeF16:
			w.AddF16(ts.name, ts.dims, ts.data)
		default:
			t.Fatalf("unsupported tensor type %s", ts.typ)
		}
	}
	var buf bytes.Buffer
	if err := w.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func ramp(n int, step float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%7-3) * step
	}
	return out
}

func shapeMeta(hidden, inter uint32) []kv {
	return []kv{
		{"general.architecture", "llama"},
		{"general.alignment", uint32(32)},
		{"llama.embedding_length", hidden},
		{"llama.feed_forward_length", inter},
		{"llama.block_count", uint32(1)},
		{"tokenizer.ggml.tokens", []string{"<s>", "</s>"}},
	}
}

func TestLoadSeparateBlock(t *testing.T) {
	const h, m = 4, 6
	gate, up, down := ramp(h*m, 0.5), ramp(h*m, 0.25), ramp(m*h, 0.125)
	img := encode(t, shapeMeta(h, m), []tensorSpec{
		{"blk.0.ffn_gate.weight", []uint64{h, m}, TypeF32, gate},
		{"blk.0.ffn_up.weight", []uint64{h, m}, TypeF32, up},
		{"blk.0.ffn_down.weight", []uint64{m, h}, TypeF32, down},
	})

	f, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}
	if f.Header.TensorCount != 3 || f.String("general.architecture") != "llama" {
		t.Fatalf("unexpected header %+v", f.Header)
	}
	if f.DataOffset%32 != 0 {
		t.Errorf("data offset %d not aligned", f.DataOffset)
	}

	b, s, err := f.LoadFFN(0, false)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Shape{Arch: "llama", Hidden: h, Inter: m, Layers: 1}, s); diff != "" {
		t.Errorf("shape (-want +got):\n%s", diff)
	}
	if ffn.SelectMode(b) != ffn.ModeSeparate {
		t.Errorf("expected separate mode, got %s", ffn.SelectMode(b))
	}
	if diff := cmp.Diff(gate, b.Gating.Data); diff != "" {
		t.Errorf("gating (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(down, b.Output.Data); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
	if err := b.Validate(h); err != nil {
		t.Error(err)
	}
}

func TestLoadStackedGateUp(t *testing.T) {
	const h, m = 4, 3
	stacked := ramp(h*2*m, 0.5)
	img := encode(t, shapeMeta(h, m), []tensorSpec{
		{"blk.0.ffn_up.weight", []uint64{h, 2 * m}, TypeF16, stacked},
		{"blk.0.ffn_down.weight", []uint64{m, h}, TypeF16, ramp(m*h, 0.5)},
	})
	f, err := Parse(img)
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		fusedSilu bool
		want      ffn.Mode
	}{
		{false, ffn.ModeFused},
		{true, ffn.ModeFusedSilu},
	} {
		b, _, err := f.LoadFFN(0, tc.fusedSilu)
		if err != nil {
			t.Fatal(err)
		}
		if got := ffn.SelectMode(b); got != tc.want {
			t.Errorf("fusedSilu=%v: mode %s, want %s", tc.fusedSilu, got, tc.want)
		}
		if diff := cmp.Diff(stacked, b.FusedGatingIntermediate.Data); diff != "" {
			t.Errorf("stacked weight (-want +got):\n%s", diff)
		}
	}
}

func TestDequantize(t *testing.T) {
	t.Run("bf16", func(t *testing.T) {
		data := []byte{0x80, 0x3f, 0x00, 0xc0} // 1.0, -2.0
		got, err := (&TensorInfo{Name: "x", Dims: []uint64{2}, Type: TypeBF16, Data: data}).Float32s()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]float32{1, -2}, got); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("q8_0", func(t *testing.T) {
		blk := make([]byte, 34)
		binary.LittleEndian.PutUint16(blk, float16.Fromfloat32(0.5).Bits())
		want := make([]float32, 32)
		for i := 0; i < 32; i++ {
			q := int8(i - 16)
			blk[2+i] = byte(q)
			want[i] = 0.5 * float32(q)
		}
		got, err := (&TensorInfo{Name: "q", Dims: []uint64{32}, Type: TypeQ8_0, Data: blk}).Float32s()
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("(-want +got):\n%s", diff)
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		ti := &TensorInfo{Name: "k", Dims: []uint64{256}, Type: TypeQ4_K, Data: make([]byte, 144)}
		if _, err := ti.Float32s(); !errors.Is(err, ErrUnsupportedType) {
			t.Errorf("expected ErrUnsupportedType, got %v", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		ti := &TensorInfo{Name: "f", Dims: []uint64{4}, Type: TypeF32, Data: make([]byte, 8)}
		if _, err := ti.Float32s(); !errors.Is(err, ErrCorrupt) {
			t.Errorf("expected ErrCorrupt, got %v", err)
		}
	})
}

func TestParseErrors(t *testing.T) {
	good := encode(t, shapeMeta(4, 4), []tensorSpec{
		{"blk.0.ffn_down.weight", []uint64{4, 4}, TypeF32, ramp(16, 1)},
	})

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'
	var magicErr ErrInvalidMagic
	if _, err := Parse(badMagic); !errors.As(err, &magicErr) {
		t.Errorf("expected ErrInvalidMagic, got %v", err)
	}

	badVersion := append([]byte(nil), good...)
	binary.LittleEndian.PutUint32(badVersion[4:], 9)
	var versionErr ErrUnsupportedVersion
	if _, err := Parse(badVersion); !errors.As(err, &versionErr) || versionErr.Version != 9 {
		t.Errorf("expected ErrUnsupportedVersion, got %v", err)
	}

	if _, err := Parse(good[:40]); err == nil {
		t.Error("expected error for truncated metadata")
	}
	if _, err := Parse(good[:len(good)-32]); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected out-of-bounds tensor error, got %v", err)
	}

	f, err := Parse(good)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.LoadFFN(0, false); !errors.Is(err, ErrTensorNotFound) {
		t.Errorf("expected ErrTensorNotFound, got %v", err)
	}
	if _, _, err := f.LoadFFN(3, false); err == nil {
		t.Error("expected error for out-of-range layer")
	}
}

func TestParseRejectsOversizedTensors(t *testing.T) {
	image := func(dims []uint64, data []float32) []byte {
		w := NewWriter()
		w.SetString("general.architecture", "llama")
		w.AddF32("blk.0.ffn_down.weight", dims, data)
		var buf bytes.Buffer
		if err := w.Encode(&buf); err != nil {
			t.Fatal(err)
		}
		return buf.Bytes()
	}

	for _, dims := range [][]uint64{
		{1 << 62, 2},       // byte size wraps to 0
		{1 << 40, 1 << 40}, // element count wraps
		{1 << 20, 1 << 20}, // fits in 64 bits, not in the file
	} {
		if _, err := Parse(image(dims, nil)); !errors.Is(err, ErrCorrupt) {
			t.Errorf("dims %v: expected ErrCorrupt, got %v", dims, err)
		}
	}

	// Point the only tensor far past the end of the data section.
	img := image([]uint64{4}, []float32{1, 2, 3, 4})
	if _, err := Parse(img); err != nil {
		t.Fatal(err)
	}
	name := []byte("blk.0.ffn_down.weight")
	at := bytes.Index(img, name) + len(name) + 4 + 8 + 4
	binary.LittleEndian.PutUint64(img[at:], 1<<63)
	if _, err := Parse(img); !errors.Is(err, ErrCorrupt) {
		t.Errorf("huge offset: expected ErrCorrupt, got %v", err)
	}

	huge := &TensorInfo{Name: "x", Dims: []uint64{1 << 62, 2}, Type: TypeF32}
	if huge.SizeBytes() != 0 {
		t.Errorf("overflowing size should report 0, got %d", huge.SizeBytes())
	}
	if _, err := huge.Float32s(); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Float32s: expected ErrCorrupt, got %v", err)
	}
}

func TestOpenMapsFile(t *testing.T) {
	const h, m = 2, 2
	img := encode(t, shapeMeta(h, m), []tensorSpec{
		{"blk.0.ffn_gate.weight", []uint64{h, m}, TypeF32, []float32{1, 2, 3, 4}},
		{"blk.0.ffn_up.weight", []uint64{h, m}, TypeF32, []float32{5, 6, 7, 8}},
		{"blk.0.ffn_down.weight", []uint64{m, h}, TypeF32, []float32{1, 0, 0, 1}},
	})
	path := filepath.Join(t.TempDir(), "model.gguf")
	if err := os.WriteFile(path, img, 0o644); err != nil {
		t.Fatal(err)
	}

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := f.LoadFFN(0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	// Decoded weights are copies and survive the unmap.
	if diff := cmp.Diff([]float32{5, 6, 7, 8}, b.Intermediate.Data); diff != "" {
		t.Errorf("intermediate (-want +got):\n%s", diff)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
