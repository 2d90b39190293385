// Command gen_gguf writes a small GGUF model holding only FFN blocks with
// random weights, for exercising quiver forward --gguf.
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"

	"github.com/23skdu/longbow-quiver/internal/gguf"
)

func main() {
	out := flag.String("o", "ffn.gguf", "output path")
	hidden := flag.Int("hidden", 64, "embedding length")
	inter := flag.Int("inter", 172, "feed-forward length")
	layers := flag.Int("layers", 2, "block count")
	stacked := flag.Bool("stacked", false, "store gate and up as one ffn_up tensor of 2*inter rows")
	f16 := flag.Bool("f16", false, "store weights as F16")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()

	if err := generate(*out, *hidden, *inter, *layers, *stacked, *f16, *seed); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("wrote %s (hidden=%d inter=%d layers=%d stacked=%v)\n", *out, *hidden, *inter, *layers, *stacked)
}

func generate(path string, h, m, layers int, stacked, f16 bool, seed uint64) error {
	if h <= 0 || m <= 0 || layers <= 0 {
		return fmt.Errorf("hidden, inter and layers must be positive")
	}
	rng := rand.New(rand.NewPCG(seed, seed+1))
	weights := func(in, out int) []float32 {
		std := 1 / math.Sqrt(float64(in))
		w := make([]float32, in*out)
		for i := range w {
			w[i] = float32(rng.NormFloat64() * std)
		}
		return w
	}

	w := gguf.NewWriter()
	w.SetString("general.architecture", "llama")
	w.SetString("general.name", "quiver-synthetic-ffn")
	w.SetUint32("general.alignment", gguf.DefaultAlignment)
	w.SetUint32("llama.embedding_length", uint32(h))
	w.SetUint32("llama.feed_forward_length", uint32(m))
	w.SetUint32("llama.block_count", uint32(layers))

	add := w.AddF32
	if f16 {
		add = w.AddF16
	}
	for l := 0; l < layers; l++ {
		name := func(p string) string { return fmt.Sprintf("blk.%d.%s.weight", l, p) }
		if stacked {
			add(name("ffn_up"), []uint64{uint64(h), uint64(2 * m)}, weights(h, 2*m))
		} else {
			add(name("ffn_gate"), []uint64{uint64(h), uint64(m)}, weights(h, m))
			add(name("ffn_up"), []uint64{uint64(h), uint64(m)}, weights(h, m))
		}
		add(name("ffn_down"), []uint64{uint64(m), uint64(h)}, weights(m, h))
	}
	return w.WriteFile(path)
}
