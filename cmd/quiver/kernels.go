package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/attention"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/cpu"
)

func stdout(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func kernelsCmd() *cli.Command {
	return &cli.Command{
		Name:  "kernels",
		Usage: "list the compiled attention kernels and the key this host resolves",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return printKernels(stdout(cmd), cfg)
		},
	}
}

// resolvedKey maps the attention section of cfg onto a registry key for the
// host.
func resolvedKey(cfg config.Config) (attention.Key, error) {
	dtype, err := cpu.ParseDataType(cfg.Precision)
	if err != nil {
		return attention.Key{}, err
	}
	layout, err := attention.ParseLayout(cfg.Attention.CacheLayout)
	if err != nil {
		return attention.Key{}, err
	}
	return attention.Resolve(dtype, cfg.Attention.HeadDim, layout), nil
}

func printKernels(w io.Writer, cfg config.Config) error {
	keys := attention.Keys()
	fmt.Fprintf(w, "compiled for %s/%s: %d kernels\n", runtime.GOOS, runtime.GOARCH, len(keys))
	for _, k := range keys {
		fmt.Fprintf(w, "  %s\n", k)
	}
	fmt.Fprintf(w, "native: %s\n", attention.Native())

	key, err := resolvedKey(cfg)
	if err != nil {
		return err
	}
	kernel, ok := attention.Lookup(key)
	if !ok {
		return fmt.Errorf("no attention kernel compiled for %s", key)
	}
	fmt.Fprintf(w, "resolved: %s\n", key)

	if err := smokeDecode(kernel, key, cfg.Attention.BlockSize); err != nil {
		return fmt.Errorf("decode check %s: %w", key, err)
	}
	fmt.Fprintln(w, "decode check: ok")
	return nil
}

// smokeDecode fills a small cache with one-hot values and checks that a
// query aligned with the last position attends to it.
func smokeDecode(kernel attention.Kernel, key attention.Key, blockSize int) error {
	const kvHeads, heads, positions = 1, 2, 3
	d := key.HeadDim
	cache, err := attention.NewCache(key.Layout, kvHeads, d, positions, blockSize)
	if err != nil {
		return err
	}
	for pos := 0; pos < positions; pos++ {
		row := make([]float32, d)
		row[pos%d] = 1
		if err := cache.Append(row, row); err != nil {
			return err
		}
	}
	q := make([]float32, heads*d)
	for h := 0; h < heads; h++ {
		q[h*d+(positions-1)%d] = 64
	}
	out := make([]float32, heads*d)
	p := cache.Params(q, out, heads)
	p.Scale = 1
	if err := kernel(p); err != nil {
		return err
	}
	for h := 0; h < heads; h++ {
		if got := out[h*d+(positions-1)%d]; got < 0.99 {
			return fmt.Errorf("head %d attends %.3f to the aligned position", h, got)
		}
	}
	return nil
}
