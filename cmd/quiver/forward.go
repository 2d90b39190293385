package main

import (
	"context"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-quiver/internal/ffn"
	"github.com/23skdu/longbow-quiver/internal/gguf"
	"github.com/23skdu/longbow-quiver/internal/kernels"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/ollama"
)

func forwardCmd() *cli.Command {
	return &cli.Command{
		Name:  "forward",
		Usage: "run one FFN forward over a deterministic synthetic bundle",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Value: "separate", Usage: "fused-silu, fused or separate"},
			&cli.IntFlag{Name: "tokens", Value: 4, Usage: "batch rows"},
			&cli.IntFlag{Name: "hidden", Value: 64, Usage: "hidden width"},
			&cli.IntFlag{Name: "inter", Value: 172, Usage: "intermediate width"},
			&cli.IntFlag{Name: "gate-rank", Usage: "LoRA rank on the gating projection (separate mode)"},
			&cli.IntFlag{Name: "adapter", Value: kernels.NoAdapter, Usage: "LoRA adapter applied to every token (-1 for none)"},
			&cli.IntFlag{Name: "layer", Usage: "layer id attached to anomaly reports"},
			&cli.IntFlag{Name: "repeat", Value: 1, Usage: "number of forwards over the same buffers"},
			&cli.Uint64Flag{Name: "seed", Value: 1, Usage: "weight and input seed"},
			&cli.StringFlag{Name: "trace", Usage: "write the anomaly history to this JSON file"},
			&cli.StringFlag{Name: "gguf", Usage: "GGUF path or Ollama model reference to load block weights from"},
			&cli.BoolFlag{Name: "fused-silu", Usage: "with --gguf, run a stacked gate/up weight through the fused-activation kernel"},
		},
		Action: runForward,
	}
}

func runForward(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tokens := int(cmd.Int("tokens"))
	if tokens < 0 {
		return fmt.Errorf("tokens must be non-negative, got %d", tokens)
	}
	repeat := int(cmd.Int("repeat"))
	if repeat < 1 {
		repeat = 1
	}
	sh := shape{
		Hidden:   int(cmd.Int("hidden")),
		Inter:    int(cmd.Int("inter")),
		GateRank: int(cmd.Int("gate-rank")),
		Seed:     cmd.Uint64("seed"),
	}
	layerID := int(cmd.Int("layer"))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess, err := newSession(ctx, cfg, layerID+1)
	if err != nil {
		return err
	}
	defer sess.close(cancel)

	var bundle *ffn.WeightBundle
	if path := cmd.String("gguf"); path != "" {
		bundle, sh.Hidden, err = loadBundle(path, layerID, cmd.Bool("fused-silu"))
	} else {
		mode, ok := ffn.ParseMode(cmd.String("mode"))
		if !ok {
			return fmt.Errorf("unknown mode %q", cmd.String("mode"))
		}
		bundle, err = syntheticBundle(mode, sh)
	}
	if err != nil {
		return err
	}

	mask := uniformMask(tokens, int(cmd.Int("adapter")))
	res, err := forwardOnce(sess, bundle, sh.Hidden, tokens, layerID, repeat, sh.Seed, mask)
	if err != nil {
		return err
	}
	printForward(stdout(cmd), res)

	if path := cmd.String("trace"); path != "" {
		if err := sess.tracker.SaveToFile(path); err != nil {
			return fmt.Errorf("write trace: %w", err)
		}
		logger.Log.Info("anomaly trace written", "path", path)
	}
	return nil
}

type forwardResult struct {
	Mode          ffn.Mode
	Tokens        int
	Hidden        int
	Stats         stats
	Primary, Lora int
	Corrections   int
}

// loadBundle reads one block of a GGUF model. ref is a file path or an
// Ollama model reference.
func loadBundle(ref string, layer int, fusedSilu bool) (*ffn.WeightBundle, int, error) {
	path, err := ollama.Resolve(ref)
	if err != nil {
		return nil, 0, err
	}
	f, err := gguf.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()
	b, s, err := f.LoadFFN(layer, fusedSilu)
	if err != nil {
		return nil, 0, err
	}
	logger.Log.Info("loaded ffn block", "path", path, "arch", s.Arch, "layer", layer,
		"hidden", s.Hidden, "inter", s.Inter, "mode", ffn.SelectMode(b).String())
	return b, s.Hidden, nil
}

// uniformMask selects adapter for every token, or returns nil for
// kernels.NoAdapter.
func uniformMask(tokens, adapter int) []int {
	if adapter == kernels.NoAdapter || tokens == 0 {
		return nil
	}
	mask := make([]int, tokens)
	for i := range mask {
		mask[i] = adapter
	}
	return mask
}

// forwardOnce runs repeat forwards of bundle through one layer instance
// over a seeded synthetic input.
func forwardOnce(sess *session, bundle *ffn.WeightBundle, hidden, tokens, layerID, repeat int, seed uint64, mask []int) (forwardResult, error) {
	mode := ffn.SelectMode(bundle)
	in, err := sess.ctx.TensorFrom("ffn_input", tokens, hidden, syntheticInput(tokens, hidden, seed))
	if err != nil {
		return forwardResult{}, err
	}
	defer in.Free()
	out := sess.ctx.NewTensor("ffn_output", tokens, hidden)
	defer out.Free()

	layer := sess.layer()
	for i := 0; i < repeat; i++ {
		if err := layer.Forward(ffn.Outputs{Output: out}, ffn.Inputs{Input: in, LayerID: layerID, LoraMask: mask}, bundle); err != nil {
			return forwardResult{}, err
		}
	}

	host, err := out.ToHost()
	if err != nil {
		return forwardResult{}, err
	}
	primary, lora := layer.Capacity()
	res := forwardResult{
		Mode:    mode,
		Tokens:  tokens,
		Hidden:  hidden,
		Stats:   summarize(host),
		Primary: primary,
		Lora:    lora,
	}
	for _, tr := range sess.tracker.Snapshot() {
		res.Corrections += tr.NaNs + tr.Infs + tr.Clamped
	}
	return res, nil
}

func printForward(w io.Writer, r forwardResult) {
	fmt.Fprintf(w, "mode:        %s\n", r.Mode)
	fmt.Fprintf(w, "output:      %d x %d\n", r.Tokens, r.Hidden)
	fmt.Fprintf(w, "min/max:     %.6g / %.6g\n", r.Stats.Min, r.Stats.Max)
	fmt.Fprintf(w, "mean/rms:    %.6g / %.6g\n", r.Stats.Mean, r.Stats.RMS)
	fmt.Fprintf(w, "non-finite:  %d\n", r.Stats.NonFinite)
	fmt.Fprintf(w, "corrections: %d\n", r.Corrections)
	fmt.Fprintf(w, "capacity:    primary=%d lora=%d\n", r.Primary, r.Lora)
}
