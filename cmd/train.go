package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/sw965/cyclemae/checkpoint"
	"github.com/sw965/cyclemae/dataset"
	"github.com/sw965/cyclemae/envconfig"
	"github.com/sw965/cyclemae/mathx/randx"
	"github.com/sw965/cyclemae/model/cyclemae"
	"github.com/sw965/cyclemae/optimizer"
)

func NewTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train --domain DIR --domain DIR ...",
		Short: "Train on one image folder per domain",
		Args:  cobra.NoArgs,
		RunE:  trainHandler,
	}

	def := cyclemae.DefaultConfig()
	flags := cmd.Flags()
	flags.StringArray("domain", nil, "Image folder of a domain, in domain order (repeat per domain)")
	flags.Int("batch-per-domain", 1, "Images sampled from each domain per step")
	flags.Int("steps", 100, "Number of optimizer steps")
	flags.Float64("mask-ratio", 0.75, "Fraction of patches removed before encoding")
	flags.Float32("lr", 1e-4, "Learning rate")
	flags.Float32("momentum", 0.9, "Momentum rate")
	flags.Float32("weight-decay", 0, "L2 penalty coefficient")

	flags.Int("image-size", def.ImageSize, "Image side length")
	flags.Int("patch-size", def.PatchSize, "Patch side length")
	flags.Int("encoder-dim", def.EncoderDim, "Encoder width")
	flags.Int("encoder-depth", def.EncoderDepth, "Encoder blocks")
	flags.Int("encoder-heads", def.EncoderHeads, "Encoder attention heads")
	flags.Int("decoder-dim", def.DecoderDim, "Decoder width")
	flags.Int("decoder-depth", def.DecoderDepth, "Decoder blocks")
	flags.Int("decoder-heads", def.DecoderHeads, "Decoder attention heads")
	flags.Float32("mlp-ratio", def.MLPRatio, "MLP hidden width over block width")
	flags.Bool("norm-pix", def.NormPixLoss, "Normalize target patches by their own mean and variance")
	flags.Float32("tao", def.Tao, "Contrastive temperature")

	flags.String("pretrained", "", "Safetensors file with encoder weights")
	flags.String("resume", "", "Snapshot to resume from")
	flags.String("out", ".", "Output directory")
	flags.Int("snapshot-every", 0, "Write a snapshot every N steps (0 disables)")
	flags.String("export-dtype", checkpoint.DTypeF32, "Storage type of the exported weights (F32 or F16)")
	return cmd
}

type trainOptions struct {
	Domains        []string
	BatchPerDomain int
	Steps          int
	MaskRatio      float64
	LearningRate   float32
	Momentum       float32
	WeightDecay    float32
	Resume         string
	Out            string
	SnapshotEvery  int
	ExportDType    string
}

func parseTrainFlags(cmd *cobra.Command) (cyclemae.Config, trainOptions, error) {
	flags := cmd.Flags()
	var errs []error
	getInt := func(name string) int {
		v, err := flags.GetInt(name)
		errs = append(errs, err)
		return v
	}
	getFloat := func(name string) float32 {
		v, err := flags.GetFloat32(name)
		errs = append(errs, err)
		return v
	}
	getFloat64 := func(name string) float64 {
		v, err := flags.GetFloat64(name)
		errs = append(errs, err)
		return v
	}
	getString := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)
		return v
	}

	domains, err := flags.GetStringArray("domain")
	errs = append(errs, err)
	normPix, err := flags.GetBool("norm-pix")
	errs = append(errs, err)

	cfg := cyclemae.DefaultConfig()
	cfg.NumDomains = len(domains)
	cfg.Channels = 3
	cfg.ImageSize = getInt("image-size")
	cfg.PatchSize = getInt("patch-size")
	cfg.EncoderDim = getInt("encoder-dim")
	cfg.EncoderDepth = getInt("encoder-depth")
	cfg.EncoderHeads = getInt("encoder-heads")
	cfg.DecoderDim = getInt("decoder-dim")
	cfg.DecoderDepth = getInt("decoder-depth")
	cfg.DecoderHeads = getInt("decoder-heads")
	cfg.MLPRatio = getFloat("mlp-ratio")
	cfg.NormPixLoss = normPix
	cfg.Tao = getFloat("tao")
	cfg.PretrainedPath = getString("pretrained")
	cfg.Parallel = envconfig.NumParallel
	cfg.Seed = envconfig.Seed

	opts := trainOptions{
		Domains:        domains,
		BatchPerDomain: getInt("batch-per-domain"),
		Steps:          getInt("steps"),
		MaskRatio:      getFloat64("mask-ratio"),
		LearningRate:   getFloat("lr"),
		Momentum:       getFloat("momentum"),
		WeightDecay:    getFloat("weight-decay"),
		Resume:         getString("resume"),
		Out:            getString("out"),
		SnapshotEvery:  getInt("snapshot-every"),
		ExportDType:    getString("export-dtype"),
	}
	if err := errors.Join(errs...); err != nil {
		return cyclemae.Config{}, trainOptions{}, err
	}
	if len(domains) == 0 {
		return cyclemae.Config{}, trainOptions{}, errors.New("at least one --domain is required")
	}
	return cfg, opts, cfg.Validate()
}

func trainHandler(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, opts, err := parseTrainFlags(cmd)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(opts.Out, 0o755); err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := slog.With("run", runID)
	domains, err := dataset.OpenDomains(opts.Domains...)
	if err != nil {
		return err
	}
	model, err := cyclemae.Build(cfg)
	if err != nil {
		return err
	}
	params := model.Parameters()

	start := 0
	if opts.Resume != "" {
		snap, err := checkpoint.LoadSnapshot(opts.Resume)
		if err != nil {
			return err
		}
		if err := snap.Restore(params); err != nil {
			return err
		}
		start = snap.Step
		logger.Info("resumed", "path", opts.Resume, "step", start)
	}

	opt := optimizer.NewMomentum(params)
	opt.LearningRate = opts.LearningRate
	opt.MomentumRate = opts.Momentum
	opt.WeightDecay = opts.WeightDecay

	sampler := &dataset.Sampler{
		Domains:        domains,
		Transform:      dataset.NewTransform(cfg.ImageSize),
		BatchPerDomain: opts.BatchPerDomain,
		Parallel:       cfg.Parallel,
		Rng:            randx.New(cfg.Seed),
	}

	logger.Info("training", "domains", domains.Names, "steps", opts.Steps, "parameters", params.NumElements())
	for step := start; step < opts.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := sampler.Next(ctx)
		if err != nil {
			return err
		}

		model.ZeroGrad()
		losses, backward, err := model.ForwardLabeled(batch.Images, batch.Images, batch.Labels, opts.MaskRatio)
		if err != nil {
			return fmt.Errorf("step %d: %w", step+1, err)
		}
		if err := backward(); err != nil {
			return fmt.Errorf("step %d: %w", step+1, err)
		}
		if err := opt.Optimize(); err != nil {
			return err
		}
		logger.Info("step", "step", step+1, "loss", losses.Total,
			"reconstruction", losses.Reconstruction, "cycle", losses.Cycle, "contrastive", losses.Contrastive)

		if opts.SnapshotEvery > 0 && (step+1)%opts.SnapshotEvery == 0 {
			path := filepath.Join(opts.Out, fmt.Sprintf("step-%06d.gob", step+1))
			if err := checkpoint.SaveSnapshot(checkpoint.NewSnapshot(runID, step+1, params), path); err != nil {
				return err
			}
			logger.Debug("snapshot", "path", path)
		}
	}

	path := filepath.Join(opts.Out, "model.safetensors")
	if err := checkpoint.WriteSafetensorsFile(path, checkpoint.StateDict(params), opts.ExportDType); err != nil {
		return err
	}
	logger.Info("exported", "path", path, "dtype", opts.ExportDType)
	return nil
}
