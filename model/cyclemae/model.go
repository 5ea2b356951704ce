// Package cyclemae trains one shared masked-autoencoder encoder with a decoder per
// image domain. Each step scores the in-domain reconstruction, re-encodes every
// domain's prediction to score a cycle reconstruction, and aligns the first decoder
// block features of the cycle pass with a contrastive term.
package cyclemae

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/checkpoint"
	"github.com/sw965/cyclemae/mathx/randx"
	"github.com/sw965/cyclemae/model/layer"
	"github.com/sw965/cyclemae/model/mae"
)

var (
	ErrShapeMismatch      = mae.ErrShapeMismatch
	ErrCheckpointMismatch = checkpoint.ErrMismatch
	ErrNonFiniteLoss      = errors.New("loss is not finite")
	ErrDomainLayout       = errors.New("batch is not domain-contiguous")
)

func errShape(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrShapeMismatch)...)
}

// Decoder is what the model needs from a domain decoder. *mae.Decoder implements it.
type Decoder interface {
	Decode(latent tensor3d.General, idsRestore [][]int) (mae.DecoderOutput, mae.DecodeBackward, error)
	Parameters() layer.Params
}

type Model struct {
	Encoder  *mae.Encoder
	Decoders []Decoder
	Loss     mae.ReconstructionLoss
	Config   Config
	Ctx      *layer.Context
}

func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx := &layer.Context{Parallel: cfg.Parallel}
	rng := randx.New(cfg.Seed)

	enc, err := mae.NewEncoder(cfg.encoderConfig(), ctx, rng)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	decoders := make([]Decoder, cfg.NumDomains)
	for i := range decoders {
		dec, err := mae.NewDecoder(cfg.decoderConfig(), ctx, rng)
		if err != nil {
			return nil, fmt.Errorf("decoder %d: %w", i, err)
		}
		decoders[i] = dec
	}

	m := &Model{
		Encoder:  enc,
		Decoders: decoders,
		Loss:     mae.ReconstructionLoss{PatchSize: cfg.PatchSize, NormPix: cfg.NormPixLoss},
		Config:   cfg,
		Ctx:      ctx,
	}
	slog.Debug("model built", "domains", cfg.NumDomains, "patches", enc.NumPatches(), "parameters", m.Parameters().NumElements())
	return m, nil
}

// Build is NewModel followed by loading Config.PretrainedPath when it is set.
func Build(cfg Config) (*Model, error) {
	m, err := NewModel(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.PretrainedPath != "" {
		if err := m.LoadPretrainedEncoder(cfg.PretrainedPath); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func decoderPrefix(i int) string {
	return fmt.Sprintf("multi_domain_decoders.decoder_%d.", i)
}

// Parameters lists every parameter under its state dict name.
func (m *Model) Parameters() layer.Params {
	ps := m.Encoder.Parameters().Prefixed("encoder.")
	for i, dec := range m.Decoders {
		ps = append(ps, dec.Parameters().Prefixed(decoderPrefix(i))...)
	}
	return ps
}

func (m *Model) ZeroGrad() {
	m.Parameters().ClearGrad()
}

// LoadPretrainedEncoder reads encoder weights from a safetensors file. The key set
// must equal the encoder state dict and every shape must match.
func (m *Model) LoadPretrainedEncoder(path string) error {
	tensors, err := checkpoint.ReadSafetensorsFile(path)
	if err != nil {
		return fmt.Errorf("pretrained encoder %s: %w", path, err)
	}
	if err := checkpoint.Load(m.Encoder.Parameters(), tensors); err != nil {
		return fmt.Errorf("pretrained encoder %s: %w", path, err)
	}
	slog.Info("loaded pretrained encoder", "path", path, "tensors", len(tensors))
	return nil
}
