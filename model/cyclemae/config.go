package cyclemae

import (
	"fmt"

	"github.com/sw965/cyclemae/model/mae"
)

// LossWeights scales the three loss terms before they are summed.
type LossWeights struct {
	Reconstruction float32
	Cycle          float32
	Contrastive    float32
}

func DefaultLossWeights() LossWeights {
	return LossWeights{Reconstruction: 1, Cycle: 2, Contrastive: 2}
}

const DefaultTao = 100000

type Config struct {
	NumDomains int

	ImageSize int
	PatchSize int
	Channels  int

	EncoderDim   int
	EncoderDepth int
	EncoderHeads int

	DecoderDim   int
	DecoderDepth int
	DecoderHeads int

	MLPRatio    float32
	NormPixLoss bool

	// Tao is the temperature of the contrastive similarity.
	Tao     float32
	Weights LossWeights

	// Parallel is the worker count of the data-parallel loops. 0 means runtime.NumCPU().
	Parallel int
	// Seed fixes initialisation and masking. 0 draws a fresh seed.
	Seed uint64

	// PretrainedPath is an optional safetensors file holding encoder weights.
	PretrainedPath string
}

// DefaultConfig is a ViT-Large encoder with three 8-block decoders.
func DefaultConfig() Config {
	return Config{
		NumDomains:   3,
		ImageSize:    224,
		PatchSize:    16,
		Channels:     3,
		EncoderDim:   1024,
		EncoderDepth: 24,
		EncoderHeads: 16,
		DecoderDim:   1024,
		DecoderDepth: 8,
		DecoderHeads: 16,
		MLPRatio:     4,
		Tao:          DefaultTao,
		Weights:      DefaultLossWeights(),
	}
}

func (c Config) Validate() error {
	if c.NumDomains < 1 {
		return fmt.Errorf("number of domains must be positive, got %d", c.NumDomains)
	}
	if c.DecoderDepth < 1 {
		return fmt.Errorf("decoder depth must be positive, got %d", c.DecoderDepth)
	}
	if !(c.Tao > 0) {
		return fmt.Errorf("tao must be positive, got %v", c.Tao)
	}
	if c.MLPRatio <= 0 {
		return fmt.Errorf("mlp ratio must be positive, got %v", c.MLPRatio)
	}
	return c.encoderConfig().Validate()
}

func (c Config) encoderConfig() mae.EncoderConfig {
	return mae.EncoderConfig{
		ImageSize: c.ImageSize,
		PatchSize: c.PatchSize,
		Channels:  c.Channels,
		Dim:       c.EncoderDim,
		Depth:     c.EncoderDepth,
		Heads:     c.EncoderHeads,
		MLPRatio:  c.MLPRatio,
	}
}

func (c Config) decoderConfig() mae.DecoderConfig {
	grid := c.ImageSize / c.PatchSize
	return mae.DecoderConfig{
		EncoderDim: c.EncoderDim,
		Dim:        c.DecoderDim,
		Depth:      c.DecoderDepth,
		Heads:      c.DecoderHeads,
		MLPRatio:   c.MLPRatio,
		PatchSize:  c.PatchSize,
		Channels:   c.Channels,
		NumPatches: grid * grid,
	}
}
