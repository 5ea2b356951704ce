// Package mae implements the masked autoencoder pieces shared by every domain:
// random patch masking, the ViT encoder, a domain decoder that restores masked
// positions, patchify helpers and the per-patch reconstruction loss.
package mae

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/model/layer"
)

var (
	ErrShapeMismatch    = layer.ErrShapeMismatch
	ErrInvalidMaskRatio = errors.New("mask ratio must be in [0, 1)")
)

func errShape(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrShapeMismatch)...)
}

// Block is a Transformer block usable by the encoder and the decoders.
// layer.Block is the default implementation.
type Block interface {
	Forward(x tensor3d.General) (tensor3d.General, layer.Backward, error)
	Parameters() layer.Params
}

func newBlocks(prefix string, depth, dim, heads int, mlpRatio float32, ctx *layer.Context, rng *rand.Rand) ([]Block, error) {
	blocks := make([]Block, depth)
	for i := range blocks {
		b, err := layer.NewBlock(fmt.Sprintf("%s.%d", prefix, i), dim, heads, mlpRatio, ctx, rng)
		if err != nil {
			return nil, err
		}
		blocks[i] = b
	}
	return blocks, nil
}

func blocksSequence(blocks []Block) layer.Sequence {
	seq := make(layer.Sequence, len(blocks))
	for i, b := range blocks {
		seq[i] = b
	}
	return seq
}
