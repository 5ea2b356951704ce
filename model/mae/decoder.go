package mae

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/model/layer"
)

type DecoderConfig struct {
	EncoderDim int
	Dim        int
	Depth      int
	Heads      int
	MLPRatio   float32
	PatchSize  int
	Channels   int
	NumPatches int
}

// DecoderOutput holds the patch prediction [N, L, p*p*C] and the output of the
// first decoder block [N, L+1, Dd], summary row included.
type DecoderOutput struct {
	Prediction tensor3d.General
	Mid        tensor3d.General
}

// DecodeBackward takes the gradients of both outputs and returns the latent gradient.
// A zero-sized dMid means the mid feature did not reach the loss.
type DecodeBackward func(dPred, dMid tensor3d.General) (tensor3d.General, error)

// Decoder reconstructs every patch from the visible latent tokens of one encoder pass.
type Decoder struct {
	Embed      *layer.Linear
	MaskToken  *layer.Param
	PosEmbed   *layer.Param
	Blocks     []Block
	Norm       *layer.LayerNorm
	Pred       *layer.Linear
	NumPatches int
}

func NewDecoder(cfg DecoderConfig, ctx *layer.Context, rng *rand.Rand) (*Decoder, error) {
	if cfg.Depth < 1 {
		return nil, fmt.Errorf("decoder depth %d: at least one block is needed for the mid feature", cfg.Depth)
	}
	grid := 1
	for grid*grid < cfg.NumPatches {
		grid++
	}
	if grid*grid != cfg.NumPatches {
		return nil, errShape("decoder: %d patches do not form a square grid", cfg.NumPatches)
	}
	pos, err := SinCosPositionEmbedding(cfg.Dim, grid, true)
	if err != nil {
		return nil, err
	}
	blocks, err := newBlocks("decoder_blocks", cfg.Depth, cfg.Dim, cfg.Heads, cfg.MLPRatio, ctx, rng)
	if err != nil {
		return nil, err
	}

	posEmbed := layer.NewParam("decoder_pos_embed", pos.Data, 1, cfg.NumPatches+1, cfg.Dim)
	posEmbed.Frozen = true
	maskToken := tensor2d.NewNormal(1, cfg.Dim, 0.02, rng)
	return &Decoder{
		Embed:      layer.NewLinear("decoder_embed", cfg.EncoderDim, cfg.Dim, true, rng),
		MaskToken:  layer.NewParam("mask_token", maskToken.Data, 1, 1, cfg.Dim),
		PosEmbed:   posEmbed,
		Blocks:     blocks,
		Norm:       layer.NewLayerNorm("decoder_norm", cfg.Dim, ctx),
		Pred:       layer.NewLinear("decoder_pred", cfg.Dim, cfg.PatchSize*cfg.PatchSize*cfg.Channels, true, rng),
		NumPatches: cfg.NumPatches,
	}, nil
}

// RestoreBackward splits the gradient of a restored sequence into the gradient of the
// visible sequence and the summed gradient of the mask token.
type RestoreBackward func(d tensor3d.General) (tensor3d.General, []float32)

// RestoreTokens undoes the shuffle of the encoder. x is [N, K+1, D] with the summary
// token first. Visible token i goes back to patch index ids_shuffle[i] and every
// removed patch receives maskToken. The result is [N, L+1, D].
func RestoreTokens(x tensor3d.General, maskToken []float32, idsRestore [][]int) (tensor3d.General, RestoreBackward, error) {
	if len(idsRestore) != x.Batches {
		return tensor3d.General{}, nil, errShape("restore: %d index rows for %d samples", len(idsRestore), x.Batches)
	}
	if len(maskToken) != x.Cols {
		return tensor3d.General{}, nil, errShape("restore: mask token width %d, want %d", len(maskToken), x.Cols)
	}
	if x.Rows < 1 {
		return tensor3d.General{}, nil, errShape("restore: sequence has no summary row")
	}
	l := len(idsRestore[0])
	visible := x.Rows - 1
	if visible > l {
		return tensor3d.General{}, nil, errShape("restore: %d visible tokens for %d patches", visible, l)
	}
	for n, ids := range idsRestore {
		if len(ids) != l {
			return tensor3d.General{}, nil, errShape("restore: sample %d has %d indices, want %d", n, len(ids), l)
		}
		for _, idx := range ids {
			if idx < 0 || idx >= l {
				return tensor3d.General{}, nil, errShape("restore: index %d out of range [0, %d)", idx, l)
			}
		}
	}

	y := tensor3d.NewZeros(x.Batches, l+1, x.Cols)
	for n := 0; n < x.Batches; n++ {
		copy(y.Row(n, 0), x.Row(n, 0))
		for i, idx := range idsRestore[n] {
			if idx < visible {
				copy(y.Row(n, i+1), x.Row(n, idx+1))
			} else {
				copy(y.Row(n, i+1), maskToken)
			}
		}
	}

	backward := func(d tensor3d.General) (tensor3d.General, []float32) {
		dx := tensor3d.NewZerosLike(x)
		dMask := make([]float32, x.Cols)
		for n := 0; n < x.Batches; n++ {
			copy(dx.Row(n, 0), d.Row(n, 0))
			for i, idx := range idsRestore[n] {
				dst := dMask
				if idx < visible {
					dst = dx.Row(n, idx+1)
				}
				for c, g := range d.Row(n, i+1) {
					dst[c] += g
				}
			}
		}
		return dx, dMask
	}
	return y, backward, nil
}

func (d *Decoder) Decode(latent tensor3d.General, idsRestore [][]int) (DecoderOutput, DecodeBackward, error) {
	if latent.Rows-1 > d.NumPatches {
		return DecoderOutput{}, nil, errShape("decoder: %d visible tokens for %d patches", latent.Rows-1, d.NumPatches)
	}
	for n, ids := range idsRestore {
		if len(ids) != d.NumPatches {
			return DecoderOutput{}, nil, errShape("decoder: sample %d has %d restore indices, want %d", n, len(ids), d.NumPatches)
		}
	}

	x, embedBackward, err := d.Embed.Forward(latent)
	if err != nil {
		return DecoderOutput{}, nil, err
	}
	x, restoreBackward, err := RestoreTokens(x, d.MaskToken.Value, idsRestore)
	if err != nil {
		return DecoderOutput{}, nil, err
	}
	dim := x.Cols
	for n := 0; n < x.Batches; n++ {
		for l := 0; l < x.Rows; l++ {
			row := x.Row(n, l)
			for i, p := range d.PosEmbed.Value[l*dim : (l+1)*dim] {
				row[i] += p
			}
		}
	}

	mid, midBackward, err := d.Blocks[0].Forward(x)
	if err != nil {
		return DecoderOutput{}, nil, err
	}
	rest := append(blocksSequence(d.Blocks[1:]), d.Norm, d.Pred)
	out, restBackward, err := rest.Forward(mid)
	if err != nil {
		return DecoderOutput{}, nil, err
	}
	pred := out.SliceRows(1, out.Rows)

	backward := func(dPred, dMid tensor3d.General) (tensor3d.General, error) {
		if !dPred.SameShape(pred) {
			return tensor3d.General{}, errShape("decoder: prediction gradient %v, want %v", dPred.Shape(), pred.Shape())
		}
		dOut := tensor3d.NewZerosLike(out)
		for n := 0; n < dPred.Batches; n++ {
			for l := 0; l < dPred.Rows; l++ {
				copy(dOut.Row(n, l+1), dPred.Row(n, l))
			}
		}
		dm, err := restBackward(dOut)
		if err != nil {
			return tensor3d.General{}, err
		}
		if !dMid.IsZero() {
			if !dMid.SameShape(mid) {
				return tensor3d.General{}, errShape("decoder: mid gradient %v, want %v", dMid.Shape(), mid.Shape())
			}
			dm.Axpy(1.0, dMid)
		}
		dx, err := midBackward(dm)
		if err != nil {
			return tensor3d.General{}, err
		}
		dx, dMask := restoreBackward(dx)
		for i, g := range dMask {
			d.MaskToken.Grad[i] += g
		}
		return embedBackward(dx)
	}
	return DecoderOutput{Prediction: pred, Mid: mid}, backward, nil
}

// Parameters lists the decoder parameters in state dict order.
func (d *Decoder) Parameters() layer.Params {
	ps := append(d.Embed.Parameters(), d.MaskToken, d.PosEmbed)
	for _, b := range d.Blocks {
		ps = append(ps, b.Parameters()...)
	}
	ps = append(ps, d.Norm.Parameters()...)
	return append(ps, d.Pred.Parameters()...)
}
