package mae

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/blas32/tensor/4d"
	"github.com/sw965/cyclemae/model/layer"
)

type EncoderConfig struct {
	ImageSize int
	PatchSize int
	Channels  int
	Dim       int
	Depth     int
	Heads     int
	MLPRatio  float32
}

func (c EncoderConfig) Validate() error {
	if c.PatchSize <= 0 || c.ImageSize%c.PatchSize != 0 {
		return errShape("image size %d is not divisible by patch size %d", c.ImageSize, c.PatchSize)
	}
	if c.Channels <= 0 || c.Dim <= 0 || c.Depth < 0 {
		return fmt.Errorf("invalid encoder config %+v", c)
	}
	return nil
}

// Encoder is a ViT that only sees the patches surviving a random mask.
// Parameter names follow the MAE pretraining state dict.
type Encoder struct {
	PatchEmbed *layer.PatchEmbed
	ClsToken   *layer.Param
	PosEmbed   *layer.Param
	Blocks     []Block
	Norm       *layer.LayerNorm
	Masker     *Masker
}

func NewEncoder(cfg EncoderConfig, ctx *layer.Context, rng *rand.Rand) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pe := layer.NewPatchEmbed("patch_embed.proj", cfg.ImageSize, cfg.PatchSize, cfg.Channels, cfg.Dim, rng)
	pos, err := SinCosPositionEmbedding(cfg.Dim, pe.GridSize(), true)
	if err != nil {
		return nil, err
	}
	blocks, err := newBlocks("blocks", cfg.Depth, cfg.Dim, cfg.Heads, cfg.MLPRatio, ctx, rng)
	if err != nil {
		return nil, err
	}

	posEmbed := layer.NewParam("pos_embed", pos.Data, 1, pe.NumPatches()+1, cfg.Dim)
	posEmbed.Frozen = true
	cls := tensor2d.NewNormal(1, cfg.Dim, 0.02, rng)
	return &Encoder{
		PatchEmbed: pe,
		ClsToken:   layer.NewParam("cls_token", cls.Data, 1, 1, cfg.Dim),
		PosEmbed:   posEmbed,
		Blocks:     blocks,
		Norm:       layer.NewLayerNorm("norm", cfg.Dim, ctx),
		Masker:     &Masker{Rng: rng, Ctx: ctx},
	}, nil
}

func (e *Encoder) Dim() int {
	return e.ClsToken.N()
}

func (e *Encoder) NumPatches() int {
	return e.PatchEmbed.NumPatches()
}

func (e *Encoder) posRow(i int) []float32 {
	dim := e.Dim()
	return e.PosEmbed.Value[i*dim : (i+1)*dim]
}

// EncodeBackward accumulates encoder parameter gradients for dLatent.
// The input image gets no gradient.
type EncodeBackward func(dLatent tensor3d.General) error

// Encode returns the latent [N, len_keep+1, D] whose first row is the summary token.
func (e *Encoder) Encode(img tensor4d.General, ratio float64) (tensor3d.General, MaskingState, EncodeBackward, error) {
	if err := ValidateMaskRatio(ratio); err != nil {
		return tensor3d.General{}, MaskingState{}, nil, err
	}
	tokens, peBackward, err := e.PatchEmbed.Forward(img)
	if err != nil {
		return tensor3d.General{}, MaskingState{}, nil, err
	}
	for n := 0; n < tokens.Batches; n++ {
		for l := 0; l < tokens.Rows; l++ {
			row := tokens.Row(n, l)
			for i, p := range e.posRow(l + 1) {
				row[i] += p
			}
		}
	}

	kept, state, err := e.Masker.Mask(tokens, ratio)
	if err != nil {
		return tensor3d.General{}, MaskingState{}, nil, err
	}

	dim := e.Dim()
	x := tensor3d.NewZeros(kept.Batches, kept.Rows+1, dim)
	pos0 := e.posRow(0)
	for n := 0; n < x.Batches; n++ {
		cls := x.Row(n, 0)
		for i := range cls {
			cls[i] = e.ClsToken.Value[i] + pos0[i]
		}
		for l := 0; l < kept.Rows; l++ {
			copy(x.Row(n, l+1), kept.Row(n, l))
		}
	}

	seq := append(blocksSequence(e.Blocks), e.Norm)
	latent, seqBackward, err := seq.Forward(x)
	if err != nil {
		return tensor3d.General{}, MaskingState{}, nil, err
	}

	backward := func(dLatent tensor3d.General) error {
		if !dLatent.SameShape(latent) {
			return errShape("encoder: latent gradient %v, want %v", dLatent.Shape(), latent.Shape())
		}
		dx, err := seqBackward(dLatent)
		if err != nil {
			return err
		}
		for n := 0; n < dx.Batches; n++ {
			for i, g := range dx.Row(n, 0) {
				e.ClsToken.Grad[i] += g
			}
		}
		dTokens := tensor3d.NewZerosLike(tokens)
		dx.SliceRows(1, dx.Rows).ScatterAddRows(state.IDsKeep, dTokens)
		return peBackward(dTokens)
	}
	return latent, state, backward, nil
}

// Parameters lists the encoder parameters in state dict order.
func (e *Encoder) Parameters() layer.Params {
	ps := layer.Params{e.ClsToken, e.PosEmbed}
	ps = append(ps, e.PatchEmbed.Parameters()...)
	for _, b := range e.Blocks {
		ps = append(ps, b.Parameters()...)
	}
	return append(ps, e.Norm.Parameters()...)
}
