package layer

import (
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/3d"
)

// Block はプレノルムの Transformer ブロック。
//
//	x = x + attn(norm1(x))
//	x = x + mlp(norm2(x))
type Block struct {
	Norm1 *LayerNorm
	Attn  *Attention
	Norm2 *LayerNorm
	MLP   *MLP
}

func NewBlock(name string, dim, heads int, mlpRatio float32, ctx *Context, rng *rand.Rand) (*Block, error) {
	attn, err := NewAttention(name+".attn", dim, heads, ctx, rng)
	if err != nil {
		return nil, err
	}
	return &Block{
		Norm1: NewLayerNorm(name+".norm1", dim, ctx),
		Attn:  attn,
		Norm2: NewLayerNorm(name+".norm2", dim, ctx),
		MLP:   NewMLP(name+".mlp", dim, int(float32(dim)*mlpRatio), rng),
	}, nil
}

func (b *Block) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	return Sequence{
		Residual{Inner: Sequence{b.Norm1, b.Attn}},
		Residual{Inner: Sequence{b.Norm2, b.MLP}},
	}.Forward(x)
}

// Parameters は timm の state dict と同じ順に並べる。
func (b *Block) Parameters() Params {
	ps := b.Norm1.Parameters()
	ps = append(ps, b.Attn.Parameters()...)
	ps = append(ps, b.Norm2.Parameters()...)
	ps = append(ps, b.MLP.Parameters()...)
	return ps
}
