package layer

import (
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/blas32/tensor/4d"
	"gonum.org/v1/gonum/blas"
)

// PatchEmbed はカーネル = ストライド = PatchSize の畳み込みで画像をトークン列にする。
// 重みは [dim, channels, p, p] で、Linear と同じく xavier で初期化する。
type PatchEmbed struct {
	Weight    *Param
	Bias      *Param
	PatchSize int
	ImageSize int
	Channels  int
}

func NewPatchEmbed(name string, imgSize, patchSize, chs, dim int, rng *rand.Rand) *PatchEmbed {
	w := tensor2d.NewXavierUniform(dim, chs*patchSize*patchSize, rng)
	return &PatchEmbed{
		Weight:    NewParam(name+".weight", w.Data, dim, chs, patchSize, patchSize),
		Bias:      NewParam(name+".bias", make([]float32, dim), dim),
		PatchSize: patchSize,
		ImageSize: imgSize,
		Channels:  chs,
	}
}

func (pe *PatchEmbed) GridSize() int {
	return pe.ImageSize / pe.PatchSize
}

func (pe *PatchEmbed) NumPatches() int {
	g := pe.GridSize()
	return g * g
}

// Forward は [N, C, H, W] を [N, L, dim] にする。画像は学習対象ではないので、
// 返す関数はパラメータの勾配だけを加算する。
func (pe *PatchEmbed) Forward(img tensor4d.General) (tensor3d.General, func(tensor3d.General) error, error) {
	if img.Channels != pe.Channels || img.Rows != pe.ImageSize || img.Cols != pe.ImageSize {
		return tensor3d.General{}, nil, errShape("patch embed input",
			img.Shape(), [4]int{img.Batches, pe.Channels, pe.ImageSize, pe.ImageSize})
	}
	col, err := img.ToPatchCol(pe.PatchSize)
	if err != nil {
		return tensor3d.General{}, nil, err
	}

	w := pe.Weight.Matrix()
	y2 := tensor2d.Dot(blas.NoTrans, blas.Trans, col, w)
	tensor2d.AddRowVector(y2, pe.Bias.Value)
	y, err := tensor3d.FromGeneral(y2, img.Batches)
	if err != nil {
		return tensor3d.General{}, nil, err
	}

	backward := func(chain tensor3d.General) error {
		if !chain.SameShape(y) {
			return errShape("patch embed chain", chain.Shape(), y.Shape())
		}
		c2 := chain.AsGeneral()
		tensor2d.DotAdd(blas.Trans, blas.NoTrans, c2, col, pe.Weight.GradMatrix())
		for i, e := range tensor2d.Sum0(c2).Data {
			pe.Bias.Grad[i] += e
		}
		return nil
	}
	return y, backward, nil
}

func (pe *PatchEmbed) Parameters() Params {
	return Params{pe.Weight, pe.Bias}
}
