package layer

import (
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"gonum.org/v1/gonum/blas"
)

// Linear は y = x·Wᵀ + b。W は torch と同じ [out, in]。
type Linear struct {
	Weight *Param
	Bias   *Param
}

func NewLinear(name string, in, out int, bias bool, rng *rand.Rand) *Linear {
	w := tensor2d.NewXavierUniform(out, in, rng)
	l := &Linear{Weight: NewParam(name+".weight", w.Data, out, in)}
	if bias {
		l.Bias = NewParam(name+".bias", make([]float32, out), out)
	}
	return l
}

func (l *Linear) In() int {
	return l.Weight.Shape[1]
}

func (l *Linear) Out() int {
	return l.Weight.Shape[0]
}

func (l *Linear) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	if x.Cols != l.In() {
		return tensor3d.General{}, nil, errShape(l.Weight.Name+" input", x.Cols, l.In())
	}

	x2 := x.AsGeneral()
	w := l.Weight.Matrix()
	y2 := tensor2d.Dot(blas.NoTrans, blas.Trans, x2, w)
	if l.Bias != nil {
		tensor2d.AddRowVector(y2, l.Bias.Value)
	}
	y, err := tensor3d.FromGeneral(y2, x.Batches)
	if err != nil {
		return tensor3d.General{}, nil, err
	}

	backward := func(chain tensor3d.General) (tensor3d.General, error) {
		if !chain.SameShape(y) {
			return tensor3d.General{}, errShape(l.Weight.Name+" chain", chain.Shape(), y.Shape())
		}
		c2 := chain.AsGeneral()
		// dW += chainᵀ·x
		tensor2d.DotAdd(blas.Trans, blas.NoTrans, c2, x2, l.Weight.GradMatrix())
		if l.Bias != nil {
			for i, e := range tensor2d.Sum0(c2).Data {
				l.Bias.Grad[i] += e
			}
		}
		dx2 := tensor2d.Dot(blas.NoTrans, blas.NoTrans, c2, w)
		return tensor3d.FromGeneral(dx2, x.Batches)
	}
	return y, backward, nil
}

func (l *Linear) Parameters() Params {
	if l.Bias == nil {
		return Params{l.Weight}
	}
	return Params{l.Weight, l.Bias}
}
