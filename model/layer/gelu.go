package layer

import (
	"github.com/chewxy/math32"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
)

var invSqrt2Pi = 1.0 / math32.Sqrt(2.0*math32.Pi)

// GELU は erf を使う厳密版(nn.GELU の既定)。
type GELU struct{}

func (GELU) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	y := tensor3d.NewZerosLike(x)
	for i, e := range x.Data {
		y.Data[i] = 0.5 * e * (1.0 + math32.Erf(e/math32.Sqrt2))
	}

	backward := func(chain tensor3d.General) (tensor3d.General, error) {
		if !chain.SameShape(x) {
			return tensor3d.General{}, errShape("gelu chain", chain.Shape(), x.Shape())
		}
		dx := tensor3d.NewZerosLike(x)
		for i, e := range x.Data {
			cdf := 0.5 * (1.0 + math32.Erf(e/math32.Sqrt2))
			pdf := math32.Exp(-0.5*e*e) * invSqrt2Pi
			dx.Data[i] = chain.Data[i] * (cdf + e*pdf)
		}
		return dx, nil
	}
	return y, backward, nil
}

func (GELU) Parameters() Params {
	return nil
}
