package layer

import (
	"github.com/chewxy/math32"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/omw/parallel"
)

const LayerNormEps = 1e-5

// LayerNorm は最後の次元で正規化する。
type LayerNorm struct {
	Weight *Param
	Bias   *Param
	Eps    float32
	Ctx    *Context
}

func NewLayerNorm(name string, dim int, ctx *Context) *LayerNorm {
	gamma := make([]float32, dim)
	for i := range gamma {
		gamma[i] = 1.0
	}
	return &LayerNorm{
		Weight: NewParam(name+".weight", gamma, dim),
		Bias:   NewParam(name+".bias", make([]float32, dim), dim),
		Eps:    LayerNormEps,
		Ctx:    ctx,
	}
}

func (ln *LayerNorm) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	dim := ln.Weight.N()
	if x.Cols != dim {
		return tensor3d.General{}, nil, errShape(ln.Weight.Name+" input", x.Cols, dim)
	}

	xhat := tensor3d.NewZerosLike(x)
	y := tensor3d.NewZerosLike(x)
	rstds := make([]float32, x.Batches*x.Rows)
	gamma := ln.Weight.Value
	beta := ln.Bias.Value
	n := float32(dim)

	err := parallel.For(x.Batches, ln.Ctx.Parallelism(), func(workerId, b int) error {
		for r := 0; r < x.Rows; r++ {
			xr := x.Row(b, r)
			var mean float32
			for _, e := range xr {
				mean += e
			}
			mean /= n
			var variance float32
			for _, e := range xr {
				d := e - mean
				variance += d * d
			}
			variance /= n
			rstd := 1.0 / math32.Sqrt(variance+ln.Eps)
			rstds[b*x.Rows+r] = rstd

			hr := xhat.Row(b, r)
			yr := y.Row(b, r)
			for i, e := range xr {
				h := (e - mean) * rstd
				hr[i] = h
				yr[i] = h*gamma[i] + beta[i]
			}
		}
		return nil
	})
	if err != nil {
		return tensor3d.General{}, nil, err
	}

	backward := func(chain tensor3d.General) (tensor3d.General, error) {
		if !chain.SameShape(x) {
			return tensor3d.General{}, errShape(ln.Weight.Name+" chain", chain.Shape(), x.Shape())
		}
		dx := tensor3d.NewZerosLike(x)
		dxhat := make([]float32, dim)
		for b := 0; b < x.Batches; b++ {
			for r := 0; r < x.Rows; r++ {
				cr := chain.Row(b, r)
				hr := xhat.Row(b, r)
				var sumD, sumDH float32
				for i, c := range cr {
					ln.Weight.Grad[i] += c * hr[i]
					ln.Bias.Grad[i] += c
					d := c * gamma[i]
					dxhat[i] = d
					sumD += d
					sumDH += d * hr[i]
				}
				meanD := sumD / n
				meanDH := sumDH / n
				rstd := rstds[b*x.Rows+r]
				dr := dx.Row(b, r)
				for i := range dr {
					dr[i] = rstd * (dxhat[i] - meanD - hr[i]*meanDH)
				}
			}
		}
		return dx, nil
	}
	return y, backward, nil
}

func (ln *LayerNorm) Parameters() Params {
	return Params{ln.Weight, ln.Bias}
}
