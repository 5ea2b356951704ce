package layer

import (
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/omw/parallel"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Attention はマルチヘッド自己注意(qkv は一つの Linear、バイアスあり)。
// qkv 出力の各行は (3, heads, headDim) の並び。
type Attention struct {
	QKV   *Linear
	Proj  *Linear
	Heads int
	Ctx   *Context
}

func NewAttention(name string, dim, heads int, ctx *Context, rng *rand.Rand) (*Attention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("%s: dim %d is not divisible by heads %d", name, dim, heads)
	}
	return &Attention{
		QKV:   NewLinear(name+".qkv", dim, 3*dim, true, rng),
		Proj:  NewLinear(name+".proj", dim, dim, true, rng),
		Heads: heads,
		Ctx:   ctx,
	}, nil
}

// headView は qkv (または out) の batch 番目、列 offset から幅 headDim の部分行列。
func headView(x tensor3d.General, batch, offset, headDim int) blas32.General {
	start := batch*x.BatchStride + offset
	end := (batch + 1) * x.BatchStride
	return blas32.General{
		Rows:   x.Rows,
		Cols:   headDim,
		Stride: x.RowStride,
		Data:   x.Data[start:end],
	}
}

func softmaxRows(s blas32.General) {
	for r := 0; r < s.Rows; r++ {
		row := tensor2d.Row(s, r)
		maxV := row[0]
		for _, e := range row[1:] {
			maxV = math32.Max(maxV, e)
		}
		var sum float32
		for i, e := range row {
			row[i] = math32.Exp(e - maxV)
			sum += row[i]
		}
		for i := range row {
			row[i] /= sum
		}
	}
}

func (a *Attention) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	qkv, qkvBackward, err := a.QKV.Forward(x)
	if err != nil {
		return tensor3d.General{}, nil, err
	}

	dim := x.Cols
	headDim := dim / a.Heads
	scale := 1.0 / math32.Sqrt(float32(headDim))
	tokens := x.Rows
	out := tensor3d.NewZeros(x.Batches, tokens, dim)
	probs := make([]blas32.General, x.Batches*a.Heads)

	err = parallel.For(x.Batches*a.Heads, a.Ctx.Parallelism(), func(workerId, idx int) error {
		b, h := idx/a.Heads, idx%a.Heads
		q := headView(qkv, b, h*headDim, headDim)
		k := headView(qkv, b, dim+h*headDim, headDim)
		v := headView(qkv, b, 2*dim+h*headDim, headDim)

		p := tensor2d.NewZeros(tokens, tokens)
		blas32.Gemm(blas.NoTrans, blas.Trans, scale, q, k, 0.0, p)
		softmaxRows(p)
		probs[idx] = p

		o := headView(out, b, h*headDim, headDim)
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, p, v, 0.0, o)
		return nil
	})
	if err != nil {
		return tensor3d.General{}, nil, err
	}

	y, projBackward, err := a.Proj.Forward(out)
	if err != nil {
		return tensor3d.General{}, nil, err
	}

	backward := func(chain tensor3d.General) (tensor3d.General, error) {
		dOut, err := projBackward(chain)
		if err != nil {
			return tensor3d.General{}, err
		}

		// 各 (batch, head) は dqkv の重ならない領域に書くので並列にできる。
		dqkv := tensor3d.NewZerosLike(qkv)
		err = parallel.For(x.Batches*a.Heads, a.Ctx.Parallelism(), func(workerId, idx int) error {
			b, h := idx/a.Heads, idx%a.Heads
			q := headView(qkv, b, h*headDim, headDim)
			k := headView(qkv, b, dim+h*headDim, headDim)
			v := headView(qkv, b, 2*dim+h*headDim, headDim)
			dq := headView(dqkv, b, h*headDim, headDim)
			dk := headView(dqkv, b, dim+h*headDim, headDim)
			dv := headView(dqkv, b, 2*dim+h*headDim, headDim)
			do := headView(dOut, b, h*headDim, headDim)
			p := probs[idx]

			// dV = Pᵀ·dO
			blas32.Gemm(blas.Trans, blas.NoTrans, 1.0, p, do, 0.0, dv)

			// dP = dO·Vᵀ, dS = P ⊙ (dP - rowsum(dP ⊙ P))
			ds := tensor2d.Dot(blas.NoTrans, blas.Trans, do, v)
			for r := 0; r < tokens; r++ {
				pr := tensor2d.Row(p, r)
				dr := tensor2d.Row(ds, r)
				var dot float32
				for i, e := range pr {
					dot += e * dr[i]
				}
				for i, e := range pr {
					dr[i] = e * (dr[i] - dot)
				}
			}

			blas32.Gemm(blas.NoTrans, blas.NoTrans, scale, ds, k, 0.0, dq)
			blas32.Gemm(blas.Trans, blas.NoTrans, scale, ds, q, 0.0, dk)
			return nil
		})
		if err != nil {
			return tensor3d.General{}, err
		}
		return qkvBackward(dqkv)
	}
	return y, backward, nil
}

func (a *Attention) Parameters() Params {
	return append(a.QKV.Parameters(), a.Proj.Parameters()...)
}
