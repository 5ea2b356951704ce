package vector

import (
	"math/rand/v2"
	"slices"

	"github.com/chewxy/math32"
	"github.com/sw965/cyclemae/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(n int) blas32.Vector {
	return blas32.Vector{
		N:    n,
		Inc:  1,
		Data: make([]float32, n),
	}
}

func NewZerosLike(vec blas32.Vector) blas32.Vector {
	return NewZeros(vec.N)
}

func NewRademacher(n int, rng *rand.Rand) blas32.Vector {
	vec := NewZeros(n)
	for i := range vec.Data {
		vec.Data[i] = randx.Rademacher(rng)
	}
	return vec
}

func NewRademacherLike(vec blas32.Vector, rng *rand.Rand) blas32.Vector {
	return NewRademacher(vec.N, rng)
}

func FromSlice(data []float32) blas32.Vector {
	return blas32.Vector{
		N:    len(data),
		Inc:  1,
		Data: data,
	}
}

func Clone(vec blas32.Vector) blas32.Vector {
	return blas32.Vector{
		N:    vec.N,
		Inc:  vec.Inc,
		Data: slices.Clone(vec.Data),
	}
}

// MeanVar は平均と分散を返す。unbiased なら n-1 で割る(torch.var の既定)。
func MeanVar(data []float32, unbiased bool) (float32, float32) {
	n := float32(len(data))
	var mean float32
	for _, e := range data {
		mean += e
	}
	mean /= n

	var ss float32
	for _, e := range data {
		d := e - mean
		ss += d * d
	}
	denom := n
	if unbiased && len(data) > 1 {
		denom = n - 1
	}
	return mean, ss / denom
}

func IsFinite(data []float32) bool {
	for _, e := range data {
		if math32.IsNaN(e) || math32.IsInf(e, 0) {
			return false
		}
	}
	return true
}
