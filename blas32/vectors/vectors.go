package vectors

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZerosLike(vs []blas32.Vector) []blas32.Vector {
	zeros := make([]blas32.Vector, len(vs))
	for i, v := range vs {
		zeros[i] = vector.NewZerosLike(v)
	}
	return zeros
}

func NewRademacherLike(vs []blas32.Vector, rng *rand.Rand) []blas32.Vector {
	rad := make([]blas32.Vector, len(vs))
	for i, v := range vs {
		rad[i] = vector.NewRademacherLike(v, rng)
	}
	return rad
}

func Clone(vs []blas32.Vector) []blas32.Vector {
	clone := make([]blas32.Vector, len(vs))
	for i, v := range vs {
		clone[i] = vector.Clone(v)
	}
	return clone
}

func Axpy(alpha float32, xs, ys []blas32.Vector) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("vectors.Axpy: len(xs) %d != len(ys) %d", len(xs), len(ys))
	}

	for i, x := range xs {
		blas32.Axpy(alpha, x, ys[i])
	}
	return nil
}

func Scal(alpha float32, ys []blas32.Vector) {
	for _, y := range ys {
		blas32.Scal(alpha, y)
	}
}

// Dot は対応するベクトル同士の内積の総和。
func Dot(xs, ys []blas32.Vector) (float32, error) {
	if len(xs) != len(ys) {
		return 0, fmt.Errorf("vectors.Dot: len(xs) %d != len(ys) %d", len(xs), len(ys))
	}
	var sum float32
	for i, x := range xs {
		sum += blas32.Dot(x, ys[i])
	}
	return sum, nil
}
