package tensor2d

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewZerosLike(gen blas32.General) blas32.General {
	return NewZeros(gen.Rows, gen.Cols)
}

func NewOnes(rows, cols int) blas32.General {
	gen := NewZeros(rows, cols)
	for i := range gen.Data {
		gen.Data[i] = 1.0
	}
	return gen
}

// NewXavierUniform は torch.nn.init.xavier_uniform_ と同じ範囲 U(-a, a), a = sqrt(6/(fanIn+fanOut)) で初期化する。
// rows は出力次元(fanOut)、cols は入力次元(fanIn)。
func NewXavierUniform(rows, cols int, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	a := math.Sqrt(6.0 / float64(rows+cols))
	for i := range gen.Data {
		gen.Data[i] = float32((2.0*rng.Float64() - 1.0) * a)
	}
	return gen
}

func NewNormal(rows, cols int, std float64, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

// Row は row 行目のスライスを返す(コピーではない)。
func Row(gen blas32.General, row int) []float32 {
	offset := row * gen.Stride
	return gen.Data[offset : offset+gen.Cols]
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

func Scal(alpha float32, gen blas32.General) {
	vec := ToVector(gen)
	blas32.Scal(alpha, vec)
}

func Axpy(alpha float32, x, y blas32.General) {
	xv := ToVector(x)
	yv := ToVector(y)
	blas32.Axpy(alpha, xv, yv)
}

func Sum(gen blas32.General) float32 {
	var sum float32
	for r := 0; r < gen.Rows; r++ {
		for _, e := range Row(gen, r) {
			sum += e
		}
	}
	return sum
}

func Sum0(gen blas32.General) blas32.Vector {
	sums := make([]float32, gen.Cols)
	for r := 0; r < gen.Rows; r++ {
		for c, e := range Row(gen, r) {
			sums[c] += e
		}
	}
	return blas32.Vector{
		N:    gen.Cols,
		Inc:  1,
		Data: sums,
	}
}

func Sum1(gen blas32.General) blas32.Vector {
	sums := make([]float32, gen.Rows)
	for r := 0; r < gen.Rows; r++ {
		var sum float32
		for _, e := range Row(gen, r) {
			sum += e
		}
		sums[r] = sum
	}
	return blas32.Vector{
		N:    gen.Rows,
		Inc:  1,
		Data: sums,
	}
}

func Transpose(gen blas32.General) blas32.General {
	t := blas32.General{
		Rows:   gen.Cols,
		Cols:   gen.Rows,
		Stride: gen.Rows,
		Data:   make([]float32, N(gen)),
	}

	for i := range t.Rows {
		for j := range t.Cols {
			newIdx := At(t, i, j)
			oldIdx := At(gen, j, i)
			t.Data[newIdx] = gen.Data[oldIdx]
		}
	}
	return t
}

// Dot は op(a)·op(b) を新しい行列として返す。
func Dot(tA, tB blas.Transpose, a, b blas32.General) blas32.General {
	rows := a.Rows
	if tA == blas.Trans {
		rows = a.Cols
	}
	cols := b.Cols
	if tB == blas.Trans {
		cols = b.Rows
	}
	y := NewZeros(rows, cols)
	blas32.Gemm(tA, tB, 1.0, a, b, 0.0, y)
	return y
}

// DotAdd は c += op(a)·op(b)。勾配の累積に使う。
func DotAdd(tA, tB blas.Transpose, a, b, c blas32.General) {
	blas32.Gemm(tA, tB, 1.0, a, b, 1.0, c)
}

// AddRowVector は全ての行に vec を足す。
func AddRowVector(gen blas32.General, vec []float32) {
	for r := 0; r < gen.Rows; r++ {
		row := Row(gen, r)
		for c := range row {
			row[c] += vec[c]
		}
	}
}
