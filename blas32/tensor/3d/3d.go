// Package tensor3d はトークン列 [Batches, Rows, Cols] (= [N, L, D]) を扱う。
package tensor3d

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/sw965/cyclemae/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

type General struct {
	Batches     int
	Rows        int
	Cols        int
	BatchStride int
	RowStride   int
	Data        []float32
}

func NewZeros(batches, rows, cols int) General {
	rowStride := cols
	batchStride := rows * rowStride
	return General{
		Batches:     batches,
		Rows:        rows,
		Cols:        cols,
		BatchStride: batchStride,
		RowStride:   rowStride,
		Data:        make([]float32, batches*batchStride),
	}
}

func NewZerosLike(gen General) General {
	return NewZeros(gen.Batches, gen.Rows, gen.Cols)
}

func NewRademacher(batches, rows, cols int, rng *rand.Rand) General {
	gen := NewZeros(batches, rows, cols)
	for i := range gen.Data {
		gen.Data[i] = randx.Rademacher(rng)
	}
	return gen
}

func NewRademacherLike(gen General, rng *rand.Rand) General {
	return NewRademacher(gen.Batches, gen.Rows, gen.Cols, rng)
}

// FromGeneral は [Batches*Rows, Cols] の行列を [Batches, Rows, Cols] として見る(コピーしない)。
func FromGeneral(gen blas32.General, batches int) (General, error) {
	if batches <= 0 || gen.Rows%batches != 0 || gen.Stride != gen.Cols {
		return General{}, fmt.Errorf("cannot view %dx%d (stride %d) as %d batches", gen.Rows, gen.Cols, gen.Stride, batches)
	}
	rows := gen.Rows / batches
	return General{
		Batches:     batches,
		Rows:        rows,
		Cols:        gen.Cols,
		BatchStride: rows * gen.Cols,
		RowStride:   gen.Cols,
		Data:        gen.Data,
	}, nil
}

func (g General) N() int {
	return g.Batches * g.Rows * g.Cols
}

func (g General) IsZero() bool {
	return g.N() == 0
}

func (g General) SameShape(other General) bool {
	return g.Batches == other.Batches && g.Rows == other.Rows && g.Cols == other.Cols
}

func (g General) Shape() [3]int {
	return [3]int{g.Batches, g.Rows, g.Cols}
}

func (g General) Clone() General {
	return General{
		Batches:     g.Batches,
		Rows:        g.Rows,
		Cols:        g.Cols,
		BatchStride: g.BatchStride,
		RowStride:   g.RowStride,
		Data:        slices.Clone(g.Data),
	}
}

func (g General) At(batch, row, col int) int {
	return batch*g.BatchStride + row*g.RowStride + col
}

// Row は (batch, row) のトークンベクトルを返す(コピーではない)。
func (g General) Row(batch, row int) []float32 {
	offset := batch*g.BatchStride + row*g.RowStride
	return g.Data[offset : offset+g.Cols]
}

func (g General) ToVector() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: g.Data,
	}
}

// AsGeneral は [Batches*Rows, Cols] の行列として見る。gemm 用。
func (g General) AsGeneral() blas32.General {
	return blas32.General{
		Rows:   g.Batches * g.Rows,
		Cols:   g.Cols,
		Stride: g.RowStride,
		Data:   g.Data,
	}
}

// Batch は batch 番目の [Rows, Cols] 行列を返す(コピーではない)。
func (g General) Batch(batch int) blas32.General {
	offset := batch * g.BatchStride
	return blas32.General{
		Rows:   g.Rows,
		Cols:   g.Cols,
		Stride: g.RowStride,
		Data:   g.Data[offset : offset+g.BatchStride],
	}
}

func (g General) Axpy(alpha float32, x General) {
	blas32.Axpy(alpha, x.ToVector(), g.ToVector())
}

func (g General) Scal(alpha float32) {
	blas32.Scal(alpha, g.ToVector())
}

func (g General) Dot(other General) float32 {
	return blas32.Dot(g.ToVector(), other.ToVector())
}

// SliceBatches は [start, end) のバッチを返す(コピーではない)。
func (g General) SliceBatches(start, end int) General {
	return General{
		Batches:     end - start,
		Rows:        g.Rows,
		Cols:        g.Cols,
		BatchStride: g.BatchStride,
		RowStride:   g.RowStride,
		Data:        g.Data[start*g.BatchStride : end*g.BatchStride],
	}
}

// SliceRows は各バッチの [start, end) 行をコピーして返す。
func (g General) SliceRows(start, end int) General {
	dst := NewZeros(g.Batches, end-start, g.Cols)
	for b := 0; b < g.Batches; b++ {
		for r := start; r < end; r++ {
			copy(dst.Row(b, r-start), g.Row(b, r))
		}
	}
	return dst
}

// ConcatBatches はバッチ方向に連結する。
func ConcatBatches(gens ...General) (General, error) {
	if len(gens) == 0 {
		return General{}, fmt.Errorf("nothing to concatenate")
	}
	rows, cols := gens[0].Rows, gens[0].Cols
	batches := 0
	for _, gen := range gens {
		if gen.Rows != rows || gen.Cols != cols {
			return General{}, fmt.Errorf("cannot concatenate [%d %d] with [%d %d]", gen.Rows, gen.Cols, rows, cols)
		}
		batches += gen.Batches
	}

	dst := NewZeros(batches, rows, cols)
	offset := 0
	for _, gen := range gens {
		for b := 0; b < gen.Batches; b++ {
			copy(dst.Data[offset:offset+dst.BatchStride], gen.Data[b*gen.BatchStride:b*gen.BatchStride+dst.BatchStride])
			offset += dst.BatchStride
		}
	}
	return dst, nil
}

// GatherRows は idxs[b] の順に各バッチの行を集める。
func (g General) GatherRows(idxs [][]int) General {
	n := len(idxs[0])
	dst := NewZeros(g.Batches, n, g.Cols)
	for b := 0; b < g.Batches; b++ {
		for i, idx := range idxs[b] {
			copy(dst.Row(b, i), g.Row(b, idx))
		}
	}
	return dst
}

// ScatterAddRows は GatherRows の逆伝播。dst の idxs[b][i] 行に g の i 行目を足す。
func (g General) ScatterAddRows(idxs [][]int, dst General) {
	for b := 0; b < g.Batches; b++ {
		for i, idx := range idxs[b] {
			src := g.Row(b, i)
			row := dst.Row(b, idx)
			for c, e := range src {
				row[c] += e
			}
		}
	}
}
