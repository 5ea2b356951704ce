// Package tensor4d は画像バッチ [Batches, Channels, Rows, Cols] を扱う。
package tensor4d

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

type General struct {
	Batches       int
	Channels      int
	Rows          int
	Cols          int
	BatchStride   int
	ChannelStride int
	RowStride     int
	Data          []float32
}

func NewZeros(batches, chs, rows, cols int) General {
	rowStride := cols
	chStride := rows * rowStride
	batchStride := chs * chStride
	n := batches * batchStride

	return General{
		Batches:       batches,
		Channels:      chs,
		Rows:          rows,
		Cols:          cols,
		BatchStride:   batchStride,
		ChannelStride: chStride,
		RowStride:     rowStride,
		Data:          make([]float32, n),
	}
}

func NewZerosLike(gen General) General {
	return NewZeros(gen.Batches, gen.Channels, gen.Rows, gen.Cols)
}

// NewUniform は [0, 1) の一様乱数で埋める。
func NewUniform(batches, chs, rows, cols int, rng *rand.Rand) General {
	gen := NewZeros(batches, chs, rows, cols)
	for i := range gen.Data {
		gen.Data[i] = rng.Float32()
	}
	return gen
}

func (g General) N() int {
	return g.Batches * g.Channels * g.Rows * g.Cols
}

func (g General) Shape() [4]int {
	return [4]int{g.Batches, g.Channels, g.Rows, g.Cols}
}

func (g General) SameShape(other General) bool {
	return g.Shape() == other.Shape()
}

func (g General) Clone() General {
	return General{
		Batches:       g.Batches,
		Channels:      g.Channels,
		Rows:          g.Rows,
		Cols:          g.Cols,
		BatchStride:   g.BatchStride,
		ChannelStride: g.ChannelStride,
		RowStride:     g.RowStride,
		Data:          slices.Clone(g.Data),
	}
}

func (g General) At(batch, ch, row, col int) int {
	return batch*g.BatchStride + ch*g.ChannelStride + row*g.RowStride + col
}

func (g General) ToVector() blas32.Vector {
	return blas32.Vector{
		N:    g.N(),
		Inc:  1,
		Data: g.Data,
	}
}

// Image は batch 番目の画像 [Channels, Rows, Cols] のデータを返す(コピーではない)。
func (g General) Image(batch int) []float32 {
	return g.Data[batch*g.BatchStride : (batch+1)*g.BatchStride]
}

// SliceBatches は [start, end) のバッチを返す(コピーではない)。
func (g General) SliceBatches(start, end int) General {
	s := g
	s.Batches = end - start
	s.Data = g.Data[start*g.BatchStride : end*g.BatchStride]
	return s
}

func ConcatBatches(gens ...General) (General, error) {
	if len(gens) == 0 {
		return General{}, fmt.Errorf("nothing to concatenate")
	}
	first := gens[0]
	batches := 0
	for _, gen := range gens {
		if gen.Channels != first.Channels || gen.Rows != first.Rows || gen.Cols != first.Cols {
			return General{}, fmt.Errorf("cannot concatenate images [%d %d %d] with [%d %d %d]",
				gen.Channels, gen.Rows, gen.Cols, first.Channels, first.Rows, first.Cols)
		}
		batches += gen.Batches
	}

	dst := NewZeros(batches, first.Channels, first.Rows, first.Cols)
	offset := 0
	for _, gen := range gens {
		n := gen.Batches * dst.BatchStride
		copy(dst.Data[offset:offset+n], gen.Data[:n])
		offset += n
	}
	return dst, nil
}

// ToPatchCol は重なりのない p×p パッチを行とする im2col。
// 出力は [Batches*(Rows/p)*(Cols/p), Channels*p*p] で、列の並びは (ch, fr, fc)。
// パッチはラスタ順(行優先)に並ぶ。
func (g General) ToPatchCol(p int) (blas32.General, error) {
	if p <= 0 || g.Rows%p != 0 || g.Cols%p != 0 {
		return blas32.General{}, fmt.Errorf("image %dx%d is not divisible by patch size %d", g.Rows, g.Cols, p)
	}
	gridRows := g.Rows / p
	gridCols := g.Cols / p
	numPatches := gridRows * gridCols
	newCols := g.Channels * p * p
	col := blas32.General{
		Rows:   g.Batches * numPatches,
		Cols:   newCols,
		Stride: newCols,
		Data:   make([]float32, g.Batches*numPatches*newCols),
	}

	newIdx := 0
	for b := 0; b < g.Batches; b++ {
		for gr := 0; gr < gridRows; gr++ {
			for gc := 0; gc < gridCols; gc++ {
				for ch := 0; ch < g.Channels; ch++ {
					for fr := 0; fr < p; fr++ {
						offset := g.At(b, ch, gr*p+fr, gc*p)
						copy(col.Data[newIdx:newIdx+p], g.Data[offset:offset+p])
						newIdx += p
					}
				}
			}
		}
	}
	return col, nil
}
