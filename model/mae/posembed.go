package mae

import (
	"fmt"
	"math"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas/blas32"
)

// SinCosPositionEmbedding returns the fixed 2D sin-cos table of a gridSize×gridSize
// patch grid, one row per patch in raster order. The first dim/2 columns encode the
// column index of the patch and the last dim/2 its row index. With summaryToken set,
// an all-zero row is prepended for the summary slot.
func SinCosPositionEmbedding(dim, gridSize int, summaryToken bool) (blas32.General, error) {
	if dim%4 != 0 {
		return blas32.General{}, fmt.Errorf("position embedding dim %d is not a multiple of 4", dim)
	}
	offset := 0
	if summaryToken {
		offset = 1
	}
	emb := tensor2d.NewZeros(gridSize*gridSize+offset, dim)

	half := dim / 2
	quarter := dim / 4
	omega := make([]float64, quarter)
	for k := range omega {
		omega[k] = 1.0 / math.Pow(10000, float64(k)/float64(quarter))
	}

	encode := func(dst []float32, pos float64) {
		for k, w := range omega {
			dst[k] = float32(math.Sin(pos * w))
			dst[quarter+k] = float32(math.Cos(pos * w))
		}
	}

	for i := 0; i < gridSize; i++ {
		for j := 0; j < gridSize; j++ {
			row := tensor2d.Row(emb, offset+i*gridSize+j)
			encode(row[:half], float64(j))
			encode(row[half:], float64(i))
		}
	}
	return emb, nil
}
