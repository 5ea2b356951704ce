package mae

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/model/layer"
	"github.com/sw965/omw/parallel"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/floats"
)

// MaskingState is the per-call bookkeeping of one random masking draw.
type MaskingState struct {
	IDsShuffle [][]int
	IDsRestore [][]int
	IDsKeep    [][]int
	// Mask is N×L in original patch order, 1 = removed.
	Mask    blas32.General
	LenKeep int
}

// LenKeep is floor(numPatches * (1 - ratio)).
func LenKeep(numPatches int, ratio float64) int {
	return int(float64(numPatches) * (1 - ratio))
}

func ValidateMaskRatio(ratio float64) error {
	if !(ratio >= 0 && ratio < 1) {
		return fmt.Errorf("%v: %w", ratio, ErrInvalidMaskRatio)
	}
	return nil
}

// NewMaskingState builds the masking state from per-sample noise rows of equal length.
// Small noise is kept, large noise is removed. noise is sorted in place.
func NewMaskingState(noise [][]float64, ratio float64, p int) (MaskingState, error) {
	if err := ValidateMaskRatio(ratio); err != nil {
		return MaskingState{}, err
	}
	n := len(noise)
	if n == 0 {
		return MaskingState{}, errShape("masking: empty batch")
	}
	l := len(noise[0])
	for i, row := range noise {
		if len(row) != l {
			return MaskingState{}, errShape("masking: noise row %d has %d patches, want %d", i, len(row), l)
		}
	}
	lenKeep := LenKeep(l, ratio)
	state := MaskingState{
		IDsShuffle: make([][]int, n),
		IDsRestore: make([][]int, n),
		IDsKeep:    make([][]int, n),
		Mask:       tensor2d.NewZeros(n, l),
		LenKeep:    lenKeep,
	}

	err := parallel.For(n, p, func(workerId, i int) error {
		shuffle := make([]int, l)
		floats.ArgsortStable(noise[i], shuffle)

		restore := make([]int, l)
		for j, idx := range shuffle {
			restore[idx] = j
		}

		mask := tensor2d.Row(state.Mask, i)
		for _, idx := range shuffle[lenKeep:] {
			mask[idx] = 1
		}

		state.IDsShuffle[i] = shuffle
		state.IDsRestore[i] = restore
		state.IDsKeep[i] = shuffle[:lenKeep:lenKeep]
		return nil
	})
	if err != nil {
		return MaskingState{}, err
	}
	return state, nil
}

// Masker drops a random subset of patches per sample.
// Noise is drawn sample by sample from Rng, so a fixed seed reproduces the draw.
type Masker struct {
	Rng *rand.Rand
	Ctx *layer.Context
}

func (m *Masker) Noise(n, l int) [][]float64 {
	noise := make([][]float64, n)
	for i := range noise {
		noise[i] = make([]float64, l)
		for j := range noise[i] {
			noise[i][j] = m.Rng.Float64()
		}
	}
	return noise
}

// Mask returns the kept tokens [N, len_keep, D] and the masking state.
func (m *Masker) Mask(x tensor3d.General, ratio float64) (tensor3d.General, MaskingState, error) {
	if err := ValidateMaskRatio(ratio); err != nil {
		return tensor3d.General{}, MaskingState{}, err
	}
	state, err := NewMaskingState(m.Noise(x.Batches, x.Rows), ratio, m.Ctx.Parallelism())
	if err != nil {
		return tensor3d.General{}, MaskingState{}, err
	}
	return x.GatherRows(state.IDsKeep), state, nil
}
