package mae

import (
	"github.com/chewxy/math32"
	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/blas32/tensor/4d"
	"github.com/sw965/cyclemae/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

const NormPixEps = 1e-6

// ReconstructionLoss scores predicted patches against the patchified images.
type ReconstructionLoss struct {
	PatchSize int
	// NormPix normalizes every target patch by its own mean and unbiased variance.
	NormPix bool
}

// Target patchifies imgs and applies the pixel normalization when enabled.
func (rl ReconstructionLoss) Target(imgs tensor4d.General) (tensor3d.General, error) {
	target, err := Patchify(imgs, rl.PatchSize)
	if err != nil {
		return tensor3d.General{}, err
	}
	if !rl.NormPix {
		return target, nil
	}
	for n := 0; n < target.Batches; n++ {
		for l := 0; l < target.Rows; l++ {
			row := target.Row(n, l)
			mean, variance := vector.MeanVar(row, true)
			std := math32.Sqrt(variance + NormPixEps)
			for i, e := range row {
				row[i] = (e - mean) / std
			}
		}
	}
	return target, nil
}

// PerPatch returns the N×L mean squared error of every patch.
func PerPatch(target, pred tensor3d.General) (blas32.General, error) {
	if !target.SameShape(pred) {
		return blas32.General{}, errShape("loss: prediction %v, target %v", pred.Shape(), target.Shape())
	}
	loss := tensor2d.NewZeros(pred.Batches, pred.Rows)
	k := float32(pred.Cols)
	for n := 0; n < pred.Batches; n++ {
		for l := 0; l < pred.Rows; l++ {
			t := target.Row(n, l)
			var sum float32
			for i, p := range pred.Row(n, l) {
				d := p - t[i]
				sum += d * d
			}
			loss.Data[tensor2d.At(loss, n, l)] = sum / k
		}
	}
	return loss, nil
}

// PerPatchGrad is the gradient of Σ weight[n,l]·loss[n,l] with respect to pred.
func PerPatchGrad(target, pred tensor3d.General, weight blas32.General) (tensor3d.General, error) {
	if !target.SameShape(pred) {
		return tensor3d.General{}, errShape("loss: prediction %v, target %v", pred.Shape(), target.Shape())
	}
	if weight.Rows != pred.Batches || weight.Cols != pred.Rows {
		return tensor3d.General{}, errShape("loss: weight %dx%d, want %dx%d", weight.Rows, weight.Cols, pred.Batches, pred.Rows)
	}
	grad := tensor3d.NewZerosLike(pred)
	k := float32(pred.Cols)
	for n := 0; n < pred.Batches; n++ {
		for l := 0; l < pred.Rows; l++ {
			w := weight.Data[tensor2d.At(weight, n, l)]
			if w == 0 {
				continue
			}
			scale := 2 * w / k
			t := target.Row(n, l)
			g := grad.Row(n, l)
			for i, p := range pred.Row(n, l) {
				g[i] = scale * (p - t[i])
			}
		}
	}
	return grad, nil
}

// MaskedMean is Σ(loss·mask)/Σmask. It is 0 when nothing was masked.
func MaskedMean(perPatch, mask blas32.General) (float32, error) {
	if perPatch.Rows != mask.Rows || perPatch.Cols != mask.Cols {
		return 0, errShape("masked mean: loss %dx%d, mask %dx%d", perPatch.Rows, perPatch.Cols, mask.Rows, mask.Cols)
	}
	maskSum := tensor2d.Sum(mask)
	if maskSum == 0 {
		return 0, nil
	}
	var sum float32
	for r := 0; r < mask.Rows; r++ {
		m := tensor2d.Row(mask, r)
		for c, e := range tensor2d.Row(perPatch, r) {
			sum += e * m[c]
		}
	}
	return sum / maskSum, nil
}

// MaskedMeanWeight is the weight that turns PerPatchGrad into the gradient of
// MaskedMean scaled by alpha.
func MaskedMeanWeight(mask blas32.General, alpha float32) blas32.General {
	w := tensor2d.Clone(mask)
	maskSum := tensor2d.Sum(mask)
	if maskSum == 0 {
		tensor2d.Scal(0, w)
		return w
	}
	tensor2d.Scal(alpha/maskSum, w)
	return w
}
