package cyclemae

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/mathx"
)

// ContrastiveLoss aligns the mid features of the cycle pass.
//
// mids[d][j] is the first block output of decoder j on the re-encoded prediction of
// domain d, [N, L+1, Dd] with N = numDomains*bz. For decoder j, the feature of batch
// group g is the concatenation over d of rows [g*bz, (g+1)*bz) of mids[d][j]. The
// similarity to group g is s_g = <F_j, F_g> / tao and the loss of decoder j is
// -log softmax(s)[j]. The losses are summed over j.
//
// The returned gradients have the layout of mids.
func ContrastiveLoss(mids [][]tensor3d.General, numDomains int, tao float32) (float32, [][]tensor3d.General, error) {
	if len(mids) != numDomains {
		return 0, nil, errShape("contrastive: %d sources for %d domains", len(mids), numDomains)
	}
	if !(tao > 0) {
		return 0, nil, fmt.Errorf("contrastive: tao must be positive, got %v", tao)
	}
	var ref tensor3d.General
	for d, row := range mids {
		if len(row) != numDomains {
			return 0, nil, errShape("contrastive: source %d has %d decoders, want %d", d, len(row), numDomains)
		}
		for j, mid := range row {
			if d == 0 && j == 0 {
				ref = mid
			}
			if !mid.SameShape(ref) {
				return 0, nil, errShape("contrastive: mid feature [%d][%d] %v, want %v", d, j, mid.Shape(), ref.Shape())
			}
		}
	}
	if ref.Batches%numDomains != 0 {
		return 0, nil, errShape("contrastive: batch %d is not divisible by %d domains", ref.Batches, numDomains)
	}
	bz := ref.Batches / numDomains

	grads := make([][]tensor3d.General, numDomains)
	for d := range grads {
		grads[d] = make([]tensor3d.General, numDomains)
		for j := range grads[d] {
			grads[d][j] = tensor3d.NewZerosLike(ref)
		}
	}

	group := func(x tensor3d.General, g int) tensor3d.General {
		return x.SliceBatches(g*bz, (g+1)*bz)
	}

	var total float32
	scores := make([]float32, numDomains)
	coefs := make([]float32, numDomains)
	for j := 0; j < numDomains; j++ {
		for g := range scores {
			var s float32
			for d := range mids {
				s += group(mids[d][j], j).Dot(group(mids[d][j], g))
			}
			scores[g] = s / tao
		}

		logSumExp := mathx.LogSumExp(scores)
		total += logSumExp - scores[j]

		// dL/ds_g = softmax(s)_g - [g == j], scaled by 1/tao for ds_g/dF.
		for g, s := range scores {
			coefs[g] = math32.Exp(s-logSumExp) / tao
		}
		coefs[j] -= 1 / tao

		for d := range mids {
			anchor := group(mids[d][j], j)
			dAnchor := group(grads[d][j], j)
			for g, coef := range coefs {
				group(grads[d][j], g).Axpy(coef, anchor)
				dAnchor.Axpy(coef, group(mids[d][j], g))
			}
		}
	}
	return total, grads, nil
}
