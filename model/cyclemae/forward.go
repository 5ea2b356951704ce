package cyclemae

import (
	"fmt"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/blas32/tensor/4d"
	"github.com/sw965/cyclemae/blas32/vector"
	"github.com/sw965/cyclemae/model/mae"
	"gonum.org/v1/gonum/blas/blas32"
)

type Losses struct {
	Total          float32
	Reconstruction float32
	Cycle          float32
	Contrastive    float32
}

func (l Losses) finite() bool {
	return vector.IsFinite([]float32{l.Total, l.Reconstruction, l.Cycle, l.Contrastive})
}

// Backward accumulates the gradient of Losses.Total into every trainable parameter.
// Call it at most once per Forward.
type Backward func() error

// DiagonalRows takes batch group j from preds[j]. Batch group j is rows
// [j*N/D, (j+1)*N/D), the samples of domain j.
func DiagonalRows(preds []tensor3d.General, numDomains int) (tensor3d.General, error) {
	if len(preds) != numDomains || numDomains == 0 {
		return tensor3d.General{}, errShape("diagonal: %d predictions for %d domains", len(preds), numDomains)
	}
	ref := preds[0]
	if ref.Batches%numDomains != 0 {
		return tensor3d.General{}, errShape("diagonal: batch %d is not divisible by %d domains", ref.Batches, numDomains)
	}
	bz := ref.Batches / numDomains
	diag := tensor3d.NewZerosLike(ref)
	for j, pred := range preds {
		if !pred.SameShape(ref) {
			return tensor3d.General{}, errShape("diagonal: prediction %d %v, want %v", j, pred.Shape(), ref.Shape())
		}
		diag.SliceBatches(j*bz, (j+1)*bz).Axpy(1, pred.SliceBatches(j*bz, (j+1)*bz))
	}
	return diag, nil
}

// ValidateDomainLayout checks that labels are numDomains equal runs 0, 1, ...
func ValidateDomainLayout(labels []int, numDomains int) error {
	if numDomains < 1 || len(labels) == 0 || len(labels)%numDomains != 0 {
		return fmt.Errorf("%d labels for %d domains: %w", len(labels), numDomains, ErrDomainLayout)
	}
	bz := len(labels) / numDomains
	for i, label := range labels {
		if want := i / bz; label != want {
			return fmt.Errorf("label %d at position %d, want %d: %w", label, i, want, ErrDomainLayout)
		}
	}
	return nil
}

// groupWeight keeps the rows of batch group g and zeroes the rest.
func groupWeight(weight blas32.General, g, bz int) blas32.General {
	w := tensor2d.NewZerosLike(weight)
	copy(w.Data[g*bz*w.Stride:(g+1)*bz*w.Stride], weight.Data[g*bz*weight.Stride:(g+1)*bz*weight.Stride])
	return w
}

func (m *Model) groupSize(masked, original tensor4d.General) (int, error) {
	if !masked.SameShape(original) {
		return 0, errShape("masked images %v, original images %v", masked.Shape(), original.Shape())
	}
	numDomains := len(m.Decoders)
	if masked.Batches == 0 || masked.Batches%numDomains != 0 {
		return 0, errShape("batch %d is not divisible by %d domains", masked.Batches, numDomains)
	}
	return masked.Batches / numDomains, nil
}

// reconstruct encodes the masked batch once, decodes it with every decoder and scores
// each domain's samples against its own decoder only.
func (m *Model) reconstruct(masked tensor4d.General, target tensor3d.General, bz int, ratio float64) ([]tensor3d.General, float32, func() error, error) {
	latent, state, encBackward, err := m.Encoder.Encode(masked, ratio)
	if err != nil {
		return nil, 0, nil, err
	}
	preds := make([]tensor3d.General, len(m.Decoders))
	backs := make([]mae.DecodeBackward, len(m.Decoders))
	for j, dec := range m.Decoders {
		out, back, err := dec.Decode(latent, state.IDsRestore)
		if err != nil {
			return nil, 0, nil, fmt.Errorf("decoder %d: %w", j, err)
		}
		preds[j] = out.Prediction
		backs[j] = back
	}

	diag, err := DiagonalRows(preds, len(m.Decoders))
	if err != nil {
		return nil, 0, nil, err
	}
	perPatch, err := mae.PerPatch(target, diag)
	if err != nil {
		return nil, 0, nil, err
	}
	loss, err := mae.MaskedMean(perPatch, state.Mask)
	if err != nil {
		return nil, 0, nil, err
	}

	backward := func() error {
		weight := mae.MaskedMeanWeight(state.Mask, m.Config.Weights.Reconstruction)
		dDiag, err := mae.PerPatchGrad(target, diag, weight)
		if err != nil {
			return err
		}
		dLatent := tensor3d.NewZerosLike(latent)
		for j, back := range backs {
			dPred := tensor3d.NewZerosLike(preds[j])
			dPred.SliceBatches(j*bz, (j+1)*bz).Axpy(1, dDiag.SliceBatches(j*bz, (j+1)*bz))
			dl, err := back(dPred, tensor3d.General{})
			if err != nil {
				return fmt.Errorf("decoder %d: %w", j, err)
			}
			dLatent.Axpy(1, dl)
		}
		return encBackward(dLatent)
	}
	return preds, loss, backward, nil
}

// cycle re-encodes every domain's prediction as fresh data. Decoder j is scored on
// batch group j against the original images, masked by the new draw. The mid
// features of every decode are returned for the contrastive term.
func (m *Model) cycle(preds []tensor3d.General, target tensor3d.General, bz int, ratio float64) (float32, [][]tensor3d.General, func(dMids [][]tensor3d.General) error, error) {
	cfg := m.Config
	numDomains := len(m.Decoders)
	mids := make([][]tensor3d.General, numDomains)
	backwards := make([]func(dMids []tensor3d.General) error, numDomains)

	var total float32
	for d, pred := range preds {
		// A copy: nothing below flows back into pred.
		img, err := mae.Unpatchify(pred.Clone(), cfg.PatchSize, cfg.Channels)
		if err != nil {
			return 0, nil, nil, err
		}
		latent, state, encBackward, err := m.Encoder.Encode(img, ratio)
		if err != nil {
			return 0, nil, nil, err
		}

		perPatch := tensor2d.NewZeros(target.Batches, target.Rows)
		cyclePreds := make([]tensor3d.General, numDomains)
		backs := make([]mae.DecodeBackward, numDomains)
		mids[d] = make([]tensor3d.General, numDomains)
		for j, dec := range m.Decoders {
			out, back, err := dec.Decode(latent, state.IDsRestore)
			if err != nil {
				return 0, nil, nil, fmt.Errorf("decoder %d on domain %d: %w", j, d, err)
			}
			groupLoss, err := mae.PerPatch(target.SliceBatches(j*bz, (j+1)*bz), out.Prediction.SliceBatches(j*bz, (j+1)*bz))
			if err != nil {
				return 0, nil, nil, err
			}
			copy(perPatch.Data[j*bz*perPatch.Stride:], groupLoss.Data)
			cyclePreds[j] = out.Prediction
			backs[j] = back
			mids[d][j] = out.Mid
		}

		loss, err := mae.MaskedMean(perPatch, state.Mask)
		if err != nil {
			return 0, nil, nil, err
		}
		total += loss

		backwards[d] = func(dMids []tensor3d.General) error {
			weight := mae.MaskedMeanWeight(state.Mask, cfg.Weights.Cycle)
			dLatent := tensor3d.NewZerosLike(latent)
			for j, back := range backs {
				dPred, err := mae.PerPatchGrad(target, cyclePreds[j], groupWeight(weight, j, bz))
				if err != nil {
					return err
				}
				dl, err := back(dPred, dMids[j])
				if err != nil {
					return fmt.Errorf("decoder %d on domain %d: %w", j, d, err)
				}
				dLatent.Axpy(1, dl)
			}
			return encBackward(dLatent)
		}
	}

	backward := func(dMids [][]tensor3d.General) error {
		for d, b := range backwards {
			if err := b(dMids[d]); err != nil {
				return err
			}
		}
		return nil
	}
	return total, mids, backward, nil
}

// Forward runs one training step's forward pass. masked and original are
// [N, C, H, W] with N = NumDomains*bz, domain d occupying batch group d.
func (m *Model) Forward(masked, original tensor4d.General, ratio float64) (Losses, Backward, error) {
	bz, err := m.groupSize(masked, original)
	if err != nil {
		return Losses{}, nil, err
	}
	if err := mae.ValidateMaskRatio(ratio); err != nil {
		return Losses{}, nil, err
	}
	target, err := m.Loss.Target(original)
	if err != nil {
		return Losses{}, nil, err
	}

	preds, recon, reconBackward, err := m.reconstruct(masked, target, bz, ratio)
	if err != nil {
		return Losses{}, nil, err
	}
	cycle, mids, cycleBackward, err := m.cycle(preds, target, bz, ratio)
	if err != nil {
		return Losses{}, nil, err
	}
	contrastive, dMids, err := ContrastiveLoss(mids, len(m.Decoders), m.Config.Tao)
	if err != nil {
		return Losses{}, nil, err
	}

	w := m.Config.Weights
	losses := Losses{
		Total:          w.Reconstruction*recon + w.Cycle*cycle + w.Contrastive*contrastive,
		Reconstruction: recon,
		Cycle:          cycle,
		Contrastive:    contrastive,
	}
	if !losses.finite() {
		return losses, nil, fmt.Errorf("%+v: %w", losses, ErrNonFiniteLoss)
	}

	for _, row := range dMids {
		for _, dMid := range row {
			dMid.Scal(w.Contrastive)
		}
	}
	backward := func() error {
		if err := cycleBackward(dMids); err != nil {
			return err
		}
		return reconBackward()
	}
	return losses, backward, nil
}

// ForwardLabeled is Forward after checking that labels lay the batch out by domain.
func (m *Model) ForwardLabeled(masked, original tensor4d.General, labels []int, ratio float64) (Losses, Backward, error) {
	if len(labels) != masked.Batches {
		return Losses{}, nil, fmt.Errorf("%d labels for %d images: %w", len(labels), masked.Batches, ErrDomainLayout)
	}
	if err := ValidateDomainLayout(labels, len(m.Decoders)); err != nil {
		return Losses{}, nil, err
	}
	return m.Forward(masked, original, ratio)
}
