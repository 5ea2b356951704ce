package optimizer

import (
	"fmt"

	"github.com/sw965/cyclemae/blas32/vectors"
	"github.com/sw965/cyclemae/model/layer"
	"gonum.org/v1/gonum/blas/blas32"
)

// Momentum は Frozen でないパラメータだけを更新する。
type Momentum struct {
	LearningRate float32
	MomentumRate float32
	// WeightDecay は (c / 2.0) * w^2 の係数 c
	WeightDecay float32

	params   layer.Params
	velocity []blas32.Vector
}

func NewMomentum(params layer.Params) *Momentum {
	trainable := params.Trainable()
	return &Momentum{
		LearningRate: 0.01,
		MomentumRate: 0.9,
		params:       trainable,
		velocity:     vectors.NewZerosLike(trainable.Values()),
	}
}

func (m *Momentum) Params() layer.Params {
	return m.params
}

// Optimize は Grad を使って 1 ステップ更新する。Grad はクリアしない。
func (m *Momentum) Optimize() error {
	values := m.params.Values()
	grads := m.params.Grads()
	if len(grads) != len(m.velocity) {
		return fmt.Errorf("optimizer: %d gradients, %d velocities", len(grads), len(m.velocity))
	}

	if m.WeightDecay != 0 {
		//(c / 2.0) * w^2 の微分は c * w
		l2Grads := vectors.Clone(values)
		vectors.Scal(m.WeightDecay, l2Grads)
		if err := vectors.Axpy(1.0, grads, l2Grads); err != nil {
			return err
		}
		grads = l2Grads
	}

	vectors.Scal(m.MomentumRate, m.velocity)
	if err := vectors.Axpy(-m.LearningRate, grads, m.velocity); err != nil {
		return err
	}
	return vectors.Axpy(1.0, m.velocity, values)
}
