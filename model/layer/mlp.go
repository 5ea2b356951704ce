package layer

import (
	"math/rand/v2"

	"github.com/sw965/cyclemae/blas32/tensor/3d"
)

// MLP は fc1 → GELU → fc2。
type MLP struct {
	FC1 *Linear
	FC2 *Linear
}

func NewMLP(name string, dim, hidden int, rng *rand.Rand) *MLP {
	return &MLP{
		FC1: NewLinear(name+".fc1", dim, hidden, true, rng),
		FC2: NewLinear(name+".fc2", hidden, dim, true, rng),
	}
}

func (m *MLP) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	return Sequence{m.FC1, GELU{}, m.FC2}.Forward(x)
}

func (m *MLP) Parameters() Params {
	return Params{m.FC1.Weight, m.FC1.Bias, m.FC2.Weight, m.FC2.Bias}
}
