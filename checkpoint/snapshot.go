package checkpoint

import (
	"fmt"

	"github.com/sw965/cyclemae/model/layer"
	"github.com/sw965/omw/encoding/gobx"
)

// Snapshot is the resumable training state written between steps.
type Snapshot struct {
	RunID  string
	Step   int
	Values map[string][]float32
	Shapes map[string][]int
}

func NewSnapshot(runID string, step int, ps layer.Params) *Snapshot {
	s := &Snapshot{
		RunID:  runID,
		Step:   step,
		Values: make(map[string][]float32, len(ps)),
		Shapes: make(map[string][]int, len(ps)),
	}
	for name, t := range StateDict(ps) {
		s.Values[name] = t.Data
		s.Shapes[name] = t.Shape
	}
	return s
}

func (s *Snapshot) StateDict() map[string]Tensor {
	sd := make(map[string]Tensor, len(s.Values))
	for name, v := range s.Values {
		sd[name] = Tensor{Shape: s.Shapes[name], Data: v}
	}
	return sd
}

// Restore copies the snapshot into ps with the same checks as Load.
func (s *Snapshot) Restore(ps layer.Params) error {
	return Load(ps, s.StateDict())
}

func SaveSnapshot(s *Snapshot, path string) error {
	return gobx.Save(s, path)
}

func LoadSnapshot(path string) (*Snapshot, error) {
	s, err := gobx.Load[Snapshot](path)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", path, err)
	}
	return &s, nil
}
