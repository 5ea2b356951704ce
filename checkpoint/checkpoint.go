// Package checkpoint moves named parameters in and out of files: safetensors for
// interchange with pretrained weights and gob snapshots for resuming training.
package checkpoint

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sw965/cyclemae/model/layer"
	"golang.org/x/exp/maps"
)

var ErrMismatch = errors.New("checkpoint does not match the model")

type Tensor struct {
	Shape []int
	Data  []float32
}

// StateDict copies the parameter values into a name → tensor map.
func StateDict(ps layer.Params) map[string]Tensor {
	sd := make(map[string]Tensor, len(ps))
	for _, p := range ps {
		sd[p.Name] = Tensor{
			Shape: slices.Clone(p.Shape),
			Data:  slices.Clone(p.Value),
		}
	}
	return sd
}

// Load copies sd into ps. The key sets must be equal and every shape must match,
// otherwise nothing is copied and the error wraps ErrMismatch.
func Load(ps layer.Params, sd map[string]Tensor) error {
	byName, err := ps.Map()
	if err != nil {
		return err
	}

	var missing, unexpected []string
	for name := range byName {
		if _, ok := sd[name]; !ok {
			missing = append(missing, name)
		}
	}
	keys := maps.Keys(sd)
	slices.Sort(keys)
	for _, name := range keys {
		if _, ok := byName[name]; !ok {
			unexpected = append(unexpected, name)
		}
	}
	if len(missing) > 0 || len(unexpected) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("missing keys %v, unexpected keys %v: %w", missing, unexpected, ErrMismatch)
	}

	for _, name := range keys {
		p, t := byName[name], sd[name]
		if !p.SameShape(t.Shape) || len(t.Data) != p.N() {
			return fmt.Errorf("%s: checkpoint shape %v, model shape %v: %w", name, t.Shape, p.Shape, ErrMismatch)
		}
	}
	for _, name := range keys {
		copy(byName[name].Value, sd[name].Data)
	}
	return nil
}
