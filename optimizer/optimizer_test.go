package optimizer_test

import (
	"testing"

	"github.com/sw965/cyclemae/model/layer"
	"github.com/sw965/cyclemae/optimizer"
)

func TestMomentum(t *testing.T) {
	w := layer.NewParam("w", []float32{1, -1}, 2)
	pos := layer.NewParam("pos", []float32{5}, 1)
	pos.Frozen = true
	copy(w.Grad, []float32{0.5, -2})
	pos.Grad[0] = 1

	opt := optimizer.NewMomentum(layer.Params{w, pos})
	opt.LearningRate = 0.1
	opt.MomentumRate = 0.5

	if err := opt.Optimize(); err != nil {
		t.Fatalf("%v", err)
	}
	// v = -0.1 * g
	want := []float32{0.95, -0.8}
	for i := range want {
		if d := w.Value[i] - want[i]; d > 1e-6 || d < -1e-6 {
			t.Fatalf("step 1: w[%d] = %v, want %v", i, w.Value[i], want[i])
		}
	}
	if pos.Value[0] != 5 {
		t.Fatalf("frozen parameter moved: %v", pos.Value[0])
	}

	if err := opt.Optimize(); err != nil {
		t.Fatalf("%v", err)
	}
	// v = 0.5 * v - 0.1 * g = 1.5 * (-0.1 * g)
	want = []float32{0.875, -0.5}
	for i := range want {
		if d := w.Value[i] - want[i]; d > 1e-6 || d < -1e-6 {
			t.Fatalf("step 2: w[%d] = %v, want %v", i, w.Value[i], want[i])
		}
	}
}

func TestMomentumWeightDecay(t *testing.T) {
	w := layer.NewParam("w", []float32{2}, 1)
	opt := optimizer.NewMomentum(layer.Params{w})
	opt.LearningRate = 0.5
	opt.WeightDecay = 0.1
	if err := opt.Optimize(); err != nil {
		t.Fatalf("%v", err)
	}
	// 勾配 0 でも c*w の分だけ縮む
	if d := w.Value[0] - 1.9; d > 1e-6 || d < -1e-6 {
		t.Fatalf("w = %v, want 1.9", w.Value[0])
	}
}
