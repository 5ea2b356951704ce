package tensor2d_test

import (
	"slices"
	"testing"

	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func TestTranspose(t *testing.T) {
	x := blas32.General{
		Rows:   3,
		Cols:   5,
		Stride: 5,
		Data: []float32{
			1, 2, 3, 4, 5,
			2, 5, 4, 1, 3,
			3, 1, 5, 2, 4,
		},
	}

	result := tensor2d.Transpose(x)
	expected := blas32.General{
		Rows:   5,
		Cols:   3,
		Stride: 3,
		Data: []float32{
			1, 2, 3,
			2, 5, 1,
			3, 4, 5,
			4, 1, 2,
			5, 3, 4,
		},
	}

	if result.Rows != expected.Rows || result.Cols != expected.Cols || result.Stride != expected.Stride {
		t.Fatalf("shape: got %dx%d stride %d", result.Rows, result.Cols, result.Stride)
	}

	if !slices.Equal(result.Data, expected.Data) {
		t.Errorf("data: got %v, want %v", result.Data, expected.Data)
	}
}

func TestDot(t *testing.T) {
	a := blas32.General{Rows: 2, Cols: 3, Stride: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
	b := blas32.General{Rows: 2, Cols: 3, Stride: 3, Data: []float32{1, 0, 1, 0, 1, 0}}

	// a·bᵀ
	y := tensor2d.Dot(blas.NoTrans, blas.Trans, a, b)
	expected := []float32{4, 2, 10, 5}
	if y.Rows != 2 || y.Cols != 2 || !slices.Equal(y.Data, expected) {
		t.Errorf("a·bᵀ: got %v (%dx%d), want %v", y.Data, y.Rows, y.Cols, expected)
	}

	// aᵀ·b
	y = tensor2d.Dot(blas.Trans, blas.NoTrans, a, b)
	expected = []float32{
		1, 4, 1,
		2, 5, 2,
		3, 6, 3,
	}
	if y.Rows != 3 || y.Cols != 3 || !slices.Equal(y.Data, expected) {
		t.Errorf("aᵀ·b: got %v (%dx%d), want %v", y.Data, y.Rows, y.Cols, expected)
	}

	tensor2d.DotAdd(blas.Trans, blas.NoTrans, a, b, y)
	for i := range expected {
		expected[i] *= 2
	}
	if !slices.Equal(y.Data, expected) {
		t.Errorf("DotAdd: got %v, want %v", y.Data, expected)
	}
}

func TestSums(t *testing.T) {
	x := blas32.General{Rows: 2, Cols: 3, Stride: 3, Data: []float32{1, 2, 3, 4, 5, 6}}
	if got := tensor2d.Sum0(x).Data; !slices.Equal(got, []float32{5, 7, 9}) {
		t.Errorf("Sum0: got %v", got)
	}
	if got := tensor2d.Sum1(x).Data; !slices.Equal(got, []float32{6, 15}) {
		t.Errorf("Sum1: got %v", got)
	}
	if got := tensor2d.Sum(x); got != 21 {
		t.Errorf("Sum: got %v", got)
	}
}
