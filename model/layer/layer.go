// Package layer は ViT を組み立てるための微分可能な部品を提供する。
//
// Forward は出力と Backward クロージャを返す。Backward は上流からの勾配 chain を受け取り、
// パラメータの Grad に加算した上で入力に対する勾配を返す。
package layer

import (
	"errors"
	"fmt"
	"runtime"
	"slices"

	"github.com/sw965/cyclemae/blas32/tensor/3d"
)

var ErrShapeMismatch = errors.New("shape mismatch")

func errShape(what string, got, want any) error {
	return fmt.Errorf("%s: got %v, want %v: %w", what, got, want, ErrShapeMismatch)
}

// Context は層の間で共有する実行時の設定。
type Context struct {
	Parallel int
}

func (c *Context) Parallelism() int {
	if c == nil || c.Parallel <= 0 {
		return runtime.NumCPU()
	}
	return c.Parallel
}

type Backward func(chain tensor3d.General) (tensor3d.General, error)
type Backwards []Backward

// Propagate は逆順に並んだ Backwards を順に適用する。
func (bs Backwards) Propagate(chain tensor3d.General) (tensor3d.General, error) {
	var err error
	for _, b := range bs {
		chain, err = b(chain)
		if err != nil {
			return tensor3d.General{}, err
		}
	}
	return chain, nil
}

type Interface interface {
	Forward(tensor3d.General) (tensor3d.General, Backward, error)
	Parameters() Params
}

type Sequence []Interface

func (s Sequence) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	var err error
	var backward Backward
	backwards := make(Backwards, len(s))
	for i, l := range s {
		x, backward, err = l.Forward(x)
		if err != nil {
			return tensor3d.General{}, nil, err
		}
		backwards[i] = backward
	}
	slices.Reverse(backwards)
	return x, backwards.Propagate, nil
}

func (s Sequence) Parameters() Params {
	ps := Params{}
	for _, l := range s {
		ps = append(ps, l.Parameters()...)
	}
	return ps
}

// Residual は x + f(x)。
type Residual struct {
	Inner Interface
}

func (r Residual) Forward(x tensor3d.General) (tensor3d.General, Backward, error) {
	fx, innerBackward, err := r.Inner.Forward(x)
	if err != nil {
		return tensor3d.General{}, nil, err
	}
	if !fx.SameShape(x) {
		return tensor3d.General{}, nil, errShape("residual", fx.Shape(), x.Shape())
	}
	y := x.Clone()
	y.Axpy(1.0, fx)

	backward := func(chain tensor3d.General) (tensor3d.General, error) {
		dx, err := innerBackward(chain)
		if err != nil {
			return tensor3d.General{}, err
		}
		dx = dx.Clone()
		dx.Axpy(1.0, chain)
		return dx, nil
	}
	return y, backward, nil
}

func (r Residual) Parameters() Params {
	return r.Inner.Parameters()
}
