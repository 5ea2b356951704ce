package layer

import (
	"fmt"
	"slices"

	"github.com/sw965/cyclemae/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

// Param は学習パラメータと、その勾配バッファ。
// Backward は Grad に加算するだけなので、ステップ毎に ClearGrad を呼ぶこと。
type Param struct {
	Name  string
	Shape []int
	Value []float32
	Grad  []float32

	// Frozen なパラメータ(固定の位置埋め込み)は state dict には含まれるが、更新されない。
	Frozen bool
}

func NewParam(name string, value []float32, shape ...int) *Param {
	return &Param{
		Name:  name,
		Shape: shape,
		Value: value,
		Grad:  make([]float32, len(value)),
	}
}

func (p *Param) N() int {
	return len(p.Value)
}

// Matrix は Shape[0] 行の行列として見る(コピーではない)。
func (p *Param) Matrix() blas32.General {
	rows := p.Shape[0]
	cols := p.N() / rows
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: p.Value}
}

func (p *Param) GradMatrix() blas32.General {
	rows := p.Shape[0]
	cols := p.N() / rows
	return blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: p.Grad}
}

func (p *Param) ValueVector() blas32.Vector {
	return vector.FromSlice(p.Value)
}

func (p *Param) GradVector() blas32.Vector {
	return vector.FromSlice(p.Grad)
}

func (p *Param) ClearGrad() {
	clear(p.Grad)
}

func (p *Param) SameShape(shape []int) bool {
	return slices.Equal(p.Shape, shape)
}

type Params []*Param

func (ps Params) ClearGrad() {
	for _, p := range ps {
		p.ClearGrad()
	}
}

// Prefixed は名前に prefix を付けた Params を返す。Value と Grad は共有する。
func (ps Params) Prefixed(prefix string) Params {
	prefixed := make(Params, len(ps))
	for i, p := range ps {
		q := *p
		q.Name = prefix + p.Name
		prefixed[i] = &q
	}
	return prefixed
}

func (ps Params) Trainable() Params {
	trainable := make(Params, 0, len(ps))
	for _, p := range ps {
		if !p.Frozen {
			trainable = append(trainable, p)
		}
	}
	return trainable
}

func (ps Params) NumElements() int {
	n := 0
	for _, p := range ps {
		n += p.N()
	}
	return n
}

func (ps Params) Values() []blas32.Vector {
	vs := make([]blas32.Vector, len(ps))
	for i, p := range ps {
		vs[i] = p.ValueVector()
	}
	return vs
}

func (ps Params) Grads() []blas32.Vector {
	gs := make([]blas32.Vector, len(ps))
	for i, p := range ps {
		gs[i] = p.GradVector()
	}
	return gs
}

// Map は名前をキーにした map を返す。名前の重複はエラー。
func (ps Params) Map() (map[string]*Param, error) {
	m := make(map[string]*Param, len(ps))
	for _, p := range ps {
		if _, ok := m[p.Name]; ok {
			return nil, fmt.Errorf("duplicate parameter name %q", p.Name)
		}
		m[p.Name] = p
	}
	return m, nil
}
