package mae

import (
	"math"

	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/blas32/tensor/4d"
)

// Patchify turns square images [N, C, H, W] into [N, L, p*p*C]. Inside one patch the
// values are ordered by pixel row, then pixel column, then channel.
func Patchify(imgs tensor4d.General, p int) (tensor3d.General, error) {
	if imgs.Rows != imgs.Cols || p <= 0 || imgs.Rows%p != 0 {
		return tensor3d.General{}, errShape("patchify: image %dx%d with patch size %d", imgs.Rows, imgs.Cols, p)
	}
	grid := imgs.Rows / p
	chs := imgs.Channels
	x := tensor3d.NewZeros(imgs.Batches, grid*grid, p*p*chs)
	for n := 0; n < imgs.Batches; n++ {
		for gh := 0; gh < grid; gh++ {
			for gw := 0; gw < grid; gw++ {
				row := x.Row(n, gh*grid+gw)
				for u := 0; u < p; u++ {
					for v := 0; v < p; v++ {
						for c := 0; c < chs; c++ {
							row[(u*p+v)*chs+c] = imgs.Data[imgs.At(n, c, gh*p+u, gw*p+v)]
						}
					}
				}
			}
		}
	}
	return x, nil
}

// Unpatchify is the exact inverse of Patchify.
func Unpatchify(x tensor3d.General, p, chs int) (tensor4d.General, error) {
	grid := int(math.Sqrt(float64(x.Rows)))
	if grid*grid != x.Rows {
		return tensor4d.General{}, errShape("unpatchify: %d patches do not form a square grid", x.Rows)
	}
	if x.Cols != p*p*chs {
		return tensor4d.General{}, errShape("unpatchify: patch width %d, want %d", x.Cols, p*p*chs)
	}
	imgs := tensor4d.NewZeros(x.Batches, chs, grid*p, grid*p)
	for n := 0; n < x.Batches; n++ {
		for gh := 0; gh < grid; gh++ {
			for gw := 0; gw < grid; gw++ {
				row := x.Row(n, gh*grid+gw)
				for u := 0; u < p; u++ {
					for v := 0; v < p; v++ {
						for c := 0; c < chs; c++ {
							imgs.Data[imgs.At(n, c, gh*p+u, gw*p+v)] = row[(u*p+v)*chs+c]
						}
					}
				}
			}
		}
	}
	return imgs, nil
}
