package randx

import (
	"math/rand/v2"

	"github.com/sw965/omw/mathx/randx"
)

func Rademacher(rng *rand.Rand) float32 {
	if randx.Bool(rng) {
		return 1.0
	}
	return -1.0
}

// New は seed が 0 ならグローバルシード由来の PCG を、それ以外なら seed 固定の PCG を返す。
func New(seed uint64) *rand.Rand {
	if seed == 0 {
		return randx.NewPCGFromGlobalSeed()
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
