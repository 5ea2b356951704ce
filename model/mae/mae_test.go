package mae_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sw965/cyclemae/blas32/tensor/2d"
	"github.com/sw965/cyclemae/blas32/tensor/3d"
	"github.com/sw965/cyclemae/blas32/tensor/4d"
	"github.com/sw965/cyclemae/blas32/vectors"
	"github.com/sw965/cyclemae/mathx"
	"github.com/sw965/cyclemae/model/layer"
	"github.com/sw965/cyclemae/model/mae"
)

func TestPatchifyRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	imgs := tensor4d.NewUniform(2, 3, 8, 8, rng)

	x, err := mae.Patchify(imgs, 4)
	require.NoError(t, err)
	require.Equal(t, [3]int{2, 4, 48}, x.Shape())

	// patch (1, 0) of sample 1, pixel (u=2, v=3), channel 1
	got := x.Row(1, 2)[(2*4+3)*3+1]
	assert.Equal(t, imgs.Data[imgs.At(1, 1, 4+2, 3)], got)

	back, err := mae.Unpatchify(x, 4, 3)
	require.NoError(t, err)
	assert.Equal(t, imgs.Data, back.Data)
}

func TestPatchifyRejectsBadShapes(t *testing.T) {
	_, err := mae.Patchify(tensor4d.NewZeros(1, 3, 8, 6), 2)
	assert.ErrorIs(t, err, mae.ErrShapeMismatch)

	_, err = mae.Patchify(tensor4d.NewZeros(1, 3, 10, 10), 4)
	assert.ErrorIs(t, err, mae.ErrShapeMismatch)

	_, err = mae.Unpatchify(tensor3d.NewZeros(1, 5, 12), 2, 3)
	assert.ErrorIs(t, err, mae.ErrShapeMismatch)
}

func TestMaskingInvariants(t *testing.T) {
	masker := &mae.Masker{Rng: rand.New(rand.NewPCG(3, 4))}
	x := tensor3d.NewZeros(4, 196, 2)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}

	kept, state, err := masker.Mask(x, 0.75)
	require.NoError(t, err)
	require.Equal(t, 49, state.LenKeep)
	require.Equal(t, [3]int{4, 49, 2}, kept.Shape())

	for n := 0; n < 4; n++ {
		for i, idx := range state.IDsShuffle[n] {
			assert.Equal(t, i, state.IDsRestore[n][idx])
		}
		mask := tensor2d.Row(state.Mask, n)
		var removed float32
		for _, m := range mask {
			removed += m
		}
		assert.Equal(t, float32(196-49), removed)

		for i, idx := range state.IDsKeep[n] {
			assert.Equal(t, float32(0), mask[idx])
			assert.Equal(t, x.Row(n, idx), kept.Row(n, i))
		}
	}
}

func TestMaskingDeterministic(t *testing.T) {
	x := tensor3d.NewZeros(2, 16, 1)
	_, a, err := (&mae.Masker{Rng: rand.New(rand.NewPCG(7, 7))}).Mask(x, 0.5)
	require.NoError(t, err)
	_, b, err := (&mae.Masker{Rng: rand.New(rand.NewPCG(7, 7))}).Mask(x, 0.5)
	require.NoError(t, err)
	assert.Equal(t, a.IDsShuffle, b.IDsShuffle)
	assert.Equal(t, a.Mask.Data, b.Mask.Data)
}

func TestMaskingRatioZero(t *testing.T) {
	masker := &mae.Masker{Rng: rand.New(rand.NewPCG(5, 6))}
	kept, state, err := masker.Mask(tensor3d.NewZeros(3, 196, 4), 0)
	require.NoError(t, err)
	assert.Equal(t, 196, state.LenKeep)
	assert.Equal(t, 196, kept.Rows)
	assert.Equal(t, float32(0), tensor2d.Sum(state.Mask))
}

func TestMaskingInvalidRatio(t *testing.T) {
	masker := &mae.Masker{Rng: rand.New(rand.NewPCG(5, 6))}
	for _, ratio := range []float64{1, 1.5, -0.1, math.NaN()} {
		_, _, err := masker.Mask(tensor3d.NewZeros(1, 4, 1), ratio)
		assert.ErrorIs(t, err, mae.ErrInvalidMaskRatio, "ratio %v", ratio)
	}
}

func TestNewMaskingStateStableTies(t *testing.T) {
	noise := [][]float64{{0.5, 0.1, 0.5, 0.1}}
	state, err := mae.NewMaskingState(noise, 0.5, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 0, 2}, state.IDsShuffle[0])
	assert.Equal(t, []int{2, 0, 3, 1}, state.IDsRestore[0])
	assert.Equal(t, []float32{1, 0, 1, 0}, state.Mask.Data)
}

func TestLenKeep(t *testing.T) {
	tests := []struct {
		numPatches int
		ratio      float64
		want       int
	}{
		{100, 0.6, 40},
		{10, 0.6, 4},
		{196, 0.75, 49},
		{196, 0, 196},
		{7, 0.5, 3},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, mae.LenKeep(tc.numPatches, tc.ratio), "L=%d ratio=%v", tc.numPatches, tc.ratio)
	}

	masker := &mae.Masker{Rng: rand.New(rand.NewPCG(3, 4))}
	kept, state, err := masker.Mask(tensor3d.NewZeros(2, 100, 1), 0.6)
	require.NoError(t, err)
	assert.Equal(t, 40, kept.Rows)
	assert.Equal(t, 40, state.LenKeep)
	for n := 0; n < 2; n++ {
		var removed float32
		for _, v := range tensor2d.Row(state.Mask, n) {
			removed += v
		}
		assert.Equal(t, float32(60), removed)
	}
}

func TestRestoreTokensMarkers(t *testing.T) {
	masker := &mae.Masker{Rng: rand.New(rand.NewPCG(9, 10))}
	const l = 16
	markers := tensor3d.NewZeros(2, l, 1)
	for n := 0; n < 2; n++ {
		for i := 0; i < l; i++ {
			markers.Row(n, i)[0] = float32(i + 1)
		}
	}
	kept, state, err := masker.Mask(markers, 0.75)
	require.NoError(t, err)

	// prepend a summary row carrying a sentinel
	latent := tensor3d.NewZeros(2, kept.Rows+1, 1)
	for n := 0; n < 2; n++ {
		latent.Row(n, 0)[0] = 100
		for i := 0; i < kept.Rows; i++ {
			copy(latent.Row(n, i+1), kept.Row(n, i))
		}
	}

	restored, backward, err := mae.RestoreTokens(latent, []float32{-1}, state.IDsRestore)
	require.NoError(t, err)
	require.Equal(t, [3]int{2, l + 1, 1}, restored.Shape())
	for n := 0; n < 2; n++ {
		assert.Equal(t, float32(100), restored.Row(n, 0)[0])
		for i := 0; i < l; i++ {
			got := restored.Row(n, i+1)[0]
			if tensor2d.Row(state.Mask, n)[i] == 1 {
				assert.Equal(t, float32(-1), got, "sample %d patch %d", n, i)
			} else {
				assert.Equal(t, float32(i+1), got, "sample %d patch %d", n, i)
			}
		}
	}

	// every removed position sends its gradient to the mask token
	ones := tensor3d.NewZerosLike(restored)
	for i := range ones.Data {
		ones.Data[i] = 1
	}
	dx, dMask := backward(ones)
	assert.Equal(t, []float32{float32(2 * (l - state.LenKeep))}, dMask)
	for i := range dx.Data {
		assert.Equal(t, float32(1), dx.Data[i])
	}

	_, _, err = mae.RestoreTokens(latent, []float32{-1}, [][]int{state.IDsRestore[0], state.IDsRestore[1][:3]})
	assert.ErrorIs(t, err, mae.ErrShapeMismatch)
}

func TestReconstructionLossZeroWhenEqual(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	imgs := tensor4d.NewUniform(2, 3, 8, 8, rng)
	rl := mae.ReconstructionLoss{PatchSize: 4}
	target, err := rl.Target(imgs)
	require.NoError(t, err)
	pred, err := mae.Patchify(imgs, 4)
	require.NoError(t, err)

	perPatch, err := mae.PerPatch(target, pred)
	require.NoError(t, err)
	for _, e := range perPatch.Data {
		assert.Equal(t, float32(0), e)
	}

	mask := tensor2d.NewOnes(2, 4)
	loss, err := mae.MaskedMean(perPatch, mask)
	require.NoError(t, err)
	assert.Equal(t, float32(0), loss)
}

func TestReconstructionLossNormPix(t *testing.T) {
	imgs := tensor4d.NewZeros(1, 1, 4, 4)
	for i := range imgs.Data {
		imgs.Data[i] = float32(i % 3)
	}
	rl := mae.ReconstructionLoss{PatchSize: 2, NormPix: true}
	target, err := rl.Target(imgs)
	require.NoError(t, err)
	for l := 0; l < target.Rows; l++ {
		var mean float32
		for _, e := range target.Row(0, l) {
			mean += e
		}
		assert.InDelta(t, 0, mean/4, 1e-5)
	}

	// constant patches stay finite thanks to the epsilon
	flat := tensor4d.NewZeros(1, 1, 2, 2)
	target, err = rl.Target(flat)
	require.NoError(t, err)
	for _, e := range target.Data {
		assert.False(t, math32.IsNaN(e))
	}
}

func TestMaskedMean(t *testing.T) {
	perPatch := tensor2d.NewZeros(1, 4)
	copy(perPatch.Data, []float32{1, 2, 3, 4})
	mask := tensor2d.NewZeros(1, 4)
	copy(mask.Data, []float32{0, 1, 0, 1})
	loss, err := mae.MaskedMean(perPatch, mask)
	require.NoError(t, err)
	assert.Equal(t, float32(3), loss)

	loss, err = mae.MaskedMean(perPatch, tensor2d.NewZeros(1, 4))
	require.NoError(t, err)
	assert.Equal(t, float32(0), loss)
}

func TestSinCosPositionEmbedding(t *testing.T) {
	emb, err := mae.SinCosPositionEmbedding(8, 2, true)
	require.NoError(t, err)
	require.Equal(t, 5, emb.Rows)
	for _, e := range tensor2d.Row(emb, 0) {
		assert.Equal(t, float32(0), e)
	}
	// patch (row 0, col 1): column half sin(1*ω0), row half sin(0)
	row := tensor2d.Row(emb, 2)
	assert.InDelta(t, math.Sin(1), row[0], 1e-6)
	assert.InDelta(t, math.Cos(1), row[2], 1e-6)
	assert.InDelta(t, 0, row[4], 1e-6)
	assert.InDelta(t, 1, row[6], 1e-6)

	_, err = mae.SinCosPositionEmbedding(6, 2, false)
	assert.Error(t, err)
}

func newTinyEncoder(t *testing.T, rng *rand.Rand) *mae.Encoder {
	t.Helper()
	enc, err := mae.NewEncoder(mae.EncoderConfig{
		ImageSize: 8, PatchSize: 2, Channels: 3, Dim: 8, Depth: 2, Heads: 2, MLPRatio: 2,
	}, &layer.Context{Parallel: 2}, rng)
	require.NoError(t, err)
	return enc
}

func newTinyDecoder(t *testing.T, rng *rand.Rand) *mae.Decoder {
	t.Helper()
	dec, err := mae.NewDecoder(mae.DecoderConfig{
		EncoderDim: 8, Dim: 8, Depth: 2, Heads: 2, MLPRatio: 2, PatchSize: 2, Channels: 3, NumPatches: 16,
	}, &layer.Context{Parallel: 2}, rng)
	require.NoError(t, err)
	return dec
}

func TestEncoderShapes(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	enc := newTinyEncoder(t, rng)
	latent, state, _, err := enc.Encode(tensor4d.NewUniform(3, 3, 8, 8, rng), 0.75)
	require.NoError(t, err)
	assert.Equal(t, [3]int{3, 5, 8}, latent.Shape())
	assert.Equal(t, 4, state.LenKeep)

	names := map[string]bool{}
	for _, p := range enc.Parameters() {
		names[p.Name] = true
	}
	for _, name := range []string{"cls_token", "pos_embed", "patch_embed.proj.weight", "blocks.1.mlp.fc2.bias", "norm.weight"} {
		assert.True(t, names[name], name)
	}
}

func TestDecoderShapesAndMid(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	enc := newTinyEncoder(t, rng)
	dec := newTinyDecoder(t, rng)
	latent, state, _, err := enc.Encode(tensor4d.NewUniform(2, 3, 8, 8, rng), 0.5)
	require.NoError(t, err)

	out, _, err := dec.Decode(latent, state.IDsRestore)
	require.NoError(t, err)
	assert.Equal(t, [3]int{2, 16, 12}, out.Prediction.Shape())
	assert.Equal(t, [3]int{2, 17, 8}, out.Mid.Shape())

	bad := [][]int{state.IDsRestore[0][:8], state.IDsRestore[1][:8]}
	_, _, err = dec.Decode(latent, bad)
	assert.ErrorIs(t, err, mae.ErrShapeMismatch)
}

func TestDecoderDepthZero(t *testing.T) {
	_, err := mae.NewDecoder(mae.DecoderConfig{
		EncoderDim: 8, Dim: 8, Depth: 0, Heads: 2, MLPRatio: 2, PatchSize: 2, Channels: 3, NumPatches: 16,
	}, nil, rand.New(rand.NewPCG(1, 1)))
	assert.Error(t, err)
}

const h = 1e-2

// The directional derivative of <pred, r1> + <mid, r2> against a central difference.
func TestDecoderGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(17, 18))
	dec := newTinyDecoder(t, rng)
	masker := &mae.Masker{Rng: rng}
	_, state, err := masker.Mask(tensor3d.NewZeros(2, 16, 1), 0.5)
	require.NoError(t, err)

	latent := tensor3d.NewZeros(2, state.LenKeep+1, 8)
	for i := range latent.Data {
		latent.Data[i] = float32(rng.NormFloat64())
	}

	params := dec.Parameters().Trainable()
	params.ClearGrad()
	out, backward, err := dec.Decode(latent, state.IDsRestore)
	require.NoError(t, err)
	r1 := tensor3d.NewRademacherLike(out.Prediction, rng)
	r2 := tensor3d.NewRademacherLike(out.Mid, rng)
	dLatent, err := backward(r1, r2)
	require.NoError(t, err)

	u := vectors.NewRademacherLike(params.Values(), rng)
	ul := tensor3d.NewRademacherLike(latent, rng)
	analytic, err := vectors.Dot(params.Grads(), u)
	require.NoError(t, err)
	analytic += dLatent.Dot(ul)

	loss := func(alpha float32) float32 {
		require.NoError(t, vectors.Axpy(alpha, u, params.Values()))
		latent.Axpy(alpha, ul)
		out, _, err := dec.Decode(latent, state.IDsRestore)
		require.NoError(t, err)
		return out.Prediction.Dot(r1) + out.Mid.Dot(r2)
	}
	plus := loss(h)
	minus := loss(-2 * h)
	loss(h)
	numeric := mathx.CentralDifference(plus, minus, h)
	assert.InDelta(t, numeric, analytic, 2e-2+5e-2*math.Abs(float64(numeric)))
}

func TestEncoderGradient(t *testing.T) {
	rng := rand.New(rand.NewPCG(19, 20))
	enc := newTinyEncoder(t, rng)
	img := tensor4d.NewUniform(2, 3, 8, 8, rng)

	// reseed so every call draws the same mask
	encode := func() (tensor3d.General, mae.EncodeBackward) {
		enc.Masker.Rng = rand.New(rand.NewPCG(21, 22))
		latent, _, backward, err := enc.Encode(img, 0.5)
		require.NoError(t, err)
		return latent, backward
	}

	params := enc.Parameters().Trainable()
	params.ClearGrad()
	latent, backward := encode()
	r := tensor3d.NewRademacherLike(latent, rng)
	require.NoError(t, backward(r))

	u := vectors.NewRademacherLike(params.Values(), rng)
	analytic, err := vectors.Dot(params.Grads(), u)
	require.NoError(t, err)

	loss := func(alpha float32) float32 {
		require.NoError(t, vectors.Axpy(alpha, u, params.Values()))
		latent, _ := encode()
		return latent.Dot(r)
	}
	plus := loss(h)
	minus := loss(-2 * h)
	loss(h)
	numeric := mathx.CentralDifference(plus, minus, h)
	assert.InDelta(t, numeric, analytic, 2e-2+5e-2*math.Abs(float64(numeric)))
}
