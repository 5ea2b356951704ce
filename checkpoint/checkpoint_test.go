package checkpoint_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sw965/cyclemae/checkpoint"
	"github.com/sw965/cyclemae/model/layer"
)

func testParams() layer.Params {
	return layer.Params{
		layer.NewParam("cls_token", []float32{0.5, -1.25, 3}, 1, 1, 3),
		layer.NewParam("norm.weight", []float32{1, 2}, 2),
		layer.NewParam("head.weight", []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}, 2, 3),
	}
}

func TestSafetensorsRoundTripF32(t *testing.T) {
	sd := checkpoint.StateDict(testParams())
	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteSafetensors(&buf, sd, checkpoint.DTypeF32))

	got, err := checkpoint.ReadSafetensors(&buf)
	require.NoError(t, err)
	require.Equal(t, sd, got)
}

func TestSafetensorsRoundTripF16(t *testing.T) {
	// all exactly representable in half precision
	ps := layer.Params{layer.NewParam("w", []float32{0.5, -1.25, 3, 1024, 0.125, -0.0625}, 2, 3)}
	sd := checkpoint.StateDict(ps)
	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteSafetensors(&buf, sd, checkpoint.DTypeF16))

	got, err := checkpoint.ReadSafetensors(&buf)
	require.NoError(t, err)
	require.Equal(t, sd, got)
}

func TestWriteRejectsUnsupportedDType(t *testing.T) {
	var buf bytes.Buffer
	err := checkpoint.WriteSafetensors(&buf, checkpoint.StateDict(testParams()), checkpoint.DTypeBF16)
	require.Error(t, err)
}

func rawSafetensors(t *testing.T, header string, data []byte) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int64(len(header))))
	buf.WriteString(header)
	buf.Write(data)
	return &buf
}

func TestReadBF16(t *testing.T) {
	header := `{"__metadata__":{"format":"pt"},"w":{"dtype":"BF16","shape":[3],"data_offsets":[0,6]}}`
	// 1.0 = 0x3F80, -2.0 = 0xC000, 0.5 = 0x3F00
	data := []byte{0x80, 0x3F, 0x00, 0xC0, 0x00, 0x3F}

	got, err := checkpoint.ReadSafetensors(rawSafetensors(t, header, data))
	require.NoError(t, err)
	require.Equal(t, []int{3}, got["w"].Shape)
	require.Equal(t, []float32{1, -2, 0.5}, got["w"].Data)
}

func TestReadRejectsMalformed(t *testing.T) {
	testCases := []struct {
		name   string
		header string
		data   []byte
	}{
		{"unknown dtype", `{"w":{"dtype":"I8","shape":[2],"data_offsets":[0,2]}}`, []byte{1, 2}},
		{"offsets past end", `{"w":{"dtype":"F32","shape":[2],"data_offsets":[0,8]}}`, []byte{0, 0, 0, 0}},
		{"shape disagrees", `{"w":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8)},
		{"broken json", `{"w":`, nil},
		{"negative offset", `{"w":{"dtype":"F32","shape":[2],"data_offsets":[-8,0]}}`, make([]byte, 8)},
		{"reversed offsets", `{"w":{"dtype":"F32","shape":[1],"data_offsets":[4,0]}}`, make([]byte, 4)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := checkpoint.ReadSafetensors(rawSafetensors(t, tc.header, tc.data))
			require.Error(t, err)
		})
	}
}

func TestReadRejectsHeaderLength(t *testing.T) {
	// only the length is written; it must be rejected before any allocation
	for _, n := range []int64{0, -1, 1 << 40} {
		var buf bytes.Buffer
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, n))
		_, err := checkpoint.ReadSafetensors(&buf)
		require.Error(t, err, "header length %d", n)
	}
}

func TestFileRoundTripAndInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	sd := checkpoint.StateDict(testParams())
	require.NoError(t, checkpoint.WriteSafetensorsFile(path, sd, checkpoint.DTypeF32))

	infos, err := checkpoint.Inspect(path)
	require.NoError(t, err)
	require.Equal(t, []checkpoint.Info{
		{Name: "cls_token", DType: "F32", Shape: []int{1, 1, 3}},
		{Name: "head.weight", DType: "F32", Shape: []int{2, 3}},
		{Name: "norm.weight", DType: "F32", Shape: []int{2}},
	}, infos)

	got, err := checkpoint.ReadSafetensorsFile(path)
	require.NoError(t, err)
	require.Equal(t, sd, got)
}

func TestLoad(t *testing.T) {
	src := testParams()
	dst := testParams()
	for _, p := range dst {
		clear(p.Value)
	}
	require.NoError(t, checkpoint.Load(dst, checkpoint.StateDict(src)))
	for i := range src {
		require.Equal(t, src[i].Value, dst[i].Value)
	}
}

func TestLoadMismatch(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		sd := checkpoint.StateDict(testParams())
		delete(sd, "norm.weight")
		err := checkpoint.Load(testParams(), sd)
		require.True(t, errors.Is(err, checkpoint.ErrMismatch))
	})

	t.Run("unexpected key", func(t *testing.T) {
		sd := checkpoint.StateDict(testParams())
		sd["decoder_pred.bias"] = checkpoint.Tensor{Shape: []int{1}, Data: []float32{0}}
		err := checkpoint.Load(testParams(), sd)
		require.ErrorIs(t, err, checkpoint.ErrMismatch)
	})

	t.Run("shape", func(t *testing.T) {
		sd := checkpoint.StateDict(testParams())
		sd["head.weight"] = checkpoint.Tensor{Shape: []int{3, 2}, Data: make([]float32, 6)}
		dst := testParams()
		err := checkpoint.Load(dst, sd)
		require.ErrorIs(t, err, checkpoint.ErrMismatch)
		// nothing is overwritten on failure
		require.Equal(t, []float32{0.5, -1.25, 3}, dst[0].Value)
	})
}

func TestSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "step.gob")
	src := testParams()
	require.NoError(t, checkpoint.SaveSnapshot(checkpoint.NewSnapshot("run", 7, src), path))

	s, err := checkpoint.LoadSnapshot(path)
	require.NoError(t, err)
	require.Equal(t, "run", s.RunID)
	require.Equal(t, 7, s.Step)

	dst := testParams()
	for _, p := range dst {
		clear(p.Value)
	}
	require.NoError(t, s.Restore(dst))
	for i := range src {
		require.Equal(t, src[i].Value, dst[i].Value)
	}
}
