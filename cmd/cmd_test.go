package cmd

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sw965/cyclemae/checkpoint"
	"github.com/sw965/cyclemae/model/layer"
)

func TestInspect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.safetensors")
	ps := layer.Params{
		layer.NewParam("encoder.cls_token", make([]float32, 8), 1, 1, 8),
		layer.NewParam("encoder.norm.bias", make([]float32, 8), 8),
	}
	require.NoError(t, checkpoint.WriteSafetensorsFile(path, checkpoint.StateDict(ps), checkpoint.DTypeF16))

	var out bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&out)
	cli.SetArgs([]string{"inspect", path})
	require.NoError(t, cli.Execute())

	assert.Contains(t, out.String(), "encoder.cls_token")
	assert.Contains(t, out.String(), "[1 1 8]")
	assert.Contains(t, out.String(), "F16")
	assert.Contains(t, out.String(), "2 tensors, 16 elements")
}

func writeDomain(t *testing.T, dir string, c color.Color) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	img := image.NewRGBA(image.Rect(0, 0, 12, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 12; x++ {
			img.Set(x, y, c)
		}
	}
	f, err := os.Create(filepath.Join(dir, "0.png"))
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func TestTrain(t *testing.T) {
	root := t.TempDir()
	a, b := filepath.Join(root, "a"), filepath.Join(root, "b")
	writeDomain(t, a, color.RGBA{200, 10, 10, 255})
	writeDomain(t, b, color.RGBA{10, 10, 200, 255})
	out := filepath.Join(root, "out")

	tiny := []string{
		"--domain", a, "--domain", b,
		"--image-size", "8", "--patch-size", "2",
		"--encoder-dim", "8", "--encoder-depth", "1", "--encoder-heads", "2",
		"--decoder-dim", "8", "--decoder-depth", "1", "--decoder-heads", "2",
		"--mlp-ratio", "2", "--tao", "100",
		"--out", out,
	}
	cli := NewCLI()
	cli.SetArgs(append([]string{"train", "--steps", "2", "--snapshot-every", "1"}, tiny...))
	require.NoError(t, cli.Execute())

	for _, name := range []string{"step-000001.gob", "step-000002.gob", "model.safetensors"} {
		assert.FileExists(t, filepath.Join(out, name))
	}
	infos, err := checkpoint.Inspect(filepath.Join(out, "model.safetensors"))
	require.NoError(t, err)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	assert.Contains(t, names, "multi_domain_decoders.decoder_1.decoder_pred.weight")

	snap, err := checkpoint.LoadSnapshot(filepath.Join(out, "step-000002.gob"))
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Step)

	cli = NewCLI()
	cli.SetArgs(append([]string{"train", "--steps", "3", "--resume", filepath.Join(out, "step-000002.gob")}, tiny...))
	require.NoError(t, cli.Execute())
}

func TestTrainRequiresDomains(t *testing.T) {
	cli := NewCLI()
	cli.SetArgs([]string{"train", "--out", t.TempDir()})
	assert.Error(t, cli.Execute())
}
