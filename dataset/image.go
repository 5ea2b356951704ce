package dataset

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/sw965/cyclemae/mathx"
	"golang.org/x/image/draw"
)

var (
	ImageNetDefaultMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetDefaultSTD  = [3]float32{0.229, 0.224, 0.225}
)

// Transform は画像を正方形にリサイズし、チャンネル優先で正規化する。
type Transform struct {
	Size int
	Mean [3]float32
	STD  [3]float32
}

func NewTransform(size int) Transform {
	return Transform{Size: size, Mean: ImageNetDefaultMean, STD: ImageNetDefaultSTD}
}

// Composite は白背景に描いてアルファを落とす。
func Composite(img image.Image) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

func Resize(img image.Image, size int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// Apply は [3, Size, Size] の値を返す。
func (t Transform) Apply(img image.Image) []float32 {
	img = Resize(Composite(img), t.Size)
	plane := t.Size * t.Size
	vals := make([]float32, 3*plane)

	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			i := (y-bounds.Min.Y)*t.Size + (x - bounds.Min.X)
			for ch, v := range [3]uint32{r, g, b} {
				scaled := mathx.ConvertScale(float32(v>>8), 0, 255, 0, 1)
				vals[ch*plane+i] = (scaled - t.Mean[ch]) / t.STD[ch]
			}
		}
	}
	return vals
}

func DecodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func (t Transform) LoadFile(path string) ([]float32, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return t.Apply(img), nil
}
