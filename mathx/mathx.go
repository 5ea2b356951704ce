package mathx

import (
	"github.com/chewxy/math32"
)

// ConvertScale は [xMin, xMax] の x を [yMin, yMax] に線形に写す。
func ConvertScale(x, xMin, xMax, yMin, yMax float32) float32 {
	return yMin + (yMax-yMin)*(x-xMin)/(xMax-xMin)
}

func CentralDifference(plusY, minusY, h float32) float32 {
	return (plusY - minusY) / (2.0 * h)
}

// LogSumExp は最大値を引いてから exp を取る。xs は空でないこと。
func LogSumExp(xs []float32) float32 {
	maxX := xs[0]
	for _, x := range xs[1:] {
		maxX = math32.Max(maxX, x)
	}
	var sum float32
	for _, x := range xs {
		sum += math32.Exp(x - maxX)
	}
	return maxX + math32.Log(sum)
}
