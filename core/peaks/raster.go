package peaks

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/webp"
)

// ParseRasterPeaks 从波形图片中提取每一列的峰值
func ParseRasterPeaks(r io.Reader) ([]float64, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode waveform image: %w", err)
	}
	return ColumnPeaks(img), nil
}

// ColumnPeaks 对每一列，从上下边缘向中线扫描，找到透明到不透明的第一个边界
// 峰值取上下两个边界到中线距离的较大者，再除以半高
// 整列都透明时峰值为 0
func ColumnPeaks(img image.Image) []float64 {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	if width <= 0 || height <= 0 {
		return []float64{}
	}

	half := float64(height) / 2
	mid := b.Min.Y + height/2
	out := make([]float64, width)

	for x := b.Min.X; x < b.Max.X; x++ {
		above := 0
		for y := b.Min.Y; y < mid; y++ {
			if opaque(img, x, y) {
				above = mid - y
				break
			}
		}

		below := 0
		for y := b.Max.Y - 1; y >= mid; y-- {
			if opaque(img, x, y) {
				below = y - mid + 1
				break
			}
		}

		v := float64(max(above, below)) / half
		if v > 1 {
			v = 1
		}
		out[x-b.Min.X] = v
	}
	return out
}

func opaque(img image.Image, x, y int) bool {
	_, _, _, a := img.At(x, y).RGBA()
	return a > 0
}
