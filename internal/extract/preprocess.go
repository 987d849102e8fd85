package extract

import (
	"image"
	"image/color"
)

// stretchClip is the fraction of darkest and brightest pixels ignored when
// picking the contrast range.
const stretchClip = 0.01

// Preprocess converts img to grayscale and stretches its contrast so the
// darkest text maps near black and the background near white.
func Preprocess(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			gray.SetGray(x-b.Min.X, y-b.Min.Y, g)
			hist[g.Y]++
		}
	}

	total := b.Dx() * b.Dy()
	if total == 0 {
		return gray
	}
	lo, hi := percentile(hist, total, stretchClip), percentile(hist, total, 1-stretchClip)
	if hi <= lo {
		return gray
	}

	var lut [256]uint8
	for v := 0; v < 256; v++ {
		switch {
		case v <= lo:
			lut[v] = 0
		case v >= hi:
			lut[v] = 255
		default:
			lut[v] = uint8((v - lo) * 255 / (hi - lo))
		}
	}
	for i, v := range gray.Pix {
		gray.Pix[i] = lut[v]
	}
	return gray
}

// percentile returns the smallest level at or below which fraction p of pixels fall.
func percentile(hist [256]int, total int, p float64) int {
	target := int(p * float64(total))
	sum := 0
	for v, n := range hist {
		sum += n
		if sum > target {
			return v
		}
	}
	return 255
}
