package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	xdraw "golang.org/x/image/draw"
)

// EncodePNG encodes img losslessly.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// Preview returns a copy of img scaled down to fit within maxWidth x maxHeight,
// keeping its aspect ratio. Images that already fit are returned unscaled.
// Previews are for display only; recognition always uses the full-resolution image.
func Preview(img *Image, maxWidth, maxHeight int) image.Image {
	w, h := img.Width, img.Height
	if w == 0 || h == 0 || (w <= maxWidth && h <= maxHeight) {
		return img.Pixels
	}

	scale := min(float64(maxWidth)/float64(w), float64(maxHeight)/float64(h))
	dw := max(1, int(float64(w)*scale))
	dh := max(1, int(float64(h)*scale))

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img.Pixels, img.Pixels.Bounds(), xdraw.Src, nil)
	return dst
}
