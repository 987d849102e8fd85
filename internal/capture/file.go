package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	_ "image/png"  // Register PNG decoder
	"os"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// FileCapturer treats an image file as the screen. The file is re-read on every
// capture so another tool can keep replacing it.
type FileCapturer struct {
	path  string
	clock TimeSource
}

// NewFileCapturer creates a FileCapturer for path. Supported formats: PNG, JPEG, GIF, HEIC/HEIF and PDF (first page).
func NewFileCapturer(path string) (*FileCapturer, error) {
	if path == "" {
		return nil, fmt.Errorf("capture file path is required")
	}
	return &FileCapturer{path: path, clock: defaultTimeSource{}}, nil
}

// CaptureFull decodes the whole file.
func (f *FileCapturer) CaptureFull(ctx context.Context) (*Image, error) {
	img, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	return NewImage(img, f.clock.Now()), nil
}

// CaptureRegion decodes the file and crops it.
func (f *FileCapturer) CaptureRegion(ctx context.Context, r Region) (*Image, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	img, err := f.load(ctx)
	if err != nil {
		return nil, err
	}
	cropped, err := crop(img, r)
	if err != nil {
		return nil, err
	}
	return NewImage(cropped, f.clock.Now()), nil
}

func (f *FileCapturer) load(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrCapture, f.path, err)
	}
	img, err := decodeImage(data, filepath.Ext(f.path))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return img, nil
}

// decodeImage decodes any supported format into an image.
func decodeImage(data []byte, ext string) (image.Image, error) {
	ext = strings.ToLower(ext)
	switch {
	case ext == ".pdf" || bytes.HasPrefix(data, []byte("%PDF")):
		return pdfToImage(data)
	case ext == ".heic" || ext == ".heif" || isHEICFormat(data):
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// pdfToImage renders the first page of a PDF
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-family brand
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heif", "mif1", "msf1":
		return true
	}
	return false
}
