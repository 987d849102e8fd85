package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"strings"
	"time"

	xdraw "golang.org/x/image/draw"
)

// ErrCapture wraps every failure to produce an image.
var ErrCapture = errors.New("capture failed")

// Image is an immutable screen grab at full resolution.
type Image struct {
	Pixels     *image.RGBA
	Width      int
	Height     int
	CapturedAt time.Time
}

// NewImage copies src into an RGBA Image anchored at the origin.
func NewImage(src image.Image, capturedAt time.Time) *Image {
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Copy(rgba, image.Point{}, src, b, xdraw.Src, nil)
	return &Image{
		Pixels:     rgba,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: capturedAt,
	}
}

// Region is a rectangle in screen coordinates.
type Region struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Validate rejects empty or negative regions.
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("%w: region must have positive size, got %dx%d", ErrCapture, r.Width, r.Height)
	}
	if r.X < 0 || r.Y < 0 {
		return fmt.Errorf("%w: region origin must not be negative, got (%d,%d)", ErrCapture, r.X, r.Y)
	}
	return nil
}

// ParseRegion reads "x,y,width,height". An empty string is the zero Region.
func ParseRegion(s string) (Region, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Region{}, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Region{}, fmt.Errorf("region %q: want x,y,width,height", s)
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Region{}, fmt.Errorf("region %q: %w", s, err)
		}
		v[i] = n
	}
	r := Region{X: v[0], Y: v[1], Width: v[2], Height: v[3]}
	return r, r.Validate()
}

// IsZero reports whether no region was given.
func (r Region) IsZero() bool {
	return r == Region{}
}

// Capturer produces screen images.
type Capturer interface {
	CaptureFull(ctx context.Context) (*Image, error)
	CaptureRegion(ctx context.Context, r Region) (*Image, error)
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// crop returns the part of src inside r, failing if r leaves the image.
func crop(src image.Image, r Region) (image.Image, error) {
	rect := image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height).Add(src.Bounds().Min)
	if !rect.In(src.Bounds()) {
		return nil, fmt.Errorf("%w: region %v outside image bounds %v", ErrCapture, rect, src.Bounds())
	}
	sub, ok := src.(interface {
		SubImage(image.Rectangle) image.Image
	})
	if !ok {
		return nil, fmt.Errorf("%w: image type %T cannot be cropped", ErrCapture, src)
	}
	return sub.SubImage(rect), nil
}
