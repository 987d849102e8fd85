package capture

import (
	"context"
	"fmt"
	"image"

	"github.com/go-vgo/robotgo"
)

// grabFunc captures the screen; with four args it captures x, y, w, h.
type grabFunc func(args ...int) (image.Image, error)

// ScreenCapturer grabs the primary display.
type ScreenCapturer struct {
	grab  grabFunc
	clock TimeSource
}

// NewScreenCapturer creates a ScreenCapturer backed by the OS screen grabber.
func NewScreenCapturer() *ScreenCapturer {
	return newScreenCapturerWithDeps(robotgo.CaptureImg, defaultTimeSource{})
}

func newScreenCapturerWithDeps(grab grabFunc, clock TimeSource) *ScreenCapturer {
	return &ScreenCapturer{grab: grab, clock: clock}
}

// CaptureFull grabs the whole screen.
func (s *ScreenCapturer) CaptureFull(ctx context.Context) (*Image, error) {
	return s.capture(ctx)
}

// CaptureRegion grabs a rectangle of the screen.
func (s *ScreenCapturer) CaptureRegion(ctx context.Context, r Region) (*Image, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return s.capture(ctx, r.X, r.Y, r.Width, r.Height)
}

func (s *ScreenCapturer) capture(ctx context.Context, args ...int) (*Image, error) {
	type result struct {
		img image.Image
		err error
	}
	// The grab itself cannot be interrupted; an abandoned one finishes in the background.
	done := make(chan result, 1)
	go func() {
		img, err := s.grab(args...)
		done <- result{img, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrCapture, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("%w: grabbing screen: %w", ErrCapture, res.err)
		}
		if res.img == nil || res.img.Bounds().Empty() {
			return nil, fmt.Errorf("%w: screen grab returned no pixels", ErrCapture)
		}
		return NewImage(res.img, s.clock.Now()), nil
	}
}
