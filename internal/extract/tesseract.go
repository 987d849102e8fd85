package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/otiai10/gosseract/v2"
)

// TesseractConfig configures the Tesseract engine.
type TesseractConfig struct {
	Languages      []string
	TessdataPrefix string
}

// ParseLanguages splits a Tesseract language list such as "eng+deu".
func ParseLanguages(s string) []string {
	var langs []string
	for _, l := range strings.Split(s, "+") {
		if l = strings.TrimSpace(l); l != "" {
			langs = append(langs, l)
		}
	}
	return langs
}

// Tesseract implements Recognizer using the Tesseract engine.
// The underlying client is not safe for concurrent use, so calls are serialised.
type Tesseract struct {
	mu     sync.Mutex
	client *gosseract.Client
}

// NewTesseract creates a Tesseract recognizer. Missing language data only
// surfaces when the first image is recognised.
func NewTesseract(cfg TesseractConfig) (*Tesseract, error) {
	client := gosseract.NewClient()

	langs := cfg.Languages
	if len(langs) == 0 {
		langs = []string{"eng"}
	}
	if err := client.SetLanguage(langs...); err != nil {
		client.Close()
		return nil, fmt.Errorf("setting ocr language: %w", err)
	}
	if cfg.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(cfg.TessdataPrefix); err != nil {
			client.Close()
			return nil, fmt.Errorf("setting tessdata prefix: %w", err)
		}
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("setting page segmentation mode: %w", err)
	}

	slog.Info("Tesseract initialised", "version", gosseract.Version(), "languages", langs)
	return &Tesseract{client: client}, nil
}

// Recognize runs OCR on a PNG image. Engine failures are reported as ErrOCRUnavailable.
func (t *Tesseract) Recognize(ctx context.Context, png []byte) (RawText, error) {
	type result struct {
		raw RawText
		err error
	}
	done := make(chan result, 1)
	go func() {
		raw, err := t.recognize(png)
		done <- result{raw, err}
	}()

	select {
	case <-ctx.Done():
		return RawText{}, fmt.Errorf("%w: %w", ErrOCRUnavailable, ctx.Err())
	case res := <-done:
		return res.raw, res.err
	}
}

func (t *Tesseract) recognize(png []byte) (RawText, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.client.SetImageFromBytes(png); err != nil {
		return RawText{}, fmt.Errorf("%w: loading image: %w", ErrOCRUnavailable, err)
	}
	text, err := t.client.Text()
	if err != nil {
		return RawText{}, fmt.Errorf("%w: %w", ErrOCRUnavailable, err)
	}

	raw := RawText{Text: text}
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		slog.Warn("OCR confidence unavailable", "error", err)
		return raw, nil
	}
	if len(boxes) > 0 {
		var sum float64
		for _, b := range boxes {
			sum += b.Confidence
		}
		mean := sum / float64(len(boxes))
		raw.Confidence = &mean
	}
	return raw, nil
}

// Close releases the engine.
func (t *Tesseract) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client.Close()
}
