package extract

import (
	"context"
	"errors"
)

var (
	// ErrOCRUnavailable means the OCR engine could not be initialised or run.
	ErrOCRUnavailable = errors.New("ocr engine unavailable")
	// ErrOCREmptyResult means recognition produced no letters or digits.
	ErrOCREmptyResult = errors.New("ocr produced no text")
)

// RawText is the unprocessed recognition output.
type RawText struct {
	Text string `json:"text"`
	// Confidence is the mean word confidence in [0, 100], nil when unknown.
	Confidence *float64 `json:"confidence,omitempty"`
}

// Recognizer turns a PNG image into text.
type Recognizer interface {
	Recognize(ctx context.Context, png []byte) (RawText, error)
	Close() error
}
