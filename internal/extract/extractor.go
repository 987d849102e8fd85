package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/quiz-relay/internal/capture"
)

// Extractor turns a captured image into a Question.
type Extractor struct {
	recognizer Recognizer
}

// NewExtractor creates an Extractor.
func NewExtractor(recognizer Recognizer) *Extractor {
	return &Extractor{recognizer: recognizer}
}

// ExtractText preprocesses img and runs OCR on it.
func (e *Extractor) ExtractText(ctx context.Context, img *capture.Image) (RawText, error) {
	if e.recognizer == nil {
		return RawText{}, fmt.Errorf("%w: no recognizer configured", ErrOCRUnavailable)
	}

	data, err := capture.EncodePNG(Preprocess(img.Pixels))
	if err != nil {
		return RawText{}, fmt.Errorf("preparing image for ocr: %w", err)
	}

	raw, err := e.recognizer.Recognize(ctx, data)
	if err != nil {
		return RawText{}, err
	}
	if !hasContent(raw.Text) {
		return RawText{}, ErrOCREmptyResult
	}
	return raw, nil
}

// Extract recognises, classifies and parses the question in img.
func (e *Extractor) Extract(ctx context.Context, img *capture.Image) (Question, RawText, error) {
	raw, err := e.ExtractText(ctx, img)
	if err != nil {
		return Question{}, RawText{}, err
	}

	c := ClassifyDetailed(raw.Text)
	q := Parse(raw.Text, c.Type)
	q.Ambiguous = c.Ambiguous || q.Type != c.Type

	attrs := []any{"type", q.Type, "options", len(q.Options), "ambiguous", q.Ambiguous}
	if raw.Confidence != nil {
		attrs = append(attrs, "confidence", *raw.Confidence)
	}
	slog.Info("Question extracted", attrs...)
	return q, raw, nil
}

// Remediation returns a hint for the user when err is an OCR failure.
func Remediation(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOCRUnavailable):
		return "Install Tesseract and its language data, or set --tessdata-prefix."
	case errors.Is(err, ErrOCREmptyResult):
		return "No text was found. Capture a tighter region around the question."
	default:
		return ""
	}
}
