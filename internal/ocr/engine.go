package ocr

import (
	"context"
	"fmt"
)

// Input is one page image submitted for recognition.
type Input struct {
	// ImagePath points at the rendered page image on scratch storage.
	ImagePath string
	// Language is the Tesseract language code, e.g. "vie".
	Language string
	// PageSegMode selects the Tesseract page segmentation mode; negative
	// means engine default.
	PageSegMode int
	// Variables carries engine-specific knobs (e.g. user_defined_dpi)
	// without hard-coding them into the API surface.
	Variables map[string]string
}

// Result is the recognized text for one input image.
type Result struct {
	Text string
}

// Engine is the recognition provider contract: one image in, one result out.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) (Result, error)
}

// Error reports that recognition of one page failed after all retry
// attempts. It is fatal to the whole job; a page is never silently dropped.
type Error struct {
	Page int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ocr page %d: %v", e.Page, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
