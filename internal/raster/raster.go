package raster

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ValidationError reports input that was rejected before any conversion
// work started (not a PDF, encrypted, zero pages).
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid input: %s: %v", e.Reason, e.Err)
	}
	return "invalid input: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConversionError reports a rasterization failure. The whole document is
// treated as unconvertible; no partial page set is produced.
type ConversionError struct {
	Page int // 0 when the failure is not page-specific
	Err  error
}

func (e *ConversionError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("rasterize page %d: %v", e.Page, e.Err)
	}
	return fmt.Sprintf("rasterize document: %v", e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Preflight validates that data is a well-formed, unencrypted PDF and
// returns its page count. It runs before any scratch space is acquired.
func Preflight(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, &ValidationError{Reason: "empty upload"}
	}
	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return 0, &ValidationError{Reason: "not a readable PDF", Err: err}
	}
	if pdfCtx.PageCount == 0 {
		return 0, &ValidationError{Reason: "PDF has no pages"}
	}
	return pdfCtx.PageCount, nil
}

// Options controls page rendering.
type Options struct {
	DPI          float64 // render resolution, e.g. 300
	MaxDimension int     // cap on the longer image edge in pixels, 0 = uncapped
	JPEGQuality  int     // encoder quality 1-100
}

// Merge overlays per-job overrides onto o. Zero fields keep the base
// value, so a profile only needs to state what it changes.
func (o Options) Merge(override Options) Options {
	if override.DPI > 0 {
		o.DPI = override.DPI
	}
	if override.MaxDimension > 0 {
		o.MaxDimension = override.MaxDimension
	}
	if override.JPEGQuality > 0 {
		o.JPEGQuality = override.JPEGQuality
	}
	return o
}

// Rasterizer converts PDF pages into page images via MuPDF.
type Rasterizer struct {
	opts Options
}

// New creates a rasterizer with the given options.
func New(opts Options) *Rasterizer {
	if opts.DPI <= 0 {
		opts.DPI = 300
	}
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 90
	}
	return &Rasterizer{opts: opts}
}

// PageImage is one rendered page, backed by a file on scratch storage.
// The file is exclusively owned by the pipeline until OCR consumes it.
type PageImage struct {
	PageNumber int // 1-based
	Path       string
	Width      int
	Height     int
}

// PageSource renders pages of one document on demand, so that only the
// pages currently being processed occupy scratch storage.
type PageSource struct {
	doc   *fitz.Document
	opts  Options
	count int
}

// Open loads the PDF at path and prepares it for page rendering.
// override adjusts the configured options for this document only.
func (r *Rasterizer) Open(path string, override Options) (*PageSource, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, &ConversionError{Err: fmt.Errorf("open document: %w", err)}
	}
	count := doc.NumPage()
	if count == 0 {
		doc.Close()
		return nil, &ConversionError{Err: fmt.Errorf("document has no pages")}
	}
	return &PageSource{doc: doc, opts: r.opts.Merge(override), count: count}, nil
}

// Count returns the number of pages in the document.
func (s *PageSource) Count() int { return s.count }

// Render rasterizes one page (1-based) and writes it as a JPEG into
// destDir. Any failure aborts the document; callers must not continue
// with a partial page set.
func (s *PageSource) Render(ctx context.Context, pageNum int, destDir string) (*PageImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pageNum < 1 || pageNum > s.count {
		return nil, &ConversionError{Page: pageNum, Err: fmt.Errorf("page out of range 1..%d", s.count)}
	}

	img, err := s.doc.ImageDPI(pageNum-1, s.opts.DPI)
	if err != nil {
		return nil, &ConversionError{Page: pageNum, Err: err}
	}
	img, err = s.capDimension(img, pageNum)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/page_%04d.jpg", destDir, pageNum)
	f, err := os.Create(path)
	if err != nil {
		return nil, &ConversionError{Page: pageNum, Err: fmt.Errorf("create page image: %w", err)}
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: s.opts.JPEGQuality}); err != nil {
		f.Close()
		os.Remove(path)
		return nil, &ConversionError{Page: pageNum, Err: fmt.Errorf("encode page image: %w", err)}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, &ConversionError{Page: pageNum, Err: err}
	}

	bounds := img.Bounds()
	return &PageImage{
		PageNumber: pageNum,
		Path:       path,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}, nil
}

// capDimension re-renders a page at reduced resolution when the longer
// edge exceeds MaxDimension.
func (s *PageSource) capDimension(img image.Image, pageNum int) (image.Image, error) {
	if s.opts.MaxDimension <= 0 {
		return img, nil
	}
	bounds := img.Bounds()
	longest := bounds.Dx()
	if bounds.Dy() > longest {
		longest = bounds.Dy()
	}
	if longest <= s.opts.MaxDimension {
		return img, nil
	}
	scaled := s.opts.DPI * float64(s.opts.MaxDimension) / float64(longest)
	reduced, err := s.doc.ImageDPI(pageNum-1, scaled)
	if err != nil {
		return nil, &ConversionError{Page: pageNum, Err: err}
	}
	return reduced, nil
}

// Close releases the underlying document.
func (s *PageSource) Close() error {
	if s.doc == nil {
		return nil
	}
	err := s.doc.Close()
	s.doc = nil
	return err
}
