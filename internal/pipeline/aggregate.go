package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/thoscut/ocrflow/internal/jobs"
)

// Metadata summarizes the cleaning pass across the whole document.
type Metadata struct {
	DocumentType string  `json:"document_type,omitempty"`
	ChangesCount int     `json:"changes_count"`
	Confidence   float64 `json:"confidence,omitempty"`
}

// DocumentResult is the aggregated output for one document.
type DocumentResult struct {
	RawText     string
	CleanedText string // empty when the cleaning pass is disabled
	Pages       []jobs.PageResult
	PageCount   int
	Metadata    Metadata
	OCRTime     time.Duration
	CleanTime   time.Duration
	TotalTime   time.Duration
}

// Text returns the payload served for download: the cleaned variant when
// available, otherwise the raw OCR text.
func (d *DocumentResult) Text() string {
	if d.CleanedText != "" {
		return d.CleanedText
	}
	return d.RawText
}

// pageBreak separates page segments in the aggregated text so readers can
// trace output back to source pages.
func pageBreak(pageNum int) string {
	return fmt.Sprintf("\n\n--- Trang %d ---\n\n", pageNum)
}

// aggregate merges ordered page results into a document-level payload.
// Pages must be contiguous 1..N; a gap means a page was lost upstream and
// is rejected loudly rather than silently renumbered or skipped.
func aggregate(results []jobs.PageResult, cleaned bool) (*DocumentResult, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("aggregate: no page results")
	}

	var raw, clean strings.Builder
	changes := 0
	confSum := 0.0
	confPages := 0
	typeVotes := make(map[string]int)

	for i, page := range results {
		if page.PageNumber != i+1 {
			return nil, fmt.Errorf("aggregate: page %d missing (found %d at position %d)", i+1, page.PageNumber, i)
		}
		if i > 0 {
			raw.WriteString(pageBreak(page.PageNumber))
		}
		raw.WriteString(page.RawText)

		if cleaned {
			if i > 0 {
				clean.WriteString(pageBreak(page.PageNumber))
			}
			clean.WriteString(page.CleanedText)
			changes += page.Changes
			if page.Cleaned {
				confSum += page.Confidence
				confPages++
				if page.DocType != "" {
					typeVotes[page.DocType]++
				}
			}
		}
	}

	doc := &DocumentResult{
		RawText:   raw.String(),
		Pages:     results,
		PageCount: len(results),
	}
	if cleaned {
		doc.CleanedText = clean.String()
		doc.Metadata.ChangesCount = changes
		if confPages > 0 {
			doc.Metadata.Confidence = confSum / float64(confPages)
		}
		doc.Metadata.DocumentType = majority(typeVotes)
	}
	return doc, nil
}

func majority(votes map[string]int) string {
	best := ""
	bestCount := 0
	for t, n := range votes {
		if n > bestCount {
			best, bestCount = t, n
		}
	}
	return best
}
