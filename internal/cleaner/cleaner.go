package cleaner

import (
	"context"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Result is the cleaned variant of one page's OCR output plus a change
// report. Cleaning is best-effort: callers degrade to raw text with
// Changes == 0 when it fails.
type Result struct {
	Text         string
	Changes      int
	Confidence   float64
	DocumentType string
}

// Cleaner post-processes raw OCR text.
type Cleaner interface {
	Name() string
	Clean(ctx context.Context, text string) (Result, error)
}

// VietnameseCleaner normalizes Vietnamese OCR output: Unicode NFC
// composition, whitespace collapsing, and a table of frequent Tesseract
// confusions for Vietnamese glyphs.
type VietnameseCleaner struct{}

// NewVietnameseCleaner constructs the default cleaner.
func NewVietnameseCleaner() *VietnameseCleaner { return &VietnameseCleaner{} }

func (c *VietnameseCleaner) Name() string { return "vietnamese" }

var (
	multiSpace = regexp.MustCompile(`[ \t]{2,}`)
	multiBreak = regexp.MustCompile(`\n{3,}`)

	// Frequent Tesseract misreads in Vietnamese documents. Applied on
	// whole tokens only, never inside longer words.
	confusions = map[string]string{
		"0ng":  "ông",
		"1à":   "là",
		"v1":   "vì",
		"Vlệt": "Việt",
		"vlệc": "việc",
		"nguời": "người",
	}

	docTypeKeywords = []struct {
		docType  string
		keywords []string
	}{
		{"hóa đơn", []string{"hóa đơn", "hoá đơn", "thành tiền", "thuế gtgt"}},
		{"hợp đồng", []string{"hợp đồng", "bên a", "bên b", "điều khoản"}},
		{"công văn", []string{"công văn", "kính gửi", "v/v"}},
		{"báo cáo", []string{"báo cáo", "tổng kết", "kết quả thực hiện"}},
	}
)

// Clean normalizes text and reports the number of edits applied.
func (c *VietnameseCleaner) Clean(_ context.Context, text string) (Result, error) {
	changes := 0

	cleaned := norm.NFC.String(text)
	if cleaned != text {
		changes++
	}

	if collapsed := multiSpace.ReplaceAllString(cleaned, " "); collapsed != cleaned {
		changes++
		cleaned = collapsed
	}
	if collapsed := multiBreak.ReplaceAllString(cleaned, "\n\n"); collapsed != cleaned {
		changes++
		cleaned = collapsed
	}

	lines := strings.Split(cleaned, "\n")
	for i, line := range lines {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed != line {
			changes++
		}
		words := strings.Fields(trimmed)
		for j, word := range words {
			if fixed, ok := confusions[word]; ok {
				words[j] = fixed
				changes++
			}
		}
		if len(words) > 0 {
			lines[i] = strings.Join(words, " ")
		} else {
			lines[i] = ""
		}
	}
	cleaned = strings.Join(lines, "\n")

	return Result{
		Text:         cleaned,
		Changes:      changes,
		Confidence:   confidence(cleaned),
		DocumentType: detectDocumentType(cleaned),
	}, nil
}

// confidence scores how much of the text looks like Vietnamese prose.
func confidence(text string) float64 {
	var letters, total int
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			continue
		}
		total++
		if isVietnameseLetter(r) || (r >= '0' && r <= '9') || strings.ContainsRune(".,;:()-%/", r) {
			letters++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(letters) / float64(total)
}

func isVietnameseLetter(r rune) bool {
	if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
		return true
	}
	// Latin-1 supplement, Latin Extended-A/B and Additional cover the
	// precomposed Vietnamese range.
	return (r >= 0x00C0 && r <= 0x024F) || (r >= 0x1E00 && r <= 0x1EFF)
}

func detectDocumentType(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range docTypeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.docType
			}
		}
	}
	return "văn bản"
}
