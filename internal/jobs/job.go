package jobs

import (
	"time"

	"github.com/google/uuid"
)

// Mode selects how a job's result is delivered.
type Mode string

const (
	// ModeSync blocks the submitting request until the document is done.
	ModeSync Mode = "sync"
	// ModeStreaming returns a session immediately and processes in the
	// background; clients poll for progress and download the result.
	ModeStreaming Mode = "streaming"
)

// Job is one document-processing request.
type Job struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Mode      Mode      `json:"mode"`
	Language  string    `json:"language"`
	Profile   string    `json:"profile"`
	CreatedAt time.Time `json:"created_at"`
}

// NewJob creates a job for one uploaded document.
func NewJob(filename string, size int64, mode Mode, language, profile string) *Job {
	return &Job{
		ID:        uuid.New().String(),
		Filename:  filename,
		Size:      size,
		Mode:      mode,
		Language:  language,
		Profile:   profile,
		CreatedAt: time.Now(),
	}
}

// PageResult is the outcome of OCR (plus optional cleaning) for one page.
// PageNumber is 1-based and defines output ordering.
type PageResult struct {
	PageNumber  int           `json:"page_number"`
	RawText     string        `json:"-"`
	CleanedText string        `json:"-"`
	Cleaned     bool          `json:"cleaned"`
	Changes     int           `json:"changes"`
	Confidence  float64       `json:"confidence,omitempty"`
	DocType     string        `json:"-"`
	OCRDuration time.Duration `json:"-"`
}

// ProgressUpdate is pushed to WebSocket subscribers as pages complete.
type ProgressUpdate struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Status     string `json:"status,omitempty"`
	Page       int    `json:"page,omitempty"`
	TotalPages int    `json:"total_pages,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}
