package ocr

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/thoscut/ocrflow/internal/raster"
)

// Worker drives the recognition engine for single pages, applying a
// per-attempt timeout and bounded retry with backoff to absorb transient
// engine failures (crashes, resource contention) without failing the job
// on a single flaky attempt.
type Worker struct {
	engine      Engine
	timeout     time.Duration
	retries     int
	backoff     time.Duration
	pageSegMode int
	variables   map[string]string
}

// WorkerConfig configures per-page recognition behavior.
type WorkerConfig struct {
	Timeout     time.Duration // per attempt; default 60s
	Retries     int           // additional attempts after the first; default 2
	Backoff     time.Duration // pause between attempts; default 500ms
	PageSegMode int           // negative for engine default
	Variables   map[string]string
}

// NewWorker creates a page worker around engine.
func NewWorker(engine Engine, cfg WorkerConfig) *Worker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	return &Worker{
		engine:      engine,
		timeout:     cfg.Timeout,
		retries:     cfg.Retries,
		backoff:     cfg.Backoff,
		pageSegMode: cfg.PageSegMode,
		variables:   cfg.Variables,
	}
}

// PageOptions adjusts recognition for one page run. Zero values inherit
// the worker's configured defaults; PageSegMode -1 forces the engine
// default even when the worker configures a specific mode.
type PageOptions struct {
	Language    string
	PageSegMode int
}

// ProcessPage recognizes one page image. The image's backing file is
// consumed: it is removed before return regardless of outcome, so the
// caller must not reuse the handle. Exhausting retries returns *Error.
func (w *Worker) ProcessPage(ctx context.Context, page *raster.PageImage, opts PageOptions) (string, time.Duration, error) {
	defer os.Remove(page.Path)

	pageSegMode := w.pageSegMode
	if opts.PageSegMode != 0 {
		pageSegMode = opts.PageSegMode
	}

	in := Input{
		ImagePath:   page.Path,
		Language:    opts.Language,
		PageSegMode: pageSegMode,
		Variables:   w.variables,
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= w.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", time.Since(start), err
		}
		if attempt > 0 {
			slog.Warn("retrying page recognition",
				"page", page.PageNumber,
				"attempt", attempt+1,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return "", time.Since(start), ctx.Err()
			case <-time.After(w.backoff):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
		res, err := w.engine.Recognize(attemptCtx, in)
		cancel()
		if err == nil {
			return res.Text, time.Since(start), nil
		}
		// The surrounding job was cancelled; do not burn retries on it.
		if ctx.Err() != nil {
			return "", time.Since(start), ctx.Err()
		}
		lastErr = err
	}

	return "", time.Since(start), &Error{Page: page.PageNumber, Err: lastErr}
}
