package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thoscut/ocrflow/internal/cleaner"
	"github.com/thoscut/ocrflow/internal/jobs"
	"github.com/thoscut/ocrflow/internal/ocr"
	"github.com/thoscut/ocrflow/internal/raster"
	"github.com/thoscut/ocrflow/internal/scratch"
)

// Renderer opens a PDF for lazy page rendering. opts overrides the
// renderer's configured settings for this document only.
type Renderer interface {
	Open(path string, opts raster.Options) (PageSource, error)
}

// PageSource yields rendered page images on demand.
type PageSource interface {
	Count() int
	Render(ctx context.Context, pageNum int, destDir string) (*raster.PageImage, error)
	Close() error
}

// PageWorker recognizes text on one page image, consuming its backing file.
type PageWorker interface {
	ProcessPage(ctx context.Context, page *raster.PageImage, opts ocr.PageOptions) (string, time.Duration, error)
}

// Options carries per-job processing settings resolved from the selected
// profile. Zero values keep the server-wide defaults.
type Options struct {
	Raster      raster.Options
	PageSegMode int // 0 inherits the worker default, -1 the engine default
	// DisableCleaning skips the cleaning pass for this job even when a
	// cleaner is configured. Profiles cannot enable cleaning on a server
	// that runs without one.
	DisableCleaning bool
}

type fitzRenderer struct{ r *raster.Rasterizer }

func (f fitzRenderer) Open(path string, opts raster.Options) (PageSource, error) {
	return f.r.Open(path, opts)
}

// NewRenderer adapts the MuPDF rasterizer to the pipeline's Renderer.
func NewRenderer(r *raster.Rasterizer) Renderer { return fitzRenderer{r: r} }

// ProgressFunc receives the count of completed pages and the total as
// page OCR finishes. completed is monotonic regardless of the order in
// which pages finish under parallelism.
type ProgressFunc func(completed, total int)

// Pipeline drives rasterization, per-page OCR, optional cleaning, and
// aggregation for one document.
type Pipeline struct {
	scratch  *scratch.Manager
	renderer Renderer
	worker   PageWorker
	cleaner  cleaner.Cleaner // nil disables the cleaning pass
	parallel int
}

// New assembles the pipeline. parallel bounds concurrent page OCR calls;
// values below 1 mean sequential processing.
func New(sm *scratch.Manager, renderer Renderer, worker PageWorker, cl cleaner.Cleaner, parallel int) *Pipeline {
	if parallel < 1 {
		parallel = 1
	}
	return &Pipeline{
		scratch:  sm,
		renderer: renderer,
		worker:   worker,
		cleaner:  cl,
		parallel: parallel,
	}
}

// Run processes one document synchronously. Scratch space is released on
// every exit path before the outcome is reported.
func (p *Pipeline) Run(ctx context.Context, job *jobs.Job, data []byte, opts Options) (*DocumentResult, error) {
	space, err := p.scratch.Acquire(job.ID)
	if err != nil {
		return nil, err
	}
	defer space.Release()

	return p.run(ctx, space, job, data, opts, nil)
}

// StreamHooks lets the caller observe a streaming run.
type StreamHooks struct {
	// Notify receives progress updates; may be nil.
	Notify func(jobs.ProgressUpdate)
	// OnComplete runs after a successful run, before the session output
	// becomes downloadable; may be nil.
	OnComplete func(job *jobs.Job, result *DocumentResult)
}

// StartStreaming executes the pipeline on a background goroutine tracked
// by sess. The execution is independent of the submitting HTTP request:
// only Registry.Cancel stops it, cooperatively at a page boundary. On
// success the session takes ownership of the scratch space backing the
// output; on any other outcome the space is released here.
func (p *Pipeline) StartStreaming(reg *jobs.Registry, sess *jobs.Session, job *jobs.Job, data []byte, opts Options, hooks StreamHooks) {
	ctx, cancel := context.WithCancel(context.Background())
	reg.AttachCancel(sess.ID, cancel)

	notify := hooks.Notify
	if notify == nil {
		notify = func(jobs.ProgressUpdate) {}
	}

	go func() {
		defer cancel()

		space, err := p.scratch.Acquire(sess.ID)
		if err != nil {
			reg.MarkFailed(sess.ID, err)
			notify(failedUpdate(reg, sess.ID))
			return
		}

		onPage := func(completed, total int) {
			reg.UpdateProgress(sess.ID, completed, total)
			notify(jobs.ProgressUpdate{
				Type:       "page_complete",
				SessionID:  sess.ID,
				Status:     string(jobs.StatusRunning),
				Page:       completed,
				TotalPages: total,
			})
		}

		result, err := p.run(ctx, space, job, data, opts, onPage)
		if err != nil {
			space.Release()
			reg.MarkFailed(sess.ID, err)
			notify(failedUpdate(reg, sess.ID))
			slog.Error("streaming job failed", "session_id", sess.ID, "error", err)
			return
		}

		outPath := space.Path("result.txt")
		if err := os.WriteFile(outPath, []byte(result.Text()), 0o644); err != nil {
			space.Release()
			reg.MarkFailed(sess.ID, fmt.Errorf("write result: %w", err))
			notify(failedUpdate(reg, sess.ID))
			return
		}

		if hooks.OnComplete != nil {
			hooks.OnComplete(job, result)
		}

		if !reg.MarkComplete(sess.ID, outPath, space) {
			// The session went terminal while we were finishing
			// (cancelled); nobody will download, so clean up now.
			space.Release()
			return
		}
		notify(jobs.ProgressUpdate{
			Type:       "completed",
			SessionID:  sess.ID,
			Status:     string(jobs.StatusComplete),
			TotalPages: result.PageCount,
			Message:    "document ready",
		})
		slog.Info("streaming job completed", "session_id", sess.ID, "pages", result.PageCount)
	}()
}

func failedUpdate(reg *jobs.Registry, id string) jobs.ProgressUpdate {
	snap, err := reg.Status(id)
	if err != nil {
		return jobs.ProgressUpdate{Type: "failed", SessionID: id}
	}
	return jobs.ProgressUpdate{
		Type:      "failed",
		SessionID: id,
		Status:    string(snap.Status),
		Error:     snap.Error,
	}
}

// run executes the full state machine for one document: rasterize, OCR
// each page with bounded parallelism, clean (best-effort), aggregate.
// Page images never outlive their own OCR call, bounding peak scratch
// use for large documents. Any rasterization or OCR failure fails the
// whole job; no partial page set is ever returned.
func (p *Pipeline) run(ctx context.Context, space *scratch.Space, job *jobs.Job, data []byte, opts Options, onPage ProgressFunc) (*DocumentResult, error) {
	start := time.Now()

	srcPath := space.Path("source.pdf")
	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	source, err := p.renderer.Open(srcPath, opts.Raster)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	total := source.Count()
	slog.Info("processing document", "job_id", job.ID, "pages", total, "mode", job.Mode)
	if onPage != nil {
		onPage(0, total)
	}

	ocrStart := time.Now()
	results := make([]jobs.PageResult, total)

	var (
		mu        sync.Mutex
		completed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.parallel)

	var renderErr error
	for n := 1; n <= total; n++ {
		// Page boundary: stop rendering as soon as the job is
		// cancelled or a page has failed.
		if gctx.Err() != nil {
			break
		}

		page, err := source.Render(gctx, n, space.Dir())
		if err != nil {
			renderErr = err
			break
		}

		pageNum := n
		g.Go(func() error {
			text, dur, err := p.worker.ProcessPage(gctx, page, ocr.PageOptions{
				Language:    job.Language,
				PageSegMode: opts.PageSegMode,
			})
			if err != nil {
				return err
			}
			mu.Lock()
			results[pageNum-1] = jobs.PageResult{
				PageNumber:  pageNum,
				RawText:     text,
				OCRDuration: dur,
			}
			completed++
			done := completed
			mu.Unlock()
			if onPage != nil {
				onPage(done, total)
			}
			return nil
		})
	}

	waitErr := g.Wait()
	switch {
	case renderErr != nil:
		return nil, renderErr
	case waitErr != nil:
		return nil, waitErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	}
	ocrTime := time.Since(ocrStart)

	cl := p.cleaner
	if opts.DisableCleaning {
		cl = nil
	}
	cleanTime := cleanPages(ctx, cl, results)

	doc, err := aggregate(results, cl != nil)
	if err != nil {
		return nil, err
	}
	doc.OCRTime = ocrTime
	doc.CleanTime = cleanTime
	doc.TotalTime = time.Since(start)

	slog.Info("document processed",
		"job_id", job.ID,
		"pages", doc.PageCount,
		"ocr_ms", ocrTime.Milliseconds(),
		"total_ms", doc.TotalTime.Milliseconds())
	return doc, nil
}

// cleanPages applies the cleaning collaborator per page. Cleaning is
// best-effort: a failure degrades that page to raw text with zero
// recorded corrections instead of failing the job.
func cleanPages(ctx context.Context, cl cleaner.Cleaner, results []jobs.PageResult) time.Duration {
	if cl == nil {
		return 0
	}
	start := time.Now()
	for i := range results {
		res, err := cl.Clean(ctx, results[i].RawText)
		if err != nil {
			slog.Warn("cleaning failed, using raw text",
				"page", results[i].PageNumber, "error", err)
			results[i].CleanedText = results[i].RawText
			results[i].Cleaned = false
			results[i].Changes = 0
			continue
		}
		results[i].CleanedText = res.Text
		results[i].Cleaned = true
		results[i].Changes = res.Changes
		results[i].Confidence = res.Confidence
		results[i].DocType = res.DocumentType
	}
	return time.Since(start)
}
