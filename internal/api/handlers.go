package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/thoscut/ocrflow/internal/config"
	"github.com/thoscut/ocrflow/internal/jobs"
	"github.com/thoscut/ocrflow/internal/output"
	"github.com/thoscut/ocrflow/internal/pipeline"
	"github.com/thoscut/ocrflow/internal/raster"
)

const serverVersion = "0.1.0"

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": serverVersion,
	})
}

// Server status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        serverVersion,
		"sessions":       s.registry.Count(),
		"requests":       stats.Requests,
		"errors":         stats.Errors,
		"jobs_completed": stats.JobsCompleted,
		"jobs_failed":    stats.JobsFailed,
		"outputs":        len(s.outputs.ListTargets()),
	})
}

type syncResponse struct {
	RawText          string            `json:"raw_text"`
	CleanedText      string            `json:"cleaned_text,omitempty"`
	Metadata         pipeline.Metadata `json:"metadata"`
	Pages            []jobs.PageResult `json:"pages"`
	PageCount        int               `json:"page_count"`
	ProcessingTimeMS int64             `json:"processing_time_ms"`
	OCRTimeMS        int64             `json:"ocr_time_ms"`
	CleaningTimeMS   int64             `json:"cleaning_time_ms"`
}

type streamingResponse struct {
	SessionID  string `json:"session_id"`
	Streaming  bool   `json:"streaming"`
	Filename   string `json:"filename"`
	FileSize   int64  `json:"file_size"`
	TotalPages int    `json:"total_pages"`
	StatusURL  string `json:"status_url"`
}

// handleSubmit accepts a PDF upload and runs OCR on it, either inline or
// as a background streaming session.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "missing file upload")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	filename := filepath.Base(header.Filename)
	if filename == "" || filename == "." {
		filename = "document.pdf"
	}

	profileName := r.FormValue("profile")
	if profileName == "" {
		profileName = "standard"
	}
	profile, ok := s.profiles.Get(profileName)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown profile: "+profileName)
		return
	}

	language := r.FormValue("language")
	if language == "" {
		language = profile.OCR.Language
	}
	if language == "" {
		language = s.cfg.Processing.OCR.Language
	}

	// Reject malformed documents before any scratch space is committed.
	pageCount, err := s.preflight(data)
	if err != nil {
		var vErr *raster.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, vErr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "invalid document")
		return
	}

	opts := profileOptions(profile)

	if s.shouldStream(r, int64(len(data)), pageCount) {
		s.submitStreaming(w, filename, int64(len(data)), language, profileName, pageCount, data, opts)
		return
	}
	s.submitSync(w, r, filename, language, profileName, data, opts)
}

// profileOptions resolves a profile into the per-job settings the
// pipeline honors over its server-wide defaults.
func profileOptions(p *config.Profile) pipeline.Options {
	return pipeline.Options{
		Raster: raster.Options{
			DPI:          p.Raster.DPI,
			MaxDimension: p.Raster.MaxDimension,
			JPEGQuality:  p.Raster.JPEGQuality,
		},
		PageSegMode:     p.OCR.PageSegMode,
		DisableCleaning: !p.Cleaning.Enabled,
	}
}

// shouldStream decides the delivery mode: an explicit stream flag wins,
// otherwise large documents are pushed to a background session.
func (s *Server) shouldStream(r *http.Request, size int64, pages int) bool {
	if v := r.FormValue("stream"); v != "" {
		stream, err := strconv.ParseBool(v)
		if err == nil {
			return stream
		}
	}
	if size > s.cfg.Processing.StreamingThresholdBytes {
		return true
	}
	return pages > s.cfg.Processing.StreamingThresholdPages
}

func (s *Server) submitSync(w http.ResponseWriter, r *http.Request, filename, language, profileName string, data []byte, opts pipeline.Options) {
	job := jobs.NewJob(filename, int64(len(data)), jobs.ModeSync, language, profileName)
	slog.Info("sync job started", "job_id", job.ID, "filename", filename, "language", language, "profile", profileName)

	result, err := s.runner.Run(r.Context(), job, data, opts)
	if err != nil {
		s.metrics.RecordJob(false)
		if errors.Is(err, context.Canceled) {
			slog.Info("sync job abandoned by client", "job_id", job.ID)
			return
		}
		slog.Error("sync job failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.RecordJob(true)

	if s.cfg.Output.AutoExport {
		s.exportResult(r.Context(), job, result)
	}

	writeJSON(w, http.StatusOK, syncResponse{
		RawText:          result.RawText,
		CleanedText:      result.CleanedText,
		Metadata:         result.Metadata,
		Pages:            result.Pages,
		PageCount:        result.PageCount,
		ProcessingTimeMS: result.TotalTime.Milliseconds(),
		OCRTimeMS:        result.OCRTime.Milliseconds(),
		CleaningTimeMS:   result.CleanTime.Milliseconds(),
	})
}

func (s *Server) submitStreaming(w http.ResponseWriter, filename string, size int64, language, profileName string, pageCount int, data []byte, opts pipeline.Options) {
	sess := s.registry.Create(filename, size)
	job := jobs.NewJob(filename, size, jobs.ModeStreaming, language, profileName)

	hooks := pipeline.StreamHooks{
		Notify: s.wsHub.Broadcast,
		OnComplete: func(job *jobs.Job, result *pipeline.DocumentResult) {
			s.metrics.RecordJob(true)
			if s.cfg.Output.AutoExport {
				s.exportResult(context.Background(), job, result)
			}
		},
	}
	s.runner.StartStreaming(s.registry, sess, job, data, opts, hooks)

	writeJSON(w, http.StatusAccepted, streamingResponse{
		SessionID:  sess.ID,
		Streaming:  true,
		Filename:   filename,
		FileSize:   size,
		TotalPages: pageCount,
		StatusURL:  "/api/v1/sessions/" + sess.ID,
	})
}

// exportResult delivers a finished document to the default target.
// Export failures never fail the OCR job itself.
func (s *Server) exportResult(ctx context.Context, job *jobs.Job, result *pipeline.DocumentResult) {
	text := result.Text()
	doc := &output.Document{
		Filename: txtFilename(job.Filename),
		Title:    strings.TrimSuffix(job.Filename, filepath.Ext(job.Filename)),
		Reader:   strings.NewReader(text),
		Size:     int64(len(text)),
	}
	if err := s.outputs.Send(ctx, s.cfg.Output.DefaultTarget, doc); err != nil {
		slog.Warn("auto-export failed", "job_id", job.ID, "error", err)
	}
}

func txtFilename(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name)) + ".txt"
}

type sessionStatusResponse struct {
	SessionID                string  `json:"session_id"`
	Status                   string  `json:"status"`
	LastPage                 int     `json:"last_page"`
	TotalPages               *int    `json:"total_pages,omitempty"`
	Percentage               float64 `json:"percentage"`
	Complete                 bool    `json:"complete"`
	HasOutput                bool    `json:"has_output"`
	EstimatedTimeRemainingMS int64   `json:"estimated_time_remaining_ms,omitempty"`
	Error                    string  `json:"error,omitempty"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	snap, err := s.registry.Status(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}

	resp := sessionStatusResponse{
		SessionID:                snap.ID,
		Status:                   string(snap.Status),
		LastPage:                 snap.LastPage,
		Percentage:               snap.Percentage(),
		Complete:                 snap.Status == jobs.StatusComplete,
		HasOutput:                snap.HasOutput,
		EstimatedTimeRemainingMS: snap.EstimatedRemaining.Milliseconds(),
		Error:                    snap.Error,
	}
	if snap.TotalPages != jobs.TotalPagesUnknown {
		total := snap.TotalPages
		resp.TotalPages = &total
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	path, filename, err := s.registry.Output(id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	case errors.Is(err, jobs.ErrNotReady):
		writeError(w, http.StatusConflict, "session output is not ready")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	f, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session output is no longer available")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+txtFilename(filename)+`"`)
	if fi, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(fi.Size(), 10))
	}

	if _, err := io.Copy(w, f); err != nil {
		// Leave the session for the sweeper; the client may retry.
		slog.Warn("session download interrupted", "session_id", id, "error", err)
		return
	}

	// A delivered result has no further use; free the scratch space now.
	s.registry.Remove(id)
}

func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	cancelled, err := s.registry.Cancel(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
		return
	}

	if !cancelled {
		// The session was already terminal; report its real state instead
		// of pretending a transition happened.
		snap, err := s.registry.Status(id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"status": "not_found"})
			return
		}
		if snap.Status == jobs.StatusCancelled {
			// Repeated cancels are idempotent.
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(snap.Status)})
		return
	}

	s.wsHub.Broadcast(jobs.ProgressUpdate{
		Type:      "cancelled",
		SessionID: id,
		Status:    string(jobs.StatusCancelled),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// Output targets
func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	outputs := s.outputs.ListTargets()
	writeJSON(w, http.StatusOK, map[string]interface{}{"outputs": outputs})
}

// Profiles
func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.profiles.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{"profiles": profiles})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	profile, ok := s.profiles.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var profile config.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := profile.Profile.Name
	if name == "" {
		writeError(w, http.StatusBadRequest, "profile name is required")
		return
	}

	s.profiles.Set(name, &profile)
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.profiles.Get(name); !ok {
		writeError(w, http.StatusNotFound, "profile not found")
		return
	}

	var profile config.Profile
	if err := json.NewDecoder(r.Body).Decode(&profile); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.profiles.Set(name, &profile)
	writeJSON(w, http.StatusOK, profile)
}
