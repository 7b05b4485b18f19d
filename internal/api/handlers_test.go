package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/thoscut/ocrflow/internal/config"
	"github.com/thoscut/ocrflow/internal/jobs"
	"github.com/thoscut/ocrflow/internal/observe"
	"github.com/thoscut/ocrflow/internal/output"
	"github.com/thoscut/ocrflow/internal/pipeline"
	"github.com/thoscut/ocrflow/internal/raster"
)

// fakeRunner implements JobRunner without touching MuPDF or Tesseract.
type fakeRunner struct {
	result *pipeline.DocumentResult
	err    error

	// outputDir is where streaming runs write their result file.
	outputDir string

	lastJob  *jobs.Job
	lastOpts pipeline.Options
}

func (f *fakeRunner) Run(ctx context.Context, job *jobs.Job, data []byte, opts pipeline.Options) (*pipeline.DocumentResult, error) {
	f.lastJob = job
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRunner) StartStreaming(reg *jobs.Registry, sess *jobs.Session, job *jobs.Job, data []byte, opts pipeline.Options, hooks pipeline.StreamHooks) {
	f.lastJob = job
	f.lastOpts = opts
	if f.err != nil {
		reg.MarkFailed(sess.ID, f.err)
		return
	}
	total := f.result.PageCount
	for page := 1; page <= total; page++ {
		reg.UpdateProgress(sess.ID, page, total)
	}
	outPath := filepath.Join(f.outputDir, sess.ID+".txt")
	if err := os.WriteFile(outPath, []byte(f.result.Text()), 0o644); err != nil {
		reg.MarkFailed(sess.ID, err)
		return
	}
	if hooks.OnComplete != nil {
		hooks.OnComplete(job, f.result)
	}
	reg.MarkComplete(sess.ID, outPath, nil)
}

func sampleResult() *pipeline.DocumentResult {
	return &pipeline.DocumentResult{
		RawText:     "CONG HOA XA HOI",
		CleanedText: "CỘNG HÒA XÃ HỘI",
		Pages: []jobs.PageResult{
			{PageNumber: 1, Cleaned: true, Changes: 3, Confidence: 0.8},
			{PageNumber: 2, Cleaned: true, Changes: 2, Confidence: 0.9},
		},
		PageCount: 2,
		Metadata: pipeline.Metadata{
			DocumentType: "công văn",
			ChangesCount: 5,
			Confidence:   0.85,
		},
	}
}

func newTestServer(t *testing.T, runner JobRunner) *Server {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.Auth.Enabled = false
	cfg.Output.Filesystem.Directory = t.TempDir()

	profiles, err := config.NewProfileStore("")
	if err != nil {
		t.Fatalf("profile store: %v", err)
	}
	outputs := output.NewManager(cfg.Output)

	srv := NewServer(cfg, jobs.NewRegistry(), profiles, runner, outputs, observe.NewMetrics())
	srv.preflight = func(data []byte) (int, error) { return 2, nil }
	return srv
}

func uploadRequest(t *testing.T, fields map[string]string, filename string, content []byte) *http.Request {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		fw.Write(content)
	}
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/api/v1/ocr", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	req := httptest.NewRequest("GET", "/api/v1/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status 'ok', got %s", resp["status"])
	}
}

func TestSubmitSync(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	srv := newTestServer(t, runner)

	req := uploadRequest(t, map[string]string{"language": "vie"}, "congvan.pdf", []byte("%PDF-1.4 fake"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp syncResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CleanedText != "CỘNG HÒA XÃ HỘI" {
		t.Fatalf("unexpected cleaned text: %q", resp.CleanedText)
	}
	if resp.PageCount != 2 {
		t.Fatalf("expected 2 pages, got %d", resp.PageCount)
	}
	if resp.Metadata.ChangesCount != 5 {
		t.Fatalf("expected 5 changes, got %d", resp.Metadata.ChangesCount)
	}

	if runner.lastJob == nil {
		t.Fatal("runner was not invoked")
	}
	if runner.lastJob.Mode != jobs.ModeSync {
		t.Fatalf("expected sync mode, got %s", runner.lastJob.Mode)
	}
	if runner.lastJob.Language != "vie" {
		t.Fatalf("expected language vie, got %s", runner.lastJob.Language)
	}
}

func TestSubmitMissingFile(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	req := uploadRequest(t, map[string]string{"language": "vie"}, "", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestSubmitInvalidDocument(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})
	srv.preflight = func(data []byte) (int, error) {
		return 0, &raster.ValidationError{Reason: "not a PDF"}
	}

	req := uploadRequest(t, nil, "notes.txt", []byte("plain text"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}

	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["error"] == "" {
		t.Fatal("expected an error message")
	}
}

func TestSubmitUnknownProfile(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	req := uploadRequest(t, map[string]string{"profile": "nonexistent"}, "doc.pdf", []byte("%PDF-1.4"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestSubmitAppliesProfileOptions(t *testing.T) {
	runner := &fakeRunner{result: sampleResult()}
	srv := newTestServer(t, runner)

	// The built-in fast profile renders at 150 DPI and skips cleaning.
	req := uploadRequest(t, map[string]string{"profile": "fast"}, "dai.pdf", []byte("%PDF-1.4"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !runner.lastOpts.DisableCleaning {
		t.Fatal("fast profile must disable the cleaning pass")
	}
	if runner.lastOpts.Raster.DPI != 150 {
		t.Fatalf("expected fast profile DPI 150, got %v", runner.lastOpts.Raster.DPI)
	}
	if runner.lastOpts.Raster.MaxDimension != 2400 {
		t.Fatalf("expected fast profile max dimension 2400, got %d", runner.lastOpts.Raster.MaxDimension)
	}

	// The quality profile renders at 450 DPI with cleaning on.
	req = uploadRequest(t, map[string]string{"profile": "quality"}, "mo.pdf", []byte("%PDF-1.4"))
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if runner.lastOpts.DisableCleaning {
		t.Fatal("quality profile must keep the cleaning pass")
	}
	if runner.lastOpts.Raster.DPI != 450 {
		t.Fatalf("expected quality profile DPI 450, got %v", runner.lastOpts.Raster.DPI)
	}
}

func TestSubmitStreamingAppliesProfileOptions(t *testing.T) {
	runner := &fakeRunner{result: sampleResult(), outputDir: t.TempDir()}
	srv := newTestServer(t, runner)

	req := uploadRequest(t, map[string]string{"profile": "fast", "stream": "true"}, "dai.pdf", []byte("%PDF-1.4"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", w.Code)
	}
	if !runner.lastOpts.DisableCleaning {
		t.Fatal("fast profile must disable cleaning for streaming jobs too")
	}
	if runner.lastOpts.Raster.DPI != 150 {
		t.Fatalf("expected fast profile DPI 150, got %v", runner.lastOpts.Raster.DPI)
	}
}

func TestSubmitSyncFailure(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{err: errors.New("ocr page 1: engine crashed")})

	req := uploadRequest(t, nil, "doc.pdf", []byte("%PDF-1.4"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", w.Code)
	}
}

func TestSubmitStreamingLifecycle(t *testing.T) {
	runner := &fakeRunner{result: sampleResult(), outputDir: t.TempDir()}
	srv := newTestServer(t, runner)

	// Submit with an explicit stream flag.
	req := uploadRequest(t, map[string]string{"stream": "true"}, "baocao.pdf", []byte("%PDF-1.4"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	var sub streamingResponse
	if err := json.NewDecoder(w.Body).Decode(&sub); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sub.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if !sub.Streaming {
		t.Fatal("expected streaming flag")
	}
	if runner.lastJob.Mode != jobs.ModeStreaming {
		t.Fatalf("expected streaming mode, got %s", runner.lastJob.Mode)
	}

	// The fake runner completes synchronously, so status is final already.
	req = httptest.NewRequest("GET", "/api/v1/sessions/"+sub.SessionID, nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var status sessionStatusResponse
	json.NewDecoder(w.Body).Decode(&status)
	if !status.Complete {
		t.Fatalf("expected complete session, got status %s", status.Status)
	}
	if status.TotalPages == nil || *status.TotalPages != 2 {
		t.Fatalf("expected total_pages 2, got %v", status.TotalPages)
	}
	if status.Percentage != 100 {
		t.Fatalf("expected percentage 100, got %f", status.Percentage)
	}

	// Download the result.
	req = httptest.NewRequest("GET", "/api/v1/sessions/"+sub.SessionID+"/download", nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := w.Body.String(); got != "CỘNG HÒA XÃ HỘI" {
		t.Fatalf("unexpected download body: %q", got)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != `attachment; filename="baocao.txt"` {
		t.Fatalf("unexpected content disposition: %q", cd)
	}

	// The session is evicted after a successful download.
	req = httptest.NewRequest("GET", "/api/v1/sessions/"+sub.SessionID, nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 after download, got %d", w.Code)
	}
}

func TestSubmitStreamsLargeUploads(t *testing.T) {
	runner := &fakeRunner{result: sampleResult(), outputDir: t.TempDir()}
	srv := newTestServer(t, runner)
	srv.cfg.Processing.StreamingThresholdBytes = 10

	req := uploadRequest(t, nil, "big.pdf", []byte("%PDF-1.4 well over ten bytes"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 for large upload, got %d", w.Code)
	}
}

func TestSubmitStreamsManyPages(t *testing.T) {
	runner := &fakeRunner{result: sampleResult(), outputDir: t.TempDir()}
	srv := newTestServer(t, runner)
	srv.preflight = func(data []byte) (int, error) { return 50, nil }

	req := uploadRequest(t, nil, "long.pdf", []byte("%PDF-1.4"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202 for many pages, got %d", w.Code)
	}
}

func TestSessionStatusNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	req := httptest.NewRequest("GET", "/api/v1/sessions/nonexistent-id", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "not_found" {
		t.Fatalf("expected status 'not_found', got %s", resp["status"])
	}
}

func TestSessionDownloadNotReady(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})
	sess := srv.registry.Create("pending.pdf", 100)

	req := httptest.NewRequest("GET", "/api/v1/sessions/"+sess.ID+"/download", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
}

func TestSessionCancel(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})
	sess := srv.registry.Create("doc.pdf", 100)

	req := httptest.NewRequest("DELETE", "/api/v1/sessions/"+sess.ID, nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	snap, err := srv.registry.Status(sess.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != jobs.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
}

func TestSessionCancelAfterCompleteReportsRealState(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})
	sess := srv.registry.Create("done.pdf", 100)
	srv.registry.UpdateProgress(sess.ID, 2, 2)
	srv.registry.MarkComplete(sess.ID, filepath.Join(t.TempDir(), "out.txt"), nil)

	req := httptest.NewRequest("DELETE", "/api/v1/sessions/"+sess.ID, nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != string(jobs.StatusComplete) {
		t.Fatalf("expected actual status 'complete', got %q", resp["status"])
	}

	snap, _ := srv.registry.Status(sess.ID)
	if snap.Status != jobs.StatusComplete {
		t.Fatalf("completed session must stay complete, got %s", snap.Status)
	}
}

func TestSessionCancelIsIdempotent(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})
	sess := srv.registry.Create("doc.pdf", 100)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("DELETE", "/api/v1/sessions/"+sess.ID, nil)
		w := httptest.NewRecorder()
		srv.router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("cancel %d: expected status 200, got %d", i+1, w.Code)
		}
		var resp map[string]string
		json.NewDecoder(w.Body).Decode(&resp)
		if resp["status"] != "cancelled" {
			t.Fatalf("cancel %d: expected 'cancelled', got %q", i+1, resp["status"])
		}
	}
}

func TestSessionCancelNotFound(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	req := httptest.NewRequest("DELETE", "/api/v1/sessions/nonexistent-id", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestListProfilesEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	req := httptest.NewRequest("GET", "/api/v1/profiles", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Profiles []config.Profile `json:"profiles"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Profiles) < 3 {
		t.Fatalf("expected at least 3 profiles, got %d", len(resp.Profiles))
	}
}

func TestCreateProfileEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	profile := config.Profile{
		Profile: config.ProfileInfo{Name: "invoices", Description: "Hóa đơn"},
		OCR:     config.ProfileOCR{Language: "vie"},
	}
	body, _ := json.Marshal(profile)

	req := httptest.NewRequest("POST", "/api/v1/profiles", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}

	if _, ok := srv.profiles.Get("invoices"); !ok {
		t.Fatal("expected profile to be stored")
	}
}

func TestListOutputsEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	req := httptest.NewRequest("GET", "/api/v1/outputs", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp struct {
		Outputs []output.Target `json:"outputs"`
	}
	json.NewDecoder(w.Body).Decode(&resp)

	// Filesystem should always be available
	found := false
	for _, o := range resp.Outputs {
		if o.Name == "filesystem" {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("expected filesystem output to be available")
	}
}

func TestAuthMiddleware(t *testing.T) {
	passHash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}

	srv := newTestServer(t, &fakeRunner{result: sampleResult()})
	srv.cfg.Server.Auth = config.AuthConfig{
		Enabled:           true,
		APIKeys:           []string{"test-key-123"},
		BasicAuthUser:     "admin",
		BasicAuthPassHash: string(passHash),
	}
	srv.setupRouter()

	// Without auth should fail
	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without auth, got %d", w.Code)
	}

	// With Bearer token should succeed
	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer test-key-123")
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth, got %d", w.Code)
	}

	// With X-API-Key header should succeed
	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	req.Header.Set("X-API-Key", "test-key-123")
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with X-API-Key, got %d", w.Code)
	}

	// Basic auth against the bcrypt hash should succeed
	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	req.SetBasicAuth("admin", "s3cret")
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with basic auth, got %d", w.Code)
	}

	// Wrong password should fail
	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong password, got %d", w.Code)
	}

	// Health endpoint should work without auth
	req = httptest.NewRequest("GET", "/api/v1/health", nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for health without auth, got %d", w.Code)
	}
}

func TestStatusEndpointCountsJobs(t *testing.T) {
	srv := newTestServer(t, &fakeRunner{result: sampleResult()})

	// Run one sync job so the counters move.
	req := uploadRequest(t, nil, "doc.pdf", []byte("%PDF-1.4"))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/v1/status", nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status 'ok', got %v", resp["status"])
	}
	if fmt.Sprintf("%v", resp["jobs_completed"]) != "1" {
		t.Fatalf("expected 1 completed job, got %v", resp["jobs_completed"])
	}
}
