package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/veritaslab/sermonclips/internal/models"
	"github.com/veritaslab/sermonclips/internal/queue"
	"github.com/veritaslab/sermonclips/internal/services"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	videos    map[uuid.UUID]*models.SermonVideo
	highlight *models.Highlight

	createdHighlights []*models.Highlight
	createdClips      []*models.Clip
	completedClips    []uuid.UUID
	failedClips       map[uuid.UUID]string
	states            []models.AnalysisState
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		videos:      make(map[uuid.UUID]*models.SermonVideo),
		failedClips: make(map[uuid.UUID]string),
	}
}

func (s *fakeStore) GetVideo(ctx context.Context, id uuid.UUID) (*models.SermonVideo, error) {
	if v, ok := s.videos[id]; ok {
		return v, nil
	}
	return nil, errors.New("video not found")
}

func (s *fakeStore) UpdateVideoAnalysisState(ctx context.Context, id uuid.UUID, state models.AnalysisState) error {
	s.states = append(s.states, state)
	return nil
}

func (s *fakeStore) DeleteVideoHighlights(ctx context.Context, videoID uuid.UUID) error {
	return nil
}

func (s *fakeStore) CreateHighlight(ctx context.Context, h *models.Highlight) error {
	s.createdHighlights = append(s.createdHighlights, h)
	return nil
}

func (s *fakeStore) GetHighlight(ctx context.Context, id uuid.UUID) (*models.Highlight, error) {
	if s.highlight == nil {
		return nil, errors.New("highlight not found")
	}
	return s.highlight, nil
}

func (s *fakeStore) CreateClip(ctx context.Context, clip *models.Clip) error {
	s.createdClips = append(s.createdClips, clip)
	return nil
}

func (s *fakeStore) CompleteClip(ctx context.Context, id uuid.UUID, url, thumbnailURL, resolution string, durationSec int, fileSize int64) error {
	s.completedClips = append(s.completedClips, id)
	return nil
}

func (s *fakeStore) FailClip(ctx context.Context, id uuid.UUID, errorMessage string) error {
	s.failedClips[id] = errorMessage
	return nil
}

type fakeQueue struct {
	progress   map[uuid.UUID]int
	completed  []uuid.UUID
	retries    int
	willRetry  bool
	lastResult interface{}
}

func newFakeQueue(willRetry bool) *fakeQueue {
	return &fakeQueue{progress: make(map[uuid.UUID]int), willRetry: willRetry}
}

func (q *fakeQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error) {
	return nil, nil
}

func (q *fakeQueue) SetProgress(ctx context.Context, jobID uuid.UUID, progress int) error {
	if progress > q.progress[jobID] {
		q.progress[jobID] = progress
	}
	return nil
}

func (q *fakeQueue) Complete(ctx context.Context, jobID uuid.UUID, result interface{}) error {
	q.completed = append(q.completed, jobID)
	q.lastResult = result
	return nil
}

func (q *fakeQueue) Retry(ctx context.Context, queueName string, job *queue.Job, failure error) (bool, error) {
	q.retries++
	return q.willRetry, nil
}

func (q *fakeQueue) AllowStart(ctx context.Context) (bool, error) {
	return true, nil
}

type fakeBlob struct {
	uploads []string
}

func (b *fakeBlob) UploadFile(ctx context.Context, storagePath, localPath, contentType string) (string, error) {
	b.uploads = append(b.uploads, storagePath)
	return "https://blob.test/" + storagePath, nil
}

func (b *fakeBlob) ClipPath(highlightID uuid.UUID, filename string) string {
	return filepath.Join("clips", highlightID.String(), filename)
}

type fakeAnalyzer struct {
	result *models.AnalysisResult
	err    error
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, sourceURL, title string, onProgress services.ProgressFunc) (*models.AnalysisResult, error) {
	if onProgress != nil {
		onProgress(100)
	}
	return a.result, a.err
}

// fakeEngine writes real files so the post-extract stat succeeds.
// Extraction fails for any highlight whose start matches failStart.
type fakeEngine struct {
	dir       string
	failStart int
	extracts  int
	cleaned   []string
}

func (e *fakeEngine) ExtractClip(ctx context.Context, sourcePath, outputPath string, startSec, endSec int, profile services.PlatformProfile) (string, error) {
	e.extracts++
	if startSec == e.failStart {
		return "", errors.New("ffmpeg extract failed: moov atom not found")
	}
	if err := os.WriteFile(outputPath, make([]byte, 20*1024), 0644); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (e *fakeEngine) Thumbnail(ctx context.Context, sourcePath, outputPath string, atSec float64) (string, error) {
	if err := os.WriteFile(outputPath, []byte("jpeg"), 0644); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (e *fakeEngine) CreateTempFile(filename string) string {
	return filepath.Join(e.dir, filename)
}

func (e *fakeEngine) Cleanup(paths ...string) {
	for _, p := range paths {
		e.cleaned = append(e.cleaned, p)
		os.Remove(p)
	}
}

func sourceServer(t *testing.T, hits *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Write(make([]byte, 64*1024))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func analysisHighlight(title string, start, end int) models.AnalysisHighlight {
	return models.AnalysisHighlight{
		Title:     title,
		StartTime: json.RawMessage(fmt.Sprintf("%d", start)),
		EndTime:   json.RawMessage(fmt.Sprintf("%d", end)),
		Platform:  "shorts",
	}
}

// ---------------------------------------------------------------------------
// analyze pipeline
// ---------------------------------------------------------------------------

func TestAnalyzeJobSucceedsDespiteFailedClip(t *testing.T) {
	var hits int32
	srv := sourceServer(t, &hits)

	store := newFakeStore()
	q := newFakeQueue(true)
	blob := &fakeBlob{}
	engine := &fakeEngine{dir: t.TempDir(), failStart: 100}
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		Summary: "a sermon on hope",
		Highlights: []models.AnalysisHighlight{
			analysisHighlight("opening", 10, 50),
			analysisHighlight("broken moment", 100, 140),
			analysisHighlight("closing", 200, 240),
		},
	}}

	w := New(store, q, blob, analyzer, engine, 1, time.Minute)

	job := &queue.Job{ID: uuid.New(), VideoID: uuid.New(), SourceURL: srv.URL, Title: "Sunday service"}
	result, err := w.handleAnalyzeVideo(context.Background(), job)

	// One failing highlight must not fail the job
	if err != nil {
		t.Fatalf("expected job to succeed, got: %v", err)
	}

	summary, ok := result.(analyzeSummary)
	if !ok {
		t.Fatalf("unexpected result type %T", result)
	}
	if !summary.Success || summary.HighlightsCount != 3 {
		t.Errorf("unexpected summary: %+v", summary)
	}

	if len(store.createdClips) != 3 {
		t.Fatalf("expected 3 clip rows, got %d", len(store.createdClips))
	}
	if len(store.completedClips) != 2 {
		t.Errorf("expected 2 completed clips, got %d", len(store.completedClips))
	}
	if len(store.failedClips) != 1 {
		t.Fatalf("expected 1 failed clip, got %d", len(store.failedClips))
	}

	// The failure must land on the highlight that broke, with its error
	var failedClip *models.Clip
	for _, c := range store.createdClips {
		if _, ok := store.failedClips[c.ID]; ok {
			failedClip = c
		}
	}
	if failedClip == nil {
		t.Fatal("failed clip id does not match any created clip")
	}
	for _, h := range store.createdHighlights {
		if h.ID == failedClip.HighlightID && h.StartSec != 100 {
			t.Errorf("wrong highlight failed: start=%d", h.StartSec)
		}
	}
	if msg := store.failedClips[failedClip.ID]; !strings.Contains(msg, "extraction failed") {
		t.Errorf("unexpected failure message: %q", msg)
	}

	// Surviving clips uploaded both artifacts
	if len(blob.uploads) != 4 {
		t.Errorf("expected 4 uploads (2 clips + 2 thumbnails), got %d", len(blob.uploads))
	}

	// Final video state is completed regardless of the failed clip
	final := store.states[len(store.states)-1]
	if final.Kind != models.AnalysisCompleted || final.HighlightsCount != 3 {
		t.Errorf("unexpected final video state: %+v", final)
	}

	if q.progress[job.ID] != 100 {
		t.Errorf("expected progress 100, got %d", q.progress[job.ID])
	}
}

func TestAnalyzeDownloadsSourceOnce(t *testing.T) {
	var hits int32
	srv := sourceServer(t, &hits)

	store := newFakeStore()
	engine := &fakeEngine{dir: t.TempDir(), failStart: -1}
	analyzer := &fakeAnalyzer{result: &models.AnalysisResult{
		Highlights: []models.AnalysisHighlight{
			analysisHighlight("a", 10, 50),
			analysisHighlight("b", 60, 120),
			analysisHighlight("c", 130, 190),
		},
	}}

	w := New(store, newFakeQueue(true), &fakeBlob{}, analyzer, engine, 1, time.Minute)

	job := &queue.Job{ID: uuid.New(), VideoID: uuid.New(), SourceURL: srv.URL}
	if _, err := w.handleAnalyzeVideo(context.Background(), job); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected exactly 1 source download for 3 highlights, got %d", got)
	}

	// The shared source temp file is cleaned up after the loop
	foundSource := false
	for _, p := range engine.cleaned {
		if strings.Contains(filepath.Base(p), "source_") {
			foundSource = true
		}
	}
	if !foundSource {
		t.Error("expected source temp file to be cleaned up")
	}
}

// ---------------------------------------------------------------------------
// render_clip retry semantics
// ---------------------------------------------------------------------------

func TestRenderClipFailureLeavesClipProcessing(t *testing.T) {
	var hits int32
	srv := sourceServer(t, &hits)

	videoID := uuid.New()
	highlightID := uuid.New()
	clipID := uuid.New()

	store := newFakeStore()
	store.videos[videoID] = &models.SermonVideo{ID: videoID, URL: srv.URL}
	store.highlight = &models.Highlight{ID: highlightID, VideoID: videoID, StartSec: 30, EndSec: 90}

	engine := &fakeEngine{dir: t.TempDir(), failStart: 30} // extraction will fail

	w := New(store, newFakeQueue(true), &fakeBlob{}, &fakeAnalyzer{}, engine, 1, time.Minute)

	job := &queue.Job{ID: uuid.New(), VideoID: videoID, HighlightID: &highlightID, ClipID: &clipID, Platform: "shorts"}
	_, err := w.handleRenderClip(context.Background(), job)
	if err == nil {
		t.Fatal("expected render failure")
	}

	// FAILED is terminal: a retryable attempt must not write it
	if len(store.failedClips) != 0 {
		t.Errorf("expected clip row untouched while retries remain, got failures: %v", store.failedClips)
	}
	if len(store.completedClips) != 0 {
		t.Errorf("expected no completed clips, got %v", store.completedClips)
	}
}

func TestRunJobRetryScheduledKeepsClipProcessing(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue(true) // retry will be scheduled
	clipID := uuid.New()

	w := New(store, q, &fakeBlob{}, &fakeAnalyzer{}, &fakeEngine{dir: t.TempDir()}, 1, time.Minute)

	job := &queue.Job{ID: uuid.New(), ClipID: &clipID}
	handler := func(ctx context.Context, j *queue.Job) (interface{}, error) {
		return nil, errors.New("render blew up")
	}

	w.runJob(context.Background(), queue.QueueRenderClip, job, handler)

	if q.retries != 1 {
		t.Fatalf("expected 1 retry attempt, got %d", q.retries)
	}
	if len(store.failedClips) != 0 {
		t.Errorf("clip must stay PROCESSING while a retry is pending, got failures: %v", store.failedClips)
	}
}

func TestRunJobExhaustedRetriesMarksClipFailed(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue(false) // attempts exhausted
	clipID := uuid.New()

	w := New(store, q, &fakeBlob{}, &fakeAnalyzer{}, &fakeEngine{dir: t.TempDir()}, 1, time.Minute)

	job := &queue.Job{ID: uuid.New(), ClipID: &clipID, Attempts: 2}
	handler := func(ctx context.Context, j *queue.Job) (interface{}, error) {
		return nil, errors.New("render blew up")
	}

	w.runJob(context.Background(), queue.QueueRenderClip, job, handler)

	msg, ok := store.failedClips[clipID]
	if !ok {
		t.Fatal("expected clip marked FAILED once retries are exhausted")
	}
	if !strings.Contains(msg, "render blew up") {
		t.Errorf("unexpected failure message: %q", msg)
	}
	if len(q.completed) != 0 {
		t.Errorf("job must not complete, got completions: %v", q.completed)
	}
}

func TestRunJobSuccessCompletes(t *testing.T) {
	store := newFakeStore()
	q := newFakeQueue(true)

	w := New(store, q, &fakeBlob{}, &fakeAnalyzer{}, &fakeEngine{dir: t.TempDir()}, 1, time.Minute)

	job := &queue.Job{ID: uuid.New()}
	handler := func(ctx context.Context, j *queue.Job) (interface{}, error) {
		return map[string]int{"n": 1}, nil
	}

	w.runJob(context.Background(), queue.QueueAnalyzeVideo, job, handler)

	if len(q.completed) != 1 || q.completed[0] != job.ID {
		t.Errorf("expected job completed, got %v", q.completed)
	}
	if q.retries != 0 {
		t.Errorf("expected no retries, got %d", q.retries)
	}
}
