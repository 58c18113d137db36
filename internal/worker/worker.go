package worker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/veritaslab/sermonclips/internal/models"
	"github.com/veritaslab/sermonclips/internal/queue"
	"github.com/veritaslab/sermonclips/internal/services"
)

// Store is the database surface the worker writes through.
type Store interface {
	GetVideo(ctx context.Context, id uuid.UUID) (*models.SermonVideo, error)
	UpdateVideoAnalysisState(ctx context.Context, id uuid.UUID, state models.AnalysisState) error
	DeleteVideoHighlights(ctx context.Context, videoID uuid.UUID) error
	CreateHighlight(ctx context.Context, h *models.Highlight) error
	GetHighlight(ctx context.Context, id uuid.UUID) (*models.Highlight, error)
	CreateClip(ctx context.Context, clip *models.Clip) error
	CompleteClip(ctx context.Context, id uuid.UUID, url, thumbnailURL, resolution string, durationSec int, fileSize int64) error
	FailClip(ctx context.Context, id uuid.UUID, errorMessage string) error
}

// JobQueue is the queue surface the worker consumes and reports through.
type JobQueue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	SetProgress(ctx context.Context, jobID uuid.UUID, progress int) error
	Complete(ctx context.Context, jobID uuid.UUID, result interface{}) error
	Retry(ctx context.Context, queueName string, job *queue.Job, failure error) (bool, error)
	AllowStart(ctx context.Context) (bool, error)
}

// BlobStore uploads rendered artifacts.
type BlobStore interface {
	UploadFile(ctx context.Context, storagePath, localPath, contentType string) (string, error)
	ClipPath(highlightID uuid.UUID, filename string) string
}

// Analyzer produces highlight boundaries for a source video.
type Analyzer interface {
	Analyze(ctx context.Context, sourceURL, title string, onProgress services.ProgressFunc) (*models.AnalysisResult, error)
}

// MediaEngine is the ffmpeg surface: clip extraction, thumbnails, and
// temp-file bookkeeping.
type MediaEngine interface {
	ExtractClip(ctx context.Context, sourcePath, outputPath string, startSec, endSec int, profile services.PlatformProfile) (string, error)
	Thumbnail(ctx context.Context, sourcePath, outputPath string, atSec float64) (string, error)
	CreateTempFile(filename string) string
	Cleanup(paths ...string)
}

// Worker drives the clip-generation pipeline: it consumes jobs from the
// queue, runs analysis and rendering, and is the only mutator of job
// progress/status.
type Worker struct {
	db      Store
	queue   JobQueue
	storage BlobStore
	gemini  Analyzer
	ffmpeg  MediaEngine

	jobTimeout time.Duration
	sem        *semaphore.Weighted // global bound on jobs in flight across all queues
	httpClient *http.Client
}

func New(
	database Store,
	q JobQueue,
	stor BlobStore,
	geminiSvc Analyzer,
	ffmpegSvc MediaEngine,
	maxConcurrent int,
	jobTimeout time.Duration,
) *Worker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Worker{
		db:         database,
		queue:      q,
		storage:    stor,
		gemini:     geminiSvc,
		ffmpeg:     ffmpegSvc,
		jobTimeout: jobTimeout,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		httpClient: &http.Client{Timeout: 15 * time.Minute},
	}
}

// analyzeSummary is the result payload recorded on a completed
// analysis job.
type analyzeSummary struct {
	Success         bool `json:"success"`
	HighlightsCount int  `json:"highlights_count"`
}

// Start begins processing jobs from all queues until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	log.Printf("[Worker] Started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueAnalyzeVideo, w.handleAnalyzeVideo)
		go w.processQueue(ctx, queue.QueueRenderClip, w.handleRenderClip)
	}

	<-ctx.Done()
	log.Println("[Worker] Shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string, handler func(context.Context, *queue.Job) (interface{}, error)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Worker] Error dequeuing from %s: %v", queueName, err)
				time.Sleep(time.Second)
				continue
			}

			if job == nil {
				continue // No job available, retry
			}

			w.runJob(ctx, queueName, job, handler)
		}
	}
}

// runJob executes one job under the global concurrency bound, the
// job-start rate limit, and a wall-clock deadline.
func (w *Worker) runJob(ctx context.Context, queueName string, job *queue.Job, handler func(context.Context, *queue.Job) (interface{}, error)) {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer w.sem.Release(1)

	// Rate limit job starts to protect the external AI quota. The job
	// is already claimed; we only delay its start.
	for {
		allowed, err := w.queue.AllowStart(ctx)
		if err != nil {
			log.Printf("[Worker] Rate limiter error: %v", err)
			break
		}
		if allowed {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}

	log.Printf("[Worker] Processing job %s (type: %s, video: %s, attempt: %d)", job.ID, job.Type, job.VideoID, job.Attempts+1)

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	result, err := handler(jobCtx, job)
	if err != nil {
		log.Printf("[Worker] Job %s failed: %v", job.ID, err)
		retried, rerr := w.queue.Retry(context.Background(), queueName, job, err)
		if rerr != nil {
			log.Printf("[Worker] Failed to schedule retry for job %s: %v", job.ID, rerr)
			return
		}
		if retried {
			log.Printf("[Worker] Job %s scheduled for retry (attempt %d)", job.ID, job.Attempts+1)
			return
		}

		// Attempts exhausted. Only now does a render job's clip row
		// become FAILED — that status is terminal, so it must never be
		// written while another attempt is still coming.
		log.Printf("[Worker] Job %s permanently failed after %d attempts", job.ID, job.Attempts)
		if job.ClipID != nil {
			if dberr := w.db.FailClip(context.Background(), *job.ClipID, err.Error()); dberr != nil {
				log.Printf("[Worker] Failed to record clip failure: %v", dberr)
			}
		}
		return
	}

	if cerr := w.queue.Complete(context.Background(), job.ID, result); cerr != nil {
		log.Printf("[Worker] Failed to mark job %s completed: %v", job.ID, cerr)
	}
	log.Printf("[Worker] Job %s completed successfully", job.ID)
}

// ---------------------------------------------------------------------------
// analyze_video — the full pipeline for one sermon video
// ---------------------------------------------------------------------------

func (w *Worker) handleAnalyzeVideo(ctx context.Context, job *queue.Job) (interface{}, error) {
	videoID := job.VideoID

	// A queue retry re-runs the whole pipeline from scratch; clear any
	// highlights a failed earlier attempt left behind.
	if job.Attempts > 0 {
		if err := w.db.DeleteVideoHighlights(ctx, videoID); err != nil {
			return nil, fmt.Errorf("failed to clear stale highlights: %w", err)
		}
	}

	w.queue.SetProgress(ctx, job.ID, 10)
	if err := w.db.UpdateVideoAnalysisState(ctx, videoID, models.AnalysisState{
		Kind: models.AnalysisAnalyzing, Progress: 10,
	}); err != nil {
		return nil, fmt.Errorf("failed to mark video analyzing: %w", err)
	}

	w.queue.SetProgress(ctx, job.ID, 20)

	// Analysis client progress (0-100) rescaled into the job's 20-80 band
	result, err := w.gemini.Analyze(ctx, job.SourceURL, job.Title, func(p int) {
		scaled := 20 + p*60/100
		w.queue.SetProgress(ctx, job.ID, scaled)
		w.db.UpdateVideoAnalysisState(ctx, videoID, models.AnalysisState{
			Kind: models.AnalysisAnalyzing, Progress: scaled,
		})
	})
	if err != nil {
		// Job-level failure: surface on the video so polling clients
		// see the message, then re-throw for the queue's retry policy.
		w.db.UpdateVideoAnalysisState(context.Background(), videoID, models.AnalysisState{
			Kind: models.AnalysisFailed, Reason: err.Error(),
		})
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	if err := w.db.UpdateVideoAnalysisState(ctx, videoID, models.AnalysisState{
		Kind:            models.AnalysisCompleted,
		Progress:        100,
		Summary:         result.Summary,
		HighlightsCount: len(result.Highlights),
	}); err != nil {
		return nil, fmt.Errorf("failed to persist analysis result: %w", err)
	}
	w.queue.SetProgress(ctx, job.ID, 90)

	if len(result.Highlights) > 0 {
		if err := w.processHighlights(ctx, job, result.Highlights); err != nil {
			return nil, err
		}
	}

	w.queue.SetProgress(ctx, job.ID, 100)
	return analyzeSummary{Success: true, HighlightsCount: len(result.Highlights)}, nil
}

// processHighlights downloads the source once, then renders each
// highlight sequentially. One highlight's failure is recorded on its
// clip row and never aborts the loop.
func (w *Worker) processHighlights(ctx context.Context, job *queue.Job, highlights []models.AnalysisHighlight) error {
	// Single shared download — source videos are large and highlight
	// counts are small, so never re-download per highlight.
	sourcePath := w.ffmpeg.CreateTempFile(fmt.Sprintf("source_%s_%d.mp4", job.VideoID, time.Now().UnixNano()))
	defer w.ffmpeg.Cleanup(sourcePath)

	if err := w.downloadSource(ctx, job.SourceURL, sourcePath); err != nil {
		return fmt.Errorf("failed to download source for clipping: %w", err)
	}

	for i, ah := range highlights {
		start, end := ah.CoerceTimes()

		highlight := &models.Highlight{
			ID:       uuid.New(),
			VideoID:  job.VideoID,
			Title:    ah.Title,
			StartSec: start,
			EndSec:   end,
			Caption:  ah.Caption,
			Emotion:  ah.Emotion,
			Platform: ah.Platform,
		}
		if err := w.db.CreateHighlight(ctx, highlight); err != nil {
			log.Printf("[Worker] Highlight %d: failed to create record, skipping: %v", i+1, err)
			continue
		}

		profile := services.ProfileFromTags(ah.Platform, ah.Emotion)

		clip := &models.Clip{
			ID:          uuid.New(),
			HighlightID: highlight.ID,
			Platform:    profile.Name,
			Status:      models.ClipStatusProcessing,
		}
		if err := w.db.CreateClip(ctx, clip); err != nil {
			log.Printf("[Worker] Highlight %d: failed to create clip record, skipping: %v", i+1, err)
			continue
		}

		if err := w.renderClip(ctx, sourcePath, highlight, profile, clip.ID); err != nil {
			log.Printf("[Worker] Highlight %d (%s): clip failed, continuing: %v", i+1, highlight.ID, err)
			if dberr := w.db.FailClip(context.Background(), clip.ID, err.Error()); dberr != nil {
				log.Printf("[Worker] Failed to record clip failure: %v", dberr)
			}
			continue
		}

		log.Printf("[Worker] Highlight %d/%d rendered (%s, %ds-%ds)", i+1, len(highlights), profile.Name, start, end)
	}

	return nil
}

// renderClip runs the per-highlight chain: extract, thumbnail (with
// clip-then-source fallback), upload both artifacts, complete the clip
// row. Any error aborts this highlight only.
func (w *Worker) renderClip(ctx context.Context, sourcePath string, highlight *models.Highlight, profile services.PlatformProfile, clipID uuid.UUID) error {
	clipPath := w.ffmpeg.CreateTempFile(fmt.Sprintf("clip_%s_%d.mp4", clipID, time.Now().UnixNano()))
	thumbPath := w.ffmpeg.CreateTempFile(fmt.Sprintf("thumb_%s_%d.jpg", clipID, time.Now().UnixNano()))
	defer w.ffmpeg.Cleanup(clipPath, thumbPath)

	if _, err := w.ffmpeg.ExtractClip(ctx, sourcePath, clipPath, highlight.StartSec, highlight.EndSec, profile); err != nil {
		return fmt.Errorf("extraction failed: %w", err)
	}

	duration := highlight.EndSec - highlight.StartSec

	// Thumbnail at the clip's midpoint; if the rendered clip can't be
	// thumbnailed, retry once against the original source at start+1s.
	if _, err := w.ffmpeg.Thumbnail(ctx, clipPath, thumbPath, float64(duration)/2); err != nil {
		log.Printf("[Worker] Clip %s: thumbnail from clip failed (%v), falling back to source", clipID, err)
		if _, err := w.ffmpeg.Thumbnail(ctx, sourcePath, thumbPath, float64(highlight.StartSec)+1); err != nil {
			return fmt.Errorf("thumbnail failed on clip and source: %w", err)
		}
	}

	clipURL, err := w.storage.UploadFile(ctx, w.storage.ClipPath(highlight.ID, fmt.Sprintf("%s_%s.mp4", profile.Name, clipID)), clipPath, "video/mp4")
	if err != nil {
		return fmt.Errorf("clip upload failed: %w", err)
	}

	thumbURL, err := w.storage.UploadFile(ctx, w.storage.ClipPath(highlight.ID, fmt.Sprintf("%s_%s.jpg", profile.Name, clipID)), thumbPath, "image/jpeg")
	if err != nil {
		return fmt.Errorf("thumbnail upload failed: %w", err)
	}

	info, err := os.Stat(clipPath)
	if err != nil {
		return fmt.Errorf("failed to stat rendered clip: %w", err)
	}

	if err := w.db.CompleteClip(ctx, clipID, clipURL, thumbURL, profile.Resolution(), duration, info.Size()); err != nil {
		return fmt.Errorf("failed to complete clip record: %w", err)
	}

	return nil
}

// ---------------------------------------------------------------------------
// render_clip — single-highlight render requested through the clips API
// ---------------------------------------------------------------------------

// handleRenderClip renders one highlight into one platform profile. The
// clip row stays PROCESSING across failed attempts; runJob marks it
// FAILED only when the queue gives up, so the terminal status is
// written exactly once.
func (w *Worker) handleRenderClip(ctx context.Context, job *queue.Job) (interface{}, error) {
	if job.HighlightID == nil || job.ClipID == nil {
		return nil, fmt.Errorf("render_clip job missing highlight or clip id")
	}

	highlight, err := w.db.GetHighlight(ctx, *job.HighlightID)
	if err != nil {
		return nil, fmt.Errorf("failed to get highlight: %w", err)
	}

	video, err := w.db.GetVideo(ctx, highlight.VideoID)
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	w.queue.SetProgress(ctx, job.ID, 10)

	sourcePath := w.ffmpeg.CreateTempFile(fmt.Sprintf("source_%s_%d.mp4", video.ID, time.Now().UnixNano()))
	defer w.ffmpeg.Cleanup(sourcePath)

	if err := w.downloadSource(ctx, video.URL, sourcePath); err != nil {
		return nil, fmt.Errorf("failed to download source: %w", err)
	}

	w.queue.SetProgress(ctx, job.ID, 40)

	profile := services.ProfileByName(job.Platform)
	if err := w.renderClip(ctx, sourcePath, highlight, profile, *job.ClipID); err != nil {
		return nil, err
	}

	w.queue.SetProgress(ctx, job.ID, 100)
	return map[string]interface{}{"clip_id": *job.ClipID}, nil
}

// downloadSource streams a source video to a local path.
func (w *Worker) downloadSource(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(dest)
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	log.Printf("[Worker] Downloaded source (%d bytes) to %s", n, dest)
	return nil
}
