package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veritaslab/sermonclips/internal/db"
	"github.com/veritaslab/sermonclips/internal/models"
	"github.com/veritaslab/sermonclips/internal/queue"
	"github.com/veritaslab/sermonclips/internal/services"
	"github.com/veritaslab/sermonclips/internal/storage"
)

// allowedUploadTypes is the MIME allowlist for source video uploads.
// Anything else is rejected before a single byte reaches storage.
var allowedUploadTypes = map[string]string{
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/x-msvideo": ".avi",
	"video/webm":      ".webm",
	"video/mpeg":      ".mpeg",
}

type Handler struct {
	db      *db.DB
	queue   *queue.Queue
	storage *storage.Storage
	dubbing *services.DubbingService // nil when no TTS provider is configured

	tempDir        string
	maxUploadBytes int64
}

func NewHandler(database *db.DB, q *queue.Queue, stor *storage.Storage, dubbing *services.DubbingService, tempDir string, maxUploadBytes int64) *Handler {
	return &Handler{
		db:             database,
		queue:          q,
		storage:        stor,
		dubbing:        dubbing,
		tempDir:        tempDir,
		maxUploadBytes: maxUploadBytes,
	}
}

// UploadVideo handles POST /v1/videos
// Accepts a multipart upload (field "file", optional "title" and
// "user_id"), stores the original, and enqueues analysis. Returns 202
// with the job id to poll.
func (h *Handler) UploadVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds the %d byte limit", h.maxUploadBytes))
			return
		}
		respondError(w, http.StatusBadRequest, "Missing file field in multipart body")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	ext, ok := allowedUploadTypes[contentType]
	if !ok {
		respondError(w, http.StatusUnsupportedMediaType, "Unsupported video type. Allowed: mp4, mov, avi, webm, mpeg")
		return
	}

	title := strings.TrimSpace(r.FormValue("title"))
	if title == "" {
		title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	userID := strings.TrimSpace(r.FormValue("user_id"))

	// Spool to disk first: sources can be far too large for memory,
	// and the storage client uploads from a path.
	if err := os.MkdirAll(h.tempDir, 0755); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to prepare upload")
		return
	}
	tmp, err := os.CreateTemp(h.tempDir, "upload_*"+ext)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to prepare upload")
		return
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, file)
	tmp.Close()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds the %d byte limit", h.maxUploadBytes))
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to save upload")
		return
	}
	if written == 0 {
		respondError(w, http.StatusBadRequest, "Uploaded file is empty")
		return
	}

	videoID := uuid.New()
	url, err := h.storage.UploadFile(r.Context(), h.storage.VideoPath(videoID, "source"+ext), tmp.Name(), contentType)
	if err != nil {
		log.Printf("[API] Upload to storage failed: %v", err)
		respondError(w, http.StatusBadGateway, "Failed to store video")
		return
	}

	video := &models.SermonVideo{
		ID:            videoID,
		UserID:        userID,
		URL:           url,
		Title:         title,
		AnalysisState: models.AnalysisState{Kind: models.AnalysisPending},
	}
	if err := h.db.CreateVideo(r.Context(), video); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create video record")
		return
	}

	jobID := uuid.New()
	if err := h.queue.EnqueueAnalyzeVideo(r.Context(), jobID, videoID, url, title); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue analysis job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.UploadResponse{
		JobID:   jobID,
		VideoID: videoID,
		URL:     url,
	})
}

// ListVideos handles GET /v1/videos
// Query params:
//   - user_id: filter by owner
//   - limit:   max results per page (default 20, max 100)
//   - offset:  number of results to skip (default 0)
func (h *Handler) ListVideos(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	videos, err := h.db.ListVideos(r.Context(), userID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list videos")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"videos": videos,
		"limit":  limit,
		"offset": offset,
	})
}

// GetVideo handles GET /v1/videos/{id}
// Returns the video with its highlights and each highlight's clips.
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid video ID")
		return
	}

	video, err := h.db.GetVideo(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}

	highlights, err := h.db.GetVideoHighlights(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get highlights")
		return
	}

	resp := models.VideoResponse{SermonVideo: *video}
	for _, hl := range highlights {
		clips, err := h.db.GetHighlightClips(r.Context(), hl.ID)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "Failed to get clips")
			return
		}
		resp.Highlights = append(resp.Highlights, models.HighlightResponse{
			Highlight: hl,
			Clips:     clips,
		})
	}

	respondJSON(w, http.StatusOK, resp)
}

// DeleteVideo handles DELETE /v1/videos/{id}
// Removes the video, its highlights, and its clips in one transaction,
// then best-effort deletes the storage objects.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid video ID")
		return
	}

	video, err := h.db.GetVideo(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}

	// Collect storage paths before the rows disappear
	paths := []string{h.storage.PathFromPublicURL(video.URL)}
	highlights, err := h.db.GetVideoHighlights(r.Context(), id)
	if err == nil {
		for _, hl := range highlights {
			clips, cerr := h.db.GetHighlightClips(r.Context(), hl.ID)
			if cerr != nil {
				continue
			}
			for _, c := range clips {
				if c.URL != nil {
					paths = append(paths, h.storage.PathFromPublicURL(*c.URL))
				}
				if c.ThumbnailURL != nil {
					paths = append(paths, h.storage.PathFromPublicURL(*c.ThumbnailURL))
				}
			}
		}
	}

	if err := h.db.DeleteVideoCascade(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete video")
		return
	}

	// Storage cleanup never blocks the response; orphaned blobs are
	// preferable to a half-deleted database.
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := h.storage.Delete(r.Context(), p); err != nil {
			log.Printf("[API] Failed to delete storage object %s: %v", p, err)
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GetVideoHighlights handles GET /v1/videos/{id}/highlights
func (h *Handler) GetVideoHighlights(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid video ID")
		return
	}

	if _, err := h.db.GetVideo(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "Video not found")
		return
	}

	highlights, err := h.db.GetVideoHighlights(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get highlights")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"highlights": highlights})
}

// GetJob handles GET /v1/jobs/{id}
// Polling endpoint for upload/analysis and clip-render jobs.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	state, err := h.queue.GetState(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get job status")
		return
	}
	if state == nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	resp := models.JobStatusResponse{
		ID:       id,
		Status:   state.Status,
		Progress: state.Progress,
		Result:   state.Result,
	}
	if state.Error != "" {
		resp.Error = &state.Error
	}

	respondJSON(w, http.StatusOK, resp)
}

// GenerateClip handles POST /v1/clips
// Idempotent per (highlight, platform): an existing completed clip is
// returned as-is instead of enqueuing a duplicate render.
func (h *Handler) GenerateClip(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.HighlightID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "highlight_id is required")
		return
	}
	if req.Platform == "" {
		respondError(w, http.StatusBadRequest, "platform is required")
		return
	}
	if !services.KnownProfile(req.Platform) {
		respondError(w, http.StatusBadRequest, "Invalid platform. Allowed: shorts, reels, square")
		return
	}

	highlight, err := h.db.GetHighlight(r.Context(), req.HighlightID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Highlight not found")
		return
	}

	if existing, err := h.db.GetCompletedClip(r.Context(), highlight.ID, req.Platform); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to check existing clips")
		return
	} else if existing != nil {
		respondJSON(w, http.StatusOK, existing)
		return
	}

	clip := &models.Clip{
		ID:          uuid.New(),
		HighlightID: highlight.ID,
		Platform:    req.Platform,
		Status:      models.ClipStatusProcessing,
	}
	if err := h.db.CreateClip(r.Context(), clip); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create clip record")
		return
	}

	jobID := uuid.New()
	if err := h.queue.EnqueueRenderClip(r.Context(), jobID, highlight.VideoID, highlight.ID, clip.ID, req.Platform); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue render job")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": jobID,
		"clip":   clip,
	})
}

// GetClip handles GET /v1/clips/{id}
func (h *Handler) GetClip(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid clip ID")
		return
	}

	clip, err := h.db.GetClip(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Clip not found")
		return
	}

	respondJSON(w, http.StatusOK, clip)
}

// DubClip handles POST /v1/clips/{id}/dub
// Synthesizes speech for the given text and remuxes it over the clip's
// video track. Returns 501 when no TTS provider is configured.
func (h *Handler) DubClip(w http.ResponseWriter, r *http.Request) {
	if h.dubbing == nil {
		respondError(w, http.StatusNotImplemented, "Dubbing is not configured on this deployment")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid clip ID")
		return
	}

	var req models.DubClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	clip, err := h.db.GetClip(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "Clip not found")
		return
	}
	if clip.Status != models.ClipStatusCompleted || clip.URL == nil {
		respondError(w, http.StatusConflict, "Clip is not completed yet")
		return
	}

	clipPath := h.storage.PathFromPublicURL(*clip.URL)
	if clipPath == "" {
		respondError(w, http.StatusInternalServerError, "Clip URL does not belong to this storage bucket")
		return
	}

	data, err := h.storage.Download(r.Context(), clipPath)
	if err != nil {
		log.Printf("[API] Failed to download clip for dubbing: %v", err)
		respondError(w, http.StatusBadGateway, "Failed to fetch clip from storage")
		return
	}

	if err := os.MkdirAll(h.tempDir, 0755); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to prepare dubbing")
		return
	}
	localClip := filepath.Join(h.tempDir, fmt.Sprintf("dub_src_%s_%d.mp4", clip.ID, time.Now().UnixNano()))
	dubbed := filepath.Join(h.tempDir, fmt.Sprintf("dub_out_%s_%d.mp4", clip.ID, time.Now().UnixNano()))
	defer os.Remove(localClip)
	defer os.Remove(dubbed)

	if err := os.WriteFile(localClip, data, 0644); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to stage clip for dubbing")
		return
	}

	voiceID := ""
	if req.VoiceID != nil {
		voiceID = *req.VoiceID
	}

	if err := h.dubbing.DubClip(r.Context(), localClip, req.Text, voiceID, dubbed); err != nil {
		log.Printf("[API] Dubbing failed for clip %s: %v", clip.ID, err)
		respondError(w, http.StatusBadGateway, "Dubbing failed")
		return
	}

	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "dub"
	}
	url, err := h.storage.UploadFile(r.Context(), h.storage.ClipPath(clip.HighlightID, fmt.Sprintf("%s_%s_%s.mp4", clip.Platform, lang, clip.ID)), dubbed, "video/mp4")
	if err != nil {
		log.Printf("[API] Failed to upload dubbed clip: %v", err)
		respondError(w, http.StatusBadGateway, "Failed to store dubbed clip")
		return
	}

	respondJSON(w, http.StatusOK, models.DubClipResponse{
		ClipID:   clip.ID,
		Language: lang,
		URL:      url,
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
