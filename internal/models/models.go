package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums

type ClipStatus string

const (
	ClipStatusProcessing ClipStatus = "PROCESSING"
	ClipStatusCompleted  ClipStatus = "COMPLETED"
	ClipStatusFailed     ClipStatus = "FAILED"
)

type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// AnalysisStateKind discriminates the AnalysisState union.
type AnalysisStateKind string

const (
	AnalysisPending   AnalysisStateKind = "pending"
	AnalysisAnalyzing AnalysisStateKind = "analyzing"
	AnalysisCompleted AnalysisStateKind = "completed"
	AnalysisFailed    AnalysisStateKind = "failed"
)

// AnalysisState is the persisted analysis status of a sermon video.
// Kind selects which of the remaining fields are meaningful. Stored as
// a JSONB column.
type AnalysisState struct {
	Kind            AnalysisStateKind `json:"kind"`
	Progress        int               `json:"progress,omitempty"`         // analyzing
	Summary         string            `json:"summary,omitempty"`          // completed
	HighlightsCount int               `json:"highlights_count,omitempty"` // completed
	Reason          string            `json:"reason,omitempty"`           // failed
}

func (a AnalysisState) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *AnalysisState) Scan(value interface{}) error {
	if value == nil {
		*a = AnalysisState{Kind: AnalysisPending}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("analysis_state: expected []byte, got %T", value)
	}
	return json.Unmarshal(bytes, a)
}

// Models

type SermonVideo struct {
	ID            uuid.UUID     `json:"id"`
	UserID        string        `json:"user_id"`
	URL           string        `json:"url"`
	Title         string        `json:"title"`
	AnalysisState AnalysisState `json:"analysis_state"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type Highlight struct {
	ID        uuid.UUID `json:"id"`
	VideoID   uuid.UUID `json:"video_id"`
	Title     string    `json:"title"`
	StartSec  int       `json:"start_sec"`
	EndSec    int       `json:"end_sec"`
	Caption   string    `json:"caption,omitempty"`
	Emotion   string    `json:"emotion,omitempty"`
	Platform  string    `json:"platform,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Clip struct {
	ID           uuid.UUID  `json:"id"`
	HighlightID  uuid.UUID  `json:"highlight_id"`
	Platform     string     `json:"platform"`
	URL          *string    `json:"url,omitempty"`
	ThumbnailURL *string    `json:"thumbnail_url,omitempty"`
	DurationSec  *int       `json:"duration_sec,omitempty"`
	FileSize     *int64     `json:"file_size,omitempty"`
	Resolution   *string    `json:"resolution,omitempty"`
	Status       ClipStatus `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AnalysisHighlight is one highlight as returned by the AI analysis
// service, before coercion into a Highlight row. StartTime/EndTime are
// raw JSON because the model occasionally returns strings, floats, or
// garbage where seconds are expected.
type AnalysisHighlight struct {
	Title     string          `json:"title"`
	StartTime json.RawMessage `json:"startTime"`
	EndTime   json.RawMessage `json:"endTime"`
	Caption   string          `json:"caption"`
	Emotion   string          `json:"emotion"`
	Platform  string          `json:"platform"`
}

// AnalysisResult is the parsed payload of a successful analysis call.
type AnalysisResult struct {
	Highlights []AnalysisHighlight `json:"highlights"`
	Summary    string              `json:"summary"`
}

// CoerceTimes converts the raw startTime/endTime values into whole
// seconds. Malformed or negative values coerce to 0; an end that does
// not exceed its start coerces to start+30 rather than rejecting the
// highlight.
func (h AnalysisHighlight) CoerceTimes() (start, end int) {
	start = coerceSeconds(h.StartTime)
	end = coerceSeconds(h.EndTime)
	if end <= start {
		end = start + 30
	}
	return start, end
}

func coerceSeconds(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		if f < 0 {
			return 0
		}
		return int(f)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		var parsed float64
		if _, err := fmt.Sscanf(s, "%f", &parsed); err == nil && parsed >= 0 {
			return int(parsed)
		}
	}
	return 0
}

// DTOs for API responses

type UploadResponse struct {
	JobID   uuid.UUID `json:"job_id"`
	VideoID uuid.UUID `json:"video_id"`
	URL     string    `json:"url"`
}

type JobStatusResponse struct {
	ID       uuid.UUID       `json:"id"`
	Status   JobStatus       `json:"status"`
	Progress int             `json:"progress"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    *string         `json:"error,omitempty"`
}

type VideoResponse struct {
	SermonVideo
	Highlights []HighlightResponse `json:"highlights,omitempty"`
}

type HighlightResponse struct {
	Highlight
	Clips []Clip `json:"clips,omitempty"`
}

type GenerateClipRequest struct {
	HighlightID uuid.UUID `json:"highlight_id"`
	Platform    string    `json:"platform"`
}

type DubClipRequest struct {
	Language string  `json:"language"`
	Text     string  `json:"text"`
	VoiceID  *string `json:"voice_id,omitempty"`
}

type DubClipResponse struct {
	ClipID   uuid.UUID `json:"clip_id"`
	Language string    `json:"language"`
	URL      string    `json:"url"`
}
