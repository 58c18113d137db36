package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/veritaslab/sermonclips/internal/models"
)

func (db *DB) CreateClip(ctx context.Context, clip *models.Clip) error {
	query := `
		INSERT INTO clips (
			id, highlight_id, platform, url, thumbnail_url,
			duration_sec, file_size, resolution, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		clip.ID, clip.HighlightID, clip.Platform, clip.URL, clip.ThumbnailURL,
		clip.DurationSec, clip.FileSize, clip.Resolution, clip.Status, clip.ErrorMessage,
	).Scan(&clip.CreatedAt, &clip.UpdatedAt)
}

func (db *DB) GetClip(ctx context.Context, id uuid.UUID) (*models.Clip, error) {
	query := `
		SELECT
			id, highlight_id, platform, url, thumbnail_url,
			duration_sec, file_size, resolution, status, error_message,
			created_at, updated_at
		FROM clips
		WHERE id = $1
	`

	clip := &models.Clip{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&clip.ID, &clip.HighlightID, &clip.Platform, &clip.URL, &clip.ThumbnailURL,
		&clip.DurationSec, &clip.FileSize, &clip.Resolution, &clip.Status,
		&clip.ErrorMessage, &clip.CreatedAt, &clip.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("clip not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clip: %w", err)
	}

	return clip, nil
}

func (db *DB) GetHighlightClips(ctx context.Context, highlightID uuid.UUID) ([]models.Clip, error) {
	query := `
		SELECT
			id, highlight_id, platform, url, thumbnail_url,
			duration_sec, file_size, resolution, status, error_message,
			created_at, updated_at
		FROM clips
		WHERE highlight_id = $1
		ORDER BY created_at
	`

	rows, err := db.QueryContext(ctx, query, highlightID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips: %w", err)
	}
	defer rows.Close()

	var clips []models.Clip
	for rows.Next() {
		var clip models.Clip
		err := rows.Scan(
			&clip.ID, &clip.HighlightID, &clip.Platform, &clip.URL, &clip.ThumbnailURL,
			&clip.DurationSec, &clip.FileSize, &clip.Resolution, &clip.Status,
			&clip.ErrorMessage, &clip.CreatedAt, &clip.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan clip: %w", err)
		}
		clips = append(clips, clip)
	}

	return clips, nil
}

// GetCompletedClip returns the COMPLETED clip for a (highlight, platform)
// pair, or nil if none exists. Backs the idempotent short-circuit on clip
// generation requests.
func (db *DB) GetCompletedClip(ctx context.Context, highlightID uuid.UUID, platform string) (*models.Clip, error) {
	query := `
		SELECT
			id, highlight_id, platform, url, thumbnail_url,
			duration_sec, file_size, resolution, status, error_message,
			created_at, updated_at
		FROM clips
		WHERE highlight_id = $1 AND platform = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	clip := &models.Clip{}
	err := db.QueryRowContext(ctx, query, highlightID, platform, models.ClipStatusCompleted).Scan(
		&clip.ID, &clip.HighlightID, &clip.Platform, &clip.URL, &clip.ThumbnailURL,
		&clip.DurationSec, &clip.FileSize, &clip.Resolution, &clip.Status,
		&clip.ErrorMessage, &clip.CreatedAt, &clip.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get completed clip: %w", err)
	}

	return clip, nil
}

func (db *DB) CompleteClip(ctx context.Context, id uuid.UUID, url, thumbnailURL, resolution string, durationSec int, fileSize int64) error {
	query := `
		UPDATE clips
		SET status = $1, url = $2, thumbnail_url = $3, resolution = $4,
		    duration_sec = $5, file_size = $6, updated_at = NOW()
		WHERE id = $7
	`
	_, err := db.ExecContext(ctx, query, models.ClipStatusCompleted, url, thumbnailURL, resolution, durationSec, fileSize, id)
	return err
}

func (db *DB) FailClip(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE clips
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.ClipStatusFailed, errorMessage, id)
	return err
}
