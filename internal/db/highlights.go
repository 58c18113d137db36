package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/veritaslab/sermonclips/internal/models"
)

func (db *DB) CreateHighlight(ctx context.Context, h *models.Highlight) error {
	query := `
		INSERT INTO highlights (
			id, video_id, title, start_sec, end_sec, caption, emotion, platform
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		h.ID, h.VideoID, h.Title, h.StartSec, h.EndSec,
		h.Caption, h.Emotion, h.Platform,
	).Scan(&h.CreatedAt)
}

func (db *DB) GetHighlight(ctx context.Context, id uuid.UUID) (*models.Highlight, error) {
	query := `
		SELECT id, video_id, title, start_sec, end_sec, caption, emotion, platform, created_at
		FROM highlights
		WHERE id = $1
	`

	h := &models.Highlight{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&h.ID, &h.VideoID, &h.Title, &h.StartSec, &h.EndSec,
		&h.Caption, &h.Emotion, &h.Platform, &h.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("highlight not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get highlight: %w", err)
	}

	return h, nil
}

func (db *DB) GetVideoHighlights(ctx context.Context, videoID uuid.UUID) ([]models.Highlight, error) {
	query := `
		SELECT id, video_id, title, start_sec, end_sec, caption, emotion, platform, created_at
		FROM highlights
		WHERE video_id = $1
		ORDER BY created_at
	`

	rows, err := db.QueryContext(ctx, query, videoID)
	if err != nil {
		return nil, fmt.Errorf("failed to query highlights: %w", err)
	}
	defer rows.Close()

	var highlights []models.Highlight
	for rows.Next() {
		var h models.Highlight
		err := rows.Scan(
			&h.ID, &h.VideoID, &h.Title, &h.StartSec, &h.EndSec,
			&h.Caption, &h.Emotion, &h.Platform, &h.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan highlight: %w", err)
		}
		highlights = append(highlights, h)
	}

	return highlights, nil
}

// DeleteVideoHighlights removes all highlights (and their clips) for a
// video. Used before a queue retry re-runs analysis so the restart
// never duplicates highlight rows.
func (db *DB) DeleteVideoHighlights(ctx context.Context, videoID uuid.UUID) error {
	if _, err := db.ExecContext(ctx, `
		DELETE FROM clips
		WHERE highlight_id IN (SELECT id FROM highlights WHERE video_id = $1)
	`, videoID); err != nil {
		return fmt.Errorf("failed to delete highlight clips: %w", err)
	}

	_, err := db.ExecContext(ctx, `DELETE FROM highlights WHERE video_id = $1`, videoID)
	return err
}
