package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/veritaslab/sermonclips/internal/models"
)

func (db *DB) CreateVideo(ctx context.Context, video *models.SermonVideo) error {
	query := `
		INSERT INTO sermon_videos (
			id, user_id, url, title, analysis_state
		) VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		video.ID, video.UserID, video.URL, video.Title, video.AnalysisState,
	).Scan(&video.CreatedAt, &video.UpdatedAt)
}

func (db *DB) GetVideo(ctx context.Context, id uuid.UUID) (*models.SermonVideo, error) {
	query := `
		SELECT id, user_id, url, title, analysis_state, created_at, updated_at
		FROM sermon_videos
		WHERE id = $1
	`

	video := &models.SermonVideo{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&video.ID, &video.UserID, &video.URL, &video.Title,
		&video.AnalysisState, &video.CreatedAt, &video.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return video, nil
}

func (db *DB) ListVideos(ctx context.Context, userID string, limit, offset int) ([]models.SermonVideo, error) {
	query := `
		SELECT id, user_id, url, title, analysis_state, created_at, updated_at
		FROM sermon_videos
		WHERE ($1 = '' OR user_id = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.QueryContext(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query videos: %w", err)
	}
	defer rows.Close()

	var videos []models.SermonVideo
	for rows.Next() {
		var video models.SermonVideo
		err := rows.Scan(
			&video.ID, &video.UserID, &video.URL, &video.Title,
			&video.AnalysisState, &video.CreatedAt, &video.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan video: %w", err)
		}
		videos = append(videos, video)
	}

	return videos, nil
}

func (db *DB) UpdateVideoAnalysisState(ctx context.Context, id uuid.UUID, state models.AnalysisState) error {
	query := `UPDATE sermon_videos SET analysis_state = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, state, id)
	return err
}

// DeleteVideoCascade removes a video and everything derived from it.
// Referential integrity is enforced here, not by the store: clips go
// first, then highlights, then the video row, all in one transaction.
func (db *DB) DeleteVideoCascade(ctx context.Context, id uuid.UUID) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM clips
		WHERE highlight_id IN (SELECT id FROM highlights WHERE video_id = $1)
	`, id); err != nil {
		return fmt.Errorf("failed to delete clips: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM highlights WHERE video_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete highlights: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sermon_videos WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete video: %w", err)
	}

	return tx.Commit()
}
