package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/veritaslab/sermonclips/internal/models"
)

const (
	QueueAnalyzeVideo = "queue:analyze_video"
	QueueRenderClip   = "queue:render_clip"

	// Retry policy: bounded attempts with exponential backoff
	defaultMaxAttempts = 3
	baseRetryDelay     = 30 * time.Second
	maxRetryDelay      = 10 * time.Minute

	// Job status hashes expire after a week — long enough for any
	// polling client, short enough to keep Redis bounded.
	statusTTL = 7 * 24 * time.Hour

	rateLimitKey = "jobs:rate"
)

type Queue struct {
	client      *redis.Client
	maxAttempts int

	// Rolling-window rate limit on job starts (0 = unlimited)
	rateLimit  int
	rateWindow time.Duration
}

type Job struct {
	ID          uuid.UUID  `json:"id"`
	Type        string     `json:"type"`
	VideoID     uuid.UUID  `json:"video_id"`
	HighlightID *uuid.UUID `json:"highlight_id,omitempty"`
	ClipID      *uuid.UUID `json:"clip_id,omitempty"`
	SourceURL   string     `json:"source_url,omitempty"`
	Title       string     `json:"title,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
}

// JobState is the queryable state of a job, backing the job status API.
type JobState struct {
	Status      models.JobStatus
	Progress    int
	Result      json.RawMessage
	Error       string
	Attempts    int
	ProcessedAt *time.Time
	FinishedAt  *time.Time
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{
		client:      client,
		maxAttempts: defaultMaxAttempts,
	}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// SetRateLimit bounds job starts to limit per rolling window.
func (q *Queue) SetRateLimit(limit int, window time.Duration) {
	q.rateLimit = limit
	q.rateWindow = window
}

func statusKey(jobID uuid.UUID) string {
	return "job:" + jobID.String()
}

func delayedKey(queueName string) string {
	return queueName + ":delayed"
}

func (q *Queue) Enqueue(ctx context.Context, queueName string, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, statusKey(job.ID), "status", string(models.JobStatusWaiting), "progress", 0)
	pipe.Expire(ctx, statusKey(job.ID), statusTTL)
	pipe.RPush(ctx, queueName, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	return nil
}

// EnqueueAnalyzeVideo enqueues the full analysis pipeline for a video.
func (q *Queue) EnqueueAnalyzeVideo(ctx context.Context, jobID, videoID uuid.UUID, sourceURL, title string) error {
	job := &Job{
		ID:        jobID,
		Type:      "analyze_video",
		VideoID:   videoID,
		SourceURL: sourceURL,
		Title:     title,
	}
	return q.Enqueue(ctx, QueueAnalyzeVideo, job)
}

// EnqueueRenderClip enqueues a single-highlight clip render.
func (q *Queue) EnqueueRenderClip(ctx context.Context, jobID, videoID, highlightID, clipID uuid.UUID, platform string) error {
	job := &Job{
		ID:          jobID,
		Type:        "render_clip",
		VideoID:     videoID,
		HighlightID: &highlightID,
		ClipID:      &clipID,
		Platform:    platform,
	}
	return q.Enqueue(ctx, QueueRenderClip, job)
}

// Dequeue pops the next job, promoting any due delayed retries first.
// Returns nil when no job is available within the timeout.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	if err := q.promoteDelayed(ctx, queueName); err != nil {
		return nil, err
	}

	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	now := time.Now()
	q.client.HSet(ctx, statusKey(job.ID),
		"status", string(models.JobStatusActive),
		"attempts", job.Attempts+1,
		"processed_at", now.Format(time.RFC3339))

	return &job, nil
}

// promoteDelayed moves delayed retries whose backoff has elapsed back
// onto the ready list.
func (q *Queue) promoteDelayed(ctx context.Context, queueName string) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	members, err := q.client.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, member := range members {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, delayedKey(queueName), member)
		pipe.RPush(ctx, queueName, member)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}
	}

	return nil
}

// SetProgress records job progress. Progress never moves backwards —
// a stale lower value is dropped.
func (q *Queue) SetProgress(ctx context.Context, jobID uuid.UUID, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	current, err := q.client.HGet(ctx, statusKey(jobID), "progress").Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read progress: %w", err)
	}
	if progress <= current {
		return nil
	}

	return q.client.HSet(ctx, statusKey(jobID), "progress", progress).Err()
}

// Complete marks a job completed with an optional result payload.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, result interface{}) error {
	fields := []interface{}{
		"status", string(models.JobStatusCompleted),
		"progress", 100,
		"finished_at", time.Now().Format(time.RFC3339),
	}

	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fields = append(fields, "result", string(data))
	}

	return q.client.HSet(ctx, statusKey(jobID), fields...).Err()
}

// Retry re-enqueues a failed job with exponential backoff, or marks it
// permanently failed once attempts are exhausted. Returns true when the
// job was scheduled for another attempt.
func (q *Queue) Retry(ctx context.Context, queueName string, job *Job, failure error) (bool, error) {
	job.Attempts++

	if job.Attempts >= q.maxAttempts {
		err := q.client.HSet(ctx, statusKey(job.ID),
			"status", string(models.JobStatusFailed),
			"error", failure.Error(),
			"finished_at", time.Now().Format(time.RFC3339)).Err()
		return false, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job for retry: %w", err)
	}

	delay := RetryDelay(job.Attempts)
	score := float64(time.Now().Add(delay).Unix())

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, statusKey(job.ID),
		"status", string(models.JobStatusWaiting),
		"error", failure.Error())
	pipe.ZAdd(ctx, delayedKey(queueName), &redis.Z{Score: score, Member: data})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to schedule retry: %w", err)
	}

	return true, nil
}

// GetState returns the queryable state of a job.
func (q *Queue) GetState(ctx context.Context, jobID uuid.UUID) (*JobState, error) {
	fields, err := q.client.HGetAll(ctx, statusKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read job state: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil // Unknown or expired job
	}

	state := &JobState{Status: models.JobStatus(fields["status"])}
	if p, err := strconv.Atoi(fields["progress"]); err == nil {
		state.Progress = p
	}
	if a, err := strconv.Atoi(fields["attempts"]); err == nil {
		state.Attempts = a
	}
	if r := fields["result"]; r != "" {
		state.Result = json.RawMessage(r)
	}
	state.Error = fields["error"]
	if t, err := time.Parse(time.RFC3339, fields["processed_at"]); err == nil {
		state.ProcessedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, fields["finished_at"]); err == nil {
		state.FinishedAt = &t
	}

	return state, nil
}

// AllowStart consults the rolling-window rate limiter. The window lives
// in a Redis sorted set keyed by start timestamp so the limit holds
// across worker processes.
func (q *Queue) AllowStart(ctx context.Context) (bool, error) {
	if q.rateLimit <= 0 {
		return true, nil
	}

	now := time.Now()
	windowStart := strconv.FormatInt(now.Add(-q.rateWindow).UnixNano(), 10)

	if err := q.client.ZRemRangeByScore(ctx, rateLimitKey, "-inf", windowStart).Err(); err != nil {
		return false, fmt.Errorf("failed to trim rate window: %w", err)
	}

	count, err := q.client.ZCard(ctx, rateLimitKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to count rate window: %w", err)
	}
	if count >= int64(q.rateLimit) {
		return false, nil
	}

	err = q.client.ZAdd(ctx, rateLimitKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.NewString(),
	}).Err()
	if err != nil {
		return false, fmt.Errorf("failed to record job start: %w", err)
	}

	return true, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}

// RetryDelay calculates exponential backoff: base * 2^(attempt-1),
// capped at maxRetryDelay.
func RetryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	return time.Duration(delay)
}
