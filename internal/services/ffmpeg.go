package services

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Encoding constants
const (
	videoPreset  = "veryfast"
	videoCRF     = "23"
	audioBitrate = "128k"

	// MinOutputBytes is the smallest plausible encode output. ffmpeg
	// occasionally exits 0 while writing a near-empty file; anything
	// under this threshold is treated as a silent encode failure.
	MinOutputBytes = 10 * 1024
)

// ---------------------------------------------------------------------------
// FFmpegService — the media transform engine. Stateless apart from its
// temp directory; every method shells out to ffmpeg/ffprobe.
// ---------------------------------------------------------------------------

type FFmpegService struct {
	tempDir string
}

func NewFFmpegService(tempDir string) *FFmpegService {
	// Create temp directory if it doesn't exist
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir: tempDir,
	}
}

// coverCropFilter scales the frame so it fully covers the target box,
// then crops the overflow — "cover" semantics, never letterboxing.
func coverCropFilter(profile PlatformProfile) string {
	return fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=increase,crop=%d:%d",
		profile.Width, profile.Height, profile.Width, profile.Height,
	)
}

// ExtractClip cuts [startSec, endSec) out of sourcePath into outputPath,
// re-encoded to the profile's exact resolution with center-crop
// semantics. The caller guarantees endSec > startSec.
//
// The -ss before -i is an input-side seek: keyframe-approximate but fast
// on hour-plus sources. Output gets +faststart so the clip is playable
// while still downloading.
func (s *FFmpegService) ExtractClip(ctx context.Context, sourcePath, outputPath string, startSec, endSec int, profile PlatformProfile) (string, error) {
	duration := endSec - startSec

	args := []string{
		"-ss", fmt.Sprintf("%d", startSec),
		"-i", sourcePath,
		"-t", fmt.Sprintf("%d", duration),
		"-vf", coverCropFilter(profile),
		"-c:v", "libx264",
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-y",
		outputPath,
	}

	log.Printf("[FFmpeg] Extracting clip %ds-%ds (%s %s) from %s", startSec, endSec, profile.Name, profile.Resolution(), filepath.Base(sourcePath))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg extract failed: %w: %s", err, truncateDiag(stderr.String()))
	}

	// ffmpeg can report success while producing a near-empty file (bad
	// seek past EOF, broken stream). Reject anything implausibly small.
	info, err := os.Stat(outputPath)
	if err != nil {
		return "", fmt.Errorf("extract produced no output: %w", err)
	}
	if info.Size() < MinOutputBytes {
		return "", fmt.Errorf("extract produced invalid output: %d bytes (min %d)", info.Size(), MinOutputBytes)
	}

	return outputPath, nil
}

// Thumbnail extracts a single frame at atSec as a JPEG still. The
// source must exist and exceed the minimum-size threshold; a truncated
// source fails fast before ffmpeg is ever invoked.
func (s *FFmpegService) Thumbnail(ctx context.Context, sourcePath, outputPath string, atSec float64) (string, error) {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("thumbnail source missing: %w", err)
	}
	if info.Size() < MinOutputBytes {
		return "", fmt.Errorf("thumbnail source too small: %d bytes (min %d)", info.Size(), MinOutputBytes)
	}

	args := []string{
		"-ss", fmt.Sprintf("%.2f", atSec),
		"-i", sourcePath,
		"-frames:v", "1",
		"-q:v", "2",
		"-y",
		outputPath,
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("ffmpeg thumbnail failed: %w: %s", err, truncateDiag(stderr.String()))
	}

	return outputPath, nil
}

// ReplaceAudio remuxes a video with a new audio track, copying the
// video stream and trimming to the shorter of the two. Used by the
// dubbing adapter.
func (s *FFmpegService) ReplaceAudio(ctx context.Context, videoPath, audioPath, outputPath string) error {
	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", audioBitrate,
		"-movflags", "+faststart",
		"-shortest",
		"-y",
		outputPath,
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg replace audio failed: %w: %s", err, truncateDiag(stderr.String()))
	}

	return nil
}

// GetVideoDuration returns the duration of a video file in seconds using ffprobe.
func (s *FFmpegService) GetVideoDuration(ctx context.Context, videoPath string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe video duration failed: %w", err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse video duration: %w", err)
	}

	return durationSec, nil
}

// CreateTempFile creates a temporary file path in the service's temp directory
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Cleanup removes temporary files
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}

// truncateDiag keeps the tail of ffmpeg's stderr, where the actual
// error lives.
func truncateDiag(s string) string {
	const maxLen = 500
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}
