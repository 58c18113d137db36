package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"
)

// DubbingService produces language variants of a rendered clip:
// synthesize the translated narration, then remux it over the clip's
// video stream. Independently failable — a dubbing failure never
// touches the clip itself.
type DubbingService struct {
	tts    TTSService
	ffmpeg *FFmpegService
}

func NewDubbingService(tts TTSService, ffmpeg *FFmpegService) *DubbingService {
	return &DubbingService{
		tts:    tts,
		ffmpeg: ffmpeg,
	}
}

// DubClip synthesizes speech for text and remuxes it onto the video at
// clipPath, writing the variant to outputPath.
func (d *DubbingService) DubClip(ctx context.Context, clipPath, text, voiceID, outputPath string) error {
	audioData, err := d.tts.GenerateSpeech(ctx, text, voiceID)
	if err != nil {
		return fmt.Errorf("dubbing speech synthesis failed: %w", err)
	}

	audioPath := d.ffmpeg.CreateTempFile(fmt.Sprintf("dub_audio_%d.mp3", time.Now().UnixNano()))
	defer d.ffmpeg.Cleanup(audioPath)

	if err := os.WriteFile(audioPath, audioData, 0644); err != nil {
		return fmt.Errorf("failed to write dub audio: %w", err)
	}

	if err := d.ffmpeg.ReplaceAudio(ctx, clipPath, audioPath, outputPath); err != nil {
		return fmt.Errorf("dubbing remux failed: %w", err)
	}

	log.Printf("[Dubbing] Dubbed clip written to %s", outputPath)
	return nil
}
