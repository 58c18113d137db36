package services

import "context"

// TTSService abstracts the speech-synthesis provider used by the
// dubbing adapter. ElevenLabs is preferred; OpenAI serves as fallback
// when no ElevenLabs key is configured.
type TTSService interface {
	// GenerateSpeech converts text to speech audio (MP3 bytes).
	// voiceID overrides the provider default when non-empty.
	GenerateSpeech(ctx context.Context, text, voiceID string) ([]byte, error)
}
