package services

import (
	"context"
	"fmt"
	"io"
	"log"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAITTSService handles text-to-speech via the OpenAI speech
// endpoint. Used as the dubbing provider when no ElevenLabs key is set.
type OpenAITTSService struct {
	client *openai.Client
}

var _ TTSService = (*OpenAITTSService)(nil)

func NewOpenAITTSService(apiKey string) *OpenAITTSService {
	return &OpenAITTSService{
		client: openai.NewClient(apiKey),
	}
}

// GenerateSpeech converts text to speech using OpenAI. voiceID maps to
// an OpenAI voice name; empty means "alloy".
func (s *OpenAITTSService) GenerateSpeech(ctx context.Context, text, voiceID string) ([]byte, error) {
	voice := openai.VoiceAlloy
	if voiceID != "" {
		voice = openai.SpeechVoice(voiceID)
	}

	log.Printf("[Dubbing] OpenAI synthesis (voice=%s, textLen=%d)", voice, len(text))

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech request failed: %w", err)
	}
	defer resp.Close()

	audioData, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to read openai audio response: %w", err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("openai returned empty audio")
	}

	return audioData, nil
}
