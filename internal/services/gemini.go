package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/veritaslab/sermonclips/internal/models"
)

// ---------------------------------------------------------------------------
// Gemini Highlight Analysis Service
// Uploads a sermon video to the Gemini Files API, polls until the remote
// file leaves PROCESSING, then asks the model for highlight boundaries
// and a summary as strict JSON.
// ---------------------------------------------------------------------------

const (
	defaultGeminiModel = "gemini-2.0-flash"

	filePollInterval = 10 * time.Second
	maxPollAttempts  = 60 // 10 minutes of remote processing before timing out

	// Generation retry policy — shared attempt budget across both
	// retryable classes (overload, quota).
	generateMaxAttempts = 4
	overloadBaseDelay   = 5 * time.Second
	overloadMaxDelay    = 60 * time.Second
	quotaFallbackDelay  = 30 * time.Second
)

// ProgressFunc receives analysis progress as a 0-100 percentage. Calls
// are monotonically non-decreasing.
type ProgressFunc func(percent int)

// ParseError marks a structurally invalid model response. Parse errors
// are never retried — the model's output was syntactically wrong, and
// replaying the same prompt synchronously is unlikely to help.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string {
	return "analysis response parse failed: " + e.Detail
}

// IsParseError reports whether err is (or wraps) a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

type GeminiService struct {
	apiKey  string
	model   string
	tempDir string
	client  *http.Client
}

func NewGeminiService(apiKey, model, tempDir string) *GeminiService {
	if model == "" {
		model = defaultGeminiModel
	}
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}
	return &GeminiService{
		apiKey:  apiKey,
		model:   model,
		tempDir: tempDir,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

const analysisPrompt = `You are analyzing a sermon video. Identify the 3-5 most compelling, self-contained moments worth publishing as short clips. Each highlight must be 30-90 seconds long.

Respond with JSON ONLY — no prose, no markdown fences — matching exactly:
{
  "highlights": [
    {
      "title": "short punchy title",
      "startTime": 123,
      "endTime": 178,
      "caption": "one-sentence social caption",
      "emotion": "the dominant emotion of the moment",
      "platform": "one of: shorts, reels, square"
    }
  ],
  "summary": "2-3 sentence summary of the whole sermon"
}

startTime and endTime are offsets from the start of the video in whole seconds. All text must be in the same language as the sermon audio.`

// Analyze runs the full remote analysis: download the source locally
// (the Files API requires a direct upload, not a URL reference), upload
// it, poll until the remote file is ready, then generate and parse the
// highlight JSON.
//
// Progress bands: download+upload 0-25, polling 25-70, generation 75-100.
func (s *GeminiService) Analyze(ctx context.Context, sourceURL, title string, onProgress ProgressFunc) (*models.AnalysisResult, error) {
	if onProgress == nil {
		onProgress = func(int) {}
	}

	// Download the source to a local temp file
	localPath := filepath.Join(s.tempDir, fmt.Sprintf("analyze_%d%s", time.Now().UnixNano(), sourceExt(sourceURL)))
	defer os.Remove(localPath)

	onProgress(5)
	size, err := s.downloadSource(ctx, sourceURL, localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to download source video: %w", err)
	}
	log.Printf("[Gemini] Downloaded source for analysis (%d bytes)", size)
	onProgress(15)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	file, err := client.Files.UploadFromPath(ctx, localPath, &genai.UploadFileConfig{
		MIMEType:    mimeForExt(localPath),
		DisplayName: title,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload video to analysis service: %w", err)
	}
	log.Printf("[Gemini] Uploaded %s (remote name: %s, state: %s)", title, file.Name, file.State)
	onProgress(25)

	file, err = s.waitForFileActive(ctx, client, file, onProgress)
	if err != nil {
		return nil, err
	}
	onProgress(70)

	result, err := s.generateWithRetry(ctx, client, file, onProgress)
	if err != nil {
		return nil, err
	}

	onProgress(100)
	log.Printf("[Gemini] Analysis complete: %d highlights", len(result.Highlights))
	return result, nil
}

// waitForFileActive polls the remote file at a fixed interval until it
// leaves PROCESSING, up to a bounded attempt count. Exceeding the bound
// is a timeout error, not a silent stop.
func (s *GeminiService) waitForFileActive(ctx context.Context, client *genai.Client, file *genai.File, onProgress ProgressFunc) (*genai.File, error) {
	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		switch file.State {
		case genai.FileStateActive:
			return file, nil
		case genai.FileStateFailed:
			return nil, fmt.Errorf("remote file processing failed (name: %s)", file.Name)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("analysis cancelled while waiting for remote file: %w", ctx.Err())
		case <-time.After(filePollInterval):
		}

		var err error
		file, err = client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll remote file (attempt %d): %w", attempt+1, err)
		}

		// Polling band: 25-70
		onProgress(25 + (45*(attempt+1))/maxPollAttempts)
		log.Printf("[Gemini] Poll %d: state=%s", attempt+1, file.State)
	}

	return nil, fmt.Errorf("remote file still processing after %d polls (%v) — timed out", maxPollAttempts, time.Duration(maxPollAttempts)*filePollInterval)
}

// generateWithRetry invokes the model over the ready file, retrying on
// transient transport errors with class-specific backoff. Parse errors
// are surfaced immediately without retry.
func (s *GeminiService) generateWithRetry(ctx context.Context, client *genai.Client, file *genai.File, onProgress ProgressFunc) (*models.AnalysisResult, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(file.URI, file.MIMEType),
			genai.NewPartFromText(analysisPrompt),
		}, genai.RoleUser),
	}

	var lastErr error
	for attempt := 0; attempt < generateMaxAttempts; attempt++ {
		if attempt > 0 {
			delay, retryable := classifyRetry(lastErr, attempt)
			if !retryable {
				return nil, lastErr
			}
			log.Printf("[Gemini] Generation attempt %d failed (%v), retrying in %v", attempt, lastErr, delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("analysis cancelled during backoff: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		onProgress(75)
		resp, err := client.Models.GenerateContent(ctx, s.model, contents, nil)
		if err != nil {
			lastErr = fmt.Errorf("generation request failed: %w", err)
			continue
		}

		raw := resp.Text()
		result, err := ParseAnalysisResponse(raw)
		if err != nil {
			// Structural failure — no retry
			return nil, err
		}

		return result, nil
	}

	return nil, fmt.Errorf("generation failed after %d attempts: %w", generateMaxAttempts, lastErr)
}

// jsonBlockRe grabs the outermost {...} block when the model wraps its
// JSON in prose.
var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseAnalysisResponse parses the model's response into an
// AnalysisResult. Strict JSON is tried first; on failure the first
// {...} block is extracted and parsed. Both failing, or a payload with
// no highlights array, yields a ParseError.
func ParseAnalysisResponse(raw string) (*models.AnalysisResult, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, &ParseError{Detail: "empty response"}
	}

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		block := jsonBlockRe.FindString(raw)
		if block == "" {
			return nil, &ParseError{Detail: fmt.Sprintf("no JSON object found in response: %s", truncateDiag(raw))}
		}
		if err := json.Unmarshal([]byte(block), &result); err != nil {
			return nil, &ParseError{Detail: fmt.Sprintf("extracted block is not valid JSON: %v", err)}
		}
	}

	if result.Highlights == nil {
		return nil, &ParseError{Detail: "response has no highlights array"}
	}

	return &result, nil
}

var retryAfterRe = regexp.MustCompile(`(?i)retry\s+(?:in|after)\s+([0-9.]+)\s*s`)

// classifyRetry decides whether an error is worth retrying and with
// what delay. Overload (503) gets capped exponential backoff; quota
// (429) gets a longer delay honoring a server-supplied "retry in Ns"
// hint when present; anything else propagates immediately.
func classifyRetry(err error, attempt int) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "503") || strings.Contains(msg, "overloaded") || strings.Contains(msg, "unavailable"):
		delay := overloadBaseDelay << (attempt - 1)
		if delay > overloadMaxDelay {
			delay = overloadMaxDelay
		}
		return delay, true

	case strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "resource_exhausted"):
		if m := retryAfterRe.FindStringSubmatch(err.Error()); len(m) == 2 {
			if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil && secs > 0 {
				return time.Duration(secs * float64(time.Second)), true
			}
		}
		return quotaFallbackDelay, true
	}

	return 0, false
}

func (s *GeminiService) downloadSource(ctx context.Context, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create local file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("failed to write local file: %w", err)
	}

	return n, nil
}

func sourceExt(url string) string {
	ext := filepath.Ext(strings.SplitN(url, "?", 2)[0])
	if ext == "" {
		return ".mp4"
	}
	return ext
}

func mimeForExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mov":
		return "video/quicktime"
	case ".avi":
		return "video/x-msvideo"
	case ".webm":
		return "video/webm"
	case ".mpeg", ".mpg":
		return "video/mpeg"
	default:
		return "video/mp4"
	}
}
