package services

import (
	"errors"
	"testing"
	"time"
)

func TestParseAnalysisResponseClean(t *testing.T) {
	raw := `{"summary": "A sermon on grace", "highlights": [{"title": "Opening story", "startTime": 45, "endTime": 110, "platform": "shorts"}]}`

	result, err := ParseAnalysisResponse(raw)
	if err != nil {
		t.Fatalf("failed to parse clean JSON: %v", err)
	}

	if result.Summary != "A sermon on grace" {
		t.Errorf("unexpected summary: %q", result.Summary)
	}
	if len(result.Highlights) != 1 {
		t.Fatalf("expected 1 highlight, got %d", len(result.Highlights))
	}
	if result.Highlights[0].Title != "Opening story" {
		t.Errorf("unexpected title: %q", result.Highlights[0].Title)
	}
}

func TestParseAnalysisResponseProseWrapped(t *testing.T) {
	// Models often wrap JSON in markdown fences or commentary
	raw := "Here are the highlights I found:\n```json\n{\"summary\": \"ok\", \"highlights\": []}\n```\nLet me know if you need more."

	result, err := ParseAnalysisResponse(raw)
	if err != nil {
		t.Fatalf("failed to recover JSON from prose: %v", err)
	}
	if len(result.Highlights) != 0 {
		t.Errorf("expected empty highlights, got %d", len(result.Highlights))
	}
}

func TestParseAnalysisResponseInvalid(t *testing.T) {
	_, err := ParseAnalysisResponse("I could not analyze this video.")
	if err == nil {
		t.Fatal("expected error for non-JSON response")
	}
	if !IsParseError(err) {
		t.Errorf("expected ParseError, got %T: %v", err, err)
	}
}

func TestParseAnalysisResponseEmpty(t *testing.T) {
	_, err := ParseAnalysisResponse("   ")
	if !IsParseError(err) {
		t.Errorf("expected ParseError for empty response, got %v", err)
	}
}

func TestParseAnalysisResponseMissingHighlights(t *testing.T) {
	// Valid JSON but the wrong shape is still a parse failure
	_, err := ParseAnalysisResponse(`{"summary": "a sermon"}`)
	if !IsParseError(err) {
		t.Errorf("expected ParseError when highlights array is absent, got %v", err)
	}
}

func TestIsParseErrorOtherError(t *testing.T) {
	if IsParseError(errors.New("connection refused")) {
		t.Error("plain errors must not classify as parse errors")
	}
}

func TestClassifyRetryOverloaded(t *testing.T) {
	err := errors.New("rpc error: code 503, the model is overloaded")

	delay1, retry := classifyRetry(err, 1)
	if !retry {
		t.Fatal("expected overload errors to be retryable")
	}
	delay2, _ := classifyRetry(err, 2)
	if delay2 <= delay1 {
		t.Errorf("expected growing backoff, got %v then %v", delay1, delay2)
	}

	// Backoff must cap rather than grow unbounded
	delayBig, _ := classifyRetry(err, 10)
	if delayBig > overloadMaxDelay {
		t.Errorf("expected delay capped at %v, got %v", overloadMaxDelay, delayBig)
	}
}

func TestClassifyRetryQuotaHint(t *testing.T) {
	err := errors.New("429 RESOURCE_EXHAUSTED: quota exceeded, retry in 17s")

	delay, retry := classifyRetry(err, 1)
	if !retry {
		t.Fatal("expected quota errors to be retryable")
	}
	if delay != 17*time.Second {
		t.Errorf("expected server hint of 17s to be honored, got %v", delay)
	}
}

func TestClassifyRetryQuotaNoHint(t *testing.T) {
	err := errors.New("error 429: quota exceeded for model")

	delay, retry := classifyRetry(err, 1)
	if !retry {
		t.Fatal("expected quota errors to be retryable")
	}
	if delay != quotaFallbackDelay {
		t.Errorf("expected fallback delay %v, got %v", quotaFallbackDelay, delay)
	}
}

func TestClassifyRetryNonRetryable(t *testing.T) {
	_, retry := classifyRetry(errors.New("400 invalid argument"), 1)
	if retry {
		t.Error("client errors must not be retried")
	}

	_, retry = classifyRetry(nil, 1)
	if retry {
		t.Error("nil error must not be retried")
	}
}

func TestSourceExt(t *testing.T) {
	if got := sourceExt("https://cdn.example.com/videos/abc/source.mov?token=x"); got != ".mov" {
		t.Errorf("expected .mov, got %q", got)
	}
	if got := sourceExt("https://cdn.example.com/videos/abc/source"); got != ".mp4" {
		t.Errorf("expected .mp4 default, got %q", got)
	}
}
