package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestHandler() *Handler {
	// Nil backends: these tests only exercise validation paths that
	// reject before any backend is touched.
	return NewHandler(nil, nil, nil, nil, "/tmp/sermonclips-test", 1<<20)
}

func TestUploadVideoMissingFile(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest("POST", "/v1/videos", strings.NewReader("not multipart"))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=xxx")
	rr := httptest.NewRecorder()

	h.UploadVideo(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestUploadVideoUnsupportedType(t *testing.T) {
	h := newTestHandler()

	var body bytes.Buffer
	body.WriteString("--BOUNDARY\r\n")
	body.WriteString("Content-Disposition: form-data; name=\"file\"; filename=\"notes.txt\"\r\n")
	body.WriteString("Content-Type: text/plain\r\n\r\n")
	body.WriteString("hello\r\n")
	body.WriteString("--BOUNDARY--\r\n")

	req := httptest.NewRequest("POST", "/v1/videos", &body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=BOUNDARY")
	rr := httptest.NewRecorder()

	h.UploadVideo(rr, req)

	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", rr.Code)
	}
}

func TestGenerateClipInvalidBody(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest("POST", "/v1/clips", strings.NewReader("{broken"))
	rr := httptest.NewRecorder()

	h.GenerateClip(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestGenerateClipUnknownPlatform(t *testing.T) {
	h := newTestHandler()

	body := `{"highlight_id": "7f9c24e5-2f3a-4b8a-9d1e-aaaaaaaaaaaa", "platform": "tiktok"}`
	req := httptest.NewRequest("POST", "/v1/clips", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.GenerateClip(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown platform, got %d", rr.Code)
	}

	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if !strings.Contains(resp["error"], "platform") && !strings.Contains(resp["error"], "Invalid") {
		t.Errorf("unexpected error message: %q", resp["error"])
	}
}

func TestGenerateClipMissingHighlight(t *testing.T) {
	h := newTestHandler()

	body := `{"platform": "shorts"}`
	req := httptest.NewRequest("POST", "/v1/clips", strings.NewReader(body))
	rr := httptest.NewRecorder()

	h.GenerateClip(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing highlight_id, got %d", rr.Code)
	}
}

func TestDubClipNotConfigured(t *testing.T) {
	h := newTestHandler() // no dubbing service wired

	req := httptest.NewRequest("POST", "/v1/clips/7f9c24e5-2f3a-4b8a-9d1e-aaaaaaaaaaaa/dub", strings.NewReader(`{"text": "hola"}`))
	rr := httptest.NewRecorder()

	h.DubClip(rr, req)

	if rr.Code != http.StatusNotImplemented {
		t.Errorf("expected 501 when dubbing is unconfigured, got %d", rr.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler()

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()

	h.Health(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestAPIKeyAuthMissingKey(t *testing.T) {
	mw := APIKeyAuth("secret")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/v1/videos", nil)
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", rr.Code)
	}
}

func TestAPIKeyAuthWrongKey(t *testing.T) {
	mw := APIKeyAuth("secret")
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/v1/videos", nil)
	req.Header.Set("X-API-Key", "wrong")
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("expected 403 with wrong key, got %d", rr.Code)
	}
}

func TestRequestAPIKeyPrefersHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/videos", nil)
	req.Header.Set("X-API-Key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")

	if got := requestAPIKey(req); got != "from-header" {
		t.Errorf("expected X-API-Key to win, got %q", got)
	}

	req.Header.Del("X-API-Key")
	if got := requestAPIKey(req); got != "from-bearer" {
		t.Errorf("expected bearer fallback, got %q", got)
	}

	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if got := requestAPIKey(req); got != "" {
		t.Errorf("expected empty key for non-bearer auth, got %q", got)
	}
}

func TestAPIKeyAuthBearerFallback(t *testing.T) {
	mw := APIKeyAuth("secret")
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest("GET", "/v1/videos", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)

	if !called {
		t.Error("expected handler to be called with valid bearer token")
	}
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
