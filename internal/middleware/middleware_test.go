package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/windfall/kaiwa/internal/logger"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
})

func TestAccessToken(t *testing.T) {
	h := AccessToken("s3cret")(okHandler)

	tests := []struct {
		name   string
		target string
		header string
		status int
	}{
		{"bearer", "/chat", "Bearer s3cret", http.StatusNoContent},
		{"lowercase scheme", "/chat", "bearer s3cret", http.StatusNoContent},
		{"query", "/ws/session?token=s3cret", "", http.StatusNoContent},
		{"missing", "/chat", "", http.StatusUnauthorized},
		{"wrong", "/chat", "Bearer nope", http.StatusUnauthorized},
		{"bad scheme", "/chat", "Basic s3cret", http.StatusUnauthorized},
		{"header wins over query", "/chat?token=s3cret", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestAccessTokenDisabled(t *testing.T) {
	h := AccessToken("")(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewTo(&buf, "info", "json")
	h := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/chat", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "kaboom") {
		t.Fatalf("log = %s", buf.String())
	}
}

func TestLoggerRecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewTo(&buf, "info", "json")
	h := Logger(log, nil)(okHandler)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if !strings.Contains(buf.String(), `"status":204`) || !strings.Contains(buf.String(), `"path":"/health"`) {
		t.Fatalf("log = %s", buf.String())
	}
}
