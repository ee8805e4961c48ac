package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tavern.org/internal/obs"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestHandshakeRateLimitPerClient(t *testing.T) {
	handler := RequestID(RateLimit(okHandler(), 2, 1))

	hit := func(remote, forwarded string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/ws/game/7", nil)
		req.RemoteAddr = remote
		if forwarded != "" {
			req.Header.Set("X-Forwarded-For", forwarded)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := hit("10.1.1.1:5000", ""); rr.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200, got %d", i, rr.Code)
		}
	}
	blocked := hit("10.1.1.1:5001", "")
	if blocked.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", blocked.Code)
	}
	if blocked.Header().Get("Retry-After") != "1" {
		t.Fatalf("unexpected Retry-After %q", blocked.Header().Get("Retry-After"))
	}
	var body struct {
		Error     string `json:"error"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(blocked.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error != "rate limit exceeded" || body.RequestID != blocked.Header().Get(requestIDHeader) {
		t.Fatalf("unexpected body: %+v", body)
	}

	if rr := hit("10.1.1.1:5002", "192.0.2.9, 10.1.1.1"); rr.Code != http.StatusOK {
		t.Fatalf("forwarded client should have its own bucket, got %d", rr.Code)
	}
}

func TestRequestIDReplacesOversizedValue(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFrom(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, strings.Repeat("x", 200))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if len(seen) != 36 || rr.Header().Get(requestIDHeader) != seen {
		t.Fatalf("expected a generated uuid, got %q (header %q)", seen, rr.Header().Get(requestIDHeader))
	}
}

func TestLoggingJSONCanonicalRoomPath(t *testing.T) {
	logger := obs.Logger()
	orig := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(orig)

	handler := RequestID(LoggingJSON(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})))
	req := httptest.NewRequest(http.MethodGet, "/v1/rooms/table-42", nil)
	req.Header.Set(requestIDHeader, "req-log")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "request_complete" || entry["request_id"] != "req-log" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["path"] != "/v1/rooms/:room" || entry["status"] != float64(http.StatusNotFound) {
		t.Fatalf("unexpected path/status: %v %v", entry["path"], entry["status"])
	}
}

func TestSecurityHeadersLockDownResponses(t *testing.T) {
	rr := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/info", nil))

	want := map[string]string{
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"Referrer-Policy":         "no-referrer",
	}
	for k, v := range want {
		if got := rr.Header().Get(k); got != v {
			t.Fatalf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestCORSPreflightAllowsBearerHeaders(t *testing.T) {
	called := false
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/auth/logout", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent || called {
		t.Fatalf("preflight should short-circuit with 204, got %d (called=%v)", rr.Code, called)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("local origin should be echoed")
	}
	allowed := rr.Header().Get("Access-Control-Allow-Headers")
	for _, h := range []string{"Authorization", "X-Request-ID"} {
		if !strings.Contains(allowed, h) {
			t.Fatalf("allowed headers %q missing %s", allowed, h)
		}
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("foreign origin must not be allowed")
	}
}

func TestMaxBodyBytesRejectsLargeLogoutBody(t *testing.T) {
	var readErr error
	handler := MaxBodyBytes(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}), 16)

	body := strings.NewReader(`{"refresh_token":"` + strings.Repeat("a", 64) + `"}`)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/auth/logout", body))
	if readErr == nil {
		t.Fatalf("expected read error past the limit")
	}
	var tooLarge *http.MaxBytesError
	if !errors.As(readErr, &tooLarge) || tooLarge.Limit != 16 {
		t.Fatalf("expected MaxBytesError(16), got %v", readErr)
	}
}

func TestHijackPassesThroughMiddleware(t *testing.T) {
	var hijacked bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("writer does not implement http.Hijacker")
			return
		}
		conn, _, err := h.Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		hijacked = true
		_ = conn.Close()
	})
	srv := httptest.NewServer(RequestID(LoggingJSON(SecurityHeaders(obs.Instrument(inner)))))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws/game/7")
	if err == nil {
		resp.Body.Close()
	}
	if !hijacked {
		t.Fatalf("expected handler to hijack the connection")
	}
}
