package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/drydock-dev/drydock/pkg/sandbox"
)

// fakeLiveness resolves a fixed set of live sandbox ids.
type fakeLiveness struct {
	live map[string]bool
}

func (f *fakeLiveness) FromID(_ context.Context, id string) (*sandbox.Handle, error) {
	if f.live[id] {
		return &sandbox.Handle{ID: id}, nil
	}
	return nil, sandbox.ErrNotFound
}

// upstreamRecord captures what the fake upstream saw.
type upstreamRecord struct {
	calls      int
	apiKey     string
	method     string
	path       string
	query      string
	body       string
	hostHeader string
}

func testProxy(t *testing.T, live ...string) (*Proxy, *upstreamRecord) {
	t.Helper()

	rec := &upstreamRecord{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.calls++
		rec.apiKey = r.Header.Get(CredentialHeader)
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		rec.body = string(body)
		rec.hostHeader = r.Header.Get("X-Forwarded-Host")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(upstream.Close)

	liveness := &fakeLiveness{live: make(map[string]bool)}
	for _, id := range live {
		liveness.live[id] = true
	}

	p, err := New(Config{
		UpstreamURL: upstream.URL,
		APIKey:      "sk-real-secret",
	}, liveness)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, rec
}

func TestForward_LiveSandbox(t *testing.T) {
	p, rec := testProxy(t, "sb-live")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages?beta=true", strings.NewReader(`{"model":"x"}`))
	req.Header.Set(CredentialHeader, "sb-live")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	p.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"ok":true}` {
		t.Fatalf("body not passed through: %q", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type not passed through: %q", ct)
	}
	if rec.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", rec.calls)
	}
	// The upstream must see the real secret, never the caller's token.
	if rec.apiKey != "sk-real-secret" {
		t.Fatalf("upstream saw credential %q, want real secret", rec.apiKey)
	}
	if rec.method != http.MethodPost || rec.path != "/v1/messages" || rec.query != "beta=true" {
		t.Fatalf("request not forwarded verbatim: %s %s?%s", rec.method, rec.path, rec.query)
	}
	if rec.body != `{"model":"x"}` {
		t.Fatalf("body not forwarded verbatim: %q", rec.body)
	}
}

func TestForward_UnknownSandbox(t *testing.T) {
	p, rec := testProxy(t, "sb-live")

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set(CredentialHeader, "sb-unknown")
	w := httptest.NewRecorder()

	p.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if rec.calls != 0 {
		t.Fatalf("upstream contacted %d times for an invalid credential", rec.calls)
	}
}

func TestForward_MissingCredential(t *testing.T) {
	p, rec := testProxy(t, "sb-live")

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()

	p.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if rec.calls != 0 {
		t.Fatalf("upstream contacted %d times without a credential", rec.calls)
	}
}

func TestForward_RevokedOnReclaim(t *testing.T) {
	liveness := &fakeLiveness{live: map[string]bool{"sb-1": true}}
	upstreamCalls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalls++
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)

	p, err := New(Config{UpstreamURL: upstream.URL, APIKey: "sk"}, liveness)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	do := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.Header.Set(CredentialHeader, "sb-1")
		w := httptest.NewRecorder()
		p.Handler().ServeHTTP(w, req)
		return w.Code
	}

	if code := do(); code != http.StatusOK {
		t.Fatalf("expected 200 while live, got %d", code)
	}

	// Sandbox reclaimed: the same token now fails closed, with no explicit
	// revocation step.
	liveness.live["sb-1"] = false
	if code := do(); code != http.StatusForbidden {
		t.Fatalf("expected 403 after reclaim, got %d", code)
	}
	if upstreamCalls != 1 {
		t.Fatalf("expected 1 upstream call total, got %d", upstreamCalls)
	}
}

func TestNew_InvalidUpstream(t *testing.T) {
	if _, err := New(Config{UpstreamURL: "not a url"}, &fakeLiveness{}); err == nil {
		t.Fatal("expected error for invalid upstream URL")
	}
}
