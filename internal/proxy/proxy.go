// Package proxy implements the credential-exchange reverse proxy.
//
// Sandboxed agents are configured with their own sandbox id as the upstream
// API key. The proxy validates that id against live sandbox state and, only
// on success, substitutes the real secret and forwards the request to the
// fixed upstream host. The real key never enters any sandbox, and a
// reclaimed sandbox's credential stops resolving on its own: revocation
// needs no list.
package proxy

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drydock-dev/drydock/pkg/sandbox"
)

// CredentialHeader carries the caller's ephemeral credential inbound and the
// real secret outbound.
const CredentialHeader = "x-api-key"

// DefaultMaxConcurrent bounds in-flight proxied requests; one proxy instance
// serves every active sandbox.
const DefaultMaxConcurrent = 100

// Config holds proxy configuration.
type Config struct {
	// UpstreamURL is the fixed upstream API base, e.g. "https://api.anthropic.com".
	UpstreamURL string

	// APIKey is the real upstream secret. Held only in this process.
	APIKey string

	// MaxConcurrent bounds in-flight requests (DefaultMaxConcurrent if zero).
	MaxConcurrent int
}

// Liveness answers whether a sandbox id refers to a live sandbox. Satisfied
// by sandbox.Runtime.
type Liveness interface {
	FromID(ctx context.Context, id string) (*sandbox.Handle, error)
}

// Proxy is the stateless credential-exchange handler.
type Proxy struct {
	upstream *url.URL
	apiKey   string
	liveness Liveness
	client   *http.Client
	router   chi.Router
}

// New creates a Proxy forwarding to cfg.UpstreamURL.
func New(cfg Config, liveness Liveness) (*Proxy, error) {
	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream URL %q", cfg.UpstreamURL)
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	p := &Proxy{
		upstream: upstream,
		apiKey:   cfg.APIKey,
		liveness: liveness,
		client: &http.Client{
			// Long timeout: upstream responses stream for minutes.
			Timeout: 5 * time.Minute,
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Throttle(maxConcurrent))
	r.Handle("/*", http.HandlerFunc(p.forward))
	p.router = r

	return p, nil
}

// Handler returns the HTTP handler serving the proxy surface.
func (p *Proxy) Handler() http.Handler { return p.router }

// forward validates the caller's credential, exchanges it for the real
// secret, and relays the request to the upstream verbatim.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(CredentialHeader)
	if token == "" {
		deny(w, "missing credential")
		return
	}

	// The credential is valid precisely while the referenced sandbox is
	// live. Fail closed before any upstream contact.
	if _, err := p.liveness.FromID(r.Context(), token); err != nil {
		log.Printf("proxy: denied request for sandbox %q: %v", token, err)
		deny(w, "invalid sandbox credential")
		return
	}

	target := *p.upstream
	target.Path = singleJoiningSlash(p.upstream.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		http.Error(w, `{"error":"request_failed"}`, http.StatusInternalServerError)
		return
	}

	// Forward headers verbatim minus hop-by-hop ones; the credential header
	// is overwritten with the real secret.
	for key, values := range r.Header {
		switch strings.ToLower(key) {
		case "host", "content-length", CredentialHeader:
			continue
		}
		for _, v := range values {
			outReq.Header.Add(key, v)
		}
	}
	outReq.Header.Set(CredentialHeader, p.apiKey)

	resp, err := p.client.Do(outReq)
	if err != nil {
		log.Printf("proxy: upstream request failed: %v", err)
		http.Error(w, `{"error":"upstream_failed"}`, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Flush per chunk so SSE/streaming responses reach the sandbox live.
	if flusher, ok := w.(http.Flusher); ok {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				flusher.Flush()
			}
			if readErr != nil {
				return
			}
		}
	}
	io.Copy(w, resp.Body)
}

func deny(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	fmt.Fprintf(w, `{"error":"forbidden","message":%q}`, msg)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash && b != "":
		return a + "/" + b
	}
	return a + b
}
