// Package broker resolves conversation identities to sandboxes.
//
// The broker is the only component that creates sandboxes. Creation is an
// idempotent upsert built on the platform's create-or-fail primitive: a
// concurrent duplicate create is re-resolved by name, never surfaced as an
// error. The broker does not serialize turns on a session; per-thread usage
// is assumed to be human-paced.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/drydock-dev/drydock/internal/store"
	"github.com/drydock-dev/drydock/pkg/sandbox"
)

// Config holds broker-specific configuration.
type Config struct {
	// Image is the sandbox image to create sessions from.
	Image string

	// Workdir is the initial working directory inside new sandboxes.
	Workdir string

	// IdleTimeout and MaxLifetime are passed through to sandbox creation;
	// the platform enforces them.
	IdleTimeout time.Duration
	MaxLifetime time.Duration

	// ProxyBaseURL is injected as the upstream API base URL so agent
	// processes in the sandbox call the credential-exchange proxy instead
	// of the real API.
	ProxyBaseURL string

	// DataRoot is the volume mount where per-session data directories live.
	DataRoot string

	// ExtraEnv is appended to every sandbox's environment.
	ExtraEnv []string
}

// Session is a broker-resolved live session.
type Session struct {
	Identity string
	Sandbox  *sandbox.Handle
	DataDir  string
}

// Broker maps conversation identities to sandboxes.
type Broker struct {
	config  Config
	runtime sandbox.Runtime
	store   *store.Store
}

// New creates a Broker.
func New(cfg Config, rt sandbox.Runtime, st *store.Store) *Broker {
	if cfg.DataRoot == "" {
		cfg.DataRoot = "/workspace"
	}
	return &Broker{config: cfg, runtime: rt, store: st}
}

// Identity derives the deterministic session key for a conversation thread.
// Dots are replaced because thread timestamps contain them and sandbox names
// must stay within the platform's name alphabet.
func Identity(tenant, thread string) string {
	return strings.ReplaceAll(fmt.Sprintf("drydock-%s-%s", tenant, thread), ".", "-")
}

// ResolveOrCreate returns the live sandbox for an identity, creating one if
// absent. The second return reports whether this call created the sandbox;
// under concurrent calls for one identity exactly one caller observes true.
func (b *Broker) ResolveOrCreate(ctx context.Context, identity string) (*Session, bool, error) {
	dataDir := path.Join(b.config.DataRoot, identity)

	if h, err := b.runtime.FromName(ctx, identity); err == nil {
		log.Printf("broker: reusing sandbox %s for %s", h.ID, identity)
		if err := b.store.BindSandbox(identity, h.ID, dataDir); err != nil {
			log.Printf("broker: persisting session %s: %v", identity, err)
		}
		return &Session{Identity: identity, Sandbox: h, DataDir: dataDir}, false, nil
	} else if !errors.Is(err, sandbox.ErrNotFound) {
		return nil, false, fmt.Errorf("resolving sandbox %s: %w", identity, err)
	}

	log.Printf("broker: creating sandbox for %s", identity)
	h, err := b.runtime.Create(ctx, sandbox.CreateOptions{
		Name:        identity,
		Image:       b.config.Image,
		Workdir:     b.config.Workdir,
		Env:         b.sandboxEnv(identity),
		IdleTimeout: b.config.IdleTimeout,
		MaxLifetime: b.config.MaxLifetime,
	})
	switch {
	case err == nil:
		// BindSandbox clears any continuation token minted under a previous
		// sandbox for this identity.
		if err := b.store.BindSandbox(identity, h.ID, dataDir); err != nil {
			log.Printf("broker: persisting session %s: %v", identity, err)
		}
		return &Session{Identity: identity, Sandbox: h, DataDir: dataDir}, true, nil

	case errors.Is(err, sandbox.ErrAlreadyExists):
		// Another caller won the create race. Normal outcome: re-resolve.
		log.Printf("broker: sandbox %s created concurrently, reusing", identity)
		h, err := b.runtime.FromName(ctx, identity)
		if err != nil {
			return nil, false, fmt.Errorf("re-resolving sandbox %s after duplicate create: %w", identity, err)
		}
		if err := b.store.BindSandbox(identity, h.ID, dataDir); err != nil {
			log.Printf("broker: persisting session %s: %v", identity, err)
		}
		return &Session{Identity: identity, Sandbox: h, DataDir: dataDir}, false, nil

	default:
		return nil, false, fmt.Errorf("creating sandbox %s: %w", identity, err)
	}
}

// sandboxEnv builds the environment for a new sandbox: the proxy override,
// the session-scoped credential dir, and any configured extras.
func (b *Broker) sandboxEnv(identity string) []string {
	env := make([]string, 0, len(b.config.ExtraEnv)+2)
	env = append(env, b.config.ExtraEnv...)
	if b.config.ProxyBaseURL != "" {
		env = append(env, "ANTHROPIC_BASE_URL="+b.config.ProxyBaseURL)
	}
	env = append(env, "CLAUDE_CONFIG_DIR="+path.Join(b.config.DataRoot, identity, "claude-config"))
	return env
}
