// Package bootstrap ensures filesystem preconditions inside a sandbox.
//
// EnsureReady runs before every turn and every step is idempotent: the
// deploy key write and repo update are cheap no-ops once done, and a repo
// clone that failed last turn is simply retried since no failure state is
// persisted. Nothing here aborts a turn; a sandbox without a working copy
// can still answer questions that don't need one.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/drydock-dev/drydock/internal/broker"
	"github.com/drydock-dev/drydock/pkg/sandbox"
)

// deployKeyPath is where the private-repository access credential lives
// inside the sandbox.
const deployKeyPath = "/root/.ssh/id_ed25519"

// GitProvider resolves repository metadata for cloning. Satisfied by
// gitprovider/github.Client; may be nil when no token is configured.
type GitProvider interface {
	CloneURL(repoFullName string) (string, error)
	GetDefaultBranch(ctx context.Context, repoFullName string) (string, error)
}

// Config holds bootstrap configuration.
type Config struct {
	// Repo is the target repository as "owner/repo". Empty disables the
	// working-copy step.
	Repo string

	// RepoDir is where the working copy lives inside the sandbox.
	RepoDir string

	// DeployKey is the private-repo SSH key material. Empty is a warning,
	// not a failure: some turns don't need repository access.
	DeployKey string

	// InstallCommand runs once in RepoDir after the first successful clone
	// (dependency installation). Failures never abort the turn.
	InstallCommand string
}

// Bootstrapper prepares sandboxes for agent turns.
type Bootstrapper struct {
	config  Config
	runtime sandbox.Runtime
	git     GitProvider
}

// New creates a Bootstrapper. git may be nil.
func New(cfg Config, rt sandbox.Runtime, git GitProvider) *Bootstrapper {
	if cfg.RepoDir == "" {
		cfg.RepoDir = "/app/repo"
	}
	return &Bootstrapper{config: cfg, runtime: rt, git: git}
}

// EnsureReady brings a sandbox to a turn-ready state. Safe to call before
// every turn; all failures degrade to logged warnings.
func (b *Bootstrapper) EnsureReady(ctx context.Context, sess *broker.Session) {
	b.installDeployKey(ctx, sess)
	b.ensureWorkingCopy(ctx, sess)
	b.ensureDataDir(ctx, sess)
}

// installDeployKey writes the access credential with restrictive permissions.
func (b *Bootstrapper) installDeployKey(ctx context.Context, sess *broker.Session) {
	if b.config.DeployKey == "" {
		log.Printf("[%s] no deploy key configured, repository access may be limited", sess.Identity)
		return
	}

	cmd := fmt.Sprintf(
		"mkdir -p /root/.ssh && printf '%%s\\n' %s > %s && chmod 600 %s",
		shellQuote(b.config.DeployKey), deployKeyPath, deployKeyPath,
	)
	if _, err := b.runtime.ExecCollect(ctx, sess.Sandbox.ID, []string{"bash", "-c", cmd}); err != nil {
		log.Printf("[%s] installing deploy key: %v", sess.Identity, err)
	}
}

// ensureWorkingCopy clones the target repo if absent, fast-forwards it if
// present, and installs dependencies once after the first clone.
func (b *Bootstrapper) ensureWorkingCopy(ctx context.Context, sess *broker.Session) {
	if b.config.Repo == "" {
		return
	}

	checkCmd := fmt.Sprintf("test -d %s/.git", b.config.RepoDir)
	if _, err := b.runtime.ExecCollect(ctx, sess.Sandbox.ID, []string{"bash", "-c", checkCmd}); err == nil {
		pullCmd := fmt.Sprintf("cd %s && git pull --ff-only", b.config.RepoDir)
		if _, err := b.runtime.ExecCollect(ctx, sess.Sandbox.ID, []string{"bash", "-c", pullCmd}); err != nil {
			log.Printf("[%s] updating working copy: %v", sess.Identity, err)
		}
		return
	}

	cloneURL, branch := b.cloneTarget(ctx)
	if cloneURL == "" {
		return
	}

	log.Printf("[%s] cloning %s", sess.Identity, b.config.Repo)
	args := []string{"git", "clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, cloneURL, b.config.RepoDir)
	if _, err := b.runtime.ExecCollect(ctx, sess.Sandbox.ID, args); err != nil {
		// Retried automatically on the next turn; the turn itself proceeds.
		log.Printf("[%s] clone failed: %v", sess.Identity, err)
		return
	}

	if b.config.InstallCommand != "" {
		log.Printf("[%s] installing dependencies", sess.Identity)
		installCmd := fmt.Sprintf("cd %s && %s", b.config.RepoDir, b.config.InstallCommand)
		if _, err := b.runtime.ExecCollect(ctx, sess.Sandbox.ID, []string{"bash", "-c", installCmd}); err != nil {
			log.Printf("[%s] dependency install failed: %v", sess.Identity, err)
		}
	}
}

// cloneTarget resolves the clone URL and default branch, falling back to the
// SSH form when no provider is configured.
func (b *Bootstrapper) cloneTarget(ctx context.Context) (url, branch string) {
	if b.git == nil {
		return fmt.Sprintf("git@github.com:%s.git", b.config.Repo), ""
	}

	url, err := b.git.CloneURL(b.config.Repo)
	if err != nil {
		log.Printf("resolving clone URL for %s: %v", b.config.Repo, err)
		return "", ""
	}
	branch, err = b.git.GetDefaultBranch(ctx, b.config.Repo)
	if err != nil {
		// Clone the remote HEAD instead.
		branch = ""
	}
	return url, branch
}

// ensureDataDir creates the session-scoped data directory and the stable
// /data symlink the agent entrypoint expects.
func (b *Bootstrapper) ensureDataDir(ctx context.Context, sess *broker.Session) {
	if sess.DataDir == "" {
		return
	}
	cmd := fmt.Sprintf("mkdir -p %s && ln -sfn %s /data", sess.DataDir, sess.DataDir)
	if _, err := b.runtime.ExecCollect(ctx, sess.Sandbox.ID, []string{"bash", "-c", cmd}); err != nil {
		log.Printf("[%s] preparing data dir: %v", sess.Identity, err)
	}
}

// shellQuote wraps s in single quotes, escaping embedded ones.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
