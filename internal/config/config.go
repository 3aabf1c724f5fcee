// Package config provides configuration management for Drydock.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the Drydock server.
type Config struct {
	// WebhookAddr is the address the chat webhook server listens on.
	WebhookAddr string

	// ProxyAddr is the address the credential-exchange proxy listens on.
	ProxyAddr string

	// ProxyBaseURL is the URL sandboxes use to reach the proxy. Injected into
	// every sandbox as its API base URL.
	ProxyBaseURL string

	// DataDir is the directory for persistent data (SQLite DB, etc.).
	DataDir string

	// DatabasePath is the full path to the SQLite database file.
	DatabasePath string

	// SlackBotToken is the Bot User OAuth Token (xoxb-...).
	SlackBotToken string

	// SlackSigningSecret verifies inbound webhook signatures.
	SlackSigningSecret string

	// AnthropicAPIKey is the real upstream secret. It is held only in this
	// process and never passed to sandboxes.
	AnthropicAPIKey string

	// AnthropicUpstreamURL is the fixed upstream the proxy forwards to.
	AnthropicUpstreamURL string

	// GitHubToken is the personal access token for GitHub API operations.
	GitHubToken string

	// Repo is the repository cloned into every sandbox ("owner/repo").
	Repo string

	// DeployKeyFile is a path to SSH key material installed into sandboxes
	// for private-repo access. Optional.
	DeployKeyFile string

	// InstallCommand runs once in the working copy after the first clone.
	InstallCommand string

	// SandboxImage is the base sandbox Docker image name.
	SandboxImage string

	// SandboxWorkdir is the initial working directory inside sandboxes.
	SandboxWorkdir string

	// SandboxDataRoot is the in-sandbox root for per-session data dirs.
	SandboxDataRoot string

	// AgentCommand is the agent entrypoint invoked inside sandboxes,
	// whitespace-separated.
	AgentCommand string

	// IdleTimeout is how long a sandbox stays alive without turns before the
	// platform reclaims it. Default: 5 minutes.
	IdleTimeout time.Duration

	// MaxLifetime is the hard cap on sandbox age. Default: 5 hours.
	MaxLifetime time.Duration

	// MaxConcurrent bounds in-flight webhook and proxy requests. Default: 100.
	MaxConcurrent int

	// DedupCapacity is how many inbound event ids are remembered. Default: 1000.
	DedupCapacity int
}

// Load creates a Config from the config file and environment variables.
// Values are resolved in order: environment variable > config file > default.
func Load() (*Config, error) {
	// Load config file (~/.drydock/config.env) into the environment.
	// Existing env vars take precedence (loadConfigFile only sets unset vars).
	loadConfigFile()

	dataDir := envOr("DRYDOCK_DATA_DIR", defaultDataDir())
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	cfg := &Config{
		WebhookAddr:  envOr("DRYDOCK_ADDR", ":7080"),
		ProxyAddr:    envOr("DRYDOCK_PROXY_ADDR", ":7081"),
		ProxyBaseURL: envOr("DRYDOCK_PROXY_BASE_URL", "http://host.docker.internal:7081"),
		DataDir:      dataDir,
		DatabasePath: filepath.Join(dataDir, "drydock.db"),

		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),

		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicUpstreamURL: envOr("DRYDOCK_UPSTREAM_URL", "https://api.anthropic.com"),

		GitHubToken:    os.Getenv("GITHUB_TOKEN"),
		Repo:           os.Getenv("DRYDOCK_REPO"),
		DeployKeyFile:  os.Getenv("DRYDOCK_DEPLOY_KEY_FILE"),
		InstallCommand: os.Getenv("DRYDOCK_INSTALL_COMMAND"),

		SandboxImage:    envOr("DRYDOCK_SANDBOX_IMAGE", "drydock-sandbox"),
		SandboxWorkdir:  envOr("DRYDOCK_SANDBOX_WORKDIR", "/app/repo"),
		SandboxDataRoot: envOr("DRYDOCK_SANDBOX_DATA_ROOT", "/workspace"),
		AgentCommand:    envOr("DRYDOCK_AGENT_COMMAND", "drydock-agent"),

		IdleTimeout:   envOrDuration("DRYDOCK_IDLE_TIMEOUT", 5*time.Minute),
		MaxLifetime:   envOrDuration("DRYDOCK_MAX_LIFETIME", 5*time.Hour),
		MaxConcurrent: envOrInt("DRYDOCK_MAX_CONCURRENT", 100),
		DedupCapacity: envOrInt("DRYDOCK_DEDUP_CAPACITY", 1000),
	}

	return cfg, nil
}

// loadConfigFile reads ~/.drydock/config.env and sets any values that are not
// already present in the environment. This ensures env vars always win.
func loadConfigFile() {
	path := filepath.Join(defaultDataDir(), "config.env")
	f, err := os.Open(path)
	if err != nil {
		return // file doesn't exist or can't be read, that's fine
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key, value := parts[0], parts[1]
		// Only set if not already in the environment.
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.SlackBotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if c.SlackSigningSecret == "" {
		return fmt.Errorf("SLACK_SIGNING_SECRET is required")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	return nil
}

// AgentArgv returns the agent entrypoint split into argv form.
func (c *Config) AgentArgv() []string {
	return strings.Fields(c.AgentCommand)
}

// DeployKey reads the configured deploy key material. Returns "" when no key
// file is configured or it cannot be read.
func (c *Config) DeployKey() string {
	if c.DeployKeyFile == "" {
		return ""
	}
	data, err := os.ReadFile(c.DeployKeyFile)
	if err != nil {
		return ""
	}
	return string(data)
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".drydock"
	}
	return filepath.Join(home, ".drydock")
}
