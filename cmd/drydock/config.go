package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// configKey describes a single configuration value.
type configKey struct {
	Key      string
	Desc     string
	Required bool
	Secret   bool
	Prefix   string // expected prefix for validation (e.g. "xoxb-"), empty = no check
}

// allConfigKeys lists every configurable value in display order.
var allConfigKeys = []configKey{
	{"SLACK_BOT_TOKEN", "Slack Bot User OAuth Token (xoxb-...)", true, true, "xoxb-"},
	{"SLACK_SIGNING_SECRET", "Slack app signing secret", true, true, ""},
	{"ANTHROPIC_API_KEY", "Anthropic API key (held server-side only)", true, true, "sk-ant-"},
	{"GITHUB_TOKEN", "GitHub personal access token (repo scope)", false, true, ""},
	{"DRYDOCK_REPO", "Repository cloned into sandboxes (owner/repo)", false, false, ""},
	{"DRYDOCK_DEPLOY_KEY_FILE", "Path to SSH deploy key for private repos", false, false, ""},
	{"DRYDOCK_INSTALL_COMMAND", "Dependency install command after first clone", false, false, ""},
	{"DRYDOCK_SANDBOX_IMAGE", "Sandbox Docker image", false, false, ""},
	{"DRYDOCK_PROXY_BASE_URL", "URL sandboxes use to reach the proxy", false, false, ""},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Drydock configuration",
	Long: `Manage Drydock configuration (tokens, API keys, etc.).

Configuration is stored in ~/.drydock/config.env and can be overridden
by environment variables.

  drydock config setup                Write required values from flags
  drydock config set KEY VALUE        Set a single config value
  drydock config show                 Show current configuration
  drydock config path                 Print config file path`,
}

var (
	setupSlackBotToken string
	setupSigningSecret string
	setupAnthropicKey  string
	setupGitHubToken   string
	setupRepo          string
)

var configSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Write required configuration from flags",
	Long: `Write the required tokens to the config file in one step:

  drydock config setup --slack-bot-token=xoxb-... --signing-secret=... \
      --anthropic-key=sk-ant-... --repo=owner/repo`,
	RunE: runConfigSetup,
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set a config value",
	Long: `Set a single configuration value. Example:
  drydock config set DRYDOCK_REPO myorg/myapp`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display all configured values. Secrets are masked.",
	RunE:  runConfigShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print config file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(configFilePath())
		return nil
	},
}

func init() {
	configSetupCmd.Flags().StringVar(&setupSlackBotToken, "slack-bot-token", "", "Slack Bot User OAuth Token (xoxb-...)")
	configSetupCmd.Flags().StringVar(&setupSigningSecret, "signing-secret", "", "Slack app signing secret")
	configSetupCmd.Flags().StringVar(&setupAnthropicKey, "anthropic-key", "", "Anthropic API key")
	configSetupCmd.Flags().StringVar(&setupGitHubToken, "github-token", "", "GitHub token (optional)")
	configSetupCmd.Flags().StringVar(&setupRepo, "repo", "", "Default repository (owner/repo)")

	configCmd.AddCommand(configSetupCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// ---------------------------------------------------------------------------
// Config file helpers
// ---------------------------------------------------------------------------

// configFilePath returns ~/.drydock/config.env.
func configFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".drydock", "config.env")
	}
	return filepath.Join(home, ".drydock", "config.env")
}

// loadConfigFile reads key=value pairs from the config file.
func loadConfigFile() (map[string]string, error) {
	values := make(map[string]string)
	path := configFilePath()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return values, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			values[parts[0]] = parts[1]
		}
	}
	return values, scanner.Err()
}

// saveConfigFile writes key=value pairs to the config file.
func saveConfigFile(values map[string]string) error {
	path := configFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening config file: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# Drydock configuration")
	fmt.Fprintln(f, "# Managed by: drydock config")
	fmt.Fprintln(f, "# Environment variables override these values.")
	fmt.Fprintln(f)

	// Write in a stable order: known keys first, then any extras.
	written := make(map[string]bool)
	for _, ck := range allConfigKeys {
		if v, ok := values[ck.Key]; ok && v != "" {
			fmt.Fprintf(f, "%s=%s\n", ck.Key, v)
			written[ck.Key] = true
		}
	}

	var extras []string
	for k := range values {
		if !written[k] && values[k] != "" {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	for _, k := range extras {
		fmt.Fprintf(f, "%s=%s\n", k, values[k])
	}

	return nil
}

// effectiveValue returns the current value for a key, preferring env vars over config file.
func effectiveValue(key string, fileValues map[string]string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValues[key]
}

// maskSecret masks a secret string, showing only the first 4 and last 4 characters.
func maskSecret(s string) string {
	if len(s) <= 12 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// ---------------------------------------------------------------------------
// config setup / set / show
// ---------------------------------------------------------------------------

func runConfigSetup(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	set := func(key, value, prefix string) error {
		if value == "" {
			return nil
		}
		if prefix != "" && !strings.HasPrefix(value, prefix) {
			return fmt.Errorf("%s should start with %q", key, prefix)
		}
		fileValues[key] = value
		return nil
	}

	for _, s := range []struct{ key, value, prefix string }{
		{"SLACK_BOT_TOKEN", setupSlackBotToken, "xoxb-"},
		{"SLACK_SIGNING_SECRET", setupSigningSecret, ""},
		{"ANTHROPIC_API_KEY", setupAnthropicKey, "sk-ant-"},
		{"GITHUB_TOKEN", setupGitHubToken, ""},
		{"DRYDOCK_REPO", setupRepo, ""},
	} {
		if err := set(s.key, s.value, s.prefix); err != nil {
			return err
		}
	}

	if setupRepo != "" && (!strings.Contains(setupRepo, "/") || strings.HasPrefix(setupRepo, "/")) {
		return fmt.Errorf("--repo expects owner/repo format, got %q", setupRepo)
	}

	var missing []string
	for _, ck := range allConfigKeys {
		if ck.Required && effectiveValue(ck.Key, fileValues) == "" {
			missing = append(missing, ck.Key)
		}
	}

	if err := saveConfigFile(fileValues); err != nil {
		return err
	}

	fmt.Printf("Config written to %s\n", configFilePath())
	if len(missing) > 0 {
		fmt.Printf("Still missing: %s\n", strings.Join(missing, ", "))
	}
	return nil
}

// runConfigSet sets a single key=value in the config file.
func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fileValues[key] = value

	if err := saveConfigFile(fileValues); err != nil {
		return err
	}

	isSecret := false
	for _, ck := range allConfigKeys {
		if ck.Key == key && ck.Secret {
			isSecret = true
			break
		}
	}

	if isSecret {
		fmt.Printf("Set %s = %s\n", key, maskSecret(value))
	} else {
		fmt.Printf("Set %s = %s\n", key, value)
	}
	return nil
}

// runConfigShow displays the current effective configuration.
func runConfigShow(cmd *cobra.Command, args []string) error {
	fileValues, err := loadConfigFile()
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	fmt.Printf("Config file: %s\n\n", configFilePath())

	for _, ck := range allConfigKeys {
		value := effectiveValue(ck.Key, fileValues)
		source := ""
		if os.Getenv(ck.Key) != "" {
			source = " (from env)"
		} else if fileValues[ck.Key] != "" {
			source = " (from config file)"
		}

		display := "(not set)"
		if value != "" {
			if ck.Secret {
				display = maskSecret(value)
			} else {
				display = value
			}
		}

		reqTag := ""
		if ck.Required {
			reqTag = " *"
		}

		fmt.Printf("  %-26s %s%s\n", ck.Key+reqTag, display, source)
	}

	fmt.Println("\n  * = required")
	return nil
}
