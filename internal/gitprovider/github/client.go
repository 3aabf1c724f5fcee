// Package github provides GitHub API integration for the bootstrap layer.
package github

import (
	"context"
	"fmt"
	"strings"

	gogh "github.com/google/go-github/v68/github"
)

// Client wraps the GitHub API for repository metadata lookups.
type Client struct {
	gh    *gogh.Client
	token string
}

// NewClient creates a GitHub client authenticated with the given token.
// An empty token yields an unauthenticated client (public repos only).
func NewClient(token string) *Client {
	gh := gogh.NewClient(nil)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	return &Client{gh: gh, token: token}
}

// GetDefaultBranch returns the default branch for a repository.
func (c *Client) GetDefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return "", err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}

	return r.GetDefaultBranch(), nil
}

// CloneURL returns the URL the sandbox should clone from. With a token the
// URL embeds it for non-interactive HTTPS clones; without one the SSH form
// is returned so the deploy key installed by the bootstrap layer is used.
func (c *Client) CloneURL(repoFullName string) (string, error) {
	owner, repo, err := splitRepo(repoFullName)
	if err != nil {
		return "", err
	}
	if c.token != "" {
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", c.token, owner, repo), nil
	}
	return fmt.Sprintf("git@github.com:%s/%s.git", owner, repo), nil
}

// splitRepo splits "owner/repo" into its parts.
func splitRepo(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q (want owner/repo)", fullName)
	}
	return parts[0], parts[1], nil
}
