// Drydock
//
// Bridges chat threads to ephemeral coding-agent sandboxes. Mention the bot
// in a thread and the thread gets its own sandbox, its own working copy, and
// its own resumable agent conversation.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "drydock",
	Short: "Drydock - chat-driven coding agent sandboxes",
	Long: `Drydock bridges chat threads to ephemeral coding-agent sandboxes.
Mention the bot in a thread; each thread gets its own sandbox.

  drydock config setup    Set up tokens (first time)
  drydock serve           Start the webhook and proxy servers
  drydock sessions        List known sessions`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
