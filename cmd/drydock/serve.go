package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/server"
	"github.com/drydock-dev/drydock/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the webhook and proxy servers",
	Long: `Start the Drydock server: the chat webhook listener and the
credential-exchange proxy that sandboxes call instead of the real API.`,
	RunE: runServe,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List known sessions",
	RunE:  runSessions,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (run: drydock config setup)", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "IDENTITY\tSTATE\tSANDBOX\tUPDATED")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			sess.Identity, sess.State, sess.SandboxID, sess.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
