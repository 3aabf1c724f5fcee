// Package turn drives one bounded agent interaction inside a sandbox.
//
// The agent entrypoint writes three kinds of lines: diagnostic lines marked
// with the log prefix (operator-only), a session marker carrying the
// continuation token, and plain response lines for the user. The executor
// separates them while streaming so callers can deliver partial output
// before the turn finishes.
package turn

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/drydock-dev/drydock/internal/broker"
	"github.com/drydock-dev/drydock/internal/store"
	"github.com/drydock-dev/drydock/pkg/sandbox"
)

// LogMarker prefixes diagnostic lines on either output channel. Marked lines
// are routed to operator logs and never shown to the user.
const LogMarker = "[LOG]"

// SessionMarker prefixes the stdout line carrying the continuation token of
// a completed turn.
const SessionMarker = "###DRYDOCK_SESSION### "

// FragmentType classifies an emitted fragment.
type FragmentType string

const (
	// FragmentResponse is a user-visible line of agent output.
	FragmentResponse FragmentType = "response"
	// FragmentError is the single aggregated error emitted after a failed turn.
	FragmentError FragmentType = "error"
)

// Fragment is one classified unit of turn output.
type Fragment struct {
	Type FragmentType
	Text string
}

// Correlation addresses the optional side-channel progress feed.
type Correlation struct {
	Channel string
	Thread  string
}

// Config holds executor configuration.
type Config struct {
	// AgentCommand is the agent entrypoint argv inside the sandbox.
	AgentCommand []string
}

// Executor runs agent turns inside broker-resolved sandboxes.
type Executor struct {
	config  Config
	runtime sandbox.Runtime
	store   *store.Store
}

// New creates an Executor.
func New(cfg Config, rt sandbox.Runtime, st *store.Store) *Executor {
	if len(cfg.AgentCommand) == 0 {
		cfg.AgentCommand = []string{"drydock-agent"}
	}
	return &Executor{config: cfg, runtime: rt, store: st}
}

// Run starts one agent turn and returns a channel of classified fragments.
// The channel is closed when the process's output closes and it has been
// reaped; the executor imposes no timeout of its own. Response fragments
// arrive one line at a time while the agent is still running.
func (e *Executor) Run(ctx context.Context, sess *broker.Session, message string, corr *Correlation) (<-chan Fragment, error) {
	argv := append([]string(nil), e.config.AgentCommand...)
	argv = append(argv,
		"--message", message,
		"--session", sess.Identity,
		"--sandbox-id", sess.Sandbox.ID,
	)
	if corr != nil && corr.Channel != "" && corr.Thread != "" {
		argv = append(argv, "--channel", corr.Channel, "--thread", corr.Thread)
	}
	// A token minted under a previous sandbox is treated as absent by the
	// store, so a recreated session starts a fresh agent conversation.
	if token, ok := e.store.Continuation(sess.Identity, sess.Sandbox.ID); ok {
		argv = append(argv, "--resume", token)
	}

	proc, err := e.runtime.Exec(ctx, sess.Sandbox.ID, argv)
	if err != nil {
		return nil, fmt.Errorf("starting agent turn: %w", err)
	}

	out := make(chan Fragment)
	go e.stream(sess, proc, out)
	return out, nil
}

func (e *Executor) stream(sess *broker.Session, proc sandbox.Process, out chan<- Fragment) {
	defer close(out)

	var token string
	stdout := proc.Stdout()
	for stdout.Scan() {
		line := strings.TrimSpace(stdout.Text())
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, LogMarker):
			log.Printf("[%s] %s", sess.Identity, line)
		case strings.HasPrefix(line, SessionMarker):
			token = strings.TrimSpace(strings.TrimPrefix(line, SessionMarker))
		default:
			out <- Fragment{Type: FragmentResponse, Text: line}
		}
	}
	if err := stdout.Err(); err != nil {
		log.Printf("[%s] reading agent output: %v", sess.Identity, err)
	}

	exitCode, err := proc.Wait()
	if err != nil {
		log.Printf("[%s] reaping agent process: %v", sess.Identity, err)
	}
	log.Printf("[%s] agent exited with status %d", sess.Identity, exitCode)

	// Stderr carries diagnostics and real errors. Diagnostics are logged on
	// every exit path; the rest is surfaced to the user only on failure, as
	// one aggregated fragment.
	var errLines []string
	for _, line := range proc.StderrLines() {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, LogMarker) {
			log.Printf("[%s] %s", sess.Identity, line)
			continue
		}
		log.Printf("[%s] stderr: %s", sess.Identity, line)
		errLines = append(errLines, line)
	}

	if exitCode != 0 {
		if len(errLines) > 0 {
			out <- Fragment{Type: FragmentError, Text: strings.Join(errLines, "\n")}
		}
		return
	}

	if token != "" {
		if err := e.store.SetContinuation(sess.Identity, sess.Sandbox.ID, token); err != nil {
			log.Printf("[%s] persisting continuation token: %v", sess.Identity, err)
		}
	}
}
