// Package server wires the Drydock components together and runs the two
// listeners: the chat webhook surface and the credential-exchange proxy.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/slack-go/slack"
	"golang.org/x/sync/errgroup"

	"github.com/drydock-dev/drydock/internal/bootstrap"
	"github.com/drydock-dev/drydock/internal/broker"
	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/dedup"
	"github.com/drydock-dev/drydock/internal/eventbus"
	ghProvider "github.com/drydock-dev/drydock/internal/gitprovider/github"
	"github.com/drydock-dev/drydock/internal/proxy"
	"github.com/drydock-dev/drydock/internal/slackbot"
	"github.com/drydock-dev/drydock/internal/store"
	"github.com/drydock-dev/drydock/internal/turn"
	"github.com/drydock-dev/drydock/pkg/sandbox"
	dockerSandbox "github.com/drydock-dev/drydock/sandbox/docker"
)

// Server is a fully wired Drydock application.
type Server struct {
	config    *config.Config
	store     *store.Store
	runtime   sandbox.Runtime
	broker    *broker.Broker
	bootstrap *bootstrap.Bootstrapper
	executor  *turn.Executor
	bus       *eventbus.Bus
	proxy     *proxy.Proxy
	bot       *slackbot.Bot
}

// New composes a Server from configuration.
func New(cfg *config.Config) (*Server, error) {
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	runtime := dockerSandbox.New()

	var git bootstrap.GitProvider
	if cfg.GitHubToken != "" {
		git = ghProvider.NewClient(cfg.GitHubToken)
	}

	brk := broker.New(broker.Config{
		Image:        cfg.SandboxImage,
		Workdir:      cfg.SandboxWorkdir,
		IdleTimeout:  cfg.IdleTimeout,
		MaxLifetime:  cfg.MaxLifetime,
		ProxyBaseURL: cfg.ProxyBaseURL,
		DataRoot:     cfg.SandboxDataRoot,
	}, runtime, st)

	boot := bootstrap.New(bootstrap.Config{
		Repo:           cfg.Repo,
		DeployKey:      cfg.DeployKey(),
		InstallCommand: cfg.InstallCommand,
	}, runtime, git)

	exec := turn.New(turn.Config{AgentCommand: cfg.AgentArgv()}, runtime, st)

	px, err := proxy.New(proxy.Config{
		UpstreamURL:   cfg.AnthropicUpstreamURL,
		APIKey:        cfg.AnthropicAPIKey,
		MaxConcurrent: cfg.MaxConcurrent,
	}, runtime)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("initializing proxy: %w", err)
	}

	bus := eventbus.New()

	s := &Server{
		config:    cfg,
		store:     st,
		runtime:   runtime,
		broker:    brk,
		bootstrap: boot,
		executor:  exec,
		bus:       bus,
		proxy:     px,
	}
	s.bot = slackbot.New(
		slack.New(cfg.SlackBotToken),
		cfg.SlackSigningSecret,
		dedup.New(cfg.DedupCapacity),
		bus,
		s,
	)
	return s, nil
}

// RunTurn drives one full agent turn for an inbound message: resolve the
// session's sandbox, bring it to a ready state, run the agent, and publish
// every classified fragment to the session's event feed. A done event is
// always published last, on every path.
func (s *Server) RunTurn(ctx context.Context, msg slackbot.InboundMessage) {
	identity := broker.Identity(msg.TeamID, msg.ThreadTS)
	turnID := uuid.NewString()[:8]
	log.Printf("server: turn %s start session=%s", turnID, identity)
	defer s.bus.Publish(identity, eventbus.TypeDone, "")

	sess, created, err := s.broker.ResolveOrCreate(ctx, identity)
	if err != nil {
		log.Printf("server: turn %s resolving session %s: %v", turnID, identity, err)
		s.bus.Publish(identity, eventbus.TypeError, "Could not start a sandbox for this thread.")
		return
	}
	if created {
		s.bus.Publish(identity, eventbus.TypeStatus, "New sandbox")
	} else {
		s.bus.Publish(identity, eventbus.TypeStatus, "Reusing sandbox")
	}

	s.setState(identity, store.StateBootstrapping)
	s.bootstrap.EnsureReady(ctx, sess)

	s.setState(identity, store.StateExecuting)
	s.bus.Publish(identity, eventbus.TypeStatus, "Running agent")

	frags, err := s.executor.Run(ctx, sess, msg.Text, &turn.Correlation{
		Channel: msg.Channel,
		Thread:  msg.ThreadTS,
	})
	if err != nil {
		log.Printf("server: turn %s starting agent for %s: %v", turnID, identity, err)
		s.bus.Publish(identity, eventbus.TypeError, "Could not start the agent.")
		s.setState(identity, store.StateReady)
		return
	}

	for frag := range frags {
		switch frag.Type {
		case turn.FragmentResponse:
			s.bus.Publish(identity, eventbus.TypeOutput, frag.Text)
		case turn.FragmentError:
			s.bus.Publish(identity, eventbus.TypeError, frag.Text)
		}
	}

	s.setState(identity, store.StateReady)
	log.Printf("server: turn %s done", turnID)
}

func (s *Server) setState(identity string, state store.State) {
	if err := s.store.SetState(identity, state); err != nil {
		log.Printf("server: setting state %s for %s: %v", state, identity, err)
	}
}

// webhookRouter builds the chat-facing HTTP surface.
func (s *Server) webhookRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Throttle(s.config.MaxConcurrent))

	r.Post("/slack/events", s.bot.HandleEvents)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/sessions", s.handleListSessions)

	return r
}

// handleListSessions is a small operator endpoint for inspecting live state.
func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := s.store.List()
	if err != nil {
		http.Error(w, "listing sessions", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	for _, sess := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			sess.Identity, sess.State, sess.SandboxID, sess.UpdatedAt.Format(time.RFC3339))
	}
}

// Run starts both listeners and blocks until ctx is done or one fails.
func (s *Server) Run(ctx context.Context) error {
	webhookSrv := &http.Server{
		Addr:    s.config.WebhookAddr,
		Handler: s.webhookRouter(),
	}
	proxySrv := &http.Server{
		Addr:    s.config.ProxyAddr,
		Handler: s.proxy.Handler(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("webhook server listening on %s", s.config.WebhookAddr)
		if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Printf("proxy listening on %s", s.config.ProxyAddr)
		if err := proxySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		webhookSrv.Shutdown(shutdownCtx)
		proxySrv.Shutdown(shutdownCtx)
		return nil
	})

	err := g.Wait()
	if cerr := s.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
