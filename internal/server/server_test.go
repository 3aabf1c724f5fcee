package server

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/drydock-dev/drydock/internal/bootstrap"
	"github.com/drydock-dev/drydock/internal/broker"
	"github.com/drydock-dev/drydock/internal/config"
	"github.com/drydock-dev/drydock/internal/eventbus"
	"github.com/drydock-dev/drydock/internal/slackbot"
	"github.com/drydock-dev/drydock/internal/store"
	"github.com/drydock-dev/drydock/internal/turn"
	"github.com/drydock-dev/drydock/pkg/sandbox"
)

type stubScanner struct {
	lines []string
	pos   int
}

func (s *stubScanner) Scan() bool {
	if s.pos >= len(s.lines) {
		return false
	}
	s.pos++
	return true
}
func (s *stubScanner) Text() string { return s.lines[s.pos-1] }
func (s *stubScanner) Err() error   { return nil }

type stubProcess struct {
	stdout   []string
	stderr   []string
	exitCode int
}

func (p *stubProcess) Stdout() sandbox.LineScanner { return &stubScanner{lines: p.stdout} }
func (p *stubProcess) StderrLines() []string       { return p.stderr }
func (p *stubProcess) Wait() (int, error)          { return p.exitCode, nil }

// fakeRuntime serves one pre-existing sandbox and scripts the agent process.
type fakeRuntime struct {
	handle *sandbox.Handle
	proc   *stubProcess
}

func (f *fakeRuntime) Create(_ context.Context, opts sandbox.CreateOptions) (*sandbox.Handle, error) {
	if f.handle != nil {
		return nil, sandbox.ErrAlreadyExists
	}
	f.handle = &sandbox.Handle{ID: "sb-new", Name: opts.Name}
	return f.handle, nil
}
func (f *fakeRuntime) FromName(_ context.Context, _ string) (*sandbox.Handle, error) {
	if f.handle == nil {
		return nil, sandbox.ErrNotFound
	}
	return f.handle, nil
}
func (f *fakeRuntime) FromID(_ context.Context, _ string) (*sandbox.Handle, error) {
	if f.handle == nil {
		return nil, sandbox.ErrNotFound
	}
	return f.handle, nil
}
func (f *fakeRuntime) IsRunning(_ context.Context, _ string) bool { return f.handle != nil }
func (f *fakeRuntime) Exec(_ context.Context, _ string, _ []string) (sandbox.Process, error) {
	return f.proc, nil
}
func (f *fakeRuntime) ExecCollect(_ context.Context, _ string, _ []string) (string, error) {
	return "", nil
}
func (f *fakeRuntime) Stop(_ context.Context, _ string) error { return nil }

func testServer(t *testing.T, rt *fakeRuntime) *Server {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	return &Server{
		config:    &config.Config{MaxConcurrent: 10},
		store:     st,
		runtime:   rt,
		broker:    broker.New(broker.Config{Image: "img"}, rt, st),
		bootstrap: bootstrap.New(bootstrap.Config{}, rt, nil),
		executor:  turn.New(turn.Config{}, rt, st),
		bus:       eventbus.New(),
	}
}

func drain(ch chan *eventbus.Event) []*eventbus.Event {
	var events []*eventbus.Event
	for event := range ch {
		events = append(events, event)
		if event.Type == eventbus.TypeDone {
			return events
		}
	}
	return events
}

func TestRunTurn_PublishesLifecycle(t *testing.T) {
	rt := &fakeRuntime{proc: &stubProcess{
		stdout:   []string{"[LOG] starting", "all fixed"},
		exitCode: 0,
	}}
	s := testServer(t, rt)

	msg := slackbot.InboundMessage{TeamID: "T1", Channel: "C1", ThreadTS: "100.001", Text: "fix it"}
	identity := broker.Identity(msg.TeamID, msg.ThreadTS)

	ch := s.bus.Subscribe(identity)
	s.RunTurn(context.Background(), msg)
	events := drain(ch)

	var types []string
	var outputs []string
	for _, e := range events {
		types = append(types, e.Type)
		if e.Type == eventbus.TypeOutput {
			outputs = append(outputs, e.Data)
		}
	}

	if types[0] != eventbus.TypeStatus || events[0].Data != "New sandbox" {
		t.Fatalf("first event should announce the new sandbox: %+v", events[0])
	}
	if len(outputs) != 1 || outputs[0] != "all fixed" {
		t.Fatalf("unexpected outputs: %v", outputs)
	}
	if types[len(types)-1] != eventbus.TypeDone {
		t.Fatalf("last event should be done: %v", types)
	}

	sess, err := s.store.Get(identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State != store.StateReady {
		t.Fatalf("session state = %q, want ready", sess.State)
	}
}

func TestRunTurn_ReusesExistingSandbox(t *testing.T) {
	rt := &fakeRuntime{
		handle: &sandbox.Handle{ID: "sb-1", Name: "drydock-T1-100-001"},
		proc:   &stubProcess{exitCode: 0},
	}
	s := testServer(t, rt)

	msg := slackbot.InboundMessage{TeamID: "T1", Channel: "C1", ThreadTS: "100.001", Text: "again"}
	ch := s.bus.Subscribe(broker.Identity(msg.TeamID, msg.ThreadTS))
	s.RunTurn(context.Background(), msg)
	events := drain(ch)

	if events[0].Type != eventbus.TypeStatus || events[0].Data != "Reusing sandbox" {
		t.Fatalf("first event should announce reuse: %+v", events[0])
	}
}

func TestRunTurn_FailedTurnPublishesError(t *testing.T) {
	rt := &fakeRuntime{proc: &stubProcess{
		stderr:   []string{"agent crashed"},
		exitCode: 1,
	}}
	s := testServer(t, rt)

	msg := slackbot.InboundMessage{TeamID: "T1", Channel: "C1", ThreadTS: "100.001", Text: "fix it"}
	identity := broker.Identity(msg.TeamID, msg.ThreadTS)
	ch := s.bus.Subscribe(identity)
	s.RunTurn(context.Background(), msg)
	events := drain(ch)

	var sawError bool
	for _, e := range events {
		if e.Type == eventbus.TypeError && strings.Contains(e.Data, "agent crashed") {
			sawError = true
		}
	}
	if !sawError {
		t.Fatalf("no error event for failed turn: %+v", events)
	}

	// A failed turn still leaves the session ready for the next message.
	sess, err := s.store.Get(identity)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess.State != store.StateReady {
		t.Fatalf("session state = %q, want ready", sess.State)
	}
}
