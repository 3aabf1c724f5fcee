package slackbot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/drydock-dev/drydock/internal/broker"
	"github.com/drydock-dev/drydock/internal/dedup"
	"github.com/drydock-dev/drydock/internal/eventbus"
)

type sentMessage struct {
	channel  string
	text     string
	threadTS string
}

// fakeAPI records posted and updated messages. Message text is recovered
// from the opaque MsgOptions via slack.UnsafeApplyMsgOptions.
type fakeAPI struct {
	mu         sync.Mutex
	posts      []sentMessage
	updates    []sentMessage
	failUpdate bool
	rootText   string
	nextTS     int
}

func optionText(channel string, options ...slack.MsgOption) (text, threadTS string) {
	_, values, err := slack.UnsafeApplyMsgOptions("token", channel, slack.APIURL, options...)
	if err != nil {
		return "", ""
	}
	return values.Get("text"), values.Get("thread_ts")
}

func (f *fakeAPI) PostMessage(channel string, options ...slack.MsgOption) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	text, threadTS := optionText(channel, options...)
	f.posts = append(f.posts, sentMessage{channel: channel, text: text, threadTS: threadTS})
	f.nextTS++
	return channel, fmt.Sprintf("100.%03d", f.nextTS), nil
}

func (f *fakeAPI) UpdateMessage(channel, timestamp string, options ...slack.MsgOption) (string, string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return "", "", "", fmt.Errorf("message_not_found")
	}
	text, _ := optionText(channel, options...)
	f.updates = append(f.updates, sentMessage{channel: channel, text: text, threadTS: timestamp})
	return channel, timestamp, text, nil
}

func (f *fakeAPI) GetConversationReplies(_ *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	msg := slack.Message{}
	msg.Text = f.rootText
	return []slack.Message{msg}, false, "", nil
}

func (f *fakeAPI) AuthTest() (*slack.AuthTestResponse, error) {
	return &slack.AuthTestResponse{UserID: "UBOT"}, nil
}

func (f *fakeAPI) postTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.posts))
	for i, p := range f.posts {
		texts[i] = p.text
	}
	return texts
}

type countingHandler struct {
	mu   sync.Mutex
	runs int
	bus  *eventbus.Bus
}

func (h *countingHandler) RunTurn(_ context.Context, msg InboundMessage) {
	h.mu.Lock()
	h.runs++
	h.mu.Unlock()

	if h.bus != nil {
		identity := broker.Identity(msg.TeamID, msg.ThreadTS)
		h.bus.Publish(identity, eventbus.TypeStatus, "Reusing sandbox")
		h.bus.Publish(identity, eventbus.TypeOutput, "**done** see [docs](https://example.com)")
		h.bus.Publish(identity, eventbus.TypeError, "exit status 1")
		h.bus.Publish(identity, eventbus.TypeDone, "")
	}
}

func newTestBot(client *fakeAPI, handler TurnHandler, bus *eventbus.Bus) *Bot {
	return New(client, "", dedup.New(dedup.DefaultCapacity), bus, handler)
}

func TestToMrkdwn(t *testing.T) {
	cases := []struct{ in, want string }{
		{"**bold**", "*bold*"},
		{"__bold__", "*bold*"},
		{"## Heading\nbody", "*Heading*\nbody"},
		{"[text](https://example.com)", "<https://example.com|text>"},
		{"plain text", "plain text"},
	}
	for _, c := range cases {
		if got := ToMrkdwn(c.in); got != c.want {
			t.Errorf("ToMrkdwn(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestStatusNotifier_UpdatesInPlace(t *testing.T) {
	client := &fakeAPI{}
	n := newStatusNotifier(client, "C1", "100.001")

	n.Update("New sandbox")
	n.Update("Running agent")

	if len(client.posts) != 1 {
		t.Fatalf("expected 1 post, got %d", len(client.posts))
	}
	if len(client.updates) != 1 {
		t.Fatalf("expected 1 update, got %d", len(client.updates))
	}
	if !strings.Contains(client.updates[0].text, "Running agent") {
		t.Fatalf("update carried wrong text: %q", client.updates[0].text)
	}
}

func TestStatusNotifier_FallsBackToFreshPost(t *testing.T) {
	client := &fakeAPI{}
	n := newStatusNotifier(client, "C1", "100.001")

	n.Update("New sandbox")
	client.failUpdate = true
	n.Update("Running agent")

	if len(client.posts) != 2 {
		t.Fatalf("expected fallback post, got %d posts", len(client.posts))
	}
	if !strings.Contains(client.posts[1].text, "Running agent") {
		t.Fatalf("fallback post carried wrong text: %q", client.posts[1].text)
	}
}

func TestWantsMessage(t *testing.T) {
	cases := []struct {
		name     string
		ev       slackevents.MessageEvent
		rootText string
		want     bool
	}{
		{
			name:     "thread reply in owned thread",
			ev:       slackevents.MessageEvent{Text: "continue", ThreadTimeStamp: "100.001"},
			rootText: "<@UBOT> fix the bug",
			want:     true,
		},
		{
			name:     "thread reply in foreign thread",
			ev:       slackevents.MessageEvent{Text: "continue", ThreadTimeStamp: "100.001"},
			rootText: "unrelated conversation",
			want:     false,
		},
		{
			name:     "explicit mention handled elsewhere",
			ev:       slackevents.MessageEvent{Text: "<@UBOT> continue", ThreadTimeStamp: "100.001"},
			rootText: "<@UBOT> fix the bug",
			want:     false,
		},
		{
			name:     "top-level message",
			ev:       slackevents.MessageEvent{Text: "continue"},
			rootText: "<@UBOT> fix the bug",
			want:     false,
		},
		{
			name:     "bot message",
			ev:       slackevents.MessageEvent{Text: "continue", ThreadTimeStamp: "100.001", BotID: "B1"},
			rootText: "<@UBOT> fix the bug",
			want:     false,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client := &fakeAPI{rootText: c.rootText}
			b := newTestBot(client, &countingHandler{}, eventbus.New())
			if got := b.wantsMessage(&c.ev); got != c.want {
				t.Fatalf("wantsMessage = %v, want %v", got, c.want)
			}
		})
	}
}

func TestProcess_DeduplicatesRedelivery(t *testing.T) {
	client := &fakeAPI{}
	handler := &countingHandler{}
	b := newTestBot(client, handler, eventbus.New())

	msg := InboundMessage{EventID: "ev-1", TeamID: "T1", Channel: "C1", ThreadTS: "100.001", Text: "hi"}
	b.process(context.Background(), msg)
	b.process(context.Background(), msg)

	if handler.runs != 1 {
		t.Fatalf("expected 1 turn for redelivered event, got %d", handler.runs)
	}
}

func TestProcess_RelaysTurnEvents(t *testing.T) {
	client := &fakeAPI{}
	bus := eventbus.New()
	handler := &countingHandler{bus: bus}
	b := newTestBot(client, handler, bus)

	b.process(context.Background(), InboundMessage{
		EventID: "ev-1", TeamID: "T1", Channel: "C1", ThreadTS: "100.001", Text: "hi",
	})

	texts := client.postTexts()
	var sawStatus, sawOutput, sawError bool
	for _, text := range texts {
		if strings.Contains(text, "Reusing sandbox") {
			sawStatus = true
		}
		if strings.Contains(text, "*done* see <https://example.com|docs>") {
			sawOutput = true
		}
		if strings.Contains(text, ":x: *Error:*") && strings.Contains(text, "exit status 1") {
			sawError = true
		}
	}
	if !sawStatus || !sawOutput || !sawError {
		t.Fatalf("missing relayed events (status=%v output=%v error=%v): %v",
			sawStatus, sawOutput, sawError, texts)
	}
}

func TestProcess_SkipsEmptyText(t *testing.T) {
	client := &fakeAPI{}
	handler := &countingHandler{}
	b := newTestBot(client, handler, eventbus.New())

	b.process(context.Background(), InboundMessage{EventID: "ev-1", TeamID: "T1", Text: ""})
	if handler.runs != 0 {
		t.Fatal("turn ran for empty message text")
	}
}
