// Package slackbot provides the inbound chat surface for Drydock.
//
// It accepts the chat platform's event envelope on a single POST endpoint,
// picks out the two shapes that start a turn (explicit mentions, and thread
// replies whose thread root mentioned the bot), and relays classified turn
// events back into the originating thread.
package slackbot

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"

	"github.com/drydock-dev/drydock/internal/broker"
	"github.com/drydock-dev/drydock/internal/dedup"
	"github.com/drydock-dev/drydock/internal/eventbus"
)

// mentionRE matches user mentions in message text.
var mentionRE = regexp.MustCompile(`<@[A-Z0-9]+>`)

// InboundMessage is one user message that should drive an agent turn.
type InboundMessage struct {
	EventID  string // platform event identity, for deduplication
	TeamID   string // tenant
	Channel  string
	ThreadTS string // conversation thread id
	Text     string
}

// TurnHandler runs one full turn for an inbound message, publishing its
// progress to the event bus under the message's session identity.
type TurnHandler interface {
	RunTurn(ctx context.Context, msg InboundMessage)
}

// api is the subset of the Slack client the bot uses.
type api interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessage(channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	AuthTest() (*slack.AuthTestResponse, error)
}

// Bot handles inbound Slack events and posts turn output back to threads.
type Bot struct {
	api           api
	signingSecret string
	seen          *dedup.Set
	bus           *eventbus.Bus
	handler       TurnHandler

	botIDOnce sync.Once
	botID     string
}

// New creates a Bot. An empty signingSecret disables signature verification
// (tests only; production configs require it).
func New(client api, signingSecret string, seen *dedup.Set, bus *eventbus.Bus, handler TurnHandler) *Bot {
	return &Bot{
		api:           client,
		signingSecret: signingSecret,
		seen:          seen,
		bus:           bus,
		handler:       handler,
	}
}

// HandleEvents is the single webhook endpoint for the chat platform's event
// envelope. Turns run synchronously in the request; the platform's redelivery
// on slow responses is absorbed by the dedup set.
func (b *Bot) HandleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if b.signingSecret != "" {
		verifier, err := slack.NewSecretsVerifier(r.Header, b.signingSecret)
		if err != nil {
			http.Error(w, "bad signature headers", http.StatusUnauthorized)
			return
		}
		verifier.Write(body)
		if err := verifier.Ensure(); err != nil {
			http.Error(w, "signature mismatch", http.StatusUnauthorized)
			return
		}
	}

	event, err := slackevents.ParseEvent(json.RawMessage(body), slackevents.OptionNoVerifyToken())
	if err != nil {
		http.Error(w, "parsing event", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case slackevents.URLVerification:
		var challenge slackevents.ChallengeResponse
		if err := json.Unmarshal(body, &challenge); err != nil {
			http.Error(w, "parsing challenge", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(challenge.Challenge))

	case slackevents.CallbackEvent:
		b.handleCallback(r.Context(), event.TeamID, event.InnerEvent)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (b *Bot) handleCallback(ctx context.Context, teamID string, inner slackevents.EventsAPIInnerEvent) {
	switch ev := inner.Data.(type) {
	case *slackevents.AppMentionEvent:
		threadTS := ev.TimeStamp
		if ev.ThreadTimeStamp != "" {
			threadTS = ev.ThreadTimeStamp
		}
		b.process(ctx, InboundMessage{
			EventID:  ev.TimeStamp,
			TeamID:   teamID,
			Channel:  ev.Channel,
			ThreadTS: threadTS,
			Text:     stripMentions(ev.Text),
		})

	case *slackevents.MessageEvent:
		if !b.wantsMessage(ev) {
			return
		}
		eventID := ev.ClientMsgID
		if eventID == "" {
			eventID = ev.TimeStamp
		}
		b.process(ctx, InboundMessage{
			EventID:  eventID,
			TeamID:   teamID,
			Channel:  ev.Channel,
			ThreadTS: ev.ThreadTimeStamp,
			Text:     ev.Text,
		})
	}
}

// wantsMessage filters plain message events down to thread replies in
// threads the bot owns: non-bot messages, without an explicit mention (those
// arrive as app_mention), whose thread root mentioned the bot.
func (b *Bot) wantsMessage(ev *slackevents.MessageEvent) bool {
	if ev.BotID != "" || ev.SubType == "bot_message" {
		return false
	}
	if ev.ThreadTimeStamp == "" {
		return false
	}

	botID := b.botUserID()
	if botID == "" {
		return false
	}
	if strings.Contains(ev.Text, "<@"+botID+">") {
		return false
	}

	msgs, _, _, err := b.api.GetConversationReplies(&slack.GetConversationRepliesParameters{
		ChannelID: ev.Channel,
		Timestamp: ev.ThreadTimeStamp,
		Limit:     1,
	})
	if err != nil || len(msgs) == 0 {
		return false
	}
	return strings.Contains(msgs[0].Text, "<@"+botID+">")
}

func (b *Bot) botUserID() string {
	b.botIDOnce.Do(func() {
		resp, err := b.api.AuthTest()
		if err != nil {
			log.Printf("slack: auth test failed: %v", err)
			return
		}
		b.botID = resp.UserID
	})
	return b.botID
}

// process runs one turn: dedup, subscribe to the session's events, hand off
// to the turn handler, relay everything back to the thread.
func (b *Bot) process(ctx context.Context, msg InboundMessage) {
	if msg.Text == "" {
		return
	}
	if b.seen.Seen(msg.EventID) {
		log.Printf("slack: skipping duplicate event %s", msg.EventID)
		return
	}

	identity := broker.Identity(msg.TeamID, msg.ThreadTS)

	// Subscribe before the turn starts so no early status event is lost.
	ch := b.bus.Subscribe(identity)
	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		b.monitor(ch, msg.Channel, msg.ThreadTS)
	}()

	// The platform may abandon the HTTP request long before the turn ends;
	// the turn itself must run to process exit.
	b.handler.RunTurn(context.WithoutCancel(ctx), msg)

	b.bus.Unsubscribe(identity, ch)
	<-monitorDone
}

// monitor relays session events into the thread until the turn is done.
func (b *Bot) monitor(ch chan *eventbus.Event, channel, threadTS string) {
	status := newStatusNotifier(b.api, channel, threadTS)

	for event := range ch {
		switch event.Type {
		case eventbus.TypeStatus:
			status.Update(event.Data)

		case eventbus.TypeOutput:
			b.postThread(channel, threadTS, ToMrkdwn(event.Data))

		case eventbus.TypeError:
			b.postThread(channel, threadTS, fmt.Sprintf(":x: *Error:*\n%s", event.Data))

		case eventbus.TypeDone:
			return
		}
	}
}

func (b *Bot) postThread(channel, threadTS, text string) {
	_, _, err := b.api.PostMessage(channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		log.Printf("slack: failed to post message to %s: %v", channel, err)
	}
}

// stripMentions removes user mentions from message text.
func stripMentions(text string) string {
	return strings.TrimSpace(mentionRE.ReplaceAllString(text, ""))
}
