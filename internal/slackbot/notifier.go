package slackbot

import (
	"log"

	"github.com/slack-go/slack"
)

// statusNotifier maintains one rolling progress message per turn. Status
// updates edit that message in place so a long turn doesn't flood the
// thread; if the edit fails (message deleted, too old) the next update is
// posted fresh and becomes the new rolling message.
type statusNotifier struct {
	api      api
	channel  string
	threadTS string
	ts       string // timestamp of the rolling message, empty until first post
}

func newStatusNotifier(client api, channel, threadTS string) *statusNotifier {
	return &statusNotifier{api: client, channel: channel, threadTS: threadTS}
}

// Update replaces the rolling message's text, posting it first if needed.
func (n *statusNotifier) Update(text string) {
	body := ":gear: " + text

	if n.ts != "" {
		_, _, _, err := n.api.UpdateMessage(n.channel, n.ts,
			slack.MsgOptionText(body, false),
		)
		if err == nil {
			return
		}
		log.Printf("slack: status update failed, posting fresh: %v", err)
		n.ts = ""
	}

	_, ts, err := n.api.PostMessage(n.channel,
		slack.MsgOptionText(body, false),
		slack.MsgOptionTS(n.threadTS),
	)
	if err != nil {
		log.Printf("slack: failed to post status to %s: %v", n.channel, err)
		return
	}
	n.ts = ts
}
