package slackbot

import "regexp"

// The agent emits standard markdown; Slack renders mrkdwn. These cover the
// constructs that actually show up in agent output.
var (
	boldStarsRE      = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnderscoreRE = regexp.MustCompile(`__(.+?)__`)
	headerRE         = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)
	linkRE           = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
)

// ToMrkdwn converts markdown to Slack's mrkdwn dialect.
func ToMrkdwn(text string) string {
	text = boldStarsRE.ReplaceAllString(text, "*$1*")
	text = boldUnderscoreRE.ReplaceAllString(text, "*$1*")
	text = headerRE.ReplaceAllString(text, "*$1*")
	text = linkRE.ReplaceAllString(text, "<$2|$1>")
	return text
}
