package slack

import (
	"fmt"
	"strings"

	goslack "github.com/slack-go/slack"
)

const maxBlockTextLength = 2900

var statusEmoji = map[string]string{
	"completed": ":white_check_mark:",
	"failed":    ":x:",
	"timeout":   ":hourglass:",
	"cancelled": ":no_entry_sign:",
}

var requestLabel = map[string]string{
	"failed":    "Request Failed",
	"timeout":   "Request Timed Out",
	"cancelled": "Request Cancelled",
}

var discussionLabel = map[string]string{
	"completed": "Discussion Complete",
	"failed":    "Discussion Failed",
	"cancelled": "Discussion Cancelled",
}

// BuildRequestFailedMessage creates Block Kit blocks for a terminal
// request failure notification.
func BuildRequestFailedMessage(requestID, provider, status, errMsg string) []goslack.Block {
	emoji := statusEmoji[status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := requestLabel[status]
	if label == "" {
		label = "Request " + status
	}

	headerText := fmt.Sprintf("%s *%s* — `%s`", emoji, label, provider)
	if errMsg != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(errMsg))
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, "request: `"+requestID+"`", false, false),
		),
	}
}

// BuildDiscussionStartedMessage creates Block Kit blocks for a
// discussion start notification.
func BuildDiscussionStartedMessage(sessionID, topic string, providers []string) []goslack.Block {
	text := fmt.Sprintf(":arrows_counterclockwise: *Discussion started*\n> %s", topic)

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, text, false, false),
			nil, nil,
		),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType,
				fmt.Sprintf("participants: %s | session: `%s`", strings.Join(providers, ", "), sessionID),
				false, false),
		),
	}
}

// BuildDiscussionTerminalMessage creates Block Kit blocks for a terminal
// discussion notification.
func BuildDiscussionTerminalMessage(sessionID, status, topic, errMsg string) []goslack.Block {
	emoji := statusEmoji[status]
	if emoji == "" {
		emoji = ":question:"
	}
	label := discussionLabel[status]
	if label == "" {
		label = "Discussion " + status
	}

	headerText := fmt.Sprintf("%s *%s*", emoji, label)
	if topic != "" {
		headerText += fmt.Sprintf("\n> %s", topic)
	}
	if errMsg != "" {
		headerText += fmt.Sprintf("\n\n*Error:*\n%s", truncateForSlack(errMsg))
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, headerText, false, false),
			nil, nil,
		),
		goslack.NewContextBlock("",
			goslack.NewTextBlockObject(goslack.MarkdownType, "session: `"+sessionID+"`", false, false),
		),
	}
}

// truncateForSlack caps text at the Block Kit limit without splitting
// multi-byte runes.
func truncateForSlack(text string) string {
	runes := []rune(text)
	if len(runes) <= maxBlockTextLength {
		return text
	}
	return string(runes[:maxBlockTextLength]) + "\n\n_... (truncated)_"
}
