package alert

import (
	"context"
	"fmt"
	"strings"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	webhookURL string
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{webhookURL: webhookURL}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{"type": "plain_text", "text": "🎬 " + n.Title},
		},
	}

	var lines []string
	for _, it := range listed(n.Items) {
		lines = append(lines, "• *"+describe(it)+"*")
	}
	if more := len(n.Items) - maxListed; more > 0 {
		lines = append(lines, fmt.Sprintf("_and %d more_", more))
	}
	if len(lines) > 0 {
		section := map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": strings.Join(lines, "\n")},
		}
		if poster := n.Items[0].PosterPath; poster != "" {
			section["accessory"] = map[string]any{
				"type":      "image",
				"image_url": poster,
				"alt_text":  n.Items[0].Title,
			}
		}
		blocks = append(blocks, section)
	}

	body, err := marshal(map[string]any{"text": n.Title, "blocks": blocks})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	if err := post(ctx, newHTTPClient(), s.webhookURL, body, nil); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
