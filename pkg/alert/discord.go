package alert

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	webhookURL string
	now        func() time.Time
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{webhookURL: webhookURL, now: time.Now}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var links []string
	for _, it := range listed(n.Items) {
		links = append(links, "• "+describe(it))
	}

	embed := map[string]any{
		"title":       "🎬 " + n.Title,
		"description": strings.TrimSpace(n.Body + "\n\n" + strings.Join(links, "\n")),
		"color":       0x01B4E4,
		"timestamp":   d.now().UTC().Format(time.RFC3339),
	}
	if len(n.Items) > 0 && n.Items[0].PosterPath != "" {
		embed["thumbnail"] = map[string]any{"url": n.Items[0].PosterPath}
	}

	body, err := marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	if err := post(ctx, newHTTPClient(), d.webhookURL, body, nil); err != nil {
		return fmt.Errorf("discord webhook: %w", err)
	}
	return nil
}
