package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	embed := map[string]any{
		"title":       "⚠️ " + n.Title,
		"description": fmt.Sprintf("**Source:** `%s` | **Type:** %s\n\n%s", n.SourceID, n.Type, n.Body),
		"color":       0xE67E22,
		"footer":      map[string]any{"text": "anomaly " + n.AnomalyID},
		"timestamp":   n.DetectedAt.UTC().Format(time.RFC3339),
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, map[string]any{"embeds": []map[string]any{embed}}, nil)
}
