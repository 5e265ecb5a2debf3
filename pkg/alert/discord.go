package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Discord posts embeds to an operators' Discord webhook, separate from the
// review channel.
type Discord struct {
	endpoint
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{newEndpoint("discord", webhookURL)}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	embed := map[string]any{
		"title":       fmt.Sprintf("%s %s", icon(n.Kind), n.Title),
		"description": n.Body,
		"color":       color(n.Kind),
		"timestamp":   n.Timestamp.UTC().Format(time.RFC3339),
	}
	if n.URL != "" {
		embed["url"] = n.URL
	}
	if len(n.Fields) > 0 {
		fields := make([]map[string]any, 0, len(n.Fields))
		for _, k := range sortedKeys(n.Fields) {
			fields = append(fields, map[string]any{"name": k, "value": n.Fields[k], "inline": true})
		}
		embed["fields"] = fields
	}

	body, err := json.Marshal(map[string]any{"embeds": []map[string]any{embed}})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	return d.post(ctx, body, nil)
}

func color(k Kind) int {
	switch k {
	case KindEscalation:
		return 0xFF9900
	case KindFatal:
		return 0xE74C3C
	default:
		return 0x3498DB
	}
}
