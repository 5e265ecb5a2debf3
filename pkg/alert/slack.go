package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Slack sends notifications to a Slack incoming webhook as Block Kit.
type Slack struct {
	endpoint
}

// NewSlack creates a new Slack notifier.
func NewSlack(webhookURL string) *Slack {
	return &Slack{newEndpoint("slack", webhookURL)}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	blocks := []map[string]any{{
		"type": "header",
		"text": map[string]any{"type": "plain_text", "text": fmt.Sprintf("%s %s", icon(n.Kind), n.Title)},
	}}
	if text := strings.TrimSpace(n.Body + "\n" + n.URL); text != "" {
		blocks = append(blocks, map[string]any{
			"type": "section",
			"text": map[string]any{"type": "mrkdwn", "text": text},
		})
	}
	if len(n.Fields) > 0 {
		var elements []map[string]any
		for _, k := range sortedKeys(n.Fields) {
			elements = append(elements, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %s", k, n.Fields[k])})
		}
		blocks = append(blocks, map[string]any{"type": "context", "elements": elements})
	}

	body, err := json.Marshal(map[string]any{"text": n.Title, "blocks": blocks})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return s.post(ctx, body, nil)
}

func icon(k Kind) string {
	switch k {
	case KindEscalation:
		return "⚠️"
	case KindFatal:
		return "🚨"
	default:
		return "📰"
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
