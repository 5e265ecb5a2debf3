// Package review posts drafts to a human review channel and reads reviewer
// reactions back.
package review

import (
	"context"
	"time"

	"github.com/elonfeng/newsledger/pkg/draft"
)

// Reaction emojis, in approve, reject, hold, edit order.
const (
	EmojiApprove = "✅"
	EmojiReject  = "❌"
	EmojiHold    = "🤔"
	EmojiEdit    = "✏️"
)

// Emojis lists the reactions seeded on every review message.
var Emojis = []string{EmojiApprove, EmojiReject, EmojiHold, EmojiEdit}

// Snapshot is what the channel currently shows for a review message.
type Snapshot struct {
	Reactions draft.Reactions
	PostedAt  time.Time
}

// Age returns how long the message has been up.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.PostedAt)
}

// Channel is a review channel.
type Channel interface {
	Name() string
	// PostForReview posts a draft and returns the message reference.
	PostForReview(ctx context.Context, d *draft.Draft) (string, error)
	// Snapshot reads reaction tallies and the post time of a message.
	Snapshot(ctx context.Context, messageID string) (Snapshot, error)
	// PostEditRequest asks reviewers for replacement text.
	PostEditRequest(ctx context.Context, d *draft.Draft) error
	// PostNotice posts a plain message, such as a publish confirmation.
	PostNotice(ctx context.Context, text string) error
}
