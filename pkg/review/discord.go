package review

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/pkg/draft"
	"github.com/elonfeng/newsledger/pkg/render"
)

const (
	defaultAPIBase = "https://discord.com/api/v10"
	discordEpochMS = 1420070400000
)

// DiscordConfig configures the Discord review channel.
type DiscordConfig struct {
	WebhookURL string
	BotToken   string
	ChannelID  string
	APIBase    string
	Timeout    time.Duration
}

// Discord posts drafts through a channel webhook and reads reactions through
// the bot API.
type Discord struct {
	client     *http.Client
	webhookURL string
	botToken   string
	channelID  string
	apiBase    string
	timeout    time.Duration
	logger     zerolog.Logger

	seeding sync.WaitGroup
}

var _ Channel = (*Discord)(nil)

// NewDiscord creates a Discord review channel.
func NewDiscord(cfg DiscordConfig, logger zerolog.Logger) *Discord {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Discord{
		client:     &http.Client{Timeout: cfg.Timeout},
		webhookURL: cfg.WebhookURL,
		botToken:   cfg.BotToken,
		channelID:  cfg.ChannelID,
		apiBase:    strings.TrimRight(cfg.APIBase, "/"),
		timeout:    cfg.Timeout,
		logger:     logger.With().Str("component", "review").Str("channel", "discord").Logger(),
	}
}

func (d *Discord) Name() string { return "discord" }

// embedTitlePrefix starts the title of every review embed.
const embedTitlePrefix = "🗞️ Draft: "

func (d *Discord) PostForReview(ctx context.Context, dr *draft.Draft) (string, error) {
	fields := []map[string]any{
		{"name": "Draft", "value": truncate(dr.Text, 1000)},
		{"name": "Source", "value": orDash(dr.Source), "inline": true},
		{"name": "Score", "value": fmt.Sprintf("%.2f", dr.Score), "inline": true},
		{"name": "Tier", "value": orDash(string(dr.ApprovalTier)), "inline": true},
	}
	if dr.Link != "" {
		fields = append(fields, map[string]any{"name": "Link", "value": dr.Link})
	}
	if dr.ApprovalReason != "" {
		fields = append(fields, map[string]any{"name": "Why", "value": truncate(dr.ApprovalReason, 1000)})
	}
	fields = append(fields, map[string]any{"name": "Story ID", "value": "`" + dr.StoryID + "`"})

	embed := map[string]any{
		"title":       truncate(embedTitlePrefix+dr.Title(), 256),
		"description": truncate(dr.Description, 2000),
		"color":       0x3498DB,
		"fields":      fields,
		"footer": map[string]any{
			"text": fmt.Sprintf("React to decide: %s approve | %s reject | %s hold | %s request edits",
				EmojiApprove, EmojiReject, EmojiHold, EmojiEdit),
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	var msg struct {
		ID string `json:"id"`
	}
	if err := d.webhook(ctx, map[string]any{"embeds": []map[string]any{embed}}, true, &msg); err != nil {
		return "", err
	}
	if msg.ID == "" {
		return "", fmt.Errorf("discord webhook returned no message id")
	}

	d.seedReactions(ctx, msg.ID)
	return msg.ID, nil
}

// seedReactions adds the decision emojis in the background. Failures are
// logged and never affect the post.
func (d *Discord) seedReactions(ctx context.Context, messageID string) {
	if d.botToken == "" || d.channelID == "" {
		return
	}
	d.seeding.Add(1)
	go func() {
		defer d.seeding.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 4*d.timeout)
		defer cancel()

		for _, emoji := range Emojis {
			path := fmt.Sprintf("/channels/%s/messages/%s/reactions/%s/@me",
				d.channelID, messageID, url.PathEscape(emoji))
			if err := d.api(ctx, http.MethodPut, path, nil); err != nil {
				d.logger.Warn().Err(err).Str("message_id", messageID).Str("emoji", emoji).Msg("seed reaction failed")
			}
		}
	}()
}

// Wait blocks until background reaction seeding has finished.
func (d *Discord) Wait() { d.seeding.Wait() }

type discordMessage struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Reactions []struct {
		Count int  `json:"count"`
		Me    bool `json:"me"`
		Emoji struct {
			Name string `json:"name"`
		} `json:"emoji"`
	} `json:"reactions"`
}

func (d *Discord) Snapshot(ctx context.Context, messageID string) (Snapshot, error) {
	if d.botToken == "" || d.channelID == "" {
		return Snapshot{}, fmt.Errorf("discord bot token and channel id are required to read reactions")
	}

	var msg discordMessage
	path := fmt.Sprintf("/channels/%s/messages/%s", d.channelID, messageID)
	if err := d.api(ctx, http.MethodGet, path, &msg); err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{PostedAt: msg.Timestamp}
	if snap.PostedAt.IsZero() {
		snap.PostedAt = SnowflakeTime(messageID)
	}
	for _, r := range msg.Reactions {
		n := r.Count
		if r.Me {
			n--
		}
		n = max(n, 0)
		switch normalizeEmoji(r.Emoji.Name) {
		case normalizeEmoji(EmojiApprove):
			snap.Reactions.Approve = n
		case normalizeEmoji(EmojiReject):
			snap.Reactions.Reject = n
		case normalizeEmoji(EmojiHold):
			snap.Reactions.Hold = n
		case normalizeEmoji(EmojiEdit):
			snap.Reactions.Edit = n
		}
	}
	return snap, nil
}

func (d *Discord) PostEditRequest(ctx context.Context, dr *draft.Draft) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s **Edit requested** for: **%s**\n", EmojiEdit, dr.Title())
	b.WriteString("Reply in this channel with:\n`EDIT: <new post text>`\n")
	fmt.Fprintf(&b, "Story ID: `%s`\n", dr.StoryID)
	if dr.Text != "" {
		fmt.Fprintf(&b, "Current draft: %s", render.Fit(dr.Text, render.Limit))
	}
	return d.webhook(ctx, map[string]any{"content": b.String()}, false, nil)
}

func (d *Discord) PostNotice(ctx context.Context, text string) error {
	return d.webhook(ctx, map[string]any{"content": truncate(text, 2000)}, false, nil)
}

func (d *Discord) webhook(ctx context.Context, payload map[string]any, wait bool, out any) error {
	if d.webhookURL == "" {
		return fmt.Errorf("discord webhook url is not configured")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	target := d.webhookURL
	if wait {
		u, err := url.Parse(target)
		if err != nil {
			return fmt.Errorf("parse webhook url: %w", err)
		}
		q := u.Query()
		q.Set("wait", "true")
		u.RawQuery = q.Encode()
		target = u.String()
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req, out)
}

func (d *Discord) api(ctx context.Context, method, path string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, d.apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+d.botToken)
	return d.do(req, out)
}

// StatusError is a non-2xx response from Discord.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discord status %d: %s", e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 from Discord, meaning the review
// message was deleted.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

func (d *Discord) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", "newsledger/1.0")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode discord response: %w", err)
	}
	return nil
}

// SnowflakeTime returns the creation time encoded in a Discord id.
func SnowflakeTime(id string) time.Time {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(int64(n>>22) + discordEpochMS).UTC()
}

func normalizeEmoji(s string) string {
	return strings.ReplaceAll(s, "\ufe0f", "")
}

func truncate(s string, n int) string {
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
