// Package publish hands approved drafts to an external publisher.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoID is returned when a publish succeeded but no id could be read back.
var ErrNoID = errors.New("publish id not found in output")

// Publisher posts text to the outside world and returns its id there.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, text string) (string, error)
}

// Command publishes by running an external command with the text as its last
// argument and reading the post id from its output.
type Command struct {
	path    string
	args    []string
	timeout time.Duration
}

// NewCommand creates a command publisher. The command line is split on
// whitespace; the first field is the executable.
func NewCommand(commandLine string, timeout time.Duration) (*Command, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("publish command is empty")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Command{path: fields[0], args: fields[1:], timeout: timeout}, nil
}

func (c *Command) Name() string { return "command" }

// Publish runs the command and extracts the post id.
func (c *Command) Publish(ctx context.Context, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	args := append(append([]string{}, c.args...), text)
	cmd := exec.CommandContext(ctx, c.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("run %s: %w", c.path, err)
		}
		return "", fmt.Errorf("run %s: %w: %s", c.path, err, msg)
	}

	id := ExtractID(stdout.String())
	if id == "" {
		return "", fmt.Errorf("%w: %q", ErrNoID, truncate(stdout.String(), 200))
	}
	return id, nil
}

// DryRun logs the text instead of publishing it.
type DryRun struct {
	logger zerolog.Logger
}

// NewDryRun creates a dry-run publisher.
func NewDryRun(logger zerolog.Logger) *DryRun {
	return &DryRun{logger: logger.With().Str("publisher", "dry-run").Logger()}
}

func (d *DryRun) Name() string { return "dry-run" }

func (d *DryRun) Publish(_ context.Context, text string) (string, error) {
	id := "dry-run-" + uuid.NewString()
	d.logger.Info().Str("publish_id", id).Str("text", text).Msg("would publish")
	return id, nil
}

var (
	statusPattern  = regexp.MustCompile(`/status/(\d+)`)
	numericPattern = regexp.MustCompile(`\b(\d{15,20})\b`)
)

// ExtractID reads a post id from publisher output. JSON output is searched
// for data.id, id, tweet.id and a status url in that order; anything else
// falls back to a status url or a long number in the raw text.
func ExtractID(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}

	// Numbers stay json.Number so 19 digit ids keep their precision.
	dec := json.NewDecoder(strings.NewReader(output))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err == nil {
		if id := idFromJSON(v); id != "" {
			return id
		}
	}

	if m := statusPattern.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	if m := numericPattern.FindStringSubmatch(output); m != nil {
		return m[1]
	}
	return ""
}

func idFromJSON(v any) string {
	switch t := v.(type) {
	case map[string]any:
		if data, ok := t["data"].(map[string]any); ok {
			if id := scalar(data["id"]); id != "" {
				return id
			}
		}
		if id := scalar(t["id"]); id != "" {
			return id
		}
		if tweet, ok := t["tweet"].(map[string]any); ok {
			if id := scalar(tweet["id"]); id != "" {
				return id
			}
		}
		if u, ok := t["url"].(string); ok {
			if m := statusPattern.FindStringSubmatch(u); m != nil {
				return m[1]
			}
		}
	case []any:
		if len(t) == 0 {
			return ""
		}
		if first, ok := t[0].(map[string]any); ok {
			if id := scalar(first["id"]); id != "" {
				return id
			}
			if data, ok := first["data"].(map[string]any); ok {
				return scalar(data["id"])
			}
		}
	}
	return ""
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
