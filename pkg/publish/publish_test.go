package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/state"
	"github.com/elonfeng/newsledger/pkg/draft"
)

func TestExtractID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"data id", `{"data": {"id": "1790000000000000001", "text": "hi"}}`, "1790000000000000001"},
		{"top level id", `{"id": "42"}`, "42"},
		{"numeric id keeps precision", `{"id": 1790000000000000123}`, "1790000000000000123"},
		{"tweet id", `{"tweet": {"id": "77"}}`, "77"},
		{"url", `{"url": "https://x.com/someone/status/1234567"}`, "1234567"},
		{"list", `[{"id": "9"}]`, "9"},
		{"list data", `[{"data": {"id": "10"}}]`, "10"},
		{"plain status url", "posted: https://x.com/a/status/555 ok", "555"},
		{"long number", "tweet 1790000000000000999 created", "1790000000000000999"},
		{"short number ignored", "created 12345", ""},
		{"json without id falls back", `{"ok": true, "msg": "id 1790000000000000777"}`, "1790000000000000777"},
		{"empty", "  ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractID(tt.output); got != tt.want {
				t.Fatalf("ExtractID(%q) = %q, want %q", tt.output, got, tt.want)
			}
		})
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "post.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestCommandPublisher(t *testing.T) {
	t.Parallel()

	// The script echoes its last argument back inside the JSON it prints.
	script := writeScript(t, `for last; do :; done; printf '{"data":{"id":"1790000000000000002","text":"%s"}}' "$last"`)
	c, err := NewCommand(script+" --json tweet", time.Second)
	if err != nil {
		t.Fatalf("new command: %v", err)
	}
	id, err := c.Publish(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id != "1790000000000000002" {
		t.Fatalf("id = %q", id)
	}
}

func TestCommandPublisherErrors(t *testing.T) {
	t.Parallel()

	failing := writeScript(t, `echo "auth expired" >&2; exit 3`)
	c, _ := NewCommand(failing, time.Second)
	if _, err := c.Publish(context.Background(), "x"); err == nil || !strings.Contains(err.Error(), "auth expired") {
		t.Fatalf("expected stderr in error, got %v", err)
	}

	silent := writeScript(t, `echo "done"`)
	c, _ = NewCommand(silent, time.Second)
	if _, err := c.Publish(context.Background(), "x"); !errors.Is(err, ErrNoID) {
		t.Fatalf("expected ErrNoID, got %v", err)
	}

	if _, err := NewCommand("   ", 0); err == nil {
		t.Fatalf("empty command should be rejected")
	}
}

type fakePublisher struct {
	mu    sync.Mutex
	texts []string
	fail  map[string]bool
}

func (f *fakePublisher) Name() string { return "fake" }

func (f *fakePublisher) Publish(_ context.Context, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[text] {
		return "", errors.New("rate limited")
	}
	f.texts = append(f.texts, text)
	return "id-" + text[:1], nil
}

type fakeItems struct {
	mu        sync.Mutex
	published map[int64]string
	archived  []int64
}

func (f *fakeItems) MarkPublished(_ context.Context, id int64, publishID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = make(map[int64]string)
	}
	f.published[id] = publishID
	return nil
}

func (f *fakeItems) Archive(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, id)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []string
}

func (f *fakeNotifier) PostNotice(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, text)
	return nil
}

func TestHandoff(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	docs := state.NewFile(filepath.Join(t.TempDir(), "state.json"), zerolog.Nop())
	err := docs.Update(ctx, func(doc *state.Document) error {
		doc.Add(draft.Draft{StoryID: "a", Topic: "Alpha", ItemID: 1, Text: "approved text", Status: draft.Approved})
		doc.Add(draft.Draft{StoryID: "b", Topic: "Beta", ItemID: 2, Text: "bot text", Status: draft.AutoApproved})
		doc.Add(draft.Draft{StoryID: "t", ItemID: 3, Text: "test text", Status: draft.Approved, IsTest: true})
		doc.Add(draft.Draft{StoryID: "r", ItemID: 4, Text: "review text", Status: draft.PostedForReview})
		doc.Add(draft.Draft{StoryID: "f", ItemID: 5, Text: "failing text", Status: draft.Approved})
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	pub := &fakePublisher{fail: map[string]bool{"failing text": true}}
	items := &fakeItems{}
	notifier := &fakeNotifier{}
	h := NewHandoff(HandoffConfig{StatusURL: "https://x.com/i/status/%s"}, docs, items, pub, notifier, nil,
		clock.NewManual(time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC)), zerolog.Nop())

	rep, err := h.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	h.Wait()
	if rep != (Report{Published: 2, TestSkipped: 1, Failed: 1}) {
		t.Fatalf("unexpected report %+v", rep)
	}

	doc, err := docs.View()
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	want := map[string]draft.Status{
		"a": draft.Published,
		"b": draft.Published,
		"t": draft.TestSkipped,
		"r": draft.PostedForReview,
		"f": draft.Approved,
	}
	for id, status := range want {
		d, err := doc.Find(id)
		if err != nil {
			t.Fatalf("find %s: %v", id, err)
		}
		if d.Status != status {
			t.Fatalf("%s status = %s, want %s", id, d.Status, status)
		}
	}
	if d, _ := doc.Find("a"); d.PublishID != "id-a" {
		t.Fatalf("publish id not recorded: %+v", d)
	}
	if items.published[1] != "id-a" || items.published[2] != "id-b" || len(items.published) != 2 {
		t.Fatalf("ledger publishes = %v", items.published)
	}
	if len(items.archived) != 1 || items.archived[0] != 3 {
		t.Fatalf("test item not archived: %v", items.archived)
	}
	if len(notifier.notices) != 2 || !strings.Contains(strings.Join(notifier.notices, "\n"), "https://x.com/i/status/id-a") {
		t.Fatalf("unexpected notices %v", notifier.notices)
	}

	// Nothing new is published on a second pass; the failed draft is retried.
	pub.fail = nil
	rep, err = h.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	h.Wait()
	if rep != (Report{Published: 1}) || len(pub.texts) != 3 {
		t.Fatalf("second run = %+v, published %v", rep, pub.texts)
	}
}
