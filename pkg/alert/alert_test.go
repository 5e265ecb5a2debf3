package alert

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/clock"
	"github.com/elonfeng/newsledger/internal/health"
)

type recorder struct {
	mu   sync.Mutex
	name string
	err  error
	got  []*Notification
	sent chan struct{}
}

func newRecorder(name string, err error) *recorder {
	return &recorder{name: name, err: err, sent: make(chan struct{}, 8)}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Send(_ context.Context, n *Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	r.sent <- struct{}{}
	return r.err
}

func TestBroadcastJoinsErrors(t *testing.T) {
	t.Parallel()

	ok := newRecorder("ok", nil)
	bad := newRecorder("bad", errors.New("boom"))
	m := NewManager([]Notifier{ok, bad}, zerolog.Nop())

	err := m.PostNotice(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "bad: boom") {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(ok.got) != 1 || ok.got[0].Kind != KindNotice || ok.got[0].Body != "hello" || ok.got[0].Timestamp.IsZero() {
		t.Fatalf("unexpected notification %+v", ok.got)
	}
}

func TestEscalationsBroadcast(t *testing.T) {
	t.Parallel()

	rec := newRecorder("rec", nil)
	m := NewManager([]Notifier{rec}, zerolog.Nop())

	tracker := health.NewTracker(time.Hour, 2, clock.NewManual(time.Now()), zerolog.Nop())
	tracker.OnEscalate(m.Escalations())
	tracker.Failure(health.ComponentReview, errors.New("discord 502"))
	tracker.Failure(health.ComponentReview, errors.New("discord 503"))

	select {
	case <-rec.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("escalation not broadcast")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	n := rec.got[0]
	if n.Kind != KindEscalation || n.Body != "discord 503" || n.Fields["action"] != string(health.Restart) || n.Fields["failures"] != "2" {
		t.Fatalf("unexpected escalation %+v", n)
	}
}

func TestWebhookSignsBody(t *testing.T) {
	t.Parallel()

	var gotSig string
	var got Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Signature-256")
		if want := "sha256=" + Sign("s3cret", body); gotSig != want {
			t.Errorf("signature %q, want %q", gotSig, want)
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, "s3cret").Send(context.Background(), &Notification{Kind: KindFatal, Title: "collect failed"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotSig == "" || got.Kind != KindFatal || got.Title != "collect failed" {
		t.Fatalf("unexpected delivery sig=%q body=%+v", gotSig, got)
	}
}

func TestChatWebhooks(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		notifier func(url string) Notifier
		want     string
		wantErr  bool
	}{
		{"slack", http.StatusOK, func(u string) Notifier { return NewSlack(u) }, `"*action:* restart"`, false},
		{"slack error", http.StatusForbidden, func(u string) Notifier { return NewSlack(u) }, "", true},
		{"discord", http.StatusNoContent, func(u string) Notifier { return NewDiscord(u) }, `"name":"action"`, false},
		{"discord error", http.StatusBadRequest, func(u string) Notifier { return NewDiscord(u) }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var body string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				body = string(b)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := tt.notifier(srv.URL).Send(context.Background(), &Notification{
				Kind:      KindEscalation,
				Title:     "review failing repeatedly",
				Body:      "discord 502",
				Fields:    map[string]string{"action": "restart"},
				Timestamp: time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC),
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			if !strings.Contains(body, tt.want) || !strings.Contains(body, "review failing repeatedly") {
				t.Fatalf("payload %s missing %s", body, tt.want)
			}
		})
	}
}

type fakeConn struct {
	subjects []string
	data     [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.data = append(f.data, data)
	return nil
}

func (f *fakeConn) FlushTimeout(time.Duration) error { return nil }

func (f *fakeConn) Close() {}

func TestNATSSubjects(t *testing.T) {
	t.Parallel()

	conn := &fakeConn{}
	n := newNATS(conn, "")
	if err := n.Send(context.Background(), &Notification{Kind: KindNotice, Body: "published"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(conn.subjects) != 1 || conn.subjects[0] != "newsledger.alerts.notice" {
		t.Fatalf("unexpected subjects %v", conn.subjects)
	}
	var got Notification
	if err := json.Unmarshal(conn.data[0], &got); err != nil || got.Body != "published" {
		t.Fatalf("unexpected payload %s (%v)", conn.data[0], err)
	}

	conn.err = errors.New("connection closed")
	if err := n.Send(context.Background(), &Notification{Kind: KindFatal}); err == nil {
		t.Fatal("expected publish error")
	}
}

func TestNewNATSUnreachable(t *testing.T) {
	t.Parallel()

	if _, err := NewNATS("nats://127.0.0.1:1", ""); err == nil {
		t.Fatal("expected connect error")
	}
}

type posterFunc func(context.Context, string) error

func (f posterFunc) PostNotice(ctx context.Context, text string) error { return f(ctx, text) }

func TestTee(t *testing.T) {
	t.Parallel()

	var got []string
	a := posterFunc(func(_ context.Context, s string) error { got = append(got, "a:"+s); return nil })
	b := posterFunc(func(_ context.Context, s string) error { got = append(got, "b:"+s); return errors.New("down") })

	err := Tee(a, nil, b).PostNotice(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected error from b")
	}
	if strings.Join(got, ",") != "a:hi,b:hi" {
		t.Fatalf("unexpected posts %v", got)
	}
}
