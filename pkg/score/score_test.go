package score

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/health"
)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

var (
	patchItem = Input{
		Source:   "RSI",
		Title:    "Patch notes",
		Body:     "server meshing performance update",
		Priority: "P0",
	}
	offTopic = Input{Source: "someone", Title: "cat pictures", Seen: true}
)

func TestRules(t *testing.T) {
	t.Parallel()

	r := NewRules(RulesConfig{Credibility: map[string]float64{"rsi": 0.9}})

	c := r.Components(patchItem)
	want := map[string]float64{
		DeveloperCredibility: 0.9,
		CommunityEngagement:  1,
		InformationNovelty:   0.8,
		TechnicalDepth:       0.5,
	}
	for k, v := range want {
		if !near(c[k], v) {
			t.Fatalf("%s = %v, want %v", k, c[k], v)
		}
	}

	tests := []struct {
		name string
		in   Input
		want float64
	}{
		{"weighted", patchItem, 0.87},
		{"low signal", offTopic, 0.22},
		{"weight override", func() Input {
			in := offTopic
			in.Weights = map[string]float64{CommunityEngagement: 0, InformationNovelty: 0, TechnicalDepth: 0, DeveloperCredibility: 1}
			return in
		}(), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Score(context.Background(), tt.in)
			if err != nil || !near(got, tt.want) {
				t.Fatalf("Score = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
}

func TestOfficialSourceBoost(t *testing.T) {
	t.Parallel()

	r := NewRules(RulesConfig{OfficialSources: []string{"Comm-Link"}})
	in := Input{Source: "comm-link", Title: "Roadmap update"}
	if got := r.Components(in)[CommunityEngagement]; !near(got, 0.6) {
		t.Fatalf("engagement = %v, want 0.6", got)
	}
	in.Source = "fan site"
	if got := r.Components(in)[CommunityEngagement]; !near(got, 0.4) {
		t.Fatalf("engagement = %v, want 0.4", got)
	}
}

func TestLLMProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provider string
		path     string
		reply    any
	}{
		{"openai", "/v1/chat/completions", map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": "```json\n{\"score\": 8, \"reason\": \"big patch\"}\n```"}}},
		}},
		{"anthropic", "/v1/messages", map[string]any{
			"content": []any{map[string]any{"type": "text", "text": `{"score": 8, "reason": "big patch"}`}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != tt.path {
					http.NotFound(w, r)
					return
				}
				var payload struct {
					Model    string `json:"model"`
					Messages []struct {
						Content string `json:"content"`
					} `json:"messages"`
				}
				if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
					t.Errorf("decode request: %v", err)
				}
				if len(payload.Messages) != 1 || !strings.Contains(payload.Messages[0].Content, "Title: Patch notes") {
					t.Errorf("unexpected prompt %+v", payload.Messages)
				}
				_ = json.NewEncoder(w).Encode(tt.reply)
			}))
			defer srv.Close()

			l := NewLLM(LLMConfig{Provider: tt.provider, APIKey: "k", BaseURL: srv.URL + "/"})
			got, err := l.Score(context.Background(), patchItem)
			if err != nil || !near(got, 0.8) {
				t.Fatalf("Score = %v, %v", got, err)
			}
		})
	}
}

func TestLLMErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer bad":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "invalid key"}`))
		default:
			_, _ = w.Write([]byte(`{"choices": [{"message": {"content": "{\"score\": 42}"}}]}`))
		}
	}))
	defer srv.Close()

	bad := NewLLM(LLMConfig{APIKey: "bad", BaseURL: srv.URL, Timeout: time.Second})
	if _, err := bad.Score(context.Background(), patchItem); err == nil || !strings.Contains(err.Error(), "status 401") {
		t.Fatalf("expected status error, got %v", err)
	}
	wild := NewLLM(LLMConfig{APIKey: "ok", BaseURL: srv.URL, Timeout: time.Second})
	if _, err := wild.Score(context.Background(), patchItem); err == nil {
		t.Fatalf("out-of-range score should fail")
	}
}

type stubScorer struct {
	score float64
	err   error
}

func (s stubScorer) Score(context.Context, Input) (float64, error) { return s.score, s.err }

func TestBlend(t *testing.T) {
	t.Parallel()

	rules := NewRules(RulesConfig{})
	tracker := health.NewTracker(time.Hour, 3, nil, zerolog.Nop())

	tests := []struct {
		name    string
		learned Scorer
		want    float64
	}{
		{"rules only", nil, 0.22},
		{"blended", stubScorer{score: 0.5}, 0.6*0.5 + 0.4*0.22},
		{"fallback", stubScorer{err: errors.New("model offline")}, 0.22},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBlend(tt.learned, rules, tracker, zerolog.Nop())
			got, err := b.Score(context.Background(), offTopic)
			if err != nil || !near(got, tt.want) {
				t.Fatalf("Score = %v, %v; want %v", got, err, tt.want)
			}
		})
	}
	if n := tracker.Failures(health.ComponentScorer); n != 1 {
		t.Fatalf("scorer failures = %d, want 1", n)
	}
}
