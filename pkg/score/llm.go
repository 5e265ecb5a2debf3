package score

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const itemPrompt = `You are a news editor for a community news account. Rate how worth posting the item below is for the community.

Assign:
1. "score" (0-10): How newsworthy is this?
   - 9-10: Major release, patch or announcement everyone will talk about
   - 7-8: Notable update, feature reveal or event news
   - 5-6: Interesting but minor, niche content
   - 3-4: Low novelty, tangential
   - 0-2: Off-topic, spam or noise
2. "reason" (1 sentence): Why this score?

Be strict. Most items should score 5 or below.

Item:
Source: %s
Priority: %s
Title: %s
Body: %s
URL: %s

Respond with a single JSON object with "score" (integer 0-10) and "reason" (string).
Example: {"score":8,"reason":"Patch notes for a major release"}

Return ONLY the JSON object, no other text.`

// LLM scores items with a chat model.
type LLM struct {
	client   *http.Client
	provider string // "openai" or "anthropic"
	model    string
	apiKey   string
	baseURL  string
}

// LLMConfig configures an LLM scorer.
type LLMConfig struct {
	Provider string        `yaml:"provider"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"-"`
	BaseURL  string        `yaml:"base_url"`
	Timeout  time.Duration `yaml:"-"`
}

// Verdict is the model's answer for one item.
type Verdict struct {
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// NewLLM creates an LLM scorer.
func NewLLM(cfg LLMConfig) *LLM {
	if cfg.Model == "" {
		switch cfg.Provider {
		case "anthropic":
			cfg.Model = "claude-sonnet-4-20250514"
		default:
			cfg.Model = "gpt-4o-mini"
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &LLM{
		client:   &http.Client{Timeout: cfg.Timeout},
		provider: cfg.Provider,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// Score asks the model for a 0-10 verdict and scales it to 0..1.
func (l *LLM) Score(ctx context.Context, in Input) (float64, error) {
	v, err := l.Evaluate(ctx, in)
	if err != nil {
		return 0, err
	}
	return clamp(float64(v.Score) / 10), nil
}

// Evaluate returns the model's verdict for an item.
func (l *LLM) Evaluate(ctx context.Context, in Input) (Verdict, error) {
	body := in.Body
	if len(body) > 600 {
		body = body[:600] + "..."
	}
	prompt := fmt.Sprintf(itemPrompt, in.Source, orNone(in.Priority), in.Title, orNone(body), orNone(in.URL))

	var raw string
	var err error
	switch l.provider {
	case "anthropic":
		raw, err = l.callAnthropic(ctx, prompt)
	default:
		raw, err = l.callOpenAI(ctx, prompt)
	}
	if err != nil {
		return Verdict{}, err
	}

	raw = stripFence(strings.TrimSpace(raw))
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, fmt.Errorf("parse llm response: %w\nraw: %s", err, truncateStr(raw, 500))
	}
	if v.Score < 0 || v.Score > 10 {
		return Verdict{}, fmt.Errorf("llm score %d out of range", v.Score)
	}
	return v, nil
}

func (l *LLM) callOpenAI(ctx context.Context, prompt string) (string, error) {
	baseURL := l.baseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}

	payload := map[string]any{
		"model": l.model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"temperature": 0.1,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + l.apiKey}
	if err := l.post(ctx, "openai", baseURL+"/v1/chat/completions", headers, payload, &result); err != nil {
		return "", err
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return result.Choices[0].Message.Content, nil
}

func (l *LLM) callAnthropic(ctx context.Context, prompt string) (string, error) {
	baseURL := l.baseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}

	payload := map[string]any{
		"model":      l.model,
		"max_tokens": 256,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	headers := map[string]string{
		"x-api-key":         l.apiKey,
		"anthropic-version": "2023-06-01",
	}
	if err := l.post(ctx, "anthropic", baseURL+"/v1/messages", headers, payload, &result); err != nil {
		return "", err
	}
	if len(result.Content) == 0 {
		return "", fmt.Errorf("anthropic: no content returned")
	}
	return result.Content[0].Text, nil
}

func (l *LLM) post(ctx context.Context, name, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("%s status %d: %v", name, resp.StatusCode, errResp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", name, err)
	}
	return nil
}

// stripFence removes a markdown code fence around a model answer.
func stripFence(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	if idx := strings.Index(raw[3:], "\n"); idx >= 0 {
		raw = raw[3+idx+1:]
	}
	raw = strings.TrimSuffix(raw, "```")
	return strings.TrimSpace(raw)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
