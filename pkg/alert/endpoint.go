package alert

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// endpoint is an HTTP URL accepting JSON notifications.
type endpoint struct {
	name   string
	url    string
	client *http.Client
}

func newEndpoint(name, url string) endpoint {
	return endpoint{name: name, url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// post delivers body and fails on any non-2xx reply.
func (e endpoint) post(ctx context.Context, body []byte, header map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create %s request: %w", e.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "newsledger/1.0")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", e.name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s status %d", e.name, resp.StatusCode)
	}
	return nil
}
