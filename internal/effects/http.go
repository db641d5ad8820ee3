package effects

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPRecorder posts activities as JSON to an endpoint.
type HTTPRecorder struct {
	Endpoint string
	Client   *http.Client
	// Username is sent with every activity when set.
	Username string
}

type activityBody struct {
	Type     string         `json:"type"`
	Username string         `json:"username,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RecordActivity implements Recorder. Any non-2xx status is an error.
func (r *HTTPRecorder) RecordActivity(ctx context.Context, activityType string, metadata map[string]any) error {
	username := r.Username
	if u, ok := metadata["username"].(string); ok && u != "" {
		username = u
	}
	body, err := json.Marshal(activityBody{Type: activityType, Username: username, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("record activity: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("record activity: %s returned %d", r.Endpoint, resp.StatusCode)
	}
	return nil
}
