package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultNtfyServer is the public ntfy instance.
const DefaultNtfyServer = "https://ntfy.sh"

// StatusError is returned when a channel endpoint answers with a non-2xx
// status.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Service, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Service, e.StatusCode, e.Body)
}

// NtfyClient publishes plain-text messages to ntfy topics.
type NtfyClient struct {
	server     string
	httpClient *http.Client
}

// NewNtfyClient creates a client for the given server. A nil httpClient
// selects one with a 5 second timeout.
func NewNtfyClient(server string, httpClient *http.Client) *NtfyClient {
	if server == "" {
		server = DefaultNtfyServer
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &NtfyClient{server: strings.TrimRight(server, "/"), httpClient: httpClient}
}

// Publish posts msg.Plain to topic with the title, priority and tags headers.
func (c *NtfyClient) Publish(ctx context.Context, topic string, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.server+"/"+topic, strings.NewReader(msg.Plain))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.Title != "" {
		req.Header.Set("Title", msg.Title)
	}
	if msg.Priority != "" {
		req.Header.Set("Priority", msg.Priority)
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Service: "ntfy", StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
