// Package heartbeat keeps the agent's presence fresh on the control plane.
package heartbeat

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	baseURL    string
	ownerID    string
	apiToken   string
	interval   time.Duration
	httpClient *http.Client
}

func New(baseURL, ownerID, apiToken string, interval time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		ownerID:    ownerID,
		apiToken:   strings.TrimSpace(apiToken),
		interval:   interval,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Start sends an immediate heartbeat and then one per interval until the
// context is cancelled. Failures are logged; the next tick retries.
func (c *Client) Start(ctx context.Context) {
	if err := c.Send(ctx); err != nil {
		log.Printf("heartbeat failed: %v", err)
	}
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.Send(ctx); err != nil {
				log.Printf("heartbeat failed: %v", err)
			}
		}
	}
}

func (c *Client) Send(ctx context.Context) error {
	url := c.baseURL + "/v1/agents/" + c.ownerID + "/heartbeat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &heartbeatError{status: resp.Status}
	}
	return nil
}

type heartbeatError struct {
	status string
}

func (e *heartbeatError) Error() string {
	return "heartbeat request failed: " + e.status
}
