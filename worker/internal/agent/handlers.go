package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/example/dispatch/pkg/dispatchapi"
)

// RegisterDefaults wires the built-in task handlers. Deployments replace or
// extend these with Register before calling Run.
func (a *Agent) RegisterDefaults() {
	a.Register("post_listing", HandlePostListing)
	a.Register("scrape_inbox", HandleScrapeInbox)
	a.Register("send_message", HandleSendMessage)
}

func HandlePostListing(ctx context.Context, task dispatchapi.Task) (map[string]any, error) {
	title, ok := task.Payload["title"].(string)
	if !ok || title == "" {
		return nil, fmt.Errorf("post_listing payload missing title")
	}
	return map[string]any{
		"posted_title": title,
		"posted_at":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func HandleScrapeInbox(ctx context.Context, task dispatchapi.Task) (map[string]any, error) {
	return map[string]any{
		"messages_found": 0,
		"scraped_at":     time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func HandleSendMessage(ctx context.Context, task dispatchapi.Task) (map[string]any, error) {
	recipient, ok := task.Payload["recipient"].(string)
	if !ok || recipient == "" {
		return nil, fmt.Errorf("send_message payload missing recipient")
	}
	body, _ := task.Payload["body"].(string)
	return map[string]any{
		"recipient": recipient,
		"length":    len(body),
		"sent_at":   time.Now().UTC().Format(time.RFC3339),
	}, nil
}
