// Package agent runs the worker side of the dispatch loop: poll for signed
// envelopes, verify them, execute the matching handler and report the result.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/example/dispatch/internal/envelope"
	"github.com/example/dispatch/internal/nonce"
	"github.com/example/dispatch/internal/observability"
	"github.com/example/dispatch/pkg/dispatchapi"
	"github.com/example/dispatch/worker/internal/config"
	"github.com/example/dispatch/worker/internal/heartbeat"
	"github.com/example/dispatch/worker/internal/telemetry"
)

// Handler executes one task type. The returned document becomes the task's
// result on the control plane.
type Handler func(ctx context.Context, task dispatchapi.Task) (map[string]any, error)

type Agent struct {
	cfg        config.Config
	codec      *envelope.Codec
	hb         *heartbeat.Client
	tel        telemetry.Client
	handlers   map[string]Handler
	httpClient *http.Client
	metrics    *observability.Registry

	reportAttempts int
	reportBackoff  time.Duration
}

func New(cfg config.Config, hb *heartbeat.Client, tel telemetry.Client) (*Agent, error) {
	// The agent keeps its own replay cache: a resent envelope is rejected
	// here even if the control plane signed it twice.
	codec, err := envelope.New(cfg.WorkerSecret, nonce.NewMemoryGuard())
	if err != nil {
		return nil, fmt.Errorf("agent codec: %w", err)
	}
	if tel == nil {
		tel = telemetry.NewNop()
	}
	return &Agent{
		cfg:            cfg,
		codec:          codec,
		hb:             hb,
		tel:            tel,
		handlers:       map[string]Handler{},
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		metrics:        observability.Default,
		reportAttempts: 3,
		reportBackoff:  500 * time.Millisecond,
	}, nil
}

// Register binds a handler to a task type. Later registrations replace
// earlier ones.
func (a *Agent) Register(taskType string, h Handler) {
	a.handlers[taskType] = h
}

func (a *Agent) Run(ctx context.Context) error {
	go a.hb.Start(ctx)
	t := time.NewTicker(a.cfg.PollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if err := a.pollAndRun(ctx); err != nil {
				log.Printf("poll failed: %v", err)
			}
		}
	}
}

func (a *Agent) pollAndRun(ctx context.Context) error {
	url := strings.TrimRight(a.cfg.ControlPlaneBaseURL, "/") +
		"/v1/tasks/poll?owner_id=" + a.cfg.OwnerID +
		"&limit=" + strconv.Itoa(a.cfg.MaxTasksPerPoll)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	a.setAuth(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(resp.Status)
	}

	var poll dispatchapi.PollTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&poll); err != nil {
		return err
	}

	for _, env := range poll.Envelopes {
		task, err := a.codec.Verify(ctx, env)
		if err != nil {
			// A rejected envelope is never executed and never retried
			// locally. Repeats of an already consumed nonce land here too.
			reason, severity := envelope.ClassifyFailure(err)
			log.Printf("security event severity=%s reason=%s task=%s: %v", severity, reason, env.TaskID, err)
			a.tel.Incr("agent.envelope.rejected." + reason)
			a.metrics.IncCounter("envelope_verify_failures_total", map[string]string{"reason": reason}, 1)
			continue
		}
		a.runTask(ctx, task)
	}
	return nil
}

func (a *Agent) runTask(ctx context.Context, task dispatchapi.Task) {
	handler, ok := a.handlers[task.Type]
	if !ok {
		log.Printf("no handler for task type %q, failing task %s", task.Type, task.ID)
		a.report(ctx, task.ID, "failed", map[string]any{"error": "unsupported task type " + task.Type})
		return
	}

	a.report(ctx, task.ID, "processing", nil)
	result, err := handler(ctx, task)
	if err != nil {
		log.Printf("task %s failed: %v", task.ID, err)
		a.tel.Incr("agent.task.failed")
		a.report(ctx, task.ID, "failed", map[string]any{"error": err.Error()})
		return
	}
	a.tel.Incr("agent.task.executed")
	a.report(ctx, task.ID, "completed", result)
}

// report delivers a status update, retrying transport failures and 5xx
// responses with a linear backoff. A 4xx is final and is not retried.
func (a *Agent) report(ctx context.Context, taskID, status string, result map[string]any) {
	body, err := json.Marshal(dispatchapi.ReportStatusRequest{
		TaskID: taskID,
		Status: status,
		Result: result,
	})
	if err != nil {
		log.Printf("report marshal failed task=%s: %v", taskID, err)
		return
	}
	url := strings.TrimRight(a.cfg.ControlPlaneBaseURL, "/") + "/v1/tasks/report"

	var lastErr error
	for attempt := 1; attempt <= a.reportAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				log.Printf("report abandoned task=%s status=%s: %v", taskID, status, ctx.Err())
				return
			case <-time.After(a.reportBackoff * time.Duration(attempt-1)):
			}
		}
		retry, err := a.sendReport(ctx, url, body)
		if err == nil {
			return
		}
		lastErr = err
		if !retry {
			log.Printf("report rejected task=%s status=%s: %v", taskID, status, err)
			return
		}
		log.Printf("report attempt %d failed task=%s status=%s: %v", attempt, taskID, status, err)
	}
	a.tel.Incr("agent.report.dropped")
	log.Printf("report dropped after %d attempts task=%s status=%s: %v", a.reportAttempts, taskID, status, lastErr)
}

func (a *Agent) sendReport(ctx context.Context, url string, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.setAuth(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return true, statusError(resp.Status)
	}
	if resp.StatusCode >= 300 {
		return false, statusError(resp.Status)
	}
	return false, nil
}

func (a *Agent) setAuth(req *http.Request) {
	if a.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIToken)
	}
	if a.cfg.WorkerID != "" {
		req.Header.Set("X-Worker-ID", a.cfg.WorkerID)
		req.Header.Set("X-Worker-Secret", a.cfg.WorkerAuthSecret)
	}
}

func statusError(status string) error {
	return &agentError{status: status}
}

type agentError struct {
	status string
}

func (e *agentError) Error() string {
	return "control-plane request failed: " + e.status
}
