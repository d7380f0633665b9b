// Package dispatch wires the queue, the security envelope, presence tracking
// and input validation into the operations the HTTP layer exposes.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/dispatch/internal/archive"
	"github.com/example/dispatch/internal/envelope"
	"github.com/example/dispatch/internal/nonce"
	"github.com/example/dispatch/internal/observability"
	"github.com/example/dispatch/internal/presence"
	"github.com/example/dispatch/internal/store"
	"github.com/example/dispatch/internal/validate"
	"github.com/example/dispatch/pkg/dispatchapi"
)

// ErrInvalidInput marks requests rejected by validation. The HTTP layer maps
// it to a 400.
var ErrInvalidInput = errors.New("invalid input")

const defaultPollLimit = 10

type Options struct {
	Store           store.Store
	Guard           nonce.Guard
	Codec           *envelope.Codec
	Presence        *presence.Tracker
	Archiver        archive.Archiver
	Metrics         *observability.Registry
	Logger          *log.Logger
	EncryptPayloads bool
}

// Engine is the control-plane core. Every inbound request passes through
// validation before touching the store, and every outbound task leaves inside
// a signed envelope.
type Engine struct {
	store           store.Store
	guard           nonce.Guard
	codec           *envelope.Codec
	presence        *presence.Tracker
	archiver        archive.Archiver
	metrics         *observability.Registry
	logger          *log.Logger
	encryptPayloads bool
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("dispatch: store is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("dispatch: envelope codec is required")
	}
	if opts.Presence == nil {
		opts.Presence = presence.NewTracker()
	}
	if opts.Archiver == nil {
		opts.Archiver = archive.Noop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.Default
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Engine{
		store:           opts.Store,
		guard:           opts.Guard,
		codec:           opts.Codec,
		presence:        opts.Presence,
		archiver:        opts.Archiver,
		metrics:         opts.Metrics,
		logger:          opts.Logger,
		encryptPayloads: opts.EncryptPayloads,
	}, nil
}

// Enqueue validates the request, assigns a task ID and stores the task in the
// pending state.
func (e *Engine) Enqueue(ctx context.Context, req dispatchapi.EnqueueTaskRequest) (dispatchapi.Task, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.enqueue",
		attribute.String("task.type", req.Type),
	)
	defer span.End()

	if !validate.ValidateOwnerID(req.OwnerID) {
		return dispatchapi.Task{}, fmt.Errorf("%w: owner_id %q", ErrInvalidInput, req.OwnerID)
	}
	taskType := strings.TrimSpace(req.Type)
	if taskType == "" {
		return dispatchapi.Task{}, fmt.Errorf("%w: type is required", ErrInvalidInput)
	}
	if validate.ContainsDangerousContent(taskType) {
		return dispatchapi.Task{}, fmt.Errorf("%w: type contains dangerous content", ErrInvalidInput)
	}
	if v := validate.ValidatePayload(req.Payload); v != nil {
		e.logger.Printf("dispatch: rejected payload from owner %s: %v", req.OwnerID, v)
		e.metrics.IncCounter("payload_rejections_total", nil, 1)
		return dispatchapi.Task{}, fmt.Errorf("%w: %v", ErrInvalidInput, v)
	}

	rec, err := e.store.Enqueue(ctx, store.TaskRecord{
		ID:       NewTaskID(),
		OwnerID:  req.OwnerID,
		Type:     taskType,
		Payload:  req.Payload,
		Priority: req.Priority,
	})
	if err != nil {
		return dispatchapi.Task{}, err
	}
	e.metrics.IncCounter("tasks_enqueued_total", map[string]string{"type": taskType}, 1)
	e.logger.Printf("dispatch: enqueued %s type=%s owner=%s priority=%d", rec.ID, rec.Type, rec.OwnerID, rec.Priority)
	return recordToAPI(rec), nil
}

// Poll returns the owner's open tasks as signed envelopes, highest priority
// first. Polling does not claim tasks; delivery is at least once and a task
// stays visible until a worker reports a status for it.
func (e *Engine) Poll(ctx context.Context, ownerID string, limit int) (dispatchapi.PollTasksResponse, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.poll",
		attribute.String("task.owner", ownerID),
	)
	defer span.End()

	if !validate.ValidateOwnerID(ownerID) {
		return dispatchapi.PollTasksResponse{}, fmt.Errorf("%w: owner_id %q", ErrInvalidInput, ownerID)
	}
	if limit <= 0 || limit > 100 {
		limit = defaultPollLimit
	}
	records, err := e.store.PollPending(ctx, ownerID, limit)
	if err != nil {
		return dispatchapi.PollTasksResponse{}, err
	}
	envelopes := make([]dispatchapi.SignedEnvelope, 0, len(records))
	for _, rec := range records {
		env, err := e.codec.Sign(recordToAPI(rec), e.encryptPayloads)
		if err != nil {
			return dispatchapi.PollTasksResponse{}, fmt.Errorf("sign %s: %w", rec.ID, err)
		}
		envelopes = append(envelopes, env)
	}
	e.metrics.IncCounter("envelopes_signed_total", nil, float64(len(envelopes)))
	return dispatchapi.PollTasksResponse{
		OwnerID:   ownerID,
		Returned:  len(envelopes),
		Envelopes: envelopes,
	}, nil
}

// ReportStatus applies a worker's status report. Repeated terminal reports
// are acknowledged without changing the record. The first transition into a
// terminal state archives the result.
func (e *Engine) ReportStatus(ctx context.Context, req dispatchapi.ReportStatusRequest) (dispatchapi.ReportStatusResponse, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.report",
		attribute.String("task.id", req.TaskID),
		attribute.String("task.status", req.Status),
	)
	defer span.End()

	if !validate.ValidateTaskID(req.TaskID) {
		return dispatchapi.ReportStatusResponse{}, fmt.Errorf("%w: task_id %q", ErrInvalidInput, req.TaskID)
	}
	if !store.IsValidStatus(req.Status) {
		return dispatchapi.ReportStatusResponse{}, fmt.Errorf("%w: status %q", ErrInvalidInput, req.Status)
	}
	up, err := e.store.UpdateStatus(ctx, req.TaskID, req.Status, req.Result)
	if err != nil {
		return dispatchapi.ReportStatusResponse{}, err
	}
	if up.Changed {
		e.metrics.IncCounter("task_transitions_total", map[string]string{"to": req.Status}, 1)
		e.logger.Printf("dispatch: task %s %s -> %s", req.TaskID, up.Previous, req.Status)
	}
	if up.Changed && store.IsTerminal(req.Status) {
		// Archive failures do not fail the report: the store already holds
		// the result until the purge sweep.
		if err := e.archiver.ArchiveResult(ctx, up.Task.OwnerID, up.Task.ID, up.Task.Status, up.Task.Result); err != nil {
			e.logger.Printf("dispatch: archive %s failed: %v", req.TaskID, err)
			e.metrics.IncCounter("archive_failures_total", nil, 1)
		}
	}
	return dispatchapi.ReportStatusResponse{OK: true, PreviousStatus: up.Previous}, nil
}

// RetryTask requeues a non-terminal task and bumps its retry count.
func (e *Engine) RetryTask(ctx context.Context, taskID string) (dispatchapi.Task, error) {
	if !validate.ValidateTaskID(taskID) {
		return dispatchapi.Task{}, fmt.Errorf("%w: task_id %q", ErrInvalidInput, taskID)
	}
	rec, err := e.store.Retry(ctx, taskID)
	if err != nil {
		return dispatchapi.Task{}, err
	}
	e.metrics.IncCounter("task_retries_total", nil, 1)
	e.logger.Printf("dispatch: task %s requeued, attempt %d", taskID, rec.RetryCount)
	return recordToAPI(rec), nil
}

// GetTask looks a task up by ID.
func (e *Engine) GetTask(ctx context.Context, taskID string) (dispatchapi.Task, error) {
	if !validate.ValidateTaskID(taskID) {
		return dispatchapi.Task{}, fmt.Errorf("%w: task_id %q", ErrInvalidInput, taskID)
	}
	rec, ok, err := e.store.Get(ctx, taskID)
	if err != nil {
		return dispatchapi.Task{}, err
	}
	if !ok {
		return dispatchapi.Task{}, fmt.Errorf("%w: %s", store.ErrNotFound, taskID)
	}
	return recordToAPI(rec), nil
}

// Heartbeat records a liveness signal for the account.
func (e *Engine) Heartbeat(ownerID string) (dispatchapi.HeartbeatResponse, error) {
	if !validate.ValidateOwnerID(ownerID) {
		return dispatchapi.HeartbeatResponse{}, fmt.Errorf("%w: owner_id %q", ErrInvalidInput, ownerID)
	}
	at := e.presence.Heartbeat(ownerID)
	e.metrics.IncCounter("heartbeats_total", nil, 1)
	return dispatchapi.HeartbeatResponse{OK: true, Timestamp: at.UnixMilli()}, nil
}

// Presence reports whether the account heartbeated recently.
func (e *Engine) Presence(ownerID string) (dispatchapi.PresenceResponse, error) {
	if !validate.ValidateOwnerID(ownerID) {
		return dispatchapi.PresenceResponse{}, fmt.Errorf("%w: owner_id %q", ErrInvalidInput, ownerID)
	}
	st := e.presence.Status(ownerID)
	resp := dispatchapi.PresenceResponse{OwnerID: ownerID, Online: st.Online}
	if !st.LastHeartbeat.IsZero() {
		resp.LastHeartbeat = st.LastHeartbeat.UnixMilli()
	}
	return resp, nil
}

// Stats summarizes the queue by status.
func (e *Engine) Stats(ctx context.Context) (dispatchapi.QueueStatsResponse, error) {
	counts, err := e.store.CountByStatus(ctx)
	if err != nil {
		return dispatchapi.QueueStatsResponse{}, err
	}
	total := 0
	for status, n := range counts {
		total += n
		e.metrics.SetGauge("tasks_by_status", map[string]string{"status": status}, float64(n))
	}
	online := 0
	for _, st := range e.presence.Snapshot() {
		if st.Online {
			online++
		}
	}
	e.metrics.SetGauge("agents_online", nil, float64(online))
	return dispatchapi.QueueStatsResponse{Total: total, ByStatus: counts}, nil
}

// SweepNonces drops expired replay-cache entries.
func (e *Engine) SweepNonces(ctx context.Context) (int, error) {
	if e.guard == nil {
		return 0, nil
	}
	removed, err := e.guard.Sweep(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if sizer, ok := e.guard.(nonce.Sizer); ok {
		e.metrics.SetGauge("nonce_cache_size", nil, float64(sizer.Size()))
	}
	return removed, nil
}

// CleanupTasks purges abandoned tasks and terminal tasks past their grace
// period.
func (e *Engine) CleanupTasks(ctx context.Context) (store.CleanupStats, error) {
	stats, err := e.store.Cleanup(ctx, time.Now().UTC())
	if err != nil {
		return store.CleanupStats{}, err
	}
	if n := stats.Abandoned + stats.Terminal; n > 0 {
		e.metrics.IncCounter("tasks_purged_total", nil, float64(n))
		e.logger.Printf("dispatch: purged %d abandoned, %d terminal tasks", stats.Abandoned, stats.Terminal)
	}
	return stats, nil
}

// NewTaskID returns a fresh task identifier in the task_<32 hex> form the
// validator accepts.
func NewTaskID() string {
	id := uuid.New()
	return "task_" + strings.ReplaceAll(id.String(), "-", "")
}

func recordToAPI(rec store.TaskRecord) dispatchapi.Task {
	task := dispatchapi.Task{
		ID:         rec.ID,
		Type:       rec.Type,
		OwnerID:    rec.OwnerID,
		Payload:    rec.Payload,
		Priority:   rec.Priority,
		Status:     rec.Status,
		RetryCount: rec.RetryCount,
		Result:     rec.Result,
		CreatedAt:  rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !rec.CompletedAt.IsZero() {
		task.CompletedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return task
}
