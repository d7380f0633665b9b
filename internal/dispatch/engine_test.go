package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/example/dispatch/internal/envelope"
	"github.com/example/dispatch/internal/nonce"
	"github.com/example/dispatch/internal/observability"
	"github.com/example/dispatch/internal/presence"
	"github.com/example/dispatch/internal/store"
	"github.com/example/dispatch/internal/validate"
	"github.com/example/dispatch/pkg/dispatchapi"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeArchiver struct {
	calls []string
	err   error
}

func (f *fakeArchiver) ArchiveResult(_ context.Context, _, taskID, _ string, _ map[string]any) error {
	f.calls = append(f.calls, taskID)
	return f.err
}

func newTestEngine(t *testing.T) (*Engine, *fakeArchiver) {
	t.Helper()
	guard := nonce.NewMemoryGuard()
	codec, err := envelope.New(testSecret, guard)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	arch := &fakeArchiver{}
	eng, err := NewEngine(Options{
		Store:    store.NewMemoryStore(),
		Guard:    guard,
		Codec:    codec,
		Presence: presence.NewTracker(),
		Archiver: arch,
		Metrics:  observability.NewRegistry(),
		Logger:   log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return eng, arch
}

func TestEngineEnqueueValidation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name string
		req  dispatchapi.EnqueueTaskRequest
	}{
		{"bad owner", dispatchapi.EnqueueTaskRequest{OwnerID: "abc/../etc", Type: "post_listing"}},
		{"empty type", dispatchapi.EnqueueTaskRequest{OwnerID: "acct-1", Type: "   "}},
		{"dangerous type", dispatchapi.EnqueueTaskRequest{OwnerID: "acct-1", Type: "<script>alert(1)</script>"}},
		{"dangerous payload", dispatchapi.EnqueueTaskRequest{
			OwnerID: "acct-1", Type: "post_listing",
			Payload: map[string]any{"q": "'; DROP TABLE users; --"},
		}},
	}
	for _, tc := range cases {
		if _, err := eng.Enqueue(ctx, tc.req); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: err = %v, want ErrInvalidInput", tc.name, err)
		}
	}
}

func TestEngineEnqueueAssignsID(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	task, err := eng.Enqueue(ctx, dispatchapi.EnqueueTaskRequest{
		OwnerID:  "acct-1",
		Type:     "post_listing",
		Payload:  map[string]any{"title": "bike"},
		Priority: 4,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !validate.ValidateTaskID(task.ID) {
		t.Fatalf("generated id %q fails task id validation", task.ID)
	}
	if task.Status != store.StatusPending || task.Priority != 4 {
		t.Fatalf("enqueued task = %+v", task)
	}

	other, err := eng.Enqueue(ctx, dispatchapi.EnqueueTaskRequest{OwnerID: "acct-1", Type: "post_listing"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.ID == other.ID {
		t.Fatalf("task ids collide: %s", task.ID)
	}
}

func TestEnginePollReturnsVerifiableEnvelopes(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	for _, priority := range []int{1, 5, 3} {
		if _, err := eng.Enqueue(ctx, dispatchapi.EnqueueTaskRequest{
			OwnerID:  "acct-1",
			Type:     "post_listing",
			Payload:  map[string]any{"priority": float64(priority)},
			Priority: priority,
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	resp, err := eng.Poll(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if resp.Returned != 3 {
		t.Fatalf("returned %d envelopes, want 3", resp.Returned)
	}
	wantPriorities := []int{5, 3, 1}
	// Workers verify with their own codec instance and replay cache.
	workerCodec, err := envelope.New(testSecret, nonce.NewMemoryGuard())
	if err != nil {
		t.Fatalf("worker codec: %v", err)
	}
	for i, env := range resp.Envelopes {
		if env.Priority != wantPriorities[i] {
			t.Fatalf("envelope[%d].Priority = %d, want %d", i, env.Priority, wantPriorities[i])
		}
		task, err := workerCodec.Verify(ctx, env)
		if err != nil {
			t.Fatalf("verify envelope[%d]: %v", i, err)
		}
		if task.Payload["priority"] != float64(wantPriorities[i]) {
			t.Fatalf("envelope[%d] payload = %v", i, task.Payload)
		}
	}

	// A poll does not claim tasks.
	again, err := eng.Poll(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if again.Returned != 3 {
		t.Fatalf("second poll returned %d, want 3", again.Returned)
	}
}

func TestEngineReportStatusArchivesOnce(t *testing.T) {
	eng, arch := newTestEngine(t)
	ctx := context.Background()

	task, err := eng.Enqueue(ctx, dispatchapi.EnqueueTaskRequest{OwnerID: "acct-1", Type: "post_listing"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{TaskID: task.ID, Status: store.StatusProcessing}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	if len(arch.calls) != 0 {
		t.Fatalf("non-terminal report archived: %v", arch.calls)
	}

	resp, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{
		TaskID: task.ID,
		Status: store.StatusCompleted,
		Result: map[string]any{"url": "https://example.com/listing/1"},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !resp.OK || resp.PreviousStatus != store.StatusProcessing {
		t.Fatalf("report response = %+v", resp)
	}
	if len(arch.calls) != 1 || arch.calls[0] != task.ID {
		t.Fatalf("archive calls = %v, want one for %s", arch.calls, task.ID)
	}

	// The repeated report is acknowledged but does not archive again.
	repeat, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{TaskID: task.ID, Status: store.StatusCompleted})
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if !repeat.OK {
		t.Fatalf("repeat report not acknowledged")
	}
	if len(arch.calls) != 1 {
		t.Fatalf("repeat terminal report archived again: %v", arch.calls)
	}
}

func TestEngineReportStatusArchiveFailureDoesNotFailReport(t *testing.T) {
	eng, arch := newTestEngine(t)
	arch.err = errors.New("bucket unavailable")
	ctx := context.Background()

	task, err := eng.Enqueue(ctx, dispatchapi.EnqueueTaskRequest{OwnerID: "acct-1", Type: "post_listing"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	resp, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{TaskID: task.ID, Status: store.StatusFailed})
	if err != nil {
		t.Fatalf("report with failing archiver: %v", err)
	}
	if !resp.OK {
		t.Fatalf("report not acknowledged despite archive failure")
	}
}

func TestEngineReportStatusErrors(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{TaskID: "nope", Status: store.StatusCompleted}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad task id err = %v, want ErrInvalidInput", err)
	}
	if _, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{TaskID: NewTaskID(), Status: "archived"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad status err = %v, want ErrInvalidInput", err)
	}
	if _, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{TaskID: NewTaskID(), Status: store.StatusCompleted}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}
}

func TestEngineRetry(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	task, err := eng.Enqueue(ctx, dispatchapi.EnqueueTaskRequest{OwnerID: "acct-1", Type: "scrape_inbox"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := eng.ReportStatus(ctx, dispatchapi.ReportStatusRequest{TaskID: task.ID, Status: store.StatusProcessing}); err != nil {
		t.Fatalf("processing: %v", err)
	}
	retried, err := eng.RetryTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != store.StatusPending || retried.RetryCount != 1 {
		t.Fatalf("retried task = %+v", retried)
	}
	if _, err := eng.RetryTask(ctx, "bogus-id"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad id retry err = %v, want ErrInvalidInput", err)
	}
}

func TestEnginePresenceAndStats(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	hb, err := eng.Heartbeat("acct-1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !hb.OK || hb.Timestamp == 0 {
		t.Fatalf("heartbeat response = %+v", hb)
	}
	pr, err := eng.Presence("acct-1")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !pr.Online || pr.LastHeartbeat != hb.Timestamp {
		t.Fatalf("presence = %+v, heartbeat at %d", pr, hb.Timestamp)
	}
	offline, err := eng.Presence("acct-2")
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if offline.Online || offline.LastHeartbeat != 0 {
		t.Fatalf("unknown account presence = %+v", offline)
	}

	if _, err := eng.Enqueue(ctx, dispatchapi.EnqueueTaskRequest{OwnerID: "acct-1", Type: "post_listing"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stats, err := eng.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.ByStatus[store.StatusPending] != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if v, ok := gaugeValue(eng.metrics, "agents_online"); !ok || v != 1 {
		t.Fatalf("agents_online gauge = %v (present=%v), want 1", v, ok)
	}
}

func gaugeValue(reg *observability.Registry, name string) (float64, bool) {
	for _, p := range reg.Snapshot().Gauges {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

func TestEngineSweeps(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	if _, err := eng.SweepNonces(ctx); err != nil {
		t.Fatalf("nonce sweep: %v", err)
	}
	stats, err := eng.CleanupTasks(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if stats.Abandoned != 0 || stats.Terminal != 0 {
		t.Fatalf("cleanup on empty store = %+v", stats)
	}
}
