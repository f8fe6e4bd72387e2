package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tradingagents/analysisd/pipeline"
	"github.com/tradingagents/analysisd/progress"
	"github.com/tradingagents/analysisd/queue"
	"github.com/tradingagents/analysisd/registry"
	"github.com/tradingagents/analysisd/store"
	"github.com/tradingagents/analysisd/task"
)

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []queue.Envelope
	fail     bool
}

func (q *fakeQueue) Enqueue(_ context.Context, env queue.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail {
		return errors.New("queue unavailable")
	}
	q.enqueued = append(q.enqueued, env)
	return nil
}

func (q *fakeQueue) QueueStats(context.Context) (queue.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Stats{Queued: len(q.enqueued)}, nil
}

func (q *fakeQueue) UserQueueStatus(context.Context, string) (queue.UserStatus, error) {
	return queue.UserStatus{Limit: queue.DefaultUserLimit, AvailableSlots: queue.DefaultUserLimit}, nil
}

func testService(t *testing.T) (*Service, *registry.Registry, *store.Store, *fakeQueue) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	q := &fakeQueue{}
	svc := New(reg, progress.NewFileStore(t.TempDir()), st, q, nil)
	return svc, reg, st, q
}

func validParams() task.Params {
	return task.Params{
		Analysts: []pipeline.Analyst{pipeline.AnalystMarket},
		Depth:    pipeline.DepthStandard,
		Provider: pipeline.ProviderDashScope,
	}
}

func TestSubmit(t *testing.T) {
	ctx := context.Background()
	svc, reg, st, q := testService(t)

	tk, err := svc.Submit(ctx, "alice", "aapl", validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tk.Symbol != "AAPL" {
		t.Fatalf("symbol = %s, want uppercased", tk.Symbol)
	}
	if tk.Status != task.StatusPending {
		t.Fatalf("status = %s, want pending", tk.Status)
	}
	if tk.EstimatedSeconds <= 0 {
		t.Fatal("estimate should be computed at submission")
	}

	if _, ok := reg.Get(tk.ID); !ok {
		t.Fatal("task missing from registry")
	}
	if _, err := st.GetTask(ctx, tk.ID); err != nil {
		t.Fatalf("task missing from store: %v", err)
	}
	if len(q.enqueued) != 1 || q.enqueued[0].TaskID != tk.ID {
		t.Fatalf("task not enqueued: %+v", q.enqueued)
	}
}

func TestSubmitValidationLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	svc, reg, st, q := testService(t)

	if _, err := svc.Submit(ctx, "alice", "  ", validParams()); err == nil {
		t.Fatal("empty symbol should be rejected")
	}
	if _, err := svc.Submit(ctx, "alice", "AAPL", task.Params{}); err == nil {
		t.Fatal("empty analyst list should be rejected")
	}

	if n := len(reg.List(registry.Filter{})); n != 0 {
		t.Fatalf("registry has %d tasks after rejected submissions", n)
	}
	tasks, err := st.ListTasks(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("store has %d tasks after rejected submissions", len(tasks))
	}
	if len(q.enqueued) != 0 {
		t.Fatal("nothing should reach the queue")
	}
}

func TestSubmitBatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _, q := testService(t)

	batch, tasks, errs, err := svc.SubmitBatch(ctx, "alice", []string{"AAPL", "", "TSLA"}, validParams())
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("submitted %d tasks, want 2", len(tasks))
	}
	if errs[1] == nil {
		t.Fatal("empty symbol should report a per-entry error")
	}
	if len(q.enqueued) != 2 {
		t.Fatalf("enqueued %d, want 2", len(q.enqueued))
	}

	got, err := svc.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Total != 3 || got.Failed != 1 {
		t.Fatalf("batch counters = %+v, want total 3 failed 1", got)
	}
	for _, tk := range tasks {
		if tk.BatchID != batch.ID {
			t.Fatalf("task %s missing batch id", tk.ID)
		}
	}
}

func TestGetStatusMergesTiers(t *testing.T) {
	ctx := context.Background()
	svc, reg, st, _ := testService(t)

	tk, err := svc.Submit(ctx, "alice", "AAPL", validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// The worker has moved the live view ahead of the durable one.
	running := task.StatusRunning
	pct := 35
	step := "Market Analyst"
	if _, err := reg.Apply(tk.ID, registry.Update{Status: &running, Progress: &pct, CurrentStep: &step}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	status, err := svc.GetStatus(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.Source != "memory" {
		t.Fatalf("source = %s, want memory", status.Source)
	}
	if status.Task.Progress != 35 || status.Task.Status != task.StatusRunning {
		t.Fatalf("merged view = %s/%d, want running/35", status.Task.Status, status.Task.Progress)
	}

	// After a restart only the durable row remains.
	reg.Remove(tk.ID)
	status, err = svc.GetStatus(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get status after restart: %v", err)
	}
	if status.Source != "store" {
		t.Fatalf("source = %s, want store", status.Source)
	}

	if _, err := svc.GetStatus(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown task error = %v, want ErrNotFound", err)
	}
	_ = st
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	svc, _, st, _ := testService(t)

	tk, err := svc.Submit(ctx, "alice", "AAPL", validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Cancel(ctx, tk.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := st.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	if err := svc.Cancel(ctx, tk.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("second cancel = %v, want ErrAlreadyTerminal", err)
	}
	if err := svc.Cancel(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown = %v, want ErrNotFound", err)
	}
}

func TestListMergesRegistryOverStore(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, _ := testService(t)

	a, err := svc.Submit(ctx, "alice", "AAPL", validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.Submit(ctx, "bob", "TSLA", validParams()); err != nil {
		t.Fatalf("submit: %v", err)
	}

	running := task.StatusRunning
	pct := 50
	if _, err := reg.Apply(a.ID, registry.Update{Status: &running, Progress: &pct}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	tasks, err := svc.List(ctx, store.Filter{UserID: "alice"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("listed %d tasks, want 1", len(tasks))
	}
	if tasks[0].Status != task.StatusRunning || tasks[0].Progress != 50 {
		t.Fatalf("live view should win: %s/%d", tasks[0].Status, tasks[0].Progress)
	}
}

func TestListPaginatesMergedResult(t *testing.T) {
	ctx := context.Background()
	svc, reg, _, _ := testService(t)

	var ids []string
	for _, symbol := range []string{"AAPL", "MSFT", "NVDA", "TSLA"} {
		tk, err := svc.Submit(ctx, "alice", symbol, validParams())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, tk.ID)
	}
	// Two durable-only rows, as after a restart.
	reg.Remove(ids[0])
	reg.Remove(ids[1])

	// Two registry-only tasks whose durable write never landed.
	for _, symbol := range []string{"AMZN", "GOOG"} {
		tk, err := task.New("alice", symbol, validParams(), time.Now())
		if err != nil {
			t.Fatalf("new task: %v", err)
		}
		reg.Create(tk)
		ids = append(ids, tk.ID)
	}

	// Two pages of three must partition all six tasks: offset applies to
	// the merged result, not to the durable query alone.
	seen := map[string]int{}
	for _, offset := range []int{0, 3} {
		page, err := svc.List(ctx, store.Filter{UserID: "alice", Limit: 3, Offset: offset})
		if err != nil {
			t.Fatalf("list offset %d: %v", offset, err)
		}
		if len(page) != 3 {
			t.Fatalf("page at offset %d has %d tasks, want 3", offset, len(page))
		}
		for _, tk := range page {
			seen[tk.ID]++
		}
	}
	if len(seen) != len(ids) {
		t.Fatalf("pages covered %d distinct tasks, want %d", len(seen), len(ids))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s appeared on %d pages", id, n)
		}
	}

	// Past the end of the merged result the page is empty.
	page, err := svc.List(ctx, store.Filter{UserID: "alice", Limit: 3, Offset: 6})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("page past the end has %d tasks", len(page))
	}
}

func TestCleanupZombies(t *testing.T) {
	ctx := context.Background()
	svc, reg, st, _ := testService(t)

	tk, err := svc.Submit(ctx, "alice", "AAPL", validParams())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := st.SetRunning(ctx, tk.ID, "w1"); err != nil {
		t.Fatalf("set running: %v", err)
	}

	report, err := svc.CleanupZombies(ctx, 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if report.Total == 0 {
		t.Fatal("zero max-running should reclaim the running task")
	}

	got, _ := st.GetTask(ctx, tk.ID)
	if got.Status != task.StatusFailed {
		t.Fatalf("status = %s, want failed after zombie cleanup", got.Status)
	}
	_ = reg
}
