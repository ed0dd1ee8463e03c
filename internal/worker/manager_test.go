package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"certmailer/internal/models"
	"certmailer/internal/pipeline"
	"certmailer/internal/roster"
)

func TestMain(m *testing.M) {
	// google.golang.org/api pulls in opencensus, which starts its stats
	// worker at init.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

type memHistory struct {
	mu   sync.Mutex
	recs map[string]models.BatchRecord
}

func (h *memHistory) Save(ctx context.Context, rec models.BatchRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.recs == nil {
		h.recs = make(map[string]models.BatchRecord)
	}
	h.recs[rec.ID] = rec
	return nil
}

func (h *memHistory) get(id string) (models.BatchRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.recs[id]
	return rec, ok
}

func request(userID int64, names ...string) Request {
	rows := make([][2]string, 0, len(names))
	for _, n := range names {
		rows = append(rows, [2]string{n, n + "@example.com"})
	}
	return Request{UserID: userID, SourceID: "master", Roster: roster.New(rows...)}
}

// countingRun reports one progress step per eligible row and succeeds.
func countingRun(ctx context.Context, jobID string, req Request, progress pipeline.ProgressFunc) (models.BatchRun, error) {
	eligible := req.Roster.Eligible()
	run := models.BatchRun{Total: req.Roster.Total(), Failed: []models.Failure{}}
	for i, rec := range eligible {
		run.Processed++
		run.Succeeded++
		progress(float64(i+1)/float64(len(eligible)), "Mail Sent to "+rec.FullName)
	}
	return run, nil
}

func startManager(t *testing.T, run RunFunc, opts ...Option) (*Manager, func()) {
	t.Helper()
	m := NewManager(run, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return m, stop
}

func waitFor(t *testing.T, m *Manager, userID int64, id string, want Status) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap, err := m.Status(userID, id)
		if err != nil {
			t.Fatalf("Status(%s): %v", id, err)
		}
		if snap.Status == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", id, snap.Status, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFairQueueRoundRobin(t *testing.T) {
	q := newFairQueue(0)
	mk := func(id string, user int64) *job {
		return &job{req: Request{UserID: user}, snap: Snapshot{ID: id}}
	}
	for _, j := range []*job{mk("a1", 1), mk("a2", 1), mk("a3", 1), mk("b1", 2), mk("c1", 3)} {
		if err := q.push(j); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	var order []string
	for j := q.pop(); j != nil; j = q.pop() {
		order = append(order, j.snap.ID)
	}
	want := []string{"a1", "b1", "c1", "a2", "a3"}
	if len(order) != len(want) {
		t.Fatalf("order %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
	if q.len() != 0 {
		t.Fatalf("queue should be empty")
	}
}

func TestFairQueueLimitAndRemove(t *testing.T) {
	q := newFairQueue(2)
	if err := q.push(&job{req: Request{UserID: 1}, snap: Snapshot{ID: "x"}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(&job{req: Request{UserID: 2}, snap: Snapshot{ID: "y"}}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push(&job{req: Request{UserID: 3}, snap: Snapshot{ID: "z"}}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if !q.remove("x") {
		t.Fatalf("remove x failed")
	}
	if q.remove("x") {
		t.Fatalf("second remove should report false")
	}
	if j := q.pop(); j == nil || j.snap.ID != "y" {
		t.Fatalf("expected y, got %+v", j)
	}
	if q.pop() != nil {
		t.Fatalf("queue should be empty")
	}
}

func TestManagerRunsJobToCompletion(t *testing.T) {
	history := &memHistory{}
	m, _ := startManager(t, countingRun, WithHistory(history))

	snap, err := m.Submit(request(7, "Ada", "Grace"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if snap.Status != StatusQueued || snap.Eligible != 2 || snap.Total != 2 {
		t.Fatalf("unexpected initial snapshot: %+v", snap)
	}
	if snap.Label != "Mail Sent to [0/2] rows" {
		t.Fatalf("unexpected initial label %q", snap.Label)
	}

	done := waitFor(t, m, 7, snap.ID, StatusCompleted)
	if done.Fraction != 1 || done.Run == nil || done.Run.Succeeded != 2 {
		t.Fatalf("unexpected final snapshot: %+v", done)
	}
	if done.Label != "Mail Sent to Grace" {
		t.Fatalf("last label not kept: %q", done.Label)
	}
	if done.StartedAt.IsZero() || done.FinishedAt.IsZero() {
		t.Fatalf("timestamps missing: %+v", done)
	}

	rec, ok := history.get(snap.ID)
	if !ok || rec.Status != string(StatusCompleted) || rec.Succeeded != 2 || rec.FailedJSON != "[]" {
		t.Fatalf("history not recorded: %+v", rec)
	}
}

func TestManagerStatusIsScopedToUser(t *testing.T) {
	m, _ := startManager(t, countingRun)
	snap, err := m.Submit(request(1, "Ada"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Status(2, snap.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other user, got %v", err)
	}
	if _, err := m.Cancel(2, snap.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound cancelling other user's job, got %v", err)
	}
	if _, err := m.Status(1, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	waitFor(t, m, 1, snap.ID, StatusCompleted)
	if got := m.List(2); len(got) != 0 {
		t.Fatalf("user 2 should see no jobs, got %d", len(got))
	}
}

func TestManagerCancelQueuedAndRunning(t *testing.T) {
	started := make(chan string, 4)
	var mu sync.Mutex
	ran := map[string]bool{}
	run := func(ctx context.Context, jobID string, req Request, progress pipeline.ProgressFunc) (models.BatchRun, error) {
		mu.Lock()
		ran[jobID] = true
		mu.Unlock()
		started <- jobID
		<-ctx.Done()
		return models.BatchRun{Total: req.Roster.Total()}, nil
	}
	m, _ := startManager(t, run)

	first, err := m.Submit(request(1, "Ada"))
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	second, err := m.Submit(request(1, "Grace"))
	if err != nil {
		t.Fatalf("Submit second: %v", err)
	}
	if got := <-started; got != first.ID {
		t.Fatalf("expected first job to start, got %s", got)
	}

	snap, err := m.Cancel(1, second.ID)
	if err != nil || snap.Status != StatusCancelled {
		t.Fatalf("cancel queued: %+v %v", snap, err)
	}
	if _, err := m.Cancel(1, first.ID); err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	waitFor(t, m, 1, first.ID, StatusCancelled)

	// Give the runner a chance to (wrongly) pick up the cancelled job.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if ran[second.ID] {
		t.Fatalf("cancelled queued job was executed")
	}

	list := m.List(1)
	if len(list) != 2 || list[0].ID != second.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}
}

func TestManagerCancelFinishedJobIsNoop(t *testing.T) {
	m, _ := startManager(t, countingRun)
	snap, err := m.Submit(request(1, "Ada"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, m, 1, snap.ID, StatusCompleted)
	got, err := m.Cancel(1, snap.ID)
	if err != nil || got.Status != StatusCompleted {
		t.Fatalf("cancel finished: %+v %v", got, err)
	}
}

func TestManagerRunErrorAndPanic(t *testing.T) {
	run := func(ctx context.Context, jobID string, req Request, progress pipeline.ProgressFunc) (models.BatchRun, error) {
		switch req.Roster.Records[0].FullName {
		case "boom":
			panic("kaboom")
		case "err":
			return models.BatchRun{}, errors.New("no credentials")
		}
		return countingRun(ctx, jobID, req, progress)
	}
	m, _ := startManager(t, run)

	p, err := m.Submit(request(1, "boom"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e, err := m.Submit(request(1, "err"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	ok, err := m.Submit(request(1, "fine"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if snap := waitFor(t, m, 1, p.ID, StatusFailed); snap.Error == "" {
		t.Fatalf("panic not reported: %+v", snap)
	}
	if snap := waitFor(t, m, 1, e.ID, StatusFailed); snap.Error != "no credentials" {
		t.Fatalf("unexpected error: %q", snap.Error)
	}
	waitFor(t, m, 1, ok.ID, StatusCompleted)
}

func TestManagerQueueFull(t *testing.T) {
	block := make(chan struct{})
	started := make(chan struct{}, 1)
	run := func(ctx context.Context, jobID string, req Request, progress pipeline.ProgressFunc) (models.BatchRun, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return models.BatchRun{}, nil
	}
	m, _ := startManager(t, run, WithQueueSize(1))
	defer close(block)

	if _, err := m.Submit(request(1, "a")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if _, err := m.Submit(request(1, "b")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Submit(request(1, "c")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := len(m.List(1)); got != 2 {
		t.Fatalf("rejected job should not be listed, got %d jobs", got)
	}
}

func TestManagerShutdownCancelsQueuedJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	run := func(ctx context.Context, jobID string, req Request, progress pipeline.ProgressFunc) (models.BatchRun, error) {
		started <- struct{}{}
		<-ctx.Done()
		return models.BatchRun{}, nil
	}
	history := &memHistory{}
	m, stop := startManager(t, run, WithHistory(history))

	running, err := m.Submit(request(1, "a"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	queued, err := m.Submit(request(1, "b"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stop()

	for _, id := range []string{running.ID, queued.ID} {
		snap, err := m.Status(1, id)
		if err != nil || snap.Status != StatusCancelled {
			t.Fatalf("job %s after shutdown: %+v %v", id, snap, err)
		}
		if rec, ok := history.get(id); !ok || rec.Status != string(StatusCancelled) {
			t.Fatalf("history for %s not updated: %+v", id, rec)
		}
	}
	if _, err := m.Submit(request(1, "c")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestManagerSubmitDuringShutdownNeverStrandsJobs(t *testing.T) {
	for round := 0; round < 20; round++ {
		m, stop := startManager(t, countingRun, WithQueueSize(64))

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			accepted []string
		)
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				snap, err := m.Submit(request(int64(i%3+1), "a"))
				if err != nil {
					if !errors.Is(err, ErrStopped) {
						t.Errorf("Submit: %v", err)
					}
					return
				}
				mu.Lock()
				accepted = append(accepted, snap.ID)
				mu.Unlock()
			}()
		}
		stop()
		wg.Wait()

		for _, id := range accepted {
			snap, err := findAnyUser(m, id)
			if err != nil {
				t.Fatalf("round %d: job %s: %v", round, id, err)
			}
			if !snap.Status.Finished() {
				t.Fatalf("round %d: job %s left %s after shutdown", round, id, snap.Status)
			}
		}
		if n := m.queue.len(); n != 0 {
			t.Fatalf("round %d: %d jobs left in queue", round, n)
		}
	}
}

func findAnyUser(m *Manager, id string) (Snapshot, error) {
	for userID := int64(1); userID <= 3; userID++ {
		if snap, err := m.Status(userID, id); err == nil {
			return snap, nil
		}
	}
	return Snapshot{}, ErrNotFound
}

func TestManagerRetention(t *testing.T) {
	m, _ := startManager(t, countingRun, WithRetention(2))
	var ids []string
	for _, name := range []string{"a", "b", "c"} {
		snap, err := m.Submit(request(1, name))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitFor(t, m, 1, snap.ID, StatusCompleted)
		ids = append(ids, snap.ID)
	}
	if _, err := m.Status(1, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Fatalf("oldest job should be evicted, got %v", err)
	}
	if got := len(m.List(1)); got != 2 {
		t.Fatalf("expected 2 retained jobs, got %d", got)
	}
}

func TestRecordEncodesFailures(t *testing.T) {
	snap := Snapshot{
		ID:     "j",
		Status: StatusCompleted,
		Run: &models.BatchRun{
			Processed: 1,
			Failed: []models.Failure{{
				Recipient: models.Recipient{FullName: "Ada", Email: "ada@example.com"},
				Kind:      models.DeliveryError,
				Reason:    "rejected",
			}},
		},
	}
	rec := record(snap)
	if rec.Processed != 1 || rec.FailedJSON == "" || rec.FailedJSON == "[]" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}
