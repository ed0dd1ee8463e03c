package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"certmailer/internal/models"
	"certmailer/internal/pipeline"
	"certmailer/internal/redis"
)

var (
	ErrQueueFull = errors.New("batch queue full")
	ErrNotFound  = errors.New("batch not found")
	ErrStopped   = errors.New("batch manager stopped")
)

const (
	defaultQueueSize = 16
	defaultRetention = 256
	historyTimeout   = 5 * time.Second
)

// RunFunc executes one batch. progress is called after every eligible row.
type RunFunc func(ctx context.Context, jobID string, req Request, progress pipeline.ProgressFunc) (models.BatchRun, error)

// History persists job records.
type History interface {
	Save(ctx context.Context, rec models.BatchRecord) error
}

type Option func(*Manager)

// WithCache mirrors snapshots to redis.
func WithCache(client *redis.Client) Option {
	return func(m *Manager) {
		m.cacheClient = client
	}
}

func WithHistory(h History) Option {
	return func(m *Manager) {
		m.history = h
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithQueueSize bounds the number of jobs waiting to run.
func WithQueueSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithRetention bounds how many jobs are kept in memory.
func WithRetention(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.retain = n
		}
	}
}

// Manager runs batches one at a time. All batches share one Google service
// account and one mail relay, so there is a single runner for the process.
type Manager struct {
	run         RunFunc
	queue       *fairQueue
	cache       *progressCache
	cacheClient *redis.Client
	history     History
	logger      *zap.Logger
	now         func() time.Time
	queueSize   int
	retain      int

	mu      sync.Mutex
	jobs    map[string]*job
	order   []string
	stopped bool
}

func NewManager(run RunFunc, opts ...Option) *Manager {
	m := &Manager{
		run:       run,
		logger:    zap.NewNop(),
		now:       time.Now,
		queueSize: defaultQueueSize,
		retain:    defaultRetention,
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.queue = newFairQueue(m.queueSize)
	m.cache = newProgressCache(m.cacheClient, m.logger)
	return m
}

// Submit queues a batch and returns its initial snapshot.
func (m *Manager) Submit(req Request) (Snapshot, error) {
	eligible := len(req.Roster.Eligible())
	j := &job{
		req: req,
		snap: Snapshot{
			ID:        uuid.NewString(),
			UserID:    req.UserID,
			SourceID:  string(req.SourceID),
			Status:    StatusQueued,
			Label:     fmt.Sprintf("Mail Sent to [0/%d] rows", eligible),
			Total:     req.Roster.Total(),
			Eligible:  eligible,
			CreatedAt: m.now().UTC(),
		},
	}

	// The push happens under m.mu so shutdown cannot drain the queue between
	// the stopped check and the push.
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Snapshot{}, ErrStopped
	}
	if err := m.queue.push(j); err != nil {
		m.mu.Unlock()
		return Snapshot{}, err
	}
	m.jobs[j.snap.ID] = j
	m.order = append(m.order, j.snap.ID)
	snap := j.snap
	m.mu.Unlock()

	m.logger.Info("batch queued", zap.String("job_id", snap.ID), zap.Int64("user_id", snap.UserID), zap.Int("eligible", eligible))
	m.publish(snap)
	return snap, nil
}

// Run executes queued jobs until ctx is done. Jobs still waiting at that
// point are marked cancelled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			m.shutdown()
			return nil
		}
		if j := m.queue.pop(); j != nil {
			m.execute(ctx, j)
			continue
		}
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case <-m.queue.notify:
		}
	}
}

// Status returns the job with id if it belongs to userID. Jobs evicted from
// memory are looked up in the redis mirror.
func (m *Manager) Status(userID int64, id string) (Snapshot, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	var snap Snapshot
	if ok {
		snap = j.snap
	}
	m.mu.Unlock()
	if !ok {
		cached, found := m.cache.load(id)
		if !found {
			return Snapshot{}, ErrNotFound
		}
		snap = cached
	}
	if snap.UserID != userID {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}

// List returns userID's jobs held in memory, newest first.
func (m *Manager) List(userID int64) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Snapshot
	for i := len(m.order) - 1; i >= 0; i-- {
		if j := m.jobs[m.order[i]]; j != nil && j.req.UserID == userID {
			out = append(out, j.snap)
		}
	}
	return out
}

// Cancel stops a job. A queued job is dropped immediately; a running job
// stops before its next row, and its status changes once the row in flight
// has finished. Cancelling a finished job does nothing.
func (m *Manager) Cancel(userID int64, id string) (Snapshot, error) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok || j.req.UserID != userID {
		m.mu.Unlock()
		return Snapshot{}, ErrNotFound
	}
	dropped := false
	switch j.snap.Status {
	case StatusQueued:
		// The runner may already have popped it; execute skips anything no
		// longer queued.
		m.queue.remove(id)
		j.snap.Status = StatusCancelled
		j.snap.FinishedAt = m.now().UTC()
		dropped = true
	case StatusRunning:
		if j.cancel != nil {
			j.cancel()
		}
	}
	snap := j.snap
	m.mu.Unlock()

	m.logger.Info("batch cancel requested", zap.String("job_id", id), zap.String("status", string(snap.Status)))
	if dropped {
		m.publish(snap)
	}
	return snap, nil
}

func (m *Manager) execute(ctx context.Context, j *job) {
	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if j.snap.Status != StatusQueued {
		m.mu.Unlock()
		return
	}
	j.cancel = cancel
	j.snap.Status = StatusRunning
	j.snap.StartedAt = m.now().UTC()
	snap := j.snap
	m.mu.Unlock()
	m.publish(snap)
	m.logger.Info("batch started", zap.String("job_id", snap.ID))

	progress := func(fraction float64, label string) {
		m.mu.Lock()
		j.snap.Fraction = fraction
		j.snap.Label = label
		snap := j.snap
		m.mu.Unlock()
		m.cache.store(snap)
	}
	run, err := m.safeRun(jctx, j, progress)

	m.mu.Lock()
	j.cancel = nil
	j.snap.Run = &run
	j.snap.FinishedAt = m.now().UTC()
	switch {
	case err != nil:
		j.snap.Status = StatusFailed
		j.snap.Error = err.Error()
	case jctx.Err() != nil && run.Processed < j.snap.Eligible:
		j.snap.Status = StatusCancelled
	default:
		j.snap.Status = StatusCompleted
		j.snap.Fraction = 1
	}
	snap = j.snap
	m.pruneLocked()
	m.mu.Unlock()

	m.logger.Info("batch finished",
		zap.String("job_id", snap.ID),
		zap.String("status", string(snap.Status)),
		zap.Int("processed", run.Processed),
		zap.Int("succeeded", run.Succeeded),
		zap.Int("failed", len(run.Failed)))
	m.publish(snap)
}

func (m *Manager) safeRun(ctx context.Context, j *job, progress pipeline.ProgressFunc) (run models.BatchRun, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch panicked: %v", r)
			m.logger.Error("batch panicked", zap.String("job_id", j.snap.ID), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return m.run(ctx, j.snap.ID, j.req, progress)
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.stopped = true
	var cancelled []Snapshot
	for _, j := range m.queue.drain() {
		j.snap.Status = StatusCancelled
		j.snap.FinishedAt = m.now().UTC()
		cancelled = append(cancelled, j.snap)
	}
	m.mu.Unlock()
	for _, snap := range cancelled {
		m.publish(snap)
	}
}

// publish mirrors a state change to redis and the history table.
func (m *Manager) publish(snap Snapshot) {
	m.cache.store(snap)
	if m.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := m.history.Save(ctx, record(snap)); err != nil {
		m.logger.Warn("save batch history", zap.String("job_id", snap.ID), zap.Error(err))
	}
}

// pruneLocked evicts the oldest finished jobs beyond the retention limit.
func (m *Manager) pruneLocked() {
	excess := len(m.order) - m.retain
	if excess <= 0 {
		return
	}
	for _, id := range slices.Clone(m.order) {
		if excess == 0 {
			return
		}
		if j := m.jobs[id]; j != nil && j.snap.Status.Finished() {
			m.forgetLocked(id)
			excess--
		}
	}
}

func (m *Manager) forgetLocked(id string) {
	delete(m.jobs, id)
	if i := slices.Index(m.order, id); i >= 0 {
		m.order = slices.Delete(m.order, i, i+1)
	}
}

func record(snap Snapshot) models.BatchRecord {
	rec := models.BatchRecord{
		ID:         snap.ID,
		UserID:     snap.UserID,
		SourceID:   snap.SourceID,
		Status:     string(snap.Status),
		Total:      snap.Total,
		CreatedAt:  snap.CreatedAt,
		FinishedAt: snap.FinishedAt,
	}
	if snap.Run != nil {
		rec.Processed = snap.Run.Processed
		rec.Succeeded = snap.Run.Succeeded
		if data, err := json.Marshal(snap.Run.Failed); err == nil {
			rec.FailedJSON = string(data)
		}
	}
	return rec
}
