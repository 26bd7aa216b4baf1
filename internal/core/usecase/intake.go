package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/document-classifier/internal/core/domain"
	"github.com/kirillkom/document-classifier/internal/core/ports"
)

// QueueObserver receives intake queue measurements.
type QueueObserver interface {
	JobStarted(waited time.Duration)
	QueueDepth(pending, running int)
}

type nopQueueObserver struct{}

func (nopQueueObserver) JobStarted(time.Duration) {}
func (nopQueueObserver) QueueDepth(int, int)      {}

// IntakeQueue is a bounded worker pool with FIFO admission. A job runs start to finish on one
// worker. Jobs that came back from a run are remembered by source name and jump the line when
// their file is admitted again, keeping their id and attempt count.
type IntakeQueue struct {
	processor ports.JobProcessor
	workers   int
	observer  QueueObserver
	newID     func() string
	now       func() time.Time

	mu       sync.Mutex
	pending  []*domain.Job
	active   map[string]struct{}
	returned map[string]returnedJob
	running  int
	closed   bool
	started  bool

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

type returnedJob struct {
	job *domain.Job
	at  time.Time
}

func NewIntakeQueue(processor ports.JobProcessor, workers int, observer QueueObserver) *IntakeQueue {
	if workers <= 0 {
		workers = 2
	}
	if observer == nil {
		observer = nopQueueObserver{}
	}
	return &IntakeQueue{
		processor: processor,
		workers:   workers,
		observer:  observer,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
		active:    make(map[string]struct{}),
		returned:  make(map[string]returnedJob),
		signal:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start launches the workers. Jobs run on a context derived from ctx that shutdown never cancels.
func (q *IntakeQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	jobCtx := context.WithoutCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(jobCtx, i)
	}
}

// Admit enqueues the file at sourcePath.
func (q *IntakeQueue) Admit(sourcePath string, size int64) (*domain.Job, error) {
	name := filepath.Base(sourcePath)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, domain.WrapError(domain.ErrQueueClosed, "admit job", fmt.Errorf("document %q", name))
	}
	if _, busy := q.active[name]; busy {
		q.mu.Unlock()
		return nil, domain.WrapError(domain.ErrInvalidInput, "admit job", fmt.Errorf("document %q is already queued", name))
	}

	var job *domain.Job
	if prev, ok := q.returned[name]; ok {
		delete(q.returned, name)
		job = prev.job
		job.SourcePath = sourcePath
		job.SizeBytes = size
		job.AdmittedAt = q.now()
		q.pending = append([]*domain.Job{job}, q.pending...)
	} else {
		job = domain.NewJob(q.newID(), sourcePath, size, q.now())
		q.pending = append(q.pending, job)
	}
	q.active[name] = struct{}{}
	pending, running := len(q.pending), q.running
	q.mu.Unlock()

	q.observer.QueueDepth(pending, running)
	q.wake()
	return job, nil
}

// Len reports jobs waiting for a worker.
func (q *IntakeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *IntakeQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Shutdown stops admission, waits for in-flight jobs and returns the jobs that never started,
// so the caller can hand their files back to intake.
func (q *IntakeQueue) Shutdown(ctx context.Context) ([]*domain.Job, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, nil
	}
	q.closed = true
	unstarted := q.pending
	q.pending = nil
	for _, job := range unstarted {
		delete(q.active, job.SourceName)
	}
	clear(q.returned)
	close(q.done)
	q.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return unstarted, nil
	case <-ctx.Done():
		return unstarted, fmt.Errorf("wait for in-flight jobs: %w", ctx.Err())
	}
}

// ForgetReturned drops remembered jobs whose file was not in an intake listing taken at
// listedAt. Jobs returned after the listing are kept; their file may not have been back yet.
func (q *IntakeQueue) ForgetReturned(present []string, listedAt time.Time) int {
	seen := make(map[string]struct{}, len(present))
	for _, name := range present {
		seen[name] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	forgotten := 0
	for name, r := range q.returned {
		if _, ok := seen[name]; ok || !r.at.Before(listedAt) {
			continue
		}
		delete(q.returned, name)
		forgotten++
	}
	return forgotten
}

func (q *IntakeQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *IntakeQueue) work(ctx context.Context, worker int) {
	defer q.wg.Done()
	for {
		job, ok := q.next()
		if !ok {
			select {
			case <-q.done:
				return
			case <-q.signal:
				continue
			}
		}
		q.run(ctx, worker, job)
	}
}

func (q *IntakeQueue) next() (*domain.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.pending) == 0 {
		return nil, false
	}
	job := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.running++
	if len(q.pending) > 0 {
		q.wake()
	}
	return job, true
}

func (q *IntakeQueue) run(ctx context.Context, worker int, job *domain.Job) {
	q.observer.JobStarted(q.now().Sub(job.AdmittedAt))
	slog.Debug("job_started", "worker", worker, "job_id", job.ID, "document", job.SourceName)

	out := q.processor.Process(ctx, job)

	q.mu.Lock()
	q.running--
	delete(q.active, job.SourceName)
	if out.Terminal == domain.StageReturnedToIntake {
		q.returned[job.SourceName] = returnedJob{job: job, at: q.now()}
	}
	pending, running := len(q.pending), q.running
	q.mu.Unlock()
	q.observer.QueueDepth(pending, running)
}
