// Package printqueue runs print jobs one at a time per printer, in arrival
// order, with a bound on how long any single job may take.
package printqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout means a job exceeded the internal job timeout.
	ErrTimeout = errors.New("print job timed out")
	// ErrPrinterRemoved means the printer went away while the job waited.
	ErrPrinterRemoved = errors.New("printer removed")
	// ErrQueueFull means the printer already has the maximum pending jobs.
	ErrQueueFull = errors.New("print queue full")
	// ErrClosed means the queue is shutting down.
	ErrClosed = errors.New("print queue closed")
)

// Logger interface for queue operations
type Logger interface {
	Warn(msg string, context ...interface{})
	Debug(msg string, context ...interface{})
}

type nullLogger struct{}

func (nullLogger) Warn(string, ...interface{})  {}
func (nullLogger) Debug(string, ...interface{}) {}

// Options configures a Queue. Zero values take the defaults.
type Options struct {
	// JobTimeout bounds each job once it starts (default 10s).
	JobTimeout time.Duration
	// Depth is the pending-job limit per printer (default 64).
	Depth int
	// IdleTimeout stops a printer's worker after it sits empty (default 5m).
	IdleTimeout time.Duration
	Logger      Logger
}

// Queue keeps one FIFO worker per printer.
type Queue struct {
	opts Options
	log  Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type job struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

type worker struct {
	key     string
	jobs    chan *job
	removed chan struct{}
	quit    chan struct{}

	// busy is the result of a job that timed out but has not returned yet.
	// Only the worker goroutine touches it.
	busy chan error
}

// New creates an empty queue.
func New(opts Options) *Queue {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Second
	}
	if opts.Depth <= 0 {
		opts.Depth = 64
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = nullLogger{}
	}
	return &Queue{opts: opts, log: log, workers: make(map[string]*worker)}
}

// Do queues fn behind earlier jobs for key and waits for its result. A job
// keeps running if ctx is cancelled after it starts; a job still waiting is
// skipped.
//
// A job that times out is abandoned, not stopped. Jobs behind it do not start
// until it returns; if it is still running when the next job's own timeout
// expires, that job fails with ErrTimeout without running.
func (q *Queue) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	j := &job{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	w, ok := q.workers[key]
	if !ok {
		w = &worker{
			key:     key,
			jobs:    make(chan *job, q.opts.Depth),
			removed: make(chan struct{}),
			quit:    make(chan struct{}),
		}
		q.workers[key] = w
		q.wg.Add(1)
		go q.loop(w)
	}
	select {
	case w.jobs <- j:
	default:
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.mu.Unlock()

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove fails every queued and running job for key with ErrPrinterRemoved.
func (q *Queue) Remove(key string) {
	q.mu.Lock()
	w, ok := q.workers[key]
	if ok {
		delete(q.workers, key)
		close(w.removed)
	}
	q.mu.Unlock()
}

// Pending reports the jobs waiting for key, not counting a running one.
func (q *Queue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w, ok := q.workers[key]; ok {
		return len(w.jobs)
	}
	return 0
}

// Workers reports how many printers currently have a worker.
func (q *Queue) Workers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Close fails pending jobs with ErrClosed and waits for workers to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for key, w := range q.workers {
		close(w.quit)
		delete(q.workers, key)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) loop(w *worker) {
	defer q.wg.Done()
	for {
		// Removal and shutdown win over queued work.
		select {
		case <-w.removed:
			drain(w, ErrPrinterRemoved)
			return
		case <-w.quit:
			drain(w, ErrClosed)
			return
		default:
		}

		select {
		case <-w.removed:
			drain(w, ErrPrinterRemoved)
			return
		case <-w.quit:
			drain(w, ErrClosed)
			return
		case j := <-w.jobs:
			q.run(w, j)
		case <-time.After(q.opts.IdleTimeout):
			q.mu.Lock()
			if q.workers[w.key] == w && len(w.jobs) == 0 && w.busy == nil {
				delete(q.workers, w.key)
				q.mu.Unlock()
				q.log.Debug("Print worker idle, stopping", "printer", w.key)
				return
			}
			q.mu.Unlock()
		}
	}
}

// drain is only called once w is out of the map, so nothing can enqueue.
func drain(w *worker, err error) {
	for {
		select {
		case j := <-w.jobs:
			j.done <- err
		default:
			return
		}
	}
}

func (q *Queue) run(w *worker, j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(j.ctx), q.opts.JobTimeout)
	defer cancel()

	if w.busy != nil {
		select {
		case <-w.busy:
			w.busy = nil
		case <-ctx.Done():
			q.log.Warn("Printer still busy with a timed-out job", "printer", w.key)
			j.done <- ErrTimeout
			return
		case <-w.removed:
			j.done <- ErrPrinterRemoved
			return
		case <-w.quit:
			j.done <- ErrClosed
			return
		}
	}

	// A transport that ignores ctx can block forever; the worker reports the
	// timeout and keeps the call as busy until it returns.
	result := make(chan error, 1)
	go func() { result <- j.fn(ctx) }()

	var err error
	select {
	case err = <-result:
		if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = ErrTimeout
		}
	case <-ctx.Done():
		err = ErrTimeout
		w.busy = result
	case <-w.removed:
		err = ErrPrinterRemoved
	case <-w.quit:
		err = ErrClosed
	}
	if errors.Is(err, ErrTimeout) {
		q.log.Warn("Print job timed out", "printer", w.key, "timeout", q.opts.JobTimeout)
	}
	j.done <- err
}
