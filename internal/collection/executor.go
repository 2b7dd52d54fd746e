package collection

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/franz/music-collection/internal/util"
)

// DefaultQueryWorkers is the number of goroutines running async queries
const DefaultQueryWorkers = 4

const executorQueueSize = 64

type queryJob struct {
	ctx context.Context
	q   *QueryMaker
}

type queryDelivery struct {
	q   *QueryMaker
	res *Result
	err error
}

// Executor runs async queries on a fixed worker pool. Results are handed to a
// single delivery goroutine so callbacks never run concurrently. Workers never
// wait for that goroutine, so a callback may start further queries.
type Executor struct {
	metrics *Metrics

	mu     sync.RWMutex // guards closed against sends on jobs
	closed bool

	jobs    chan queryJob
	workers *pool.Pool

	pendingMu sync.Mutex
	pending   []queryDelivery
	wake      chan struct{}
	idle      chan struct{} // closed once every worker has returned
	delivered chan struct{}
}

// NewExecutor starts workers query workers and the delivery goroutine
func NewExecutor(workers int, metrics *Metrics) *Executor {
	if workers <= 0 {
		workers = DefaultQueryWorkers
	}
	e := &Executor{
		metrics:    metrics,
		jobs:      make(chan queryJob, executorQueueSize),
		workers:   pool.New().WithMaxGoroutines(workers),
		wake:      make(chan struct{}, 1),
		idle:      make(chan struct{}),
		delivered: make(chan struct{}),
	}
	for range workers {
		e.workers.Go(e.work)
	}
	go e.deliver()
	return e
}

func (e *Executor) submit(ctx context.Context, q *QueryMaker) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return util.ErrClosed
	}
	select {
	case e.jobs <- queryJob{ctx: ctx, q: q}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) work() {
	for job := range e.jobs {
		var res *Result
		var err error
		start := time.Now()

		if job.q.Aborted() {
			err = util.ErrAborted
		} else {
			var pc panics.Catcher
			pc.Try(func() { res, err = job.q.execute(job.ctx) })
			if rec := pc.Recovered(); rec != nil {
				util.ErrorLog("Query %s panicked: %v", job.q.Type(), rec.Value)
				res, err = nil, rec.AsError()
			}
		}

		e.metrics.recordQuery(job.q.Type().String(), outcome(err), time.Since(start))
		e.push(queryDelivery{q: job.q, res: res, err: err})
	}
}

func (e *Executor) push(d queryDelivery) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, d)
	e.pendingMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Executor) takePending() []queryDelivery {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	batch := e.pending
	e.pending = nil
	return batch
}

func (e *Executor) deliver() {
	defer close(e.delivered)
	for {
		batch := e.takePending()
		for _, d := range batch {
			d.q.deliver(d.res, d.err)
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-e.wake:
		case <-e.idle:
			e.pendingMu.Lock()
			n := len(e.pending)
			e.pendingMu.Unlock()
			if n == 0 {
				return
			}
		}
	}
}

// Close waits for queued queries to finish and stops the goroutines. It must
// not be called from a query callback.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.jobs)
	e.mu.Unlock()

	e.workers.Wait()
	close(e.idle)
	<-e.delivered
}
