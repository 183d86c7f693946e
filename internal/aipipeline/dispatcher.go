package aipipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/listflow/model"
)

// ErrQueueFull is returned by Submit when every worker is busy and the
// backlog is at capacity.
var ErrQueueFull = errors.New("ai dispatcher queue full")

// ErrDispatcherClosed is returned by Submit after Close.
var ErrDispatcherClosed = errors.New("ai dispatcher closed")

// Job is the unit of work a dispatcher runs: the AI call followed by the
// commit that moves the item out of AI_PROCESSING.
type Job func(ctx context.Context) (model.Item, error)

// Ticket tracks one submitted job.
type Ticket struct {
	ID     string
	ItemID string

	done chan struct{}
	item model.Item
	err  error
}

// Done is closed once the job has finished.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Result returns the job outcome. It is only meaningful after Done is closed.
func (t *Ticket) Result() (model.Item, error) {
	<-t.done
	return t.item, t.err
}

// Finished reports whether the job has completed without blocking.
func (t *Ticket) Finished() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

type task struct {
	ticket *Ticket
	job    Job
}

// Dispatcher is a bounded worker pool for asynchronous AI processing.
// Finished tickets stay queryable by ID for the retention period.
type Dispatcher struct {
	logger    *zap.Logger
	timeout   time.Duration
	retention time.Duration

	queue  chan task
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	tickets map[string]*Ticket
	expires map[string]time.Time
}

// DispatcherConfig sizes a Dispatcher. Zero values take defaults.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single job, AI call included.
	Timeout time.Duration
	// Retention is how long a finished ticket remains available to Ticket.
	Retention time.Duration
}

// NewDispatcher starts the workers. Call Close to stop them.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:    logger,
		timeout:   cfg.Timeout,
		retention: cfg.Retention,
		queue:     make(chan task, cfg.QueueSize),
		cancel:    cancel,
		tickets:   make(map[string]*Ticket),
		expires:   make(map[string]time.Time),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	return d
}

// Submit enqueues job for itemID. It never blocks: when the backlog is full
// it returns ErrQueueFull.
func (d *Dispatcher) Submit(itemID string, job Job) (*Ticket, error) {
	t := &Ticket{ID: uuid.NewString(), ItemID: itemID, done: make(chan struct{})}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDispatcherClosed
	}
	select {
	case d.queue <- task{ticket: t, job: job}:
	default:
		return nil, ErrQueueFull
	}
	d.gc()
	d.tickets[t.ID] = t
	return t, nil
}

// Ticket looks up a ticket by ID.
func (d *Dispatcher) Ticket(id string) (*Ticket, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tickets[id]
	return t, ok
}

// Close stops accepting work, cancels running jobs and waits for the workers
// to drain. Queued jobs that never started finish with context.Canceled.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for tk := range d.queue {
		d.run(ctx, tk)
	}
}

func (d *Dispatcher) run(parent context.Context, tk task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("ai job panicked",
				zap.String("ticket_id", tk.ticket.ID),
				zap.String("item_id", tk.ticket.ItemID),
				zap.Any("panic", r),
			)
			d.finish(tk.ticket, model.Item{}, model.NewInternalError())
		}
	}()

	if err := parent.Err(); err != nil {
		d.finish(tk.ticket, model.Item{}, err)
		return
	}
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	item, err := tk.job(ctx)
	d.finish(tk.ticket, item, err)
}

func (d *Dispatcher) finish(t *Ticket, item model.Item, err error) {
	t.item, t.err = item, err
	close(t.done)

	d.mu.Lock()
	d.expires[t.ID] = time.Now().Add(d.retention)
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("ai job failed",
			zap.String("ticket_id", t.ID),
			zap.String("item_id", t.ItemID),
			zap.Error(err),
		)
	}
}

// gc drops finished tickets past their retention. Lock held.
func (d *Dispatcher) gc() {
	now := time.Now()
	for id, exp := range d.expires {
		if now.After(exp) {
			delete(d.expires, id)
			delete(d.tickets, id)
		}
	}
}

// Resolved returns a ticket that has already finished with the given
// outcome. It lets callers treat synchronous and queued work uniformly.
func Resolved(itemID string, item model.Item, err error) *Ticket {
	t := &Ticket{ID: uuid.NewString(), ItemID: itemID, done: make(chan struct{}), item: item, err: err}
	close(t.done)
	return t
}
