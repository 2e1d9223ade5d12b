package dispatch

import (
	"context"
	"log"
	"sync"

	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/Abraxas-365/relayflow/pkg/metrics"
)

const (
	DefaultWorkers     = 8
	DefaultMailboxSize = 100
)

// Handler processes one trigger. flowexec.Scheduler.Advance fits.
type Handler func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error)

type Options struct {
	Workers     int
	MailboxSize int
}

// Dispatcher keeps one mailbox per conversation. A mailbox is worked by at
// most one worker at a time, so triggers of a conversation run in arrival
// order while different conversations share a fixed number of workers.
type Dispatcher struct {
	handle Handler
	opts   Options

	mu       sync.Mutex
	cond     *sync.Cond
	boxes    map[kernel.ConversationID]*mailbox
	ready    []kernel.ConversationID
	started  bool
	stopping bool
	wg       sync.WaitGroup
}

type mailbox struct {
	jobs    []*job
	running bool
	// space is closed when a job leaves a full mailbox
	space   chan struct{}
}

func (mb *mailbox) wake() {
	if mb.space != nil {
		close(mb.space)
		mb.space = nil
	}
}

type job struct {
	ctx    context.Context
	tr     engine.Trigger
	future *Future
}

func NewDispatcher(handle Handler, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = DefaultMailboxSize
	}
	d := &Dispatcher{
		handle: handle,
		opts:   opts,
		boxes:  make(map[kernel.ConversationID]*mailbox),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.opts.Workers; i++ {
		d.wg.Add(1)
		go d.work(i)
	}
	log.Printf("▶️  Dispatcher started with %d workers", d.opts.Workers)
}

// Submit queues tr for the conversation. The future completes when the
// trigger has been processed. A full mailbox makes Submit wait for room
// until ctx is done; the trigger is never dropped while ctx is alive.
func (d *Dispatcher) Submit(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*Future, error) {
	for {
		d.mu.Lock()
		if d.stopping {
			d.mu.Unlock()
			return nil, engine.ErrDispatcherStopped()
		}
		mb, ok := d.boxes[id]
		if !ok {
			mb = &mailbox{}
			d.boxes[id] = mb
		}
		if len(mb.jobs) < d.opts.MailboxSize {
			f := d.enqueue(ctx, id, mb, tr)
			d.mu.Unlock()
			return f, nil
		}
		if mb.space == nil {
			mb.space = make(chan struct{})
		}
		space := mb.space
		d.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return nil, engine.ErrMailboxFull().
				WithDetail("conversation_id", id.String()).
				WithDetail("size", d.opts.MailboxSize).
				WithDetail("error", ctx.Err().Error())
		}
	}
}

// enqueue must be called with d.mu held.
func (d *Dispatcher) enqueue(ctx context.Context, id kernel.ConversationID, mb *mailbox, tr engine.Trigger) *Future {
	f := &Future{done: make(chan struct{})}
	mb.jobs = append(mb.jobs, &job{ctx: ctx, tr: tr, future: f})
	metrics.MailboxDepth.Inc()

	if !mb.running {
		mb.running = true
		d.ready = append(d.ready, id)
		d.cond.Signal()
	}
	return f
}

// Do submits tr and waits for its result.
func (d *Dispatcher) Do(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) (*engine.ExecutionResult, error) {
	f, err := d.Submit(ctx, id, tr)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Stop rejects new triggers and waits until queued ones are processed or
// ctx is done.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	for _, mb := range d.boxes {
		mb.wake()
	}
	d.cond.Broadcast()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("⏹️  Dispatcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(n int) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for len(d.ready) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.ready) == 0 {
			d.mu.Unlock()
			return
		}
		id := d.ready[0]
		d.ready = d.ready[1:]
		mb := d.boxes[id]
		j := mb.jobs[0]
		mb.jobs = mb.jobs[1:]
		mb.wake()
		d.mu.Unlock()

		metrics.MailboxDepth.Dec()
		d.run(id, j)

		d.mu.Lock()
		if len(mb.jobs) > 0 {
			// Back of the line so one busy conversation cannot starve the rest.
			d.ready = append(d.ready, id)
			d.cond.Signal()
		} else {
			mb.running = false
			delete(d.boxes, id)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) run(id kernel.ConversationID, j *job) {
	if err := j.ctx.Err(); err != nil {
		j.future.complete(nil, err)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("❌ Trigger %s for conversation %s panicked: %v", j.tr.Kind(), id, p)
			j.future.complete(nil, engine.ErrAdvanceFailed().WithDetail("panic", p))
		}
	}()
	res, err := d.handle(j.ctx, id, j.tr)
	if err != nil {
		log.Printf("❌ Trigger %s for conversation %s failed: %v", j.tr.Kind(), id, err)
	}
	j.future.complete(res, err)
}

// ============================================================================
// Future
// ============================================================================

// Future is the pending result of a submitted trigger.
type Future struct {
	done chan struct{}
	once sync.Once
	res  *engine.ExecutionResult
	err  error
}

func (f *Future) complete(res *engine.ExecutionResult, err error) {
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the trigger has been processed or ctx is done.
func (f *Future) Wait(ctx context.Context) (*engine.ExecutionResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
