package timers

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/Abraxas-365/relayflow/pkg/metrics"
	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepSpec  = "@every 1s"
	DefaultSweepBatch = 100
	DefaultRetryDelay = 5 * time.Second
)

// FireFunc advances the conversation with a TimerExpired trigger and returns
// once it has been handled, e.g. through dispatch.Dispatcher.Do.
type FireFunc func(ctx context.Context, id kernel.ConversationID, tr engine.Trigger) error

// Sweeper periodically claims due timers and fires them.
type Sweeper struct {
	store Store
	fire  FireFunc
	clock engine.Clock
	spec  string
	batch int

	retryDelay time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

func NewSweeper(store Store, fire FireFunc, clock engine.Clock, spec string) *Sweeper {
	if clock == nil {
		clock = engine.SystemClock{}
	}
	if spec == "" {
		spec = DefaultSweepSpec
	}
	return &Sweeper{
		store: store,
		fire:  fire,
		clock: clock,
		spec:  spec,
		batch: DefaultSweepBatch,

		retryDelay: DefaultRetryDelay,
	}
}

// Start schedules the sweep with the configured cron spec.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		log.Println("⚠️  Timer sweeper already running")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.spec, func() { s.Sweep(ctx) }); err != nil {
		return errx.Wrap(err, "invalid timer sweep spec", errx.TypeValidation).
			WithDetail("sweep_spec", s.spec)
	}
	c.Start()
	s.cron = c
	s.running = true
	log.Printf("⏰ Timer sweeper started (%s)", s.spec)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	log.Println("⏹️  Timer sweeper stopped")
}

// Sweep fires every timer due now and returns how many were handled. Timers
// are fired concurrently; the sweep waits for all of them. A timer whose
// trigger fails is put back and fires again after the retry delay.
func (s *Sweeper) Sweep(ctx context.Context) int {
	now := s.clock.Now()
	due, err := s.store.ClaimDue(ctx, now, s.batch)
	if err != nil {
		log.Printf("❌ Failed to claim due timers: %v", err)
		return 0
	}

	var (
		wg    sync.WaitGroup
		fired int64
	)
	for _, t := range due {
		wg.Add(1)
		go func(t engine.Timer) {
			defer wg.Done()
			tr := engine.TimerExpired{AwaitingID: t.AwaitingID, FiredAt: now}
			if err := s.fire(ctx, t.ConversationID, tr); err != nil {
				log.Printf("❌ Failed to fire timer %s for conversation %s: %v", t.AwaitingID, t.ConversationID, err)
				s.putBack(ctx, t, now)
				return
			}
			metrics.TimersFired.Inc()
			atomic.AddInt64(&fired, 1)
		}(t)
	}
	wg.Wait()
	return int(fired)
}

// putBack reschedules a claimed timer. It outlives ctx so a shutdown in the
// middle of a sweep does not lose the timer.
func (s *Sweeper) putBack(ctx context.Context, t engine.Timer, now time.Time) {
	t.Deadline = now.Add(s.retryDelay)
	if err := s.store.Schedule(context.WithoutCancel(ctx), t); err != nil {
		log.Printf("❌ Failed to reschedule timer %s: %v", t.AwaitingID, err)
	}
}
