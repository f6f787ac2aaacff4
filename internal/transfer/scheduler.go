package transfer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aspect-build/teegate/internal/logx"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	defaultTimeout   = 2 * time.Minute
)

// Options configures a Scheduler. Zero values pick defaults.
type Options struct {
	Workers   int
	QueueSize int
	// Timeout bounds a single backend Transfer call.
	Timeout time.Duration
	// OnResult, if set, is called after each transfer finishes.
	OnResult func(Result)
	Now      func() time.Time
}

type job struct {
	ticket Ticket
	req    Request
}

// Scheduler runs transfers on a fixed pool of goroutines. Schedule never
// waits for a transfer to execute. There is no retry: a failed transfer is
// logged and dropped.
type Scheduler struct {
	backend Transferer
	opts    Options
	queue   chan job
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewScheduler(backend Transferer, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		backend: backend,
		opts:    opts,
		queue:   make(chan job, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Schedule validates req and queues it. The returned ticket only means the
// transfer was accepted for execution.
func (s *Scheduler) Schedule(req Request) (*Ticket, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	req.Target = strings.TrimSpace(req.Target)
	if req.Target == "" {
		return nil, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
	if v, ok := s.backend.(TargetValidator); ok {
		if err := v.ValidateTarget(req.Target); err != nil {
			return nil, err
		}
	}

	ticket := Ticket{
		ID:          uuid.NewString(),
		Worker:      req.Worker,
		Target:      req.Target,
		Amount:      req.Amount.String(),
		ScheduledAt: s.opts.Now().UTC(),
	}
	req.Amount = new(big.Int).Set(req.Amount)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return nil, ErrStopped
	}
	select {
	case s.queue <- job{ticket: ticket, req: req}:
	default:
		return nil, ErrQueueFull
	}
	logx.Infof("transfer.scheduled id=%s worker=%s target=%s amount=%s", ticket.ID, ticket.Worker, ticket.Target, ticket.Amount)
	return &ticket, nil
}

// Balance reports the backend's spendable balance.
func (s *Scheduler) Balance(ctx context.Context) (*big.Int, error) {
	return s.backend.Balance(ctx)
}

// Stop refuses new transfers and waits for queued ones to drain, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain transfer queue: %w", ctx.Err())
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		s.execute(j)
	}
}

func (s *Scheduler) execute(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.Timeout)
	defer cancel()

	ref, err := s.backend.Transfer(ctx, j.req)
	if err != nil {
		logx.Errorf("transfer.failed id=%s target=%s amount=%s: %v", j.ticket.ID, j.ticket.Target, j.ticket.Amount, err)
	} else {
		logx.Infof("transfer.done id=%s target=%s amount=%s ref=%s", j.ticket.ID, j.ticket.Target, j.ticket.Amount, ref)
	}
	if s.opts.OnResult != nil {
		s.opts.OnResult(Result{Ticket: j.ticket, TxRef: ref, Err: err})
	}
}
