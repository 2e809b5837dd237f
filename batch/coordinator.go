package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/abiiranathan/ocrharvest/convert"
	"github.com/google/uuid"
)

// Converter turns one job into an outcome. It must not panic.
type Converter interface {
	ExtractText(ctx context.Context, job convert.Job) convert.Outcome
}

// Ledger is the subset of the progress ledger the coordinator drives.
type Ledger interface {
	Resolver
	Flush() error
	Clear() error
}

// IndexRebuilder rebuilds the search index from the text store.
type IndexRebuilder interface {
	Rebuild(ctx context.Context) (int, error)
}

// Config controls a batch run. Zero durations take the defaults below.
type Config struct {
	InputDir   string
	Extensions []string

	Workers          int           // default 2
	ProgressInterval time.Duration // default 5m
	PollInterval     time.Duration // default 1s
	JoinTimeout      time.Duration // per worker, default 5s
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 5 * time.Second
	}
	return c
}

// Summary reports what a run did.
type Summary struct {
	RunID     string
	State     State
	Total     int // jobs enumerated
	Succeeded int
	Failed    int
	Skipped   int
	Abandoned int // workers that did not join in time
	Indexed   int
	IndexErr  error
	Elapsed   time.Duration
}

// Done is the number of jobs with an outcome.
func (s Summary) Done() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// message is a queue entry: a job or a stop sentinel.
type message struct {
	job  convert.Job
	stop bool
}

// tally counts outcomes across workers.
type tally struct {
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
}

func (t *tally) add(out convert.Outcome) {
	switch out.Kind {
	case convert.KindSucceeded:
		t.succeeded.Add(1)
	case convert.KindFailed:
		t.failed.Add(1)
	default:
		t.skipped.Add(1)
	}
}

func (t *tally) done() int64 {
	return t.succeeded.Load() + t.failed.Load() + t.skipped.Load()
}

// Coordinator runs one batch at a time.
type Coordinator struct {
	cfg     Config
	conv    Converter
	ledger  Ledger
	indexer IndexRebuilder
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	state State
}

// NewCoordinator wires a coordinator. indexer may be nil to skip indexing.
func NewCoordinator(cfg Config, conv Converter, ledger Ledger, indexer IndexRebuilder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:     cfg.withDefaults(),
		conv:    conv,
		ledger:  ledger,
		indexer: indexer,
		logger:  logger,
		now:     time.Now,
	}
}

// State returns the current run state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isValidTransition(c.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.state, to)
	}
	c.state = to
	return nil
}

// Run enumerates, converts and indexes. Cancelling ctx interrupts the run:
// no new jobs are handed out, in-flight jobs finish, and the ledger is
// flushed. The returned error is non-nil only when the run could not start.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.state = StateIdle
	}
	c.mu.Unlock()

	start := c.now()
	sum := Summary{RunID: uuid.New().String()[:8]}
	log := c.logger.With("run", sum.RunID)
	finish := func(state State) (Summary, error) {
		sum.State = state
		sum.Elapsed = c.now().Sub(start)
		return sum, nil
	}

	if err := c.transition(StateEnumerating); err != nil {
		return sum, err
	}
	log.Info("enumerating documents", "dir", c.cfg.InputDir, "extensions", c.cfg.Extensions)

	jobs, err := Enumerate(ctx, c.cfg.InputDir, c.cfg.Extensions, c.ledger)
	if err != nil {
		if ctx.Err() != nil {
			return c.interrupted(log, &sum, start, 0)
		}
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return sum, fmt.Errorf("enumerate: %w", err)
	}
	sum.Total = len(jobs)
	log.Info("documents pending", "count", len(jobs))

	if len(jobs) == 0 {
		if err := c.transition(StateCompleted); err != nil {
			return sum, err
		}
		c.complete(ctx, log, &sum)
		return finish(StateCompleted)
	}

	if err := c.transition(StateDispatching); err != nil {
		return sum, err
	}

	workers := min(c.cfg.Workers, len(jobs))
	queue := make(chan message, 2*workers)
	quit := make(chan struct{})
	var counts tally
	dones := make([]chan struct{}, workers)

	log.Info("starting workers", "workers", workers)
	for i := range workers {
		dones[i] = make(chan struct{})
		go c.worker(i+1, log, queue, quit, &counts, dones[i])
	}

	enqueued := make(chan struct{})
	go func() {
		defer close(enqueued)
		for _, job := range jobs {
			select {
			case queue <- message{job: job}:
			case <-ctx.Done():
				return
			}
		}
		for range workers {
			select {
			case queue <- message{stop: true}:
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := c.transition(StateDraining); err != nil {
		close(quit)
		return sum, err
	}

	interrupted := c.drain(ctx, log, int64(len(jobs)), &counts, start)
	if interrupted {
		close(quit)
		<-enqueued
		sum.Abandoned = c.join(log, dones)
		c.tallyInto(&sum, &counts)
		return c.interrupted(log, &sum, start, sum.Abandoned)
	}

	<-enqueued
	sum.Abandoned = c.join(log, dones)
	c.tallyInto(&sum, &counts)

	if err := c.transition(StateCompleted); err != nil {
		return sum, err
	}
	c.complete(ctx, log, &sum)
	return finish(StateCompleted)
}

// worker drains queue until it reads a stop message or quit is closed.
// Jobs run with a context that ignores cancellation so no job is cut short.
func (c *Coordinator) worker(id int, log *slog.Logger, queue <-chan message, quit <-chan struct{},
	counts *tally, done chan<- struct{}) {
	defer close(done)
	log = log.With("worker", id)
	jobCtx := context.WithoutCancel(context.Background())

	for {
		select {
		case <-quit:
			return
		default:
		}

		var msg message
		select {
		case msg = <-queue:
		case <-quit:
			return
		}
		if msg.stop {
			log.Debug("worker stopping")
			return
		}

		// quit may have been closed while both cases were ready.
		select {
		case <-quit:
			return
		default:
		}

		out := c.conv.ExtractText(jobCtx, msg.job)
		counts.add(out)
		log.Debug("job finished", "file", msg.job.Path, "outcome", out.Kind.String(), "reason", out.Reason)
	}
}

// drain waits until every job has an outcome, logging progress. It returns
// true if ctx was cancelled first.
func (c *Coordinator) drain(ctx context.Context, log *slog.Logger, total int64, counts *tally, start time.Time) bool {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	lastReport := start

	for {
		if counts.done() >= total {
			return false
		}

		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
		}

		now := c.now()
		if now.Sub(lastReport) >= c.cfg.ProgressInterval {
			lastReport = now
			done := counts.done()
			pct, eta := progress(done, total, now.Sub(start))
			attrs := []any{
				"done", done,
				"total", total,
				"percent", fmt.Sprintf("%.1f", pct),
				"succeeded", counts.succeeded.Load(),
				"failed", counts.failed.Load(),
			}
			if done > 0 {
				attrs = append(attrs, "eta", eta.Round(time.Second))
			}
			log.Info("batch progress", attrs...)
		}
	}
}

// progress returns percent complete and a linear estimate of time left.
func progress(done, total int64, elapsed time.Duration) (float64, time.Duration) {
	if total <= 0 {
		return 100, 0
	}
	pct := float64(done) / float64(total) * 100
	if done <= 0 {
		return pct, 0
	}
	perJob := elapsed / time.Duration(done)
	return pct, perJob * time.Duration(total-done)
}

// join waits up to JoinTimeout for each worker and returns how many were
// abandoned.
func (c *Coordinator) join(log *slog.Logger, dones []chan struct{}) int {
	abandoned := 0
	for i, done := range dones {
		timer := time.NewTimer(c.cfg.JoinTimeout)
		select {
		case <-done:
		case <-timer.C:
			abandoned++
			log.Warn("worker did not stop in time, abandoning", "worker", i+1, "timeout", c.cfg.JoinTimeout)
		}
		timer.Stop()
	}
	return abandoned
}

func (c *Coordinator) tallyInto(sum *Summary, counts *tally) {
	sum.Succeeded = int(counts.succeeded.Load())
	sum.Failed = int(counts.failed.Load())
	sum.Skipped = int(counts.skipped.Load())
}

func (c *Coordinator) interrupted(log *slog.Logger, sum *Summary, start time.Time, abandoned int) (Summary, error) {
	c.mu.Lock()
	c.state = StateInterrupted
	c.mu.Unlock()

	if err := c.ledger.Flush(); err != nil {
		log.Warn("unable to flush ledger", "error", err)
	}
	sum.State = StateInterrupted
	sum.Elapsed = c.now().Sub(start)
	log.Warn("batch interrupted", "done", sum.Done(), "total", sum.Total, "abandoned", abandoned)
	return *sum, nil
}

// complete rebuilds the index and clears the ledger. The ledger is kept if
// indexing failed or a worker was abandoned.
func (c *Coordinator) complete(ctx context.Context, log *slog.Logger, sum *Summary) {
	log.Info("batch completed",
		"succeeded", sum.Succeeded, "failed", sum.Failed, "skipped", sum.Skipped)

	if c.indexer != nil {
		n, err := c.indexer.Rebuild(ctx)
		sum.Indexed = n
		if err != nil {
			sum.IndexErr = err
			if ctx.Err() != nil {
				log.Warn("index rebuild interrupted, keeping ledger", "indexed", n)
				if err := c.ledger.Flush(); err != nil {
					log.Warn("unable to flush ledger", "error", err)
				}
				return
			}
			log.Error("index rebuild failed, keeping ledger", "error", err)
			return
		}
	}

	if sum.Abandoned > 0 {
		log.Warn("keeping ledger, workers were abandoned", "abandoned", sum.Abandoned)
		return
	}
	if err := c.ledger.Clear(); err != nil {
		log.Warn("unable to clear ledger", "error", err)
	}
}
