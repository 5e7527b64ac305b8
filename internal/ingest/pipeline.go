// Package ingest accepts workflow messages, queues them and applies their
// reports through the coordinator with retry and dead-lettering.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cumulusdata/cumulus/internal/cumulus"
	"github.com/cumulusdata/cumulus/internal/dualwrite"
	"github.com/cumulusdata/cumulus/internal/message"
	"github.com/cumulusdata/cumulus/internal/reconcile"
)

const (
	defaultWorkers     = 2
	defaultMaxAttempts = 3
	defaultRetryDelay  = time.Second
)

// Reporter applies resolved reports. *dualwrite.Coordinator implements it.
type Reporter interface {
	WriteExecutionReport(ctx context.Context, e cumulus.Execution) (dualwrite.WriteResult[cumulus.Execution], error)
	WritePdrReport(ctx context.Context, p cumulus.Pdr) (dualwrite.WriteResult[cumulus.Pdr], error)
	WriteGranuleReport(ctx context.Context, g cumulus.Granule) (dualwrite.WriteResult[cumulus.Granule], error)
}

type Options struct {
	Queue       Queue
	Workers     int
	MaxAttempts int
	RetryDelay  time.Duration
	Now         func() time.Time
}

type Accepted struct {
	Status        string `json:"status"`
	ID            string `json:"id"`
	CorrelationID string `json:"correlationId,omitempty"`
}

type DeadLetter struct {
	EnvelopeID    string    `json:"envelopeId"`
	ExecutionArn  string    `json:"executionArn,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	FailedAt      time.Time `json:"failedAt"`
	AttemptCount  int       `json:"attemptCount"`
	LastError     string    `json:"lastError"`

	envelope Envelope
}

// Applied lists the resolver outcome of every report in one message.
type Applied struct {
	Execution reconcile.Outcome
	Pdr       reconcile.Outcome
	Granules  map[string]reconcile.Outcome
}

type Pipeline struct {
	reporter    Reporter
	queue       Queue
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	logger      zerolog.Logger

	mu          sync.Mutex
	deadLetters map[string]DeadLetter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func NewPipeline(reporter Reporter, opts Options) *Pipeline {
	p := &Pipeline{
		reporter:    reporter,
		queue:       opts.Queue,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		now:         opts.Now,
		logger:      zerolog.Nop(),
		deadLetters: map[string]DeadLetter{},
	}
	if p.queue == nil {
		p.queue = NewInMemoryQueue(defaultQueueCapacity)
	}
	if p.workers <= 0 {
		p.workers = defaultWorkers
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = defaultMaxAttempts
	}
	if p.retryDelay <= 0 {
		p.retryDelay = defaultRetryDelay
	}
	if p.now == nil {
		p.now = time.Now
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *Pipeline) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}

// Start launches the workers. It is a no-op after the first call.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Close stops the workers and releases the queue. Pending retries are
// dropped; durable queues keep whatever was not dequeued.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		err = p.queue.Close()
	})
	return err
}

func (p *Pipeline) QueueDepth() int {
	return p.queue.Depth()
}

func (p *Pipeline) QueueCapacity() int {
	return p.queue.Capacity()
}

// Submit validates the message envelope and queues it.
func (p *Pipeline) Submit(ctx context.Context, body []byte, correlationID string) (Accepted, error) {
	if _, err := message.Parse(body); err != nil {
		CounterMessages.WithLabelValues("rejected").Inc()
		return Accepted{}, err
	}
	e := Envelope{
		ID:            uuid.NewString(),
		Body:          append([]byte(nil), body...),
		ReceivedAt:    p.now().UTC(),
		CorrelationID: correlationID,
	}
	if !p.queue.TryEnqueue(e) {
		CounterMessages.WithLabelValues("queue_full").Inc()
		return Accepted{}, ErrQueueFull
	}
	CounterMessages.WithLabelValues("accepted").Inc()
	GaugeQueueDepth.Set(float64(p.queue.Depth()))
	return Accepted{Status: "queued", ID: e.ID, CorrelationID: correlationID}, nil
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		e, ok := p.queue.Dequeue(p.ctx)
		if !ok {
			return
		}
		GaugeQueueDepth.Set(float64(p.queue.Depth()))
		p.handle(p.ctx, e)
	}
}

func (p *Pipeline) handle(ctx context.Context, e Envelope) {
	e.Attempt++
	start := time.Now()
	_, err := p.Process(ctx, e)
	HistogramProcessSeconds.Observe(time.Since(start).Seconds())
	if err == nil {
		CounterMessages.WithLabelValues("processed").Inc()
		return
	}
	log := p.logger.With().Str("envelope_id", e.ID).Int("attempt", e.Attempt).Logger()
	if permanent(err) || e.Attempt >= p.maxAttempts {
		log.Error().Err(err).Msg("workflow message dead-lettered")
		p.deadLetter(e, err)
		return
	}
	log.Warn().Err(err).Dur("retry_in", p.retryDelay).Msg("workflow message failed, retrying")
	CounterMessages.WithLabelValues("retried").Inc()
	p.scheduleRetry(e)
}

// permanent errors cannot succeed on redelivery.
func permanent(err error) bool {
	return errors.Is(err, cumulus.ErrInvalidInput)
}

func (p *Pipeline) scheduleRetry(e Envelope) {
	time.AfterFunc(p.retryDelay, func() {
		if p.ctx.Err() != nil {
			return
		}
		if p.queue.TryEnqueue(e) {
			return
		}
		if !p.queue.Enqueue(p.ctx, e) && p.ctx.Err() == nil {
			p.deadLetter(e, ErrQueueFull)
		}
	})
}

func (p *Pipeline) deadLetter(e Envelope, err error) {
	CounterMessages.WithLabelValues("dead_lettered").Inc()
	dl := DeadLetter{
		EnvelopeID:    e.ID,
		CorrelationID: e.CorrelationID,
		FailedAt:      p.now().UTC(),
		AttemptCount:  e.Attempt,
		LastError:     err.Error(),
		envelope:      e,
	}
	if m, parseErr := message.Parse(e.Body); parseErr == nil {
		dl.ExecutionArn = m.ExecutionArn()
	}
	p.mu.Lock()
	p.deadLetters[e.ID] = dl
	p.mu.Unlock()
}

// Process applies one message: the execution first, then the PDR, then
// every granule, so the references the later reports carry resolve. Granule
// failures do not stop the remaining granules.
func (p *Pipeline) Process(ctx context.Context, e Envelope) (Applied, error) {
	m, err := message.Parse(e.Body)
	if err != nil {
		return Applied{}, err
	}
	reports, err := m.Reports(p.now())
	if err != nil {
		return Applied{}, err
	}
	var applied Applied
	execRes, err := p.reporter.WriteExecutionReport(ctx, reports.Execution)
	if err != nil {
		return applied, fmt.Errorf("execution %s: %w", reports.Execution.Arn, err)
	}
	applied.Execution = execRes.Outcome

	if reports.Pdr != nil {
		pdrRes, err := p.reporter.WritePdrReport(ctx, *reports.Pdr)
		if err != nil {
			return applied, fmt.Errorf("pdr %s: %w", reports.Pdr.PdrName, err)
		}
		applied.Pdr = pdrRes.Outcome
	}

	var errs []error
	for _, g := range reports.Granules {
		res, err := p.reporter.WriteGranuleReport(ctx, g)
		if err != nil {
			errs = append(errs, fmt.Errorf("granule %s: %w", g.GranuleID, err))
			continue
		}
		if applied.Granules == nil {
			applied.Granules = map[string]reconcile.Outcome{}
		}
		applied.Granules[g.GranuleID] = res.Outcome
	}
	return applied, errors.Join(errs...)
}

// DeadLetters returns the newest dead letters first.
func (p *Pipeline) DeadLetters(limit int) []DeadLetter {
	p.mu.Lock()
	items := make([]DeadLetter, 0, len(p.deadLetters))
	for _, dl := range p.deadLetters {
		items = append(items, dl)
	}
	p.mu.Unlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].FailedAt.Equal(items[j].FailedAt) {
			return items[i].EnvelopeID < items[j].EnvelopeID
		}
		return items[i].FailedAt.After(items[j].FailedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// Replay requeues a dead-lettered message with a fresh attempt budget.
func (p *Pipeline) Replay(ctx context.Context, envelopeID string) (Accepted, error) {
	p.mu.Lock()
	dl, ok := p.deadLetters[envelopeID]
	if !ok {
		p.mu.Unlock()
		return Accepted{}, fmt.Errorf("dead letter %s: %w", envelopeID, cumulus.ErrRecordNotFound)
	}
	delete(p.deadLetters, envelopeID)
	p.mu.Unlock()

	e := dl.envelope
	e.Attempt = 0
	if !p.queue.TryEnqueue(e) {
		p.mu.Lock()
		p.deadLetters[envelopeID] = dl
		p.mu.Unlock()
		return Accepted{}, ErrQueueFull
	}
	CounterMessages.WithLabelValues("replayed").Inc()
	return Accepted{Status: "queued", ID: e.ID, CorrelationID: e.CorrelationID}, nil
}
