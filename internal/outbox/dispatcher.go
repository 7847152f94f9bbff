package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/commodex/backoffice/internal/events"
)

// DispatcherStore defines what the dispatcher needs from the outbox store.
type DispatcherStore interface {
	LeaseBatch(ctx context.Context, limit int, now time.Time, staleAfter time.Duration) ([]*Record, error)
	ResolveBatch(ctx context.Context, resolutions []Resolution) error
	CountPending(ctx context.Context) (int, error)
}

// Delivery sends one envelope toward the broker and reports the broker-assigned
// message id. Implemented by broker.TopicDelivery and stream.Router.
type Delivery interface {
	Deliver(ctx context.Context, topic string, env *events.Envelope) (string, error)
}

// Config holds dispatcher tuning knobs.
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	StaleAfter     time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      100,
		PublishTimeout: 30 * time.Second,
		StaleAfter:     5 * time.Minute,
	}
}

// Dispatcher drains the outbox: lease a batch, attempt delivery per record,
// persist all outcomes in one transaction, sleep, repeat. Multiple dispatcher
// processes can run against one store; SKIP LOCKED leasing keeps their batches
// disjoint, so scaling out is just running more workers.
type Dispatcher struct {
	store    DispatcherStore
	delivery Delivery
	clock    clockwork.Clock
	config   Config
	metrics  MetricsCollector

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	nudge    chan struct{}
	wg       sync.WaitGroup
}

// DispatcherOption customizes a dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithClock injects a clock, for tests.
func WithClock(clock clockwork.Clock) DispatcherOption {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithMetrics wires a metrics collector.
func WithMetrics(m MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over the given store and delivery path.
func NewDispatcher(store DispatcherStore, delivery Delivery, cfg Config, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		delivery: delivery,
		clock:    clockwork.NewRealClock(),
		config:   cfg,
		metrics:  &NoOpMetricsCollector{},
		stopChan: make(chan struct{}),
		nudge:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the poll loop. It returns an error if already running.
// A stopped dispatcher may be started again.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)

	log.Info().
		Dur("poll_interval", d.config.PollInterval).
		Int("batch_size", d.config.BatchSize).
		Msg("outbox dispatcher started")
	return nil
}

// Stop signals the loop and waits for the in-flight batch to finish. Stop is
// observed at cycle boundaries only; no dispatch call is cancelled mid-flight.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher not running")
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()

	log.Info().Msg("outbox dispatcher stopped")
	return nil
}

// Running reports whether the poll loop is active.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Nudge wakes the dispatcher ahead of the next poll tick. Safe to call from
// any goroutine; redundant nudges coalesce.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := d.clock.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	// Shutdown is observed at cycle boundaries only: the in-flight batch runs
	// under a context that survives the signal context's cancellation, so a
	// SIGTERM never interrupts a publish or the batch's resolve transaction.
	batchCtx := context.WithoutCancel(ctx)

	// Drain whatever accumulated while the worker was down.
	d.ProcessBatch(batchCtx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-d.nudge:
			d.ProcessBatch(batchCtx)
		case <-ticker.Chan():
			d.ProcessBatch(batchCtx)
		}
	}
}

// ProcessBatch runs one lease/dispatch/resolve cycle. Exported so the wake
// listener and tests can drive cycles directly.
func (d *Dispatcher) ProcessBatch(ctx context.Context) {
	start := d.clock.Now()

	records, err := d.store.LeaseBatch(ctx, d.config.BatchSize, start, d.config.StaleAfter)
	if err != nil {
		log.Error().Err(err).Msg("failed to lease outbox batch")
		return
	}
	if len(records) == 0 {
		return
	}

	log.Debug().Int("count", len(records)).Msg("dispatching outbox batch")

	resolutions := make([]Resolution, 0, len(records))
	published := 0
	for _, rec := range records {
		res := d.dispatch(ctx, rec)
		if res.Status == StatusPublished {
			published++
		}
		resolutions = append(resolutions, res)
	}

	if err := d.store.ResolveBatch(ctx, resolutions); err != nil {
		// Rows stay PROCESSING and will be reclaimed after StaleAfter.
		log.Error().Err(err).Msg("failed to resolve outbox batch")
		return
	}

	d.metrics.RecordBatchProcessed(len(records), d.clock.Since(start))
	if pending, err := d.store.CountPending(ctx); err == nil {
		d.metrics.RecordOutboxLag(pending)
	}

	log.Info().
		Int("total", len(records)).
		Int("published", published).
		Msg("processed outbox batch")
}

// dispatch attempts delivery of one record and computes its resolution.
// One record's failure never aborts the rest of the batch.
func (d *Dispatcher) dispatch(ctx context.Context, rec *Record) Resolution {
	start := d.clock.Now()

	env, err := rec.Envelope()
	if err == nil {
		err = events.CheckVersion(env.Version)
	}
	if err != nil {
		// Undecodable payloads and incompatible versions will never succeed;
		// exhaust the retry budget now instead of burning delivery attempts.
		d.metrics.RecordEventProcessed(rec.EventType, false, d.clock.Since(start))
		return d.resolveFailure(rec, rec.MaxRetries, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, d.config.PublishTimeout)
	messageID, err := d.delivery.Deliver(pubCtx, rec.TopicName, env)
	cancel()

	d.metrics.RecordPublishAttempt(rec.EventType, rec.RetryCount+1, err == nil)
	d.metrics.RecordEventProcessed(rec.EventType, err == nil, d.clock.Since(start))

	if err != nil {
		log.Warn().
			Err(err).
			Str("record_id", rec.ID.String()).
			Str("event_type", rec.EventType).
			Int("retry_count", rec.RetryCount).
			Msg("outbox delivery attempt failed")
		return d.resolveFailure(rec, rec.RetryCount+1, err)
	}

	return Resolution{
		ID:          rec.ID,
		Status:      StatusPublished,
		RetryCount:  rec.RetryCount,
		MessageID:   messageID,
		PublishedAt: d.clock.Now(),
	}
}

// resolveFailure applies the retry state machine: below the retry budget the
// record reverts to PENDING with exponential backoff, otherwise it lands in
// FAILED for operator triage.
func (d *Dispatcher) resolveFailure(rec *Record, retryCount int, cause error) Resolution {
	if retryCount >= rec.MaxRetries {
		log.Error().
			Err(cause).
			Str("record_id", rec.ID.String()).
			Str("event_type", rec.EventType).
			Int("retry_count", retryCount).
			Msg("outbox record exhausted retries")
		return Resolution{
			ID:         rec.ID,
			Status:     StatusFailed,
			RetryCount: retryCount,
			LastError:  cause.Error(),
		}
	}

	nextRetry := d.clock.Now().Add(backoffDelay(retryCount))
	return Resolution{
		ID:          rec.ID,
		Status:      StatusPending,
		RetryCount:  retryCount,
		NextRetryAt: &nextRetry,
		LastError:   cause.Error(),
	}
}
