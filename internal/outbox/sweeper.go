package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// SweeperStore defines what the retention sweeper needs from the outbox store.
type SweeperStore interface {
	DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweeperConfig holds retention settings.
type SweeperConfig struct {
	Interval      time.Duration
	RetentionDays int
}

// DefaultSweeperConfig returns the production defaults: sweep every six hours,
// keep published rows for thirty days.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:      6 * time.Hour,
		RetentionDays: 30,
	}
}

// Sweeper periodically deletes PUBLISHED rows older than the retention window.
// PENDING, PROCESSING and FAILED rows are never deleted regardless of age;
// FAILED rows wait for explicit operator action.
type Sweeper struct {
	store  SweeperStore
	clock  clockwork.Clock
	config SweeperConfig

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper over the given store.
func NewSweeper(store SweeperStore, cfg SweeperConfig, clock clockwork.Clock) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Sweeper{
		store:    store,
		clock:    clock,
		config:   cfg,
		stopChan: make(chan struct{}),
	}
}

// Cleanup deletes published rows older than retentionDays and returns the count.
func (s *Sweeper) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.clock.Now().AddDate(0, 0, -retentionDays)
	deleted, err := s.store.DeletePublishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention cleanup: %w", err)
	}
	if deleted > 0 {
		log.Info().
			Int64("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("swept published outbox records")
	}
	return deleted, nil
}

// Start launches the periodic sweep loop. A stopped sweeper may be started again.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)

	log.Info().
		Dur("interval", s.config.Interval).
		Int("retention_days", s.config.RetentionDays).
		Msg("retention sweeper started")
	return nil
}

// Stop signals the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()

	log.Info().Msg("retention sweeper stopped")
	return nil
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// An in-flight sweep runs to completion; shutdown is observed between sweeps.
	sweepCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-ticker.Chan():
			if _, err := s.Cleanup(sweepCtx, s.config.RetentionDays); err != nil {
				log.Error().Err(err).Msg("retention sweep failed")
			}
		}
	}
}
