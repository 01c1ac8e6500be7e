// Package worker retries compensating deletes that failed inline, so
// orphaned usage reservations are eventually released.
package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/snapdraft/backend/internal/models"
)

// Store is the queue surface the worker drains.
type Store interface {
	ListPendingCompensations(ctx context.Context, limit int) ([]models.PendingCompensation, error)
	DeleteUsageEvent(ctx context.Context, id string) error
	ResolveCompensation(ctx context.Context, id int64) error
	BumpCompensationAttempt(ctx context.Context, id int64, lastError string) error
}

// Config holds worker configuration
type Config struct {
	// PollInterval is the time between scans of the compensation queue
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff between attempts
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum backoff delay
	RetryMaxDelay time.Duration
	// BatchSize is the maximum number of queue entries handled per scan
	BatchSize int
	// ShutdownTimeout is the maximum time to wait during shutdown
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		PollInterval:    15 * time.Second,
		RetryBaseDelay:  30 * time.Second,
		RetryMaxDelay:   30 * time.Minute,
		BatchSize:       20,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Worker polls the compensation queue and retries the deletes.
type Worker struct {
	config Config
	store  Store

	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

// New creates a new Worker instance
func New(config Config, store Store) *Worker {
	defaults := DefaultConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	return &Worker{
		config: config,
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[worker] starting compensation retry loop, poll interval %s", w.config.PollInterval)
	w.wg.Add(1)
	go w.loop(ctx)
}

// Stop gracefully shuts down the worker.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("[worker] shutdown complete")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("worker: shutdown timeout exceeded")
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.drain(ctx); err != nil {
				log.Printf("[worker] scan failed: %v", err)
			}
		}
	}
}

// drain attempts every due queue entry once.
func (w *Worker) drain(ctx context.Context) error {
	pending, err := w.store.ListPendingCompensations(ctx, w.config.BatchSize)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, p := range pending {
		if now.Before(w.nextAttemptAt(p)) {
			continue
		}
		w.retry(ctx, p)
	}
	return nil
}

// nextAttemptAt computes the earliest time the entry should be retried,
// backing off exponentially on the attempt count.
func (w *Worker) nextAttemptAt(p models.PendingCompensation) time.Time {
	delay := time.Duration(float64(w.config.RetryBaseDelay) * math.Pow(2, float64(p.Attempts)))
	if delay > w.config.RetryMaxDelay {
		delay = w.config.RetryMaxDelay
	}
	return p.UpdatedAt.Add(delay)
}

func (w *Worker) retry(ctx context.Context, p models.PendingCompensation) {
	if err := w.store.DeleteUsageEvent(ctx, p.UsageEventID); err != nil {
		log.Printf("[worker] compensation retry failed for %s (attempt %d): %v", p.UsageEventID, p.Attempts+1, err)
		if bumpErr := w.store.BumpCompensationAttempt(ctx, p.ID, err.Error()); bumpErr != nil {
			log.Printf("[worker] failed to record attempt for %s: %v", p.UsageEventID, bumpErr)
		}
		return
	}

	if err := w.store.ResolveCompensation(ctx, p.ID); err != nil {
		log.Printf("[worker] failed to clear resolved compensation %d: %v", p.ID, err)
		return
	}
	log.Printf("[worker] released orphaned reservation %s after %d attempts", p.UsageEventID, p.Attempts)
}
