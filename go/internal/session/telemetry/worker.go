package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

type WorkerConfig struct {
	QueueSize  int
	MaxRetries int
	RetryDelay time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		QueueSize:  256,
		MaxRetries: 3,
		RetryDelay: time.Second,
	}
}

// Stats counts what the worker did with queued events
type Stats struct {
	Published uint64
	Failed    uint64
	Dropped   uint64
}

// Worker publishes events in the background so session operations never wait on telemetry.
// It implements Publisher itself: Publish only enqueues.
type Worker struct {
	publisher Publisher
	config    WorkerConfig
	clock     clockwork.Clock
	queue     chan Event

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	stats    Stats
}

func NewWorker(publisher Publisher, cfg WorkerConfig, clock clockwork.Clock) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		publisher: publisher,
		config:    cfg,
		clock:     clock,
		queue:     make(chan Event, cfg.QueueSize),
		stopChan:  make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("telemetry worker already running")
	}
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	log.Info().Int("queue_size", w.config.QueueSize).Msg("telemetry worker started")
	return nil
}

// Stop drains whatever is queued, then returns
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("telemetry worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("telemetry worker stopped")
	return nil
}

// Publish enqueues event. A full queue drops the event rather than block.
func (w *Worker) Publish(ctx context.Context, event Event) error {
	select {
	case w.queue <- event:
		return nil
	default:
		w.mu.Lock()
		w.stats.Dropped++
		w.mu.Unlock()
		log.Warn().Str("event_type", event.Type).Msg("telemetry queue full, dropping event")
		return nil
	}
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			w.drain(ctx)
			return
		case event := <-w.queue:
			w.deliver(ctx, event)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	for {
		select {
		case event := <-w.queue:
			w.deliver(ctx, event)
		default:
			return
		}
	}
}

func (w *Worker) deliver(ctx context.Context, event Event) {
	err := w.publishWithRetry(ctx, event)

	w.mu.Lock()
	if err != nil {
		w.stats.Failed++
	} else {
		w.stats.Published++
	}
	w.mu.Unlock()

	if err != nil {
		log.Error().Err(err).
			Str("event_id", event.ID.String()).
			Str("event_type", event.Type).
			Msg("failed to publish session event")
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event Event) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.clock.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := w.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Warn().Err(err).
				Str("event_id", event.ID.String()).
				Int("attempt", attempt+1).
				Msg("failed to publish event, retrying")
			continue
		}
		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}
