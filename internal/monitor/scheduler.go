// Package monitor implements the PMD monitoring scheduler.
//
// The scheduler owns exactly one polling loop per active target. Each loop
// runs in its own goroutine, probes the target on its configured frequency,
// appends samples, and tracks consecutive failures so that crossing the
// threshold emits a single failure event and the first success afterwards a
// single recovery event. Start/Stop are idempotent; Stop returns only after
// the loop has exited, so no sample or event for that target can appear
// afterwards.
package monitor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Poutchouli/PMD/internal/models"
	"github.com/Poutchouli/PMD/internal/probe"
)

// DefaultFailureThreshold is the consecutive-loss count that triggers a
// failure event.
const DefaultFailureThreshold = 5

// Store is the slice of persistence the scheduler needs.
// *storage.Store satisfies it; tests use in-memory fakes.
type Store interface {
	AppendPing(ctx context.Context, p *models.PingLog) error
	AppendEvent(ctx context.Context, targetID *uint, kind models.EventType, message string) error
	ListActiveTargets(ctx context.Context) ([]models.Target, error)
}

// Config holds scheduler tuning. The zero value is production-ready.
type Config struct {
	// FailureThreshold overrides DefaultFailureThreshold when > 0.
	FailureThreshold int
	// TickUnit scales a target's frequency; defaults to one second.
	// Tests shrink it so multi-iteration sequences run in milliseconds.
	TickUnit time.Duration
}

type loopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler maintains the per-target monitoring loops.
// All methods are safe for concurrent use.
type Scheduler struct {
	store  Store
	prober probe.Prober

	threshold int
	tickUnit  time.Duration

	mu    sync.Mutex
	loops map[uint]*loopHandle
}

// New creates a scheduler. It starts no loops; call Start or LoadExisting.
func New(store Store, prober probe.Prober, cfg Config) *Scheduler {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	unit := cfg.TickUnit
	if unit <= 0 {
		unit = time.Second
	}
	return &Scheduler{
		store:     store,
		prober:    prober,
		threshold: threshold,
		tickUnit:  unit,
		loops:     make(map[uint]*loopHandle),
	}
}

// Start launches the monitoring loop for a target and records a start
// event before returning. Starting an already-running target is a no-op,
// so a double resume can never produce two loops.
func (s *Scheduler) Start(ctx context.Context, target models.Target) error {
	s.mu.Lock()
	if _, running := s.loops[target.ID]; running {
		s.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	handle := &loopHandle{cancel: cancel, done: make(chan struct{})}
	s.loops[target.ID] = handle
	s.mu.Unlock()

	go s.run(loopCtx, target, handle.done)

	id := target.ID
	msg := fmt.Sprintf("Tracking started for %s", target.IPAddress)
	if err := s.store.AppendEvent(ctx, &id, models.EventStart, msg); err != nil {
		return fmt.Errorf("recording start event: %w", err)
	}
	return nil
}

// Stop cancels the target's loop, waits for it to exit and records a stop
// event with the given message ("Tracking stopped" when empty). Stopping a
// target that is not running still records the event; the cancellation
// itself is a no-op.
func (s *Scheduler) Stop(ctx context.Context, targetID uint, message string) error {
	s.mu.Lock()
	handle, running := s.loops[targetID]
	if running {
		delete(s.loops, targetID)
	}
	s.mu.Unlock()

	if running {
		handle.cancel()
		<-handle.done
	}

	if message == "" {
		message = "Tracking stopped"
	}
	id := targetID
	if err := s.store.AppendEvent(ctx, &id, models.EventStop, message); err != nil {
		return fmt.Errorf("recording stop event: %w", err)
	}
	return nil
}

// LoadExisting starts a loop for every target marked active in the
// registry. Called once at process start; consecutive-failure counts do not
// survive restarts, so every restored loop begins counting from zero.
func (s *Scheduler) LoadExisting(ctx context.Context) error {
	targets, err := s.store.ListActiveTargets(ctx)
	if err != nil {
		return fmt.Errorf("listing active targets: %w", err)
	}
	for _, t := range targets {
		if err := s.Start(ctx, t); err != nil {
			return err
		}
	}
	log.Printf("[monitor] restored %d monitoring loop(s)", len(targets))
	return nil
}

// ShutdownAll cancels every loop and waits for them to exit. No stop events
// are written; this runs at process teardown only.
func (s *Scheduler) ShutdownAll() {
	s.mu.Lock()
	handles := make([]*loopHandle, 0, len(s.loops))
	for _, h := range s.loops {
		handles = append(handles, h)
	}
	s.loops = make(map[uint]*loopHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		<-h.done
	}
}

// Running reports whether a loop exists for the target.
func (s *Scheduler) Running(targetID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[targetID]
	return ok
}

// Count returns the number of live loops.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loops)
}

// run is the loop body. Failure tracking lives in locals: the goroutine is
// created at Start and abandoned at Stop, which gives the state exactly the
// lifecycle it needs (zeroed on start, discarded on stop, lost on restart).
func (s *Scheduler) run(ctx context.Context, target models.Target, done chan struct{}) {
	defer close(done)

	interval := time.Duration(target.Frequency) * s.tickUnit
	if interval <= 0 {
		interval = s.tickUnit
	}

	failures := 0
	reporting := false

	for {
		ts := time.Now().UTC()
		res := s.prober.Ping(ctx, target.IPAddress)
		if ctx.Err() != nil {
			// Cancelled mid-probe: write nothing for this iteration.
			return
		}

		lost := res.Lost || res.LatencyMs == nil
		entry := &models.PingLog{
			Time:       ts,
			TargetID:   target.ID,
			PacketLoss: lost,
		}
		if !lost {
			entry.LatencyMs = res.LatencyMs
			entry.Hops = res.Hops
		}
		if err := s.store.AppendPing(ctx, entry); err != nil {
			if ctx.Err() != nil {
				return
			}
			// A transient storage outage must not stop monitoring.
			log.Printf("[monitor] target %d: persisting sample: %v", target.ID, err)
		}

		if lost {
			failures++
			if failures >= s.threshold && !reporting {
				reporting = true
				s.recordEvent(ctx, target.ID, models.EventFailure,
					fmt.Sprintf("Target %s unreachable - %d consecutive failed pings",
						target.IPAddress, failures))
			}
		} else {
			if reporting {
				s.recordEvent(ctx, target.ID, models.EventRecovery,
					fmt.Sprintf("Target %s recovered after %d failed pings",
						target.IPAddress, failures))
			}
			failures = 0
			reporting = false
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) recordEvent(ctx context.Context, targetID uint, kind models.EventType, message string) {
	if ctx.Err() != nil {
		return
	}
	id := targetID
	if err := s.store.AppendEvent(ctx, &id, kind, message); err != nil {
		log.Printf("[monitor] target %d: recording %s event: %v", targetID, kind, err)
	}
}
