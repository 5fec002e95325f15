// Package encoder turns a GPIO rotary-encoder step count into a published
// meter-count value. Pulse counting itself happens at the hardware boundary;
// this worker only polls the resulting integer.
package encoder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

const (
	defaultPollInterval = 10 * time.Millisecond
	stopTimeout         = 2 * time.Second
)

// Worker polls a pulse counter on a dedicated goroutine and publishes
// steps × stepLength (mm per step) through the meter cell.
type Worker struct {
	counter    ports.PulseCounter
	cell       *domain.Cell
	obs        ports.Observability
	clock      clockwork.Clock
	interval   time.Duration
	stepLength float64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWorker(counter ports.PulseCounter, cell *domain.Cell, interval time.Duration, stepLength float64, clock clockwork.Clock, obs ports.Observability) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if stepLength <= 0 {
		stepLength = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Worker{
		counter:    counter,
		cell:       cell,
		obs:        obs,
		clock:      clock,
		interval:   interval,
		stepLength: stepLength,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("encoder worker already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	done := w.done
	w.started = false
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		w.obs.LogWarn("encoder_stop_timeout")
	}
	return nil
}

// State reports Connected while the polling goroutine runs; the counter
// itself has no connection to lose.
func (w *Worker) State() ports.ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return ports.StateConnected
	}
	return ports.StateDisconnected
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	ticker := w.clock.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			steps := w.counter.Steps()
			w.cell.Store(float64(steps)*w.stepLength, w.clock.Now())
		}
	}
}

var _ ports.Worker = (*Worker)(nil)

// NullCounter stands in when no GPIO backend is wired; it always reports
// zero steps.
type NullCounter struct{}

func (NullCounter) Steps() int64 { return 0 }

var _ ports.PulseCounter = NullCounter{}
