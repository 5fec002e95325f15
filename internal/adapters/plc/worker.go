package plc

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

// Block addresses one S7 REAL inside a data block.
type Block struct {
	Number int
	Start  int
}

const (
	realSize         = 4 // S7 REAL: big-endian IEEE 754 float32
	defaultInterval  = 10 * time.Millisecond
	missedReadDelay  = 100 * time.Millisecond
	samplerStopBound = 2 * time.Second
)

// Sampler polls weight and meter-count REALs out of the PLC through the
// connector and publishes them into the telemetry cells. A read that fails
// fast while the PLC is down keeps the previous values; the sampler retries
// on its next cycle after a short delay.
type Sampler struct {
	conn     *Connector
	weight   Block
	meter    Block
	cells    *domain.Telemetry
	obs      ports.Observability
	interval time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSampler(conn *Connector, weight, meter Block, cells *domain.Telemetry, interval time.Duration, obs ports.Observability) *Sampler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sampler{
		conn:     conn,
		weight:   weight,
		meter:    meter,
		cells:    cells,
		obs:      obs,
		interval: interval,
	}
}

func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("plc sampler already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

func (s *Sampler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	done := s.done
	s.started = false
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(samplerStopBound):
		s.obs.LogWarn("plc_sampler_stop_timeout")
	}
	return nil
}

// State reports the connector's state; the sampler itself has no connection.
func (s *Sampler) State() ports.ConnState {
	return s.conn.State()
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	for {
		delay := s.interval
		cycleStart := time.Now()

		if s.readReal(s.weight, s.cells.Weight) && s.readReal(s.meter, s.cells.Meter) {
			s.obs.ObserveLatency("hepic_poll_cycle_seconds", time.Since(cycleStart).Seconds())
		} else {
			delay = missedReadDelay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Sampler) readReal(b Block, cell *domain.Cell) bool {
	data, ok := s.conn.ReadBlock(b.Number, b.Start, realSize)
	if !ok {
		return false
	}
	v := math.Float32frombits(binary.BigEndian.Uint32(data))
	cell.Store(float64(v), time.Now())
	return true
}

var _ ports.Worker = (*Sampler)(nil)
