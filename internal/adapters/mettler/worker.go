package mettler

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

const (
	// DefaultPort is the load cell's TCP command port.
	DefaultPort = 1026
	// DefaultFrequency is the polling rate in Hz.
	DefaultFrequency = 100.0

	connectTimeout = 2 * time.Second
	readTimeout    = 2 * time.Second
	stopTimeout    = 2 * time.Second
)

// DialFunc opens the transport the load cell is reached over. The returned
// stream is owned by the worker and closed on every exit path.
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// TCPDial reaches the device over the network with a bounded connect timeout.
func TCPDial(addr string) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: connectTimeout}
		return d.DialContext(ctx, "tcp", addr)
	}
}

// SerialDial reaches the device over a local serial port. The read timeout is
// fixed at open time because serial ports have no per-read deadline.
func SerialDial(port string, baud int) DialFunc {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		return serial.OpenPort(&serial.Config{
			Name:        port,
			Baud:        baud,
			ReadTimeout: readTimeout,
		})
	}
}

type readDeadline interface{ SetReadDeadline(time.Time) error }
type writeDeadline interface{ SetWriteDeadline(time.Time) error }

// Worker polls the load cell at a fixed cadence and publishes each decoded
// gross weight into its cell. Device failures stop the worker but never
// propagate: the cell keeps its last good value (NaN if never sampled).
type Worker struct {
	dial     DialFunc
	cell     *domain.Cell
	obs      ports.Observability
	interval time.Duration

	mu      sync.Mutex
	state   ports.ConnState
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewWorker(dial DialFunc, cell *domain.Cell, frequency float64, obs ports.Observability) *Worker {
	if frequency <= 0 {
		frequency = DefaultFrequency
	}
	return &Worker{
		dial:     dial,
		cell:     cell,
		obs:      obs,
		interval: time.Duration(float64(time.Second) / frequency),
		state:    ports.StateDisconnected,
	}
}

// Start launches the polling goroutine. Connection failures after this point
// are reported through logs and State, never as errors.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return fmt.Errorf("mettler worker already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.started = true
	w.cancel = cancel
	w.done = make(chan struct{})
	w.state = ports.StateConnecting
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

// Stop requests termination and waits at most one poll cycle plus the read
// timeout for the goroutine to exit.
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
		w.obs.LogWarn("mettler_stop_timeout")
	}
	return nil
}

func (w *Worker) State() ports.ConnState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s ports.ConnState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	conn, err := w.dial(ctx)
	if err != nil {
		w.obs.LogError("mettler_connect_failed", err)
		w.setState(ports.StateDisconnected)
		return
	}
	defer func() {
		_ = conn.Close()
		w.setState(ports.StateDisconnected)
		w.obs.SetGauge("hepic_mettler_connected", 0)
		w.obs.LogInfo("mettler_connection_closed")
	}()

	w.setState(ports.StateConnected)
	w.obs.SetGauge("hepic_mettler_connected", 1)
	w.obs.LogInfo("mettler_connected")

	buf := make([]byte, 1024)
	for ctx.Err() == nil {
		cycleStart := time.Now()

		if d, ok := conn.(writeDeadline); ok {
			_ = d.SetWriteDeadline(time.Now().Add(readTimeout))
		}
		if _, err := io.WriteString(conn, CommandSI); err != nil {
			w.obs.LogError("mettler_write_failed", err)
			return
		}

		if d, ok := conn.(readDeadline); ok {
			_ = d.SetReadDeadline(time.Now().Add(readTimeout))
		}
		n, err := conn.Read(buf)
		if err != nil {
			w.obs.LogError("mettler_read_failed", err)
			return
		}

		reading, err := ParseSI(buf[:n])
		if err != nil {
			// Keep the previous cached value, never publish garbage.
			w.obs.LogError("mettler_parse_failed", err)
			w.obs.IncCounter("hepic_parse_errors_total", 1)
		} else {
			w.cell.Store(reading.Gross, time.Now())
		}
		w.obs.ObserveLatency("hepic_poll_cycle_seconds", time.Since(cycleStart).Seconds())

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.interval):
		}
	}
}

var _ ports.Worker = (*Worker)(nil)
