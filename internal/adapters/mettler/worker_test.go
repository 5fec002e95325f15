package mettler

import (
	"context"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

type mockObs struct {
	mu     sync.Mutex
	errors []string
}

func (m *mockObs) LogDebug(string, ...ports.Field) {}
func (m *mockObs) LogInfo(string, ...ports.Field)  {}
func (m *mockObs) LogWarn(string, ...ports.Field)  {}
func (m *mockObs) LogError(msg string, err error, fields ...ports.Field) {
	m.mu.Lock()
	m.errors = append(m.errors, msg)
	m.mu.Unlock()
}
func (m *mockObs) LogCritical(msg string, err error, fields ...ports.Field) {
	m.LogError(msg, err, fields...)
}
func (m *mockObs) IncCounter(string, float64)      {}
func (m *mockObs) SetGauge(string, float64)        {}
func (m *mockObs) ObserveLatency(string, float64)  {}

func (m *mockObs) sawError(msg string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.errors {
		if e == msg {
			return true
		}
	}
	return false
}

// mockSensor answers each SI request with the next scripted response,
// repeating the last one once the script is exhausted.
func mockSensor(t *testing.T, responses []string) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 64)
		i := 0
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
			resp := responses[i]
			if i < len(responses)-1 {
				i++
			}
			if _, err := conn.Write([]byte(resp)); err != nil {
				return
			}
		}
	}()
	return ln.Addr()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}

func TestWorkerPublishesDecodedWeight(t *testing.T) {
	addr := mockSensor(t, []string{"S S 1.0000 kg\n"})
	cell := domain.NewCell()
	obs := &mockObs{}
	w := NewWorker(TCPDial(addr.String()), cell, 200, obs)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if !waitFor(t, 2*time.Second, func() bool { return cell.Load().Value == 1.0 }) {
		t.Fatalf("cell never reached 1.0, got %v", cell.Load().Value)
	}
	if w.State() != ports.StateConnected {
		t.Fatalf("state = %s, want Connected", w.State())
	}
}

func TestWorkerRetainsValueOnGarbage(t *testing.T) {
	addr := mockSensor(t, []string{"S S 1.0000 kg\n", "GARBAGE\n"})
	cell := domain.NewCell()
	obs := &mockObs{}
	w := NewWorker(TCPDial(addr.String()), cell, 200, obs)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer w.Stop()

	if !waitFor(t, 2*time.Second, func() bool { return cell.Load().Value == 1.0 }) {
		t.Fatalf("cell never reached 1.0")
	}
	if !waitFor(t, 2*time.Second, func() bool { return obs.sawError("mettler_parse_failed") }) {
		t.Fatalf("parse error never logged")
	}
	if got := cell.Load().Value; got != 1.0 {
		t.Fatalf("garbage response overwrote cache: %v", got)
	}
}

func TestWorkerConnectFailureIsNonFatal(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cell := domain.NewCell()
	obs := &mockObs{}
	w := NewWorker(TCPDial(addr), cell, 100, obs)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start should not surface connect errors, got %v", err)
	}

	if !waitFor(t, 3*time.Second, func() bool { return w.State() == ports.StateDisconnected }) {
		t.Fatalf("worker never stopped, state = %s", w.State())
	}
	if !obs.sawError("mettler_connect_failed") {
		t.Fatalf("connect failure not logged")
	}
	if !math.IsNaN(cell.Load().Value) {
		t.Fatalf("cell should stay NaN, got %v", cell.Load().Value)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("stop after failed connect: %v", err)
	}
}

func TestWorkerStopsWithinOneCycle(t *testing.T) {
	addr := mockSensor(t, []string{"S S 2.5 kg\n"})
	cell := domain.NewCell()
	w := NewWorker(TCPDial(addr.String()), cell, 50, &mockObs{})

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return cell.Load().Value == 2.5 })

	start := time.Now()
	if err := w.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > stopTimeout {
		t.Fatalf("stop took %s", elapsed)
	}
	if w.State() != ports.StateDisconnected {
		t.Fatalf("state after stop = %s", w.State())
	}
}
