package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

type nopObs struct{}

func (nopObs) LogDebug(string, ...ports.Field)           {}
func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogWarn(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) ObserveLatency(string, float64)            {}

type wireMessage struct {
	ExtrusionForce *float64 `json:"extrusion_force"`
	MeterCount     *float64 `json:"meter_count"`
}

func startServer(t *testing.T, telemetry *domain.Telemetry, testMode bool, shutdownTimeout time.Duration) (*Server, context.CancelFunc, chan struct{}) {
	t.Helper()

	srv := New("127.0.0.1:0", 10*time.Millisecond, shutdownTimeout, telemetry, testMode, nopObs{})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx)
		close(done)
	}()
	return srv, cancel, done
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	return conn
}

func TestServeBeforeListenFails(t *testing.T) {
	srv := New("127.0.0.1:0", 10*time.Millisecond, time.Second, domain.NewTelemetry(), false, nopObs{})
	assert.Error(t, srv.Serve(context.Background()))
}

func TestListenBindFailure(t *testing.T) {
	first := New("127.0.0.1:0", 10*time.Millisecond, time.Second, domain.NewTelemetry(), false, nopObs{})
	require.NoError(t, first.Listen())
	defer first.ln.Close()

	second := New(first.Addr().String(), 10*time.Millisecond, time.Second, domain.NewTelemetry(), false, nopObs{})
	assert.Error(t, second.Listen())
}

func TestTestModeStreamsBoundedReadings(t *testing.T) {
	srv, cancel, done := startServer(t, domain.NewTelemetry(), true, time.Second)
	defer func() {
		cancel()
		<-done
	}()

	conn := dialServer(t, srv)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	scanner := bufio.NewScanner(conn)
	lines := 0
	for lines < 50 && scanner.Scan() {
		var msg wireMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
		require.NotNil(t, msg.ExtrusionForce)
		require.NotNil(t, msg.MeterCount)
		assert.GreaterOrEqual(t, *msg.ExtrusionForce, 1.8*gravity)
		assert.LessOrEqual(t, *msg.ExtrusionForce, 2.2*gravity)
		assert.GreaterOrEqual(t, *msg.MeterCount, 1.8)
		assert.LessOrEqual(t, *msg.MeterCount, 2.2)
		lines++
	}
	require.GreaterOrEqual(t, lines, 50, "expected at least 50 readings within one second")
}

func TestSnapshotValuesReachClients(t *testing.T) {
	telemetry := domain.NewTelemetry()
	telemetry.Weight.Store(1.0, time.Now())
	telemetry.Meter.Store(340.5, time.Now())

	srv, cancel, done := startServer(t, telemetry, false, time.Second)
	defer func() {
		cancel()
		<-done
	}()

	conn := dialServer(t, srv)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var msg wireMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
	require.NotNil(t, msg.ExtrusionForce)
	require.NotNil(t, msg.MeterCount)
	assert.InDelta(t, 9.8, *msg.ExtrusionForce, 1e-9)
	assert.InDelta(t, 340.5, *msg.MeterCount, 1e-9)
}

func TestUnsampledDevicesStreamAsNull(t *testing.T) {
	srv, cancel, done := startServer(t, domain.NewTelemetry(), false, time.Second)
	defer func() {
		cancel()
		<-done
	}()

	conn := dialServer(t, srv)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))

	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())

	var msg wireMessage
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &msg))
	assert.Nil(t, msg.ExtrusionForce)
	assert.Nil(t, msg.MeterCount)
}

func TestClientDisconnectLeavesOthersRunning(t *testing.T) {
	srv, cancel, done := startServer(t, domain.NewTelemetry(), true, time.Second)
	defer func() {
		cancel()
		<-done
	}()

	first := dialServer(t, srv)
	second := dialServer(t, srv)
	defer second.Close()

	require.NoError(t, first.Close())

	// The surviving session keeps streaming after its sibling drops.
	require.NoError(t, second.SetReadDeadline(time.Now().Add(time.Second)))
	scanner := bufio.NewScanner(second)
	for i := 0; i < 5; i++ {
		require.True(t, scanner.Scan())
	}

	assert.Eventually(t, func() bool { return srv.sessionCount() == 1 },
		time.Second, 10*time.Millisecond)
	assert.Equal(t, StateListening, srv.State())
}

func TestShutdownCancelsAllSessions(t *testing.T) {
	srv, cancel, done := startServer(t, domain.NewTelemetry(), true, 500*time.Millisecond)

	// A mix of cooperating readers and one client that never reads, whose
	// session may be stuck in a blocked write when shutdown begins.
	var conns []net.Conn
	for i := 0; i < 4; i++ {
		conns = append(conns, dialServer(t, srv))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()
	for _, c := range conns[:3] {
		go func(c net.Conn) {
			buf := make([]byte, 256)
			for {
				if _, err := c.Read(buf); err != nil {
					return
				}
			}
		}(c)
	}

	assert.Eventually(t, func() bool { return srv.sessionCount() == 4 },
		time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not drain within the shutdown bound")
	}
	assert.Equal(t, StateStopped, srv.State())
	assert.Equal(t, 0, srv.sessionCount())
}

func TestAcceptRejectedAfterShutdown(t *testing.T) {
	srv, cancel, done := startServer(t, domain.NewTelemetry(), true, time.Second)
	addr := srv.Addr().String()

	cancel()
	<-done

	conn, err := net.Dial("tcp", addr)
	if err == nil {
		conn.Close()
	}
	assert.Error(t, err)
}
