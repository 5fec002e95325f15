package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

// Server lifecycle states.
const (
	StateListening int32 = iota
	StateDraining
	StateStopped
)

const forceCloseGrace = time.Second

// Server accepts TCP clients and runs one session per connection. Shutdown
// always proceeds in a fixed order: stop accepting, cancel sessions, and only
// then may the caller stop the device workers.
type Server struct {
	addr            string
	telemetry       *domain.Telemetry
	obs             ports.Observability
	testMode        bool
	sendDelay       time.Duration
	shutdownTimeout time.Duration

	ln    net.Listener
	state atomic.Int32

	sessCtx    context.Context
	sessCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	wg       sync.WaitGroup
}

func New(addr string, sendDelay, shutdownTimeout time.Duration, telemetry *domain.Telemetry, testMode bool, obs ports.Observability) *Server {
	sessCtx, sessCancel := context.WithCancel(context.Background())
	return &Server{
		addr:            addr,
		telemetry:       telemetry,
		obs:             obs,
		testMode:        testMode,
		sendDelay:       sendDelay,
		shutdownTimeout: shutdownTimeout,
		sessCtx:         sessCtx,
		sessCancel:      sessCancel,
		sessions:        make(map[uuid.UUID]*session),
	}
}

// Listen binds the listening socket. A bind failure is the only error fatal
// to the whole process; the caller decides to exit.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.addr, err)
	}
	s.ln = ln
	s.obs.LogInfo("server_listening", ports.Field{Key: "addr", Value: ln.Addr().String()})
	return nil
}

// Addr reports the bound address; useful when listening on port 0.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// State reports the server lifecycle state.
func (s *Server) State() int32 { return s.state.Load() }

// Serve accepts connections until ctx is cancelled, then drains every
// session and returns. Call Listen first.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("gateway: Serve called before Listen")
	}
	s.state.Store(StateListening)

	// Closing the listener is how the accept loop observes cancellation.
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.obs.LogWarn("accept_failed", ports.Field{Key: "error", Value: err.Error()})
			continue
		}

		sctx, cancel := context.WithCancel(s.sessCtx)
		sess := &session{
			id:     uuid.New(),
			conn:   conn,
			cancel: cancel,
			rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		}
		s.addSession(sess)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSession(sctx, sess)
			s.removeSession(sess.id)
		}()
	}

	s.drain()
	return nil
}

func (s *Server) drain() {
	s.state.Store(StateDraining)
	s.obs.LogInfo("server_draining", ports.Field{Key: "sessions", Value: s.sessionCount()})

	s.sessCancel()
	if !waitTimeout(&s.wg, s.shutdownTimeout) {
		// A session did not honor cancellation in time; force its socket
		// shut so blocked I/O returns, and give it a moment to unwind.
		s.obs.LogWarn("shutdown_timeout",
			ports.Field{Key: "remaining", Value: s.sessionCount()})
		s.closeAllSessions()
		waitTimeout(&s.wg, forceCloseGrace)
	}

	s.state.Store(StateStopped)
	s.obs.LogInfo("server_stopped")
}

func (s *Server) addSession(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.obs.SetGauge("hepic_active_sessions", float64(n))
}

func (s *Server) removeSession(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	s.obs.SetGauge("hepic_active_sessions", float64(n))
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) closeAllSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		_ = sess.conn.Close()
	}
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
