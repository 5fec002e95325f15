package gateway

import (
	"context"
	"encoding/json"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ZLoverty/hepic-server/internal/ports"
)

const (
	recvBufSize  = 1024
	writeTimeout = 5 * time.Second
)

// session is the server-side state of one connected client: a send loop
// pushing snapshots on its own clock and a receive loop draining inbound
// bytes, joined by one shared cancellation.
type session struct {
	id     uuid.UUID
	conn   net.Conn
	cancel context.CancelFunc
	rng    *rand.Rand
}

// runSession drives both loops until either fails or the server shuts down,
// then closes the socket. The caller removes the session from the server set.
// Cancelling an already-exiting loop is harmless: the shared context absorbs
// repeated cancels.
func (s *Server) runSession(ctx context.Context, sess *session) {
	cancel := sess.cancel
	defer cancel()

	peer := sess.conn.RemoteAddr().String()
	s.obs.LogInfo("client_connected",
		ports.Field{Key: "session", Value: sess.id.String()},
		ports.Field{Key: "peer", Value: peer})

	// Unblock in-flight reads and writes as soon as the session is
	// cancelled; otherwise a quiet peer would pin the receive loop.
	go func() {
		<-ctx.Done()
		_ = sess.conn.SetDeadline(time.Now())
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		s.sendLoop(ctx, sess, peer)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.recvLoop(ctx, sess, peer)
	}()
	wg.Wait()

	_ = sess.conn.Close()
	s.obs.LogInfo("client_closed",
		ports.Field{Key: "session", Value: sess.id.String()},
		ports.Field{Key: "peer", Value: peer})
}

func (s *Server) sendLoop(ctx context.Context, sess *session, peer string) {
	ticker := time.NewTicker(s.sendDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var msg Message
		if s.testMode {
			msg = testMessage(sess.rng)
		} else {
			msg = messageFrom(s.telemetry.Snapshot())
		}

		data, err := json.Marshal(msg)
		if err != nil {
			s.obs.LogError("send_marshal_failed", err,
				ports.Field{Key: "peer", Value: peer})
			return
		}
		data = append(data, '\n')

		_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := sess.conn.Write(data); err != nil {
			if ctx.Err() == nil {
				s.obs.LogWarn("client_send_failed",
					ports.Field{Key: "peer", Value: peer},
					ports.Field{Key: "error", Value: err.Error()})
				s.obs.IncCounter("hepic_client_disconnects_total", 1)
			}
			return
		}
		s.obs.IncCounter("hepic_messages_sent_total", 1)
	}
}

func (s *Server) recvLoop(ctx context.Context, sess *session, peer string) {
	buf := make([]byte, recvBufSize)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			// Inbound traffic is logged and otherwise ignored.
			s.obs.LogInfo("client_received",
				ports.Field{Key: "peer", Value: peer},
				ports.Field{Key: "message", Value: strings.TrimSpace(string(buf[:n]))})
		}
		if err != nil {
			if ctx.Err() == nil {
				s.obs.LogInfo("client_disconnected",
					ports.Field{Key: "peer", Value: peer})
				s.obs.IncCounter("hepic_client_disconnects_total", 1)
			}
			return
		}
	}
}
