// Package plc keeps a connection to an S7-style PLC alive across faults and
// exposes non-throwing data-block reads and writes.
package plc

import (
	"fmt"
	"time"

	"github.com/robinson/gos7"

	"github.com/ZLoverty/hepic-server/internal/ports"
)

// S7Client adapts the gos7 library to the BlockClient boundary. Not safe for
// concurrent use; the connector serializes every call.
type S7Client struct {
	handler *gos7.TCPClientHandler
	client  gos7.Client
	probeDB int
}

// NewS7Client prepares a client for the PLC at addr (host or host:102). The
// probe data block is read one byte at a time as the liveness check.
func NewS7Client(addr string, rack, slot, probeDB int) *S7Client {
	h := gos7.NewTCPClientHandler(addr, rack, slot)
	h.Timeout = 2 * time.Second
	h.IdleTimeout = 10 * time.Second
	return &S7Client{handler: h, probeDB: probeDB}
}

func (s *S7Client) Connect() error {
	if err := s.handler.Connect(); err != nil {
		return fmt.Errorf("s7 connect: %w", err)
	}
	s.client = gos7.NewClient(s.handler)
	return nil
}

func (s *S7Client) Disconnect() error {
	s.client = nil
	return s.handler.Close()
}

func (s *S7Client) Connected() bool {
	if s.client == nil {
		return false
	}
	probe := make([]byte, 1)
	return s.client.AGReadDB(s.probeDB, 0, 1, probe) == nil
}

func (s *S7Client) ReadBlock(db, start, size int) ([]byte, error) {
	if s.client == nil {
		return nil, fmt.Errorf("s7 read db%d: not connected", db)
	}
	buf := make([]byte, size)
	if err := s.client.AGReadDB(db, start, size, buf); err != nil {
		return nil, fmt.Errorf("s7 read db%d@%d+%d: %w", db, start, size, err)
	}
	return buf, nil
}

func (s *S7Client) WriteBlock(db, start int, data []byte) error {
	if s.client == nil {
		return fmt.Errorf("s7 write db%d: not connected", db)
	}
	if err := s.client.AGWriteDB(db, start, len(data), data); err != nil {
		return fmt.Errorf("s7 write db%d@%d+%d: %w", db, start, len(data), err)
	}
	return nil
}

var _ ports.BlockClient = (*S7Client)(nil)
