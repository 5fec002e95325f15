package ports

// BlockClient is the PLC client library boundary: a stateful field-bus session
// with typed data-block reads and writes. Implementations are not safe for
// concurrent use; the connector serializes every call through one mutex.
type BlockClient interface {
	Connect() error
	Disconnect() error
	// Connected performs a cheap liveness probe against the device.
	Connected() bool
	ReadBlock(db, start, size int) ([]byte, error)
	WriteBlock(db, start int, data []byte) error
}
