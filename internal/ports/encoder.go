package ports

// PulseCounter is the GPIO rotary-encoder boundary: a monotonically updated
// step count maintained by hardware-level pulse counting, polled as an
// integer. Steps must be safe to call from any goroutine.
type PulseCounter interface {
	Steps() int64
}
