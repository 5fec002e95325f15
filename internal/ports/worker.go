package ports

import "context"

// Worker is a background task owning a single device connection and its
// polling cadence. Start returns once the worker's goroutine is running;
// device-level failures after that point never surface as errors, they only
// degrade the worker's published value and state.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
	State() ConnState
}
