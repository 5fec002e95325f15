package domain

import "time"

// Reading is one decoded response from the load cell.
type Reading struct {
	Status string  `json:"status"`
	Gross  float64 `json:"gross"`
	Unit   string  `json:"unit"`
}

// Snapshot is the latest known state of all polled devices, composed at read
// time from the per-device cells. It is replaced wholesale, never mutated.
type Snapshot struct {
	Weight     float64   `json:"weight"`
	MeterCount float64   `json:"meter_count"`
	SampledAt  time.Time `json:"sampled_at"`
}

// Telemetry groups the per-device cells the gateway publishes from. Each cell
// has exactly one writer (its device worker); any number of sessions read.
type Telemetry struct {
	Weight *Cell
	Meter  *Cell
}

func NewTelemetry() *Telemetry {
	return &Telemetry{
		Weight: NewCell(),
		Meter:  NewCell(),
	}
}

// Snapshot composes the current values of both cells. The timestamp is the
// most recent of the two samples.
func (t *Telemetry) Snapshot() Snapshot {
	w := t.Weight.Load()
	m := t.Meter.Load()
	at := w.At
	if m.At.After(at) {
		at = m.At
	}
	return Snapshot{
		Weight:     w.Value,
		MeterCount: m.Value,
		SampledAt:  at,
	}
}
