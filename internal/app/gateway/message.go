// Package gateway implements the broadcast TCP server: one session per
// connected client, each pushing the latest device snapshot at a fixed
// cadence as newline-delimited JSON.
package gateway

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/ZLoverty/hepic-server/internal/domain"
)

// The load cell reports kilograms; clients receive force units.
const gravity = 9.8

// jsonFloat marshals like a float64 but emits null for NaN and infinities,
// which encoding/json would otherwise reject. A device that has never been
// sampled therefore shows up as null rather than breaking the stream.
type jsonFloat float64

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// Message is one line on the wire.
type Message struct {
	ExtrusionForce jsonFloat `json:"extrusion_force"`
	MeterCount     jsonFloat `json:"meter_count"`
}

func messageFrom(snap domain.Snapshot) Message {
	return Message{
		ExtrusionForce: jsonFloat(snap.Weight * gravity),
		MeterCount:     jsonFloat(snap.MeterCount),
	}
}

// testMessage synthesizes a reading from a bounded random distribution,
// 2 ± 0.2 for both weight and meter count.
func testMessage(rng *rand.Rand) Message {
	weight := 2 + (rng.Float64()*0.4 - 0.2)
	meter := 2 + (rng.Float64()*0.4 - 0.2)
	return Message{
		ExtrusionForce: jsonFloat(weight * gravity),
		MeterCount:     jsonFloat(meter),
	}
}
