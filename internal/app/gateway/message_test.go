package gateway

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZLoverty/hepic-server/internal/domain"
)

func TestMessageAppliesGravity(t *testing.T) {
	snap := domain.Snapshot{Weight: 1.0, MeterCount: 340.5}
	msg := messageFrom(snap)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"extrusion_force": 9.8, "meter_count": 340.5}`, string(data))
}

func TestMessageSerializesNaNAsNull(t *testing.T) {
	snap := domain.Snapshot{Weight: math.NaN(), MeterCount: math.NaN()}
	msg := messageFrom(snap)

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"extrusion_force": null, "meter_count": null}`, string(data))

	var decoded struct {
		ExtrusionForce *float64 `json:"extrusion_force"`
		MeterCount     *float64 `json:"meter_count"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Nil(t, decoded.ExtrusionForce)
	assert.Nil(t, decoded.MeterCount)
}

func TestTestMessageStaysInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < 1000; i++ {
		msg := testMessage(rng)
		force := float64(msg.ExtrusionForce)
		assert.GreaterOrEqual(t, force, 1.8*gravity)
		assert.LessOrEqual(t, force, 2.2*gravity)
	}
}
