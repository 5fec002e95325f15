package domain

import (
	"math"
	"sync/atomic"
	"time"
)

// Sample is one published device value. A fresh cell holds NaN until its
// worker obtains a first reading.
type Sample struct {
	Value float64
	At    time.Time
}

// Cell is a single-writer, many-reader holder for the latest Sample. Writes
// swap the whole sample atomically, so readers never observe a half-written
// value. Only the owning worker may call Store.
type Cell struct {
	p atomic.Pointer[Sample]
}

func NewCell() *Cell {
	c := &Cell{}
	c.p.Store(&Sample{Value: math.NaN()})
	return c
}

func (c *Cell) Store(value float64, at time.Time) {
	c.p.Store(&Sample{Value: value, At: at})
}

func (c *Cell) Load() Sample {
	return *c.p.Load()
}
