// Package observability backs the ports.Observability boundary with slog
// logging and Prometheus metrics.
package observability

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ZLoverty/hepic-server/internal/ports"
)

type Obs struct {
	log      *slog.Logger
	reg      *prometheus.Registry
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
}

// New builds the observability backend around the given logger. Metrics are
// registered on a private registry so multiple instances never collide.
func New(log *slog.Logger) *Obs {
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hepic_active_sessions",
		Help: "Number of connected TCP clients.",
	})
	mettlerUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hepic_mettler_connected",
		Help: "1 while the load-cell worker holds a live connection.",
	})
	plcUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hepic_plc_connected",
		Help: "1 while the PLC connector holds a live session.",
	})
	sent := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hepic_messages_sent_total",
		Help: "Snapshot messages written to clients.",
	})
	parseErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hepic_parse_errors_total",
		Help: "Malformed device responses discarded by the codec.",
	})
	disconnects := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hepic_client_disconnects_total",
		Help: "Client sessions ended by peer disconnect or error.",
	})
	pollCycle := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hepic_poll_cycle_seconds",
		Help:    "Duration of one device poll cycle.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(sessions, mettlerUp, plcUp, sent, parseErrors, disconnects, pollCycle)

	return &Obs{
		log: log,
		reg: reg,
		counters: map[string]prometheus.Counter{
			"hepic_messages_sent_total":      sent,
			"hepic_parse_errors_total":       parseErrors,
			"hepic_client_disconnects_total": disconnects,
		},
		gauges: map[string]prometheus.Gauge{
			"hepic_active_sessions":   sessions,
			"hepic_mettler_connected": mettlerUp,
			"hepic_plc_connected":     plcUp,
		},
		histos: map[string]prometheus.Observer{
			"hepic_poll_cycle_seconds": pollCycle,
		},
	}
}

// Registry exposes the private registry for the /metrics endpoint.
func (o *Obs) Registry() *prometheus.Registry { return o.reg }

func (o *Obs) LogDebug(msg string, fields ...ports.Field) {
	o.log.Debug(msg, attrs(fields)...)
}

func (o *Obs) LogInfo(msg string, fields ...ports.Field) {
	o.log.Info(msg, attrs(fields)...)
}

func (o *Obs) LogWarn(msg string, fields ...ports.Field) {
	o.log.Warn(msg, attrs(fields)...)
}

func (o *Obs) LogError(msg string, err error, fields ...ports.Field) {
	o.log.Error(msg, append(attrs(fields), "error", err)...)
}

func (o *Obs) LogCritical(msg string, err error, fields ...ports.Field) {
	o.log.Error(msg, append(attrs(fields), "error", err, "critical", true)...)
}

func (o *Obs) IncCounter(name string, v float64) {
	if c, ok := o.counters[name]; ok {
		c.Add(v)
	}
}

func (o *Obs) SetGauge(name string, v float64) {
	if g, ok := o.gauges[name]; ok {
		g.Set(v)
	}
}

func (o *Obs) ObserveLatency(name string, seconds float64) {
	if h, ok := o.histos[name]; ok {
		h.Observe(seconds)
	}
}

func attrs(fields []ports.Field) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}

var _ ports.Observability = (*Obs)(nil)
