// Package hepicserver wires the device workers, the broadcast gateway, and
// the observability stack into one embeddable runtime.
package hepicserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZLoverty/hepic-server/internal/adapters/encoder"
	"github.com/ZLoverty/hepic-server/internal/adapters/mettler"
	"github.com/ZLoverty/hepic-server/internal/adapters/observability"
	"github.com/ZLoverty/hepic-server/internal/adapters/opcuasrc"
	"github.com/ZLoverty/hepic-server/internal/adapters/plc"
	"github.com/ZLoverty/hepic-server/internal/app/config"
	"github.com/ZLoverty/hepic-server/internal/app/gateway"
	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

// Config is the runtime configuration. Use LoadConfig to read one from disk
// with defaults applied and fields validated.
type Config = config.Config

// LoadConfig reads, defaults, and validates a configuration file.
var LoadConfig = config.Load

const metricsShutdownTimeout = 5 * time.Second

// Option customizes the dependencies used by Runtime.
type Option func(*overrides)

type overrides struct {
	observability ports.Observability
	mettlerDial   mettler.DialFunc
	blockClient   ports.BlockClient
	pulseCounter  ports.PulseCounter
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs ports.Observability) Option {
	return func(o *overrides) { o.observability = obs }
}

// WithMettlerDial overrides how the load cell transport is opened.
func WithMettlerDial(dial mettler.DialFunc) Option {
	return func(o *overrides) { o.mettlerDial = dial }
}

// WithBlockClient injects a custom data block client in place of the S7
// connection, e.g. a simulator.
func WithBlockClient(client ports.BlockClient) Option {
	return func(o *overrides) { o.blockClient = client }
}

// WithPulseCounter injects the hardware pulse counter backing the meter
// count. Without one the meter reading stays at zero.
func WithPulseCounter(counter ports.PulseCounter) Option {
	return func(o *overrides) { o.pulseCounter = counter }
}

// Runtime owns every long-lived component of the gateway process: the device
// workers feeding the telemetry cells, the broadcast server, and the metrics
// endpoint.
type Runtime struct {
	cfg        *Config
	obs        ports.Observability
	telemetry  *domain.Telemetry
	workers    []ports.Worker
	server     *gateway.Server
	metricsSrv *http.Server
	testMode   bool
}

// NewRuntime builds a runtime from cfg. In test mode no device workers are
// constructed and every session streams synthetic readings instead.
func NewRuntime(cfg *Config, testMode bool, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var ov overrides
	for _, opt := range opts {
		if opt != nil {
			opt(&ov)
		}
	}

	obs := ov.observability
	if obs == nil {
		obs = observability.New(observability.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile))
	}

	r := &Runtime{
		cfg:       cfg,
		obs:       obs,
		telemetry: domain.NewTelemetry(),
		testMode:  testMode,
	}

	if !testMode {
		if err := r.buildWorkers(&ov); err != nil {
			return nil, err
		}
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	r.server = gateway.New(addr, config.Seconds(cfg.SendDelay), config.Seconds(cfg.ShutdownTimeout),
		r.telemetry, testMode, obs)

	return r, nil
}

func (r *Runtime) buildWorkers(ov *overrides) error {
	cfg := r.cfg
	if err := cfg.ValidateSource(); err != nil {
		return err
	}

	switch cfg.Source {
	case config.SourceMettler:
		dial := ov.mettlerDial
		if dial == nil {
			switch cfg.Mettler.Transport {
			case "serial":
				dial = mettler.SerialDial(cfg.Mettler.SerialPort, cfg.Mettler.Baud)
			default:
				addr := net.JoinHostPort(cfg.Mettler.IP, strconv.Itoa(cfg.Mettler.Port))
				dial = mettler.TCPDial(addr)
			}
		}
		r.workers = append(r.workers,
			mettler.NewWorker(dial, r.telemetry.Weight, cfg.Mettler.Frequency, r.obs))
		r.workers = append(r.workers, r.encoderWorker(ov))

	case config.SourcePLC:
		// The PLC carries both readings in its data blocks, so one sampler
		// covers weight and meter and no encoder worker is needed.
		client := ov.blockClient
		if client == nil {
			addr := net.JoinHostPort(cfg.PLC.IP, "102")
			client = plc.NewS7Client(addr, cfg.PLC.Rack, cfg.PLC.Slot, cfg.PLC.WeightDB.Number)
		}
		conn := plc.NewConnector(client, config.Seconds(cfg.PLC.ReconnectInterval), r.obs)
		sampler := plc.NewSampler(conn,
			plc.Block{Number: cfg.PLC.WeightDB.Number, Start: cfg.PLC.WeightDB.Start},
			plc.Block{Number: cfg.PLC.MeterDB.Number, Start: cfg.PLC.MeterDB.Start},
			r.telemetry, config.Seconds(cfg.PLC.PollInterval), r.obs)
		r.workers = append(r.workers, conn, sampler)

	case config.SourceOPCUA:
		sampler, err := opcuasrc.NewSampler(cfg.OPCUA, r.telemetry.Weight, r.obs)
		if err != nil {
			return fmt.Errorf("opcua sampler: %w", err)
		}
		r.workers = append(r.workers, sampler)
		r.workers = append(r.workers, r.encoderWorker(ov))

	default:
		return fmt.Errorf("unknown source %q", cfg.Source)
	}

	return nil
}

func (r *Runtime) encoderWorker(ov *overrides) ports.Worker {
	counter := ov.pulseCounter
	if counter == nil {
		counter = encoder.NullCounter{}
	}
	return encoder.NewWorker(counter, r.telemetry.Meter,
		config.Seconds(r.cfg.Encoder.PollInterval), r.cfg.Encoder.StepLength,
		clockwork.NewRealClock(), r.obs)
}

// Addr reports the bound gateway address once Run has started listening.
func (r *Runtime) Addr() net.Addr { return r.server.Addr() }

// Run binds the listener, starts the device workers, and serves clients
// until ctx is cancelled. The bind failure is the only fatal error; device
// trouble after startup is reported through logs and metrics. Shutdown order
// is fixed: stop accepting, drain sessions, then stop the workers.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.server.Listen(); err != nil {
		return err
	}

	// Workers run on their own root so that cancelling ctx tears down the
	// gateway first; they observe cancellation only once the drain is done.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	for _, w := range r.workers {
		if err := w.Start(workerCtx); err != nil {
			r.obs.LogError("worker_start_failed", err)
		}
	}

	r.startMetrics()

	err := r.server.Serve(ctx)

	stopWorkers()
	for i := len(r.workers) - 1; i >= 0; i-- {
		if serr := r.workers[i].Stop(); serr != nil {
			r.obs.LogWarn("worker_stop_timeout",
				ports.Field{Key: "error", Value: serr.Error()})
		}
	}

	r.stopMetrics()
	return err
}

func (r *Runtime) startMetrics() {
	if r.cfg.Metrics.Addr == "" {
		return
	}

	handler := promhttp.Handler()
	if reg, ok := r.obs.(interface{ Registry() *prometheus.Registry }); ok {
		handler = promhttp.HandlerFor(reg.Registry(), promhttp.HandlerOpts{Registry: reg.Registry()})
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.metricsSrv = &http.Server{Addr: r.cfg.Metrics.Addr, Handler: mux}
	go func() {
		if err := r.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.obs.LogWarn("metrics_server_exited",
				ports.Field{Key: "error", Value: err.Error()})
		}
	}()
}

func (r *Runtime) stopMetrics() {
	if r.metricsSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	if err := r.metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		r.obs.LogWarn("metrics_shutdown_failed",
			ports.Field{Key: "error", Value: err.Error()})
	}
}
