// Package opcuasrc subscribes to an OPC UA node and publishes its data-change
// values as the gateway's weight reading, for plants that front the load cell
// with an OPC UA server instead of the raw ASCII port.
package opcuasrc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/ZLoverty/hepic-server/internal/domain"
	"github.com/ZLoverty/hepic-server/internal/ports"
)

// Config captures the runtime details required to open an OPC UA session.
// Intervals are in seconds, matching the rest of the gateway config.
type Config struct {
	Endpoint        string  `yaml:"endpoint"`
	NodeID          string  `yaml:"node_id"`
	Username        string  `yaml:"username"`
	Password        string  `yaml:"password"`
	SecurityMode    string  `yaml:"security_mode"`
	SecurityPolicy  string  `yaml:"security_policy"`
	ApplicationName string  `yaml:"application_name"`
	PublishInterval float64 `yaml:"publish_interval"`
}

func (c *Config) ApplyDefaults() {
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
	if c.ApplicationName == "" {
		c.ApplicationName = "hepic-server"
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = 0.25
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	return nil
}

// Sampler maintains one monitored item and stores every numeric data change
// into the weight cell.
type Sampler struct {
	cfg  Config
	cell *domain.Cell
	obs  ports.Observability

	mu      sync.Mutex
	state   ports.ConnState
	started bool
	client  *opcua.Client
	sub     *opcua.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSampler(cfg Config, cell *domain.Cell, obs ports.Observability) (*Sampler, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{cfg: cfg, cell: cell, obs: obs, state: ports.StateDisconnected}, nil
}

func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("opcua sampler already started")
	}
	s.started = true
	s.state = ports.StateConnecting
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	client, err := opcua.NewClient(s.cfg.Endpoint, s.clientOptions()...)
	if err != nil {
		cancel()
		s.fail()
		return fmt.Errorf("opcua new client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		cancel()
		s.fail()
		return fmt.Errorf("opcua connect: %w", err)
	}

	notifyCh := make(chan *opcua.PublishNotificationData, 16)
	sub, err := client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval: time.Duration(s.cfg.PublishInterval * float64(time.Second)),
	}, notifyCh)
	if err != nil {
		cancel()
		_ = client.Close(ctx)
		s.fail()
		return fmt.Errorf("opcua subscribe: %w", err)
	}

	nodeID, err := ua.ParseNodeID(s.cfg.NodeID)
	if err != nil {
		s.cleanupOnError(ctx, cancel, sub, client)
		return fmt.Errorf("parse node id %q: %w", s.cfg.NodeID, err)
	}
	req := opcua.NewMonitoredItemCreateRequestWithDefaults(nodeID, ua.AttributeIDValue, 1)
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, req)
	if err != nil {
		s.cleanupOnError(ctx, cancel, sub, client)
		return fmt.Errorf("monitor node %q: %w", s.cfg.NodeID, err)
	}
	if len(res.Results) == 0 || res.Results[0].StatusCode != ua.StatusOK {
		s.cleanupOnError(ctx, cancel, sub, client)
		return fmt.Errorf("monitor node %q rejected", s.cfg.NodeID)
	}

	s.mu.Lock()
	s.client = client
	s.sub = sub
	s.cancel = cancel
	s.state = ports.StateConnected
	s.mu.Unlock()

	s.obs.LogInfo("opcua_subscribed", ports.Field{Key: "node", Value: s.cfg.NodeID})
	s.wg.Add(1)
	go s.consume(ctx, notifyCh)
	return nil
}

func (s *Sampler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	sub := s.sub
	client := s.client
	s.started = false
	s.state = ports.StateStopping
	s.cancel = nil
	s.sub = nil
	s.client = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	ctx, ctxCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ctxCancel()

	var err error
	if sub != nil {
		if e := sub.Cancel(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}
	if client != nil {
		if e := client.Close(ctx); e != nil && !errors.Is(e, context.Canceled) {
			err = errors.Join(err, e)
		}
	}

	s.wg.Wait()
	s.mu.Lock()
	s.state = ports.StateDisconnected
	s.mu.Unlock()
	return err
}

func (s *Sampler) State() ports.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sampler) fail() {
	s.mu.Lock()
	s.started = false
	s.state = ports.StateDisconnected
	s.mu.Unlock()
}

func (s *Sampler) consume(ctx context.Context, ch <-chan *opcua.PublishNotificationData) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case notif := <-ch:
			if notif == nil {
				continue
			}
			if notif.Error != nil {
				s.obs.LogError("opcua_notification_error", notif.Error)
				continue
			}
			s.processNotification(notif.Value)
		}
	}
}

func (s *Sampler) processNotification(val interface{}) {
	data, ok := val.(*ua.DataChangeNotification)
	if !ok {
		return
	}

	for _, item := range data.MonitoredItems {
		fv, ok := variantToFloat(item.Value.Value)
		if !ok {
			s.obs.LogWarn("opcua_unsupported_type", ports.Field{Key: "node", Value: s.cfg.NodeID})
			continue
		}

		ts := item.Value.ServerTimestamp
		if ts.IsZero() {
			ts = item.Value.SourceTimestamp
		}
		if ts.IsZero() {
			ts = time.Now()
		}
		s.cell.Store(fv, ts)
	}
}

func (s *Sampler) clientOptions() []opcua.Option {
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(s.cfg.SecurityMode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(s.cfg.SecurityPolicy)),
		opcua.ApplicationName(s.cfg.ApplicationName),
		opcua.AutoReconnect(true),
	}
	if s.cfg.Username != "" {
		opts = append(opts, opcua.AuthUsername(s.cfg.Username, s.cfg.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (s *Sampler) cleanupOnError(ctx context.Context, cancel context.CancelFunc, sub *opcua.Subscription, client *opcua.Client) {
	cancel()
	if sub != nil {
		_ = sub.Cancel(ctx)
	}
	if client != nil {
		_ = client.Close(ctx)
	}
	s.fail()
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Worker = (*Sampler)(nil)
