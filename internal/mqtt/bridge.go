// Package mqtt mirrors the discovery event stream to an MQTT broker.
//
// Every published event is forwarded to <prefix>/events/<type>. The job
// status is kept as a retained message on <prefix>/status, and broker
// presence on <prefix>/availability.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/config"
	"github.com/HerbHall/netmapper/internal/event"
	"github.com/HerbHall/netmapper/internal/plugin"
	"github.com/HerbHall/netmapper/pkg/models"
)

// Compile-time interface guard.
var _ plugin.Plugin = (*Bridge)(nil)

// Config holds the bridge settings.
type Config struct {
	Broker         string        `mapstructure:"broker"`
	ClientID       string        `mapstructure:"client_id"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// DefaultConfig returns the bridge defaults. The bridge is inactive until a
// broker is configured.
func DefaultConfig() Config {
	return Config{
		ClientID:       "netmapper",
		TopicPrefix:    "netmapper",
		ConnectTimeout: 5 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
}

// Publisher is the part of a paho client the bridge needs.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// Dialer connects to the broker described by cfg.
type Dialer func(cfg Config, logger *zap.Logger) (Publisher, error)

// Status is the retained job summary.
type Status struct {
	JobID        string           `json:"jobId,omitempty"`
	Status       models.JobStatus `json:"status"`
	Progress     int              `json:"progress"`
	DevicesFound int              `json:"devicesFound"`
	Error        string           `json:"error,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Bridge forwards hub events to MQTT.
type Bridge struct {
	hub    *event.Hub
	dial   Dialer
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	client Publisher
	sub    *event.Subscriber
	status Status

	stop chan struct{}
	done chan struct{}
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithDialer replaces the paho dialer.
func WithDialer(d Dialer) Option {
	return func(b *Bridge) { b.dial = d }
}

// NewBridge creates an MQTT bridge fed by hub.
func NewBridge(hub *event.Hub, opts ...Option) *Bridge {
	b := &Bridge{
		hub:    hub,
		dial:   Dial,
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		status: Status{Status: models.JobStatusIdle},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) Name() string           { return "mqtt" }
func (b *Bridge) Version() string        { return "1.0.0" }
func (b *Bridge) Routes() []plugin.Route { return nil }

func (b *Bridge) Init(cfg *config.Config, logger *zap.Logger) error {
	b.logger = logger
	if err := cfg.Unmarshal(&b.cfg); err != nil {
		return fmt.Errorf("decode mqtt config: %w", err)
	}
	if b.cfg.QoS < 0 || b.cfg.QoS > 2 {
		return fmt.Errorf("invalid mqtt qos %d", b.cfg.QoS)
	}
	def := DefaultConfig()
	if b.cfg.ConnectTimeout <= 0 {
		b.cfg.ConnectTimeout = def.ConnectTimeout
	}
	if b.cfg.PublishTimeout <= 0 {
		b.cfg.PublishTimeout = def.PublishTimeout
	}
	return nil
}

// Start connects to the broker and subscribes to the hub. Without a broker
// it does nothing.
func (b *Bridge) Start(_ context.Context) error {
	if b.cfg.Broker == "" {
		b.logger.Info("no mqtt broker configured, bridge inactive")
		return nil
	}

	client, err := b.dial(b.cfg, b.logger)
	if err != nil {
		return fmt.Errorf("connect to mqtt broker %s: %w", b.cfg.Broker, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	b.publish(b.topic("availability"), true, []byte("online"))

	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.run(b.attach(b.stop), b.stop, b.done)
	b.logger.Info("mqtt bridge started",
		zap.String("broker", b.cfg.Broker),
		zap.String("topic_prefix", b.cfg.TopicPrefix),
	)
	return nil
}

// Stop detaches from the hub and disconnects.
func (b *Bridge) Stop() error {
	if b.stop != nil {
		close(b.stop)
		b.mu.Lock()
		sub := b.sub
		b.mu.Unlock()
		b.hub.Unsubscribe(sub)
		<-b.done
		b.stop = nil
	}

	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client == nil {
		return nil
	}

	tok := client.Publish(b.topic("availability"), byte(b.cfg.QoS), true, []byte("offline"))
	tok.WaitTimeout(b.cfg.PublishTimeout)
	client.Disconnect(250)
	return nil
}

// attach subscribes to the hub unless the bridge is stopping.
func (b *Bridge) attach(stop <-chan struct{}) *event.Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-stop:
		return nil
	default:
	}
	b.sub = b.hub.Subscribe()
	return b.sub
}

// run forwards events until the bridge stops or the hub closes. A slow
// broker can make the hub drop the bridge; it then attaches again and
// mirroring resumes with the next event.
func (b *Bridge) run(sub *event.Subscriber, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for sub != nil {
		for ev := range sub.Events() {
			b.forward(ev)
		}
		if b.hub.Closed() {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		b.logger.Warn("mqtt bridge fell behind the event stream, events were lost; reattaching")
		sub = b.attach(stop)
	}
}

// forward mirrors one event and refreshes the retained status.
func (b *Bridge) forward(ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("failed to encode event", zap.String("event", string(ev.Type)), zap.Error(err))
		return
	}
	b.publish(b.topic("events/"+string(ev.Type)), false, payload)

	status, changed := b.applyStatus(ev)
	if !changed {
		return
	}
	payload, err = json.Marshal(status)
	if err != nil {
		return
	}
	b.publish(b.topic("status"), true, payload)
}

func (b *Bridge) applyStatus(ev models.Event) (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &b.status
	switch ev.Type {
	case models.EventScanStarted:
		*s = Status{JobID: ev.JobID, Status: models.JobStatusRunning}
	case models.EventScanProgress:
		s.Progress = ev.Progress
		s.DevicesFound = ev.DevicesFound
	case models.EventScanCompleted:
		s.Status = models.JobStatusCompleted
		s.Progress = 100
		s.DevicesFound = ev.TotalDevices
	case models.EventScanCancelled:
		s.Status = models.JobStatusCancelled
	case models.EventError:
		s.Status = models.JobStatusError
		s.Error = ev.Message
	default:
		return Status{}, false
	}
	s.Timestamp = ev.Timestamp
	return *s, true
}

func (b *Bridge) publish(topic string, retained bool, payload []byte) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return
	}

	tok := client.Publish(topic, byte(b.cfg.QoS), retained, payload)
	go func() {
		if !tok.WaitTimeout(b.cfg.PublishTimeout) {
			b.logger.Debug("mqtt publish timed out", zap.String("topic", topic))
			return
		}
		if err := tok.Error(); err != nil {
			b.logger.Debug("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

func (b *Bridge) topic(suffix string) string {
	return b.cfg.TopicPrefix + "/" + suffix
}

// Dial connects a paho client with automatic reconnect. The broker marks the
// bridge offline through the will message if the connection drops.
func Dial(cfg Config, logger *zap.Logger) (Publisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWill(cfg.TopicPrefix+"/availability", "offline", byte(cfg.QoS), true).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info("connected to mqtt broker", zap.String("broker", cfg.Broker))
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("timed out after %s", cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return client, nil
}
