package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/netmapper/internal/config"
	"github.com/HerbHall/netmapper/internal/event"
	"github.com/HerbHall/netmapper/internal/testutil"
	"github.com/HerbHall/netmapper/pkg/models"
)

// doneToken is an already completed paho token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	messages     []message
	disconnected bool

	// When holdTopic is set, publishing to it signals held and waits for
	// release, like a broker that stopped acknowledging.
	holdTopic string
	held      chan struct{}
	release   chan struct{}
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) paho.Token {
	if c.holdTopic != "" && topic == c.holdTopic {
		c.held <- struct{}{}
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{topic: topic, retained: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.messages))
	for i, m := range c.messages {
		out[i] = m.topic
	}
	return out
}

func (c *fakeClient) last(topic string) (message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].topic == topic {
			return c.messages[i], true
		}
	}
	return message{}, false
}

// deviceIDs returns the device ids of every forwarded deviceFound event.
func (c *fakeClient) deviceIDs(t *testing.T, topic string) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, m := range c.messages {
		if m.topic != topic {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(m.payload, &ev); err != nil {
			t.Fatalf("decode %s: %v", topic, err)
		}
		ids = append(ids, ev.Device.ID)
	}
	return ids
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startBridge(t *testing.T, hub *event.Hub, client *fakeClient, settings map[string]any) *Bridge {
	t.Helper()
	b := NewBridge(hub, WithDialer(func(Config, *zap.Logger) (Publisher, error) {
		return client, nil
	}))

	v := viper.New()
	for k, val := range settings {
		v.Set(k, val)
	}
	if err := b.Init(config.New(v), testutil.Logger()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return b
}

func newBridge(t *testing.T, settings map[string]any) (*Bridge, *event.Hub, *fakeClient) {
	t.Helper()
	hub := event.NewHub(testutil.Logger())
	t.Cleanup(hub.Close)
	client := &fakeClient{}
	return startBridge(t, hub, client, settings), hub, client
}

func TestBridge_InactiveWithoutBroker(t *testing.T) {
	hub := event.NewHub(testutil.Logger())
	defer hub.Close()

	dialed := false
	b := NewBridge(hub, WithDialer(func(Config, *zap.Logger) (Publisher, error) {
		dialed = true
		return &fakeClient{}, nil
	}))
	if err := b.Init(config.New(viper.New()), testutil.Logger()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if dialed {
		t.Error("dialed a broker with none configured")
	}
	if hub.Count() != 0 {
		t.Errorf("hub.Count() = %d, want 0", hub.Count())
	}
	if err := b.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}

func TestBridge_InitRejectsBadQoS(t *testing.T) {
	b := NewBridge(event.NewHub(zap.NewNop()))
	v := viper.New()
	v.Set("qos", 3)
	if err := b.Init(config.New(v), zap.NewNop()); err == nil {
		t.Error("Init() error = nil, want invalid qos")
	}
}

func TestBridge_DialError(t *testing.T) {
	b := NewBridge(event.NewHub(zap.NewNop()), WithDialer(func(Config, *zap.Logger) (Publisher, error) {
		return nil, errors.New("connection refused")
	}))
	v := viper.New()
	v.Set("broker", "tcp://127.0.0.1:1")
	if err := b.Init(config.New(v), zap.NewNop()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Start(context.Background()); err == nil {
		t.Error("Start() error = nil, want dial error")
	}
}

func TestBridge_ForwardsEvents(t *testing.T) {
	_, hub, client := newBridge(t, map[string]any{
		"broker":       "tcp://broker:1883",
		"topic_prefix": "lab",
	})
	if hub.Count() != 1 {
		t.Fatalf("hub.Count() = %d, want 1", hub.Count())
	}

	now := time.Now().UTC()
	hub.Publish(models.NewScanStarted("job-1", now))
	hub.Publish(models.NewDeviceFound(testutil.NewDevice(testutil.WithID("d1")), now))
	hub.Publish(models.NewScanProgress(50, 1, now))
	hub.Publish(models.NewScanCompleted(1, now))

	eventually(t, "8 messages", func() bool { return len(client.topics()) == 8 })
	want := []string{
		"lab/availability",
		"lab/events/scanStarted", "lab/status",
		"lab/events/deviceFound",
		"lab/events/scanProgress", "lab/status",
		"lab/events/scanCompleted", "lab/status",
	}
	if got := client.topics(); !slices.Equal(got, want) {
		t.Errorf("topics = %v, want %v", got, want)
	}

	msg, _ := client.last("lab/events/deviceFound")
	if msg.retained {
		t.Error("event message retained, want not retained")
	}
	if ids := client.deviceIDs(t, "lab/events/deviceFound"); !slices.Equal(ids, []string{"d1"}) {
		t.Errorf("forwarded devices = %v, want [d1]", ids)
	}

	msg, ok := client.last("lab/status")
	if !ok || !msg.retained {
		t.Fatalf("status message = %+v, %v, want retained", msg, ok)
	}
	var status Status
	if err := json.Unmarshal(msg.payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.JobID != "job-1" || status.Status != models.JobStatusCompleted {
		t.Errorf("status = %q %s, want job-1 completed", status.JobID, status.Status)
	}
	if status.Progress != 100 || status.DevicesFound != 1 {
		t.Errorf("Progress, DevicesFound = %d, %d, want 100, 1", status.Progress, status.DevicesFound)
	}
}

func TestBridge_StatusCarriesError(t *testing.T) {
	_, hub, client := newBridge(t, map[string]any{"broker": "tcp://broker:1883"})

	hub.Publish(models.NewScanStarted("job-2", time.Now()))
	hub.Publish(models.NewError("interface down", time.Now()))

	eventually(t, "5 messages", func() bool { return len(client.topics()) == 5 })
	msg, _ := client.last("netmapper/status")

	var status Status
	if err := json.Unmarshal(msg.payload, &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != models.JobStatusError || status.Error != "interface down" {
		t.Errorf("status = %s %q, want error %q", status.Status, status.Error, "interface down")
	}
}

func TestBridge_ReattachesAfterFallingBehind(t *testing.T) {
	hub := event.NewHub(testutil.Logger(), event.WithBuffer(1))
	t.Cleanup(hub.Close)
	client := &fakeClient{
		holdTopic: "netmapper/events/scanStarted",
		held:      make(chan struct{}, 1),
		release:   make(chan struct{}),
	}
	b := startBridge(t, hub, client, map[string]any{"broker": "tcp://broker:1883"})
	defer b.Stop()

	now := time.Now()
	hub.Publish(models.NewScanStarted("job-1", now))
	<-client.held

	// The bridge is stuck on the broker: one event fits its queue, the next
	// overflows it and the hub drops the bridge.
	hub.Publish(models.NewDeviceFound(testutil.NewDevice(testutil.WithID("kept")), now))
	if n := hub.Publish(models.NewDeviceFound(testutil.NewDevice(testutil.WithID("lost")), now)); n != 0 {
		t.Fatalf("Publish() delivered to %d subscribers, want 0", n)
	}
	close(client.release)

	eventually(t, "bridge to reattach", func() bool { return hub.Count() == 1 })
	hub.Publish(models.NewDeviceFound(testutil.NewDevice(testutil.WithID("after")), now))

	topic := "netmapper/events/deviceFound"
	eventually(t, "event after reattach", func() bool {
		return len(client.deviceIDs(t, topic)) == 2
	})
	if got := client.deviceIDs(t, topic); !slices.Equal(got, []string{"kept", "after"}) {
		t.Errorf("forwarded devices = %v, want [kept after]", got)
	}
}

func TestBridge_Stop(t *testing.T) {
	b, hub, client := newBridge(t, map[string]any{"broker": "tcp://broker:1883"})
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if hub.Count() != 0 {
		t.Errorf("hub.Count() = %d, want 0", hub.Count())
	}
	if !client.disconnected {
		t.Error("client not disconnected")
	}

	msg, ok := client.last("netmapper/availability")
	if !ok || string(msg.payload) != "offline" || !msg.retained {
		t.Errorf("availability = %q retained=%v, want retained offline", msg.payload, msg.retained)
	}

	// Events after Stop are not forwarded.
	n := len(client.topics())
	hub.Publish(models.NewScanStarted("job-3", time.Now()))
	time.Sleep(20 * time.Millisecond)
	if got := len(client.topics()); got != n {
		t.Errorf("messages after Stop = %d, want %d", got, n)
	}
}

func TestBridge_StopAfterHubClosed(t *testing.T) {
	b, hub, _ := newBridge(t, map[string]any{"broker": "tcp://broker:1883"})
	hub.Close()

	done := make(chan error, 1)
	go func() { done <- b.Stop() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked after hub closed")
	}
}
