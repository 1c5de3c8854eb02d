package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/gpgrelay/internal/config"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/util"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type published struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

type fakeClient struct {
	mu           sync.Mutex
	connectErr   error
	connected    bool
	disconnected bool
	messages     []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return doneToken{err: c.connectErr}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	if err := json.Unmarshal(payload.([]byte), &body); err != nil {
		return doneToken{err: err}
	}
	c.mu.Lock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, body: body})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) sent() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func TestNewMQTTHandler_Disabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, nil)
	assert.Error(t, err)
}

func TestMQTTHandler_PublishesRoutedEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{Enabled: true, TopicPrefix: "test"}, bus, client, util.SystemInfo{Hostname: "box"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()
	require.Eventually(t, func() bool { return bus.HandlerCount(events.EventAll) == 1 }, time.Second, 5*time.Millisecond)

	bus.Emit(ctx, events.Event{
		Type:    events.EventConnectivityChanged,
		Source:  "probe",
		Payload: events.ConnectivityPayload{State: "TURN", Address: "10.0.0.1:49152"},
	})
	bus.Emit(ctx, events.Event{Type: events.EventConfigChanged, Source: "api"})

	require.Eventually(t, func() bool { return len(client.sent()) == 1 }, time.Second, 5*time.Millisecond)
	msg := client.sent()[0]
	assert.Equal(t, "test/connectivity", msg.topic)
	assert.True(t, msg.retained)
	assert.Equal(t, "connectivity_changed", msg.body["event"])
	assert.Equal(t, "box", msg.body["hostname"])
	assert.Equal(t, "TURN", msg.body["payload"].(map[string]interface{})["state"])

	cancel()
	require.NoError(t, <-done)
	sent := client.sent()
	assert.Equal(t, "test/admin", sent[len(sent)-1].topic)
	assert.True(t, client.disconnected)
	assert.Zero(t, bus.HandlerCount(events.EventAll))
}

func TestMQTTHandler_ConnectFailure(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("refused")}
	h := newHandler(config.MQTTConfig{Enabled: true}, nil, client, util.SystemInfo{})

	err := h.Start(context.Background())
	assert.ErrorContains(t, err, "refused")
	assert.Equal(t, "gpgrelay/session", h.Topic(TopicSession))
}

func TestMQTTHandler_DropsWhileDisconnected(t *testing.T) {
	client := &fakeClient{}
	h := newHandler(config.MQTTConfig{Enabled: true}, nil, client, util.SystemInfo{})

	require.NoError(t, h.onEvent(context.Background(), events.Event{Type: events.EventPeerDropped}))
	assert.Empty(t, client.sent())
}
