// Package telemetry publishes connectivity and relay session events to MQTT.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/gpgrelay/internal/config"
	"github.com/energizer-project/gpgrelay/internal/events"
	"github.com/energizer-project/gpgrelay/internal/util"
)

// Topic suffixes, appended to the configured prefix.
const (
	TopicConnectivity = "connectivity"
	TopicSession      = "session"
	TopicPeer         = "peer"
	TopicLobby        = "lobby"
	TopicHeartbeat    = "heartbeat"
	TopicAdmin        = "admin"
)

const publishTimeout = 5 * time.Second

// mqttClient is the part of mqtt.Client the handler uses.
type mqttClient interface {
	Connect() mqtt.Token
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

type route struct {
	topic    string
	retained bool
}

// routes maps bus events to topics. Retained topics carry the latest state
// for subscribers that join later.
var routes = map[events.EventType]route{
	events.EventConnectivityChanged: {TopicConnectivity, true},
	events.EventProbeStage:          {TopicConnectivity, false},
	events.EventPortMapped:          {TopicConnectivity, false},
	events.EventTurnAllocated:       {TopicConnectivity, false},
	events.EventTurnBlocked:         {TopicConnectivity, false},
	events.EventSessionStarted:      {TopicSession, false},
	events.EventSessionClosed:       {TopicSession, false},
	events.EventGameStateChanged:    {TopicSession, false},
	events.EventPeerResolved:        {TopicPeer, false},
	events.EventPeerDropped:         {TopicPeer, false},
	events.EventPeerForgotten:       {TopicPeer, false},
	events.EventLobbyConnected:      {TopicLobby, true},
	events.EventLobbyDisconnected:   {TopicLobby, true},
	events.EventHeartbeat:           {TopicHeartbeat, true},
}

// MQTTHandler forwards bus events to an MQTT broker.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqttClient
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}

	wg sync.WaitGroup
}

// NewMQTTHandler creates a new MQTT telemetry handler.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("gpgrelay-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)

	if cfg.UseTLS {
		tlsConfig, err := tlsConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	h := newHandler(cfg, eventBus, nil, sysInfo)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus, client mqttClient, sysInfo util.SystemInfo) *MQTTHandler {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "gpgrelay"
	}
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		logger:   util.ComponentLogger("mqtt"),
		metadata: map[string]interface{}{
			"hostname": sysInfo.Hostname,
			"platform": sysInfo.Platform,
			"os":       sysInfo.OS,
		},
	}
}

func tlsConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tc := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tc.RootCAs = pool
	}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

// Start connects to the broker and publishes events until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.eventBus.Subscribe(events.EventAll, "mqtt", h.onEvent)
	defer h.eventBus.Unsubscribe(events.EventAll, "mqtt")

	<-ctx.Done()

	h.PublishShutdown()
	h.wg.Wait()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

// Topic returns the full topic for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + suffix
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	r, ok := routes[event.Type]
	if !ok {
		return nil
	}
	h.publish(h.Topic(r.topic), r.retained, map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"payload": event.Payload,
	})
	return nil
}

// publish sends a JSON message. Nothing is queued while disconnected.
func (h *MQTTHandler) publish(topic string, retained bool, payload map[string]interface{}) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(h.buildMessage(payload))
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data) // QoS 1
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if !token.WaitTimeout(publishTimeout) {
			h.logger.Warn().Str("topic", topic).Msg("MQTT publish timed out")
			return
		}
		if token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event fields.
func (h *MQTTHandler) buildMessage(payload map[string]interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(h.metadata)+len(payload)+1)
	for k, v := range h.metadata {
		msg[k] = v
	}
	for k, v := range payload {
		msg[k] = v
	}
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the broker.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.Topic(TopicAdmin), false, map[string]interface{}{
		"event": string(events.EventShutdown),
	})
}
