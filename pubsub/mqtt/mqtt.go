// Package mqtt backs the Pub/Sub Gateway with an MQTT broker via
// eclipse/paho.mqtt.golang, fanning broadcasts out across router processes
// rather than within a single one. Unlike the in-process backend, it cannot
// report subscriber counts to a publisher, so it always reports
// pubsub.CapabilityUnknown.
package mqtt

import (
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/wskit-go/wskit/pubsub"
)

// Config configures the underlying paho client.
type Config struct {
	Brokers  []string
	ClientID string
	Username string
	Password string
	QoS      byte
	// PublishTimeout bounds how long Publish waits for the broker to
	// acknowledge the publish before returning an error.
	PublishTimeout time.Duration
}

// Backend adapts a connected paho MQTT client to pubsub.Backend.
type Backend struct {
	client         paho.Client
	qos            byte
	publishTimeout time.Duration
}

// Connect dials the configured brokers and returns a ready Backend.
func Connect(cfg Config) (*Backend, error) {
	opts := paho.NewClientOptions()
	for _, broker := range cfg.Brokers {
		opts.AddBroker(broker)
	}
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, errTimeout("connect")
	}
	if err := token.Error(); err != nil {
		return nil, err
	}

	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Backend{client: client, qos: cfg.QoS, publishTimeout: timeout}, nil
}

// Publish implements pubsub.Backend. MQTT brokers do not expose subscriber
// counts to publishers, so every successful publish reports
// pubsub.CapabilityUnknown.
func (b *Backend) Publish(topic string, data []byte) (pubsub.PublishReport, error) {
	token := b.client.Publish(topic, b.qos, false, data)
	if !token.WaitTimeout(b.publishTimeout) {
		return pubsub.PublishReport{}, errTimeout("publish")
	}
	if err := token.Error(); err != nil {
		return pubsub.PublishReport{}, err
	}
	return pubsub.PublishReport{Capability: pubsub.CapabilityUnknown}, nil
}

// Disconnect gracefully closes the MQTT connection, waiting up to
// quiesceMs for in-flight work to drain.
func (b *Backend) Disconnect(quiesceMs uint) {
	b.client.Disconnect(quiesceMs)
}

type timeoutError string

func (e timeoutError) Error() string { return string(e) }

func errTimeout(op string) error {
	return timeoutError("mqtt: " + op + " timed out")
}
