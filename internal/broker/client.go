// Package broker provides the MQTT client facade used by the platform
// services, including the Mosquitto dynamic-security control plane.
package broker

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seguro-projekt/platform/internal/config"
)

// Message is a single received MQTT message.
type Message struct {
	Topic   string
	Payload []byte
}

// MessageHandler receives messages for a subscribed topic.
type MessageHandler func(c *Client, msg Message)

// Client is a thread-safe facade over the MQTT connection.
type Client struct {
	mc  mqtt.Client
	log zerolog.Logger
}

const (
	connectTimeout = 10 * time.Second
	publishQoS     = 1
)

// NewClient connects to the broker using the endpoint, credentials and TLS
// material from the configuration. The client id carries a uuid suffix so
// multiple instances of the same service do not evict each other.
func NewClient(cfg *config.Config, uid string, log zerolog.Logger) (*Client, error) {
	clientID := uuid.NewString()
	if uid != "" {
		clientID = uid + "/" + clientID
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTEndpoint()).
		SetClientID(clientID).
		SetKeepAlive(60 * time.Second).
		SetAutoReconnect(true).
		SetOrderMatters(true)

	if cfg.MQTTUsername != "" || cfg.MQTTPassword != "" {
		opts.SetUsername(cfg.MQTTUsername)
		opts.SetPassword(cfg.MQTTPassword)
	}

	if !cfg.DevMode {
		tlsCfg, err := brokerTLSConfig(cfg.TLSCACert, cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS material: %w", err)
		}
		opts.SetTLSConfig(tlsCfg)
	}

	c := &Client{
		mc:  mqtt.NewClient(opts),
		log: log.With().Str("component", "broker").Logger(),
	}

	token := c.mc.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("timed out connecting to broker at %s", cfg.MQTTEndpoint())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.log.Info().Str("endpoint", cfg.MQTTEndpoint()).Msg("Connected to broker")

	return c, nil
}

func brokerTLSConfig(caCert, cert, key string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caCert)
	}

	tlsCfg := &tls.Config{RootCAs: pool}

	if cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}

	return tlsCfg, nil
}

// Subscribe registers a handler for a topic filter.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	token := c.mc.Subscribe(topic, publishQoS, func(_ mqtt.Client, m mqtt.Message) {
		handler(c, Message{Topic: m.Topic(), Payload: m.Payload()})
	})

	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	c.log.Debug().Str("topic", topic).Msg("Subscribed")

	return nil
}

// Publish sends a message to the given topic.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.mc.Publish(topic, publishQoS, false, payload)

	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close disconnects from the broker, allowing in-flight messages to drain.
func (c *Client) Close() {
	c.mc.Disconnect(250)
	c.log.Info().Msg("Disconnected from broker")
}
