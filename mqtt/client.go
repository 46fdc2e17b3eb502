package mqtt

import (
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/eddielth/ha-agent/config"
	"github.com/eddielth/ha-agent/ha"
	"github.com/eddielth/ha-agent/logger"
)

const (
	subscribeTimeout  = 5 * time.Second
	disconnectQuiesce = 250
)

// Client wraps a paho client and implements ha.Transport. Connection and
// message events are forwarded to the registered ha.Handler.
type Client struct {
	client paho.Client
	config config.MQTTConfig

	mu      sync.RWMutex
	handler ha.Handler
}

var _ ha.Transport = (*Client)(nil)

// NewClient creates a client whose last will marks availabilityTopic offline
func NewClient(cfg config.MQTTConfig, availabilityTopic string) (*Client, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("MQTT broker address cannot be empty")
	}

	c := &Client{config: cfg}
	c.client = paho.NewClient(c.options(availabilityTopic))
	return c, nil
}

func (c *Client) options(availabilityTopic string) *paho.ClientOptions {
	cfg := c.config

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)

	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("ha-agent-%d", time.Now().Unix())
	}
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	if cfg.KeepAlive > 0 {
		opts.SetKeepAlive(cfg.KeepAlive)
	}
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	if availabilityTopic != "" {
		opts.SetWill(availabilityTopic, ha.PayloadOffline, 1, true)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	// handlers subscribe and publish from inside callbacks
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		logger.Info("connected to MQTT broker: %s", cfg.Broker)
		if h := c.currentHandler(); h != nil {
			h.OnConnect()
		}
	})

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		logger.Error("MQTT connection lost: %v", err)
		if h := c.currentHandler(); h != nil {
			h.OnConnectionLost(err)
		}
	})

	opts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		logger.Info("trying to reconnect to MQTT broker...")
	})

	return opts
}

// SetHandler implements ha.Transport
func (c *Client) SetHandler(h ha.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *Client) currentHandler() ha.Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// Connect starts connecting. When the broker is not reachable within the
// connect timeout the client keeps retrying in the background.
func (c *Client) Connect() error {
	timeout := c.config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	token := c.client.Connect()
	if !token.WaitTimeout(timeout) {
		logger.Warn("MQTT broker %s not reachable yet, retrying in background", c.config.Broker)
		return nil
	}
	return token.Error()
}

// Publish implements ha.Transport. It does not wait for delivery.
// Retained messages go out with QoS 1, everything else with QoS 0.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if !c.client.IsConnectionOpen() {
		return ha.ErrNotConnected
	}

	var qos byte
	if retain {
		qos = 1
	}
	c.client.Publish(topic, qos, retain, payload)
	return nil
}

// Subscribe implements ha.Transport
func (c *Client) Subscribe(topic string) error {
	token := c.client.Subscribe(topic, 0, c.onMessage)

	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscription to topic %s timed out", topic)
	}

	if err := token.Error(); err != nil {
		return err
	}

	logger.Debug("subscribed to topic: %s", topic)
	return nil
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	logger.Debug("received message from topic %s", msg.Topic())
	if h := c.currentHandler(); h != nil {
		h.OnMessage(msg.Topic(), msg.Payload())
	}
}

// Disconnect disconnects from the MQTT broker
func (c *Client) Disconnect() {
	c.client.Disconnect(disconnectQuiesce)
	logger.Info("disconnected from MQTT broker")
}
