package mqttclient

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Handler is called for every message on a subscribed topic
type Handler func(topic string, payload []byte)

type Options struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
	Logger         zerolog.Logger
}

type subscription struct {
	qos     byte
	handler Handler
}

// Client wraps a paho client and restores subscriptions after a reconnect
type Client struct {
	raw    mqtt.Client
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

// New connects to the broker, retrying in the background until ConnectTimeout expires
func New(opts Options) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	c := &Client{
		logger: opts.Logger,
		subs:   make(map[string]subscription),
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	o.SetCleanSession(true)
	o.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info().Str("broker", RedactURL(opts.BrokerURL)).Msg("MQTT connected")
		c.resubscribe()
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("MQTT connection lost")
	})
	c.raw = mqtt.NewClient(o)

	token := c.raw.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		c.raw.Disconnect(0)
		return nil, fmt.Errorf("timed out connecting to %s", RedactURL(opts.BrokerURL))
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", RedactURL(opts.BrokerURL), err)
	}
	return c, nil
}

// Subscribe registers handler for topic; the subscription survives reconnects
func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	return c.subscribe(topic, qos, handler)
}

func (c *Client) subscribe(topic string, qos byte, handler Handler) error {
	token := c.raw.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	for topic, sub := range subs {
		// paho callbacks must not block on tokens
		go func(topic string, sub subscription) {
			if err := c.subscribe(topic, sub.qos, sub.handler); err != nil {
				c.logger.Error().Err(err).Str("topic", topic).Msg("MQTT resubscribe failed")
			}
		}(topic, sub)
	}
}

// Close disconnects, allowing 250ms for in-flight work
func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func (c *Client) String() string {
	return "MQTTClient"
}

// RedactURL strips user info from a broker URL
func RedactURL(u string) string {
	scheme, rest, ok := strings.Cut(u, "://")
	if !ok {
		return u
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		return scheme + "://****@" + rest[at+1:]
	}
	return u
}
