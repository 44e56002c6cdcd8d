// Package mqttclient receives device segment and completion messages from
// an MQTT broker.
package mqttclient

import (
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/livescribe/internal/metrics"
)

// DefaultTopic is subscribed when Options.Topics is empty.
const DefaultTopic = "livescribe/sessions/+/segments"

// Message is one routed device message.
type Message struct {
	Topic   Topic
	Name    string // topic as published
	Payload []byte
}

// Handler receives routed messages. It is called from paho's delivery
// goroutine in arrival order, so it must not block indefinitely.
type Handler func(Message)

// Client is a broker connection that re-subscribes on every reconnect.
type Client struct {
	conn      mqtt.Client
	filters   []string
	qos       byte
	connected atomic.Bool
	handle    Handler
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Topics    string // comma separated filters
	Username  string
	Password  string

	// QoS for subscriptions. Default 1, so the broker redelivers segments
	// missed while disconnected.
	QoS *byte

	Handler Handler
	Log     zerolog.Logger
}

// Connect dials the broker. It returns once the first connection attempt
// has finished; later drops are retried in the background.
func Connect(opts Options) (*Client, error) {
	c := &Client{
		filters: splitFilters(opts.Topics),
		qos:     1,
		handle:  opts.Handler,
		log:     opts.Log,
	}
	if opts.QoS != nil {
		c.qos = *opts.QoS
	}

	co := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(false).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(true).
		SetOnConnectHandler(c.subscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.connected.Store(false)
			c.log.Warn().Err(err).Msg("mqtt connection lost, reconnecting")
		}).
		SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			c.dispatch(m.Topic(), m.Payload())
		})

	c.conn = mqtt.NewClient(co)
	if tok := c.conn.Connect(); tok.Wait() && tok.Error() != nil {
		return nil, tok.Error()
	}
	return c, nil
}

func (c *Client) subscribe(conn mqtt.Client) {
	c.connected.Store(true)
	subs := make(map[string]byte, len(c.filters))
	for _, f := range c.filters {
		subs[f] = c.qos
	}
	c.log.Info().Strs("topics", c.filters).Uint8("qos", c.qos).Msg("mqtt connected, subscribing")
	if tok := conn.SubscribeMultiple(subs, nil); tok.Wait() && tok.Error() != nil {
		c.log.Error().Err(tok.Error()).Msg("mqtt subscribe failed")
	}
}

// dispatch routes one message. Topics that are not device topics are
// dropped here so handlers only see messages they can act on.
func (c *Client) dispatch(name string, payload []byte) {
	metrics.MQTTMessagesTotal.Inc()
	t, ok := ParseTopic(name)
	if !ok || c.handle == nil {
		c.log.Debug().Str("topic", name).Int("payload_size", len(payload)).Msg("mqtt message dropped")
		return
	}
	c.handle(Message{Topic: t, Name: name, Payload: payload})
}

// IsConnected reports the broker connection state.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Close disconnects, giving in-flight work a second to finish.
func (c *Client) Close() {
	c.log.Info().Msg("disconnecting mqtt client")
	c.conn.Disconnect(1000)
}
