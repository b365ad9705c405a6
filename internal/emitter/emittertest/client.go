// Package emittertest provides an in-memory mqtt.Client for tests.
package emittertest

import (
	"errors"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Message is one recorded publish
type Message struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Client records publishes and routes Deliver calls to subscribers.
// OnPublish, when set, runs after each publish is recorded.
type Client struct {
	mu        sync.Mutex
	connected bool
	published []Message
	handlers  map[string]mqtt.MessageHandler

	OnPublish  func(c *Client, msg Message)
	PublishErr error
}

// NewClient returns a connected fake client
func NewClient() *Client {
	return &Client{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

// SetConnected changes the reported connection state
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// Published returns a copy of every recorded publish
func (c *Client) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns the publishes on topic
func (c *Client) PublishedTo(topic string) []Message {
	var out []Message
	for _, m := range c.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Subscribed reports whether a handler is registered for topic
func (c *Client) Subscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handlers[topic]
	return ok
}

// Deliver hands payload to the handler subscribed to topic
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}
	h(c, &message{topic: topic, payload: payload})
	return true
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Connect() mqtt.Token {
	c.SetConnected(true)
	return done(nil)
}

func (c *Client) Disconnect(quiesce uint) { c.SetConnected(false) }

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = append([]byte(nil), p...)
	case string:
		data = []byte(p)
	default:
		return done(errors.New("unknown payload type"))
	}

	c.mu.Lock()
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return done(err)
	}
	msg := Message{Topic: topic, QoS: qos, Payload: data}
	c.published = append(c.published, msg)
	hook := c.OnPublish
	c.mu.Unlock()

	if hook != nil {
		hook(c, msg)
	}
	return done(nil)
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return done(nil)
}

func (c *Client) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	for topic, qos := range filters {
		c.Subscribe(topic, qos, callback)
	}
	return done(nil)
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()
	return done(nil)
}

func (c *Client) AddRoute(topic string, callback mqtt.MessageHandler) {
	c.Subscribe(topic, 0, callback)
}

func (c *Client) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// HasPrefix reports whether any publish went to a topic starting with prefix
func (c *Client) HasPrefix(prefix string) bool {
	for _, m := range c.Published() {
		if strings.HasPrefix(m.Topic, prefix) {
			return true
		}
	}
	return false
}

type token struct {
	err error
	ch  chan struct{}
}

func done(err error) *token {
	ch := make(chan struct{})
	close(ch)
	return &token{err: err, ch: ch}
}

func (t *token) Wait() bool                     { return true }
func (t *token) WaitTimeout(time.Duration) bool { return true }
func (t *token) Done() <-chan struct{}          { return t.ch }
func (t *token) Error() error                   { return t.err }

type message struct {
	topic   string
	payload []byte
}

func (m *message) Duplicate() bool   { return false }
func (m *message) Qos() byte         { return 0 }
func (m *message) Retained() bool    { return false }
func (m *message) Topic() string     { return m.topic }
func (m *message) MessageID() uint16 { return 0 }
func (m *message) Payload() []byte   { return m.payload }
func (m *message) Ack()              {}
