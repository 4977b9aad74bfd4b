// Package publish sends shelf events to an MQTT broker and keeps the
// connection alive across broker outages. Delivery is best effort: events
// raised while the broker is away are dropped and counted, and a consumer
// that needs the full picture asks for a resync instead.
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Logf is the package logger. Replaceable for tests.
var Logf = log.Printf

// Config holds broker connection settings.
type Config struct {
	// BrokerURL is the broker address, e.g. "tcp://localhost:1883".
	BrokerURL string

	// ClientID identifies this instance to the broker. Defaults to
	// "shelfwatch-" plus a random suffix.
	ClientID string

	// BaseTopic prefixes every topic. Defaults to "shelfwatch".
	BaseTopic string

	// QoS applies to all published events. Defaults to 1 (at least once).
	QoS byte

	// ReconnectInterval is the fixed delay between reconnection attempts
	// after the broker goes away. Defaults to 5s.
	ReconnectInterval time.Duration

	// ConnectTimeout bounds the initial connect and per-publish waits.
	// Defaults to 5s.
	ConnectTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "shelfwatch-" + uuid.NewString()[:8]
	}
	if c.BaseTopic == "" {
		c.BaseTopic = "shelfwatch"
	}
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 5 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
}

// Stats counts publisher activity since startup.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Dropped   uint64            `json:"dropped"`
	Errors    uint64            `json:"errors"`
}

// Publisher is the resilient MQTT event sink. It satisfies
// vision.EventSink: publishes are fire and forget, with drops counted
// while the broker is unreachable.
type Publisher struct {
	cfg    Config
	client mqtt.Client

	// newClient builds the paho client; swapped out in tests.
	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	dropped   uint64
	errors    uint64
	onResync  func()
}

// New creates a publisher for the given broker. Connect must be called
// before events flow.
func New(cfg Config) *Publisher {
	cfg.applyDefaults()
	return &Publisher{
		cfg:       cfg,
		newClient: mqtt.NewClient,
		published: make(map[string]uint64),
	}
}

// detectedEvent is the wire payload for a product appearing on the shelf.
type detectedEvent struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// removedEvent is the wire payload for a product leaving the shelf.
type removedEvent struct {
	Name   string `json:"name"`
	Action string `json:"action"`
}

// registration is the retained presence record for this client.
type registration struct {
	ClientID string `json:"client_id"`
	Status   string `json:"status"`
}

// Connect dials the broker and installs the reconnect machinery. The paho
// client keeps retrying in the background on both the initial connect and
// later losses, so a missing broker at startup is not fatal.
func (p *Publisher) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(p.cfg.BrokerURL)
	opts.SetClientID(p.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.cfg.ReconnectInterval)
	opts.SetMaxReconnectInterval(p.cfg.ReconnectInterval)
	opts.SetOrderMatters(false)
	opts.OnConnect = p.handleConnect
	opts.OnConnectionLost = p.handleConnectionLost

	// The broker clears our retained presence record if we die without
	// saying goodbye.
	will, err := json.Marshal(registration{ClientID: p.cfg.ClientID, Status: "offline"})
	if err == nil {
		opts.SetBinaryWill(p.registrationTopic(), will, p.cfg.QoS, true)
	}

	p.client = p.newClient(opts)

	Logf("publish: connecting to broker %s as %s", p.cfg.BrokerURL, p.cfg.ClientID)
	token := p.client.Connect()
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		// Retry continues in the background; report so the caller can log it.
		return fmt.Errorf("broker %s not reachable yet, retrying every %s",
			p.cfg.BrokerURL, p.cfg.ReconnectInterval)
	}
	return token.Error()
}

// handleConnect runs on every successful (re)connection: mark connected,
// announce presence, and renew the resync subscription. Subscribing here
// rather than once at startup survives brokers that drop session state.
func (p *Publisher) handleConnect(client mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	Logf("publish: connected to broker %s", p.cfg.BrokerURL)

	payload, err := json.Marshal(registration{ClientID: p.cfg.ClientID, Status: "online"})
	if err == nil {
		client.Publish(p.registrationTopic(), p.cfg.QoS, true, payload)
	}

	token := client.Subscribe(p.resyncTopic(), p.cfg.QoS, p.handleResyncMessage)
	if token.WaitTimeout(p.cfg.ConnectTimeout) && token.Error() != nil {
		Logf("publish: resync subscription failed: %v", token.Error())
	}
}

func (p *Publisher) handleConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	Logf("publish: broker connection lost: %v (reconnecting every %s)", err, p.cfg.ReconnectInterval)
}

func (p *Publisher) handleResyncMessage(_ mqtt.Client, msg mqtt.Message) {
	Logf("publish: resync requested on %s", msg.Topic())
	p.mu.RLock()
	handler := p.onResync
	p.mu.RUnlock()
	if handler != nil {
		handler()
	}
}

// SetResyncHandler installs the callback invoked when a consumer posts to
// the resync control topic.
func (p *Publisher) SetResyncHandler(fn func()) {
	p.mu.Lock()
	p.onResync = fn
	p.mu.Unlock()
}

// Connected reports whether the broker link is currently up.
func (p *Publisher) Connected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// PublishDetected announces a newly identified product.
func (p *Publisher) PublishDetected(name string, quantity int) {
	p.publishJSON(p.topic("events/detected"), detectedEvent{Name: name, Quantity: quantity})
}

// PublishRemoved announces a product leaving the shelf.
func (p *Publisher) PublishRemoved(name string) {
	p.publishJSON(p.topic("events/removed"), removedEvent{Name: name, Action: "REMOVE"})
}

// publishJSON sends one event, dropping it when the broker is away.
func (p *Publisher) publishJSON(topic string, v interface{}) {
	if !p.Connected() {
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
		Logf("publish: dropped event on %s, broker away", topic)
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		Logf("publish: marshal event for %s: %v", topic, err)
		return
	}

	token := p.client.Publish(topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(p.cfg.ConnectTimeout) {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		Logf("publish: timeout on %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.mu.Lock()
		p.errors++
		p.mu.Unlock()
		Logf("publish: %s failed: %v", topic, err)
		return
	}

	p.mu.Lock()
	p.published[topic]++
	p.mu.Unlock()
}

// Stats returns a copy of the publish counters.
func (p *Publisher) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	published := make(map[string]uint64, len(p.published))
	for k, v := range p.published {
		published[k] = v
	}
	return Stats{
		Connected: p.connected,
		Published: published,
		Dropped:   p.dropped,
		Errors:    p.errors,
	}
}

// Close says goodbye to the broker: clears the retained presence record
// and disconnects with a short grace period for in-flight messages.
func (p *Publisher) Close() {
	if p.client == nil {
		return
	}
	if p.Connected() {
		payload, err := json.Marshal(registration{ClientID: p.cfg.ClientID, Status: "offline"})
		if err == nil {
			token := p.client.Publish(p.registrationTopic(), p.cfg.QoS, true, payload)
			token.WaitTimeout(time.Second)
		}
	}
	p.client.Disconnect(250)

	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	Logf("publish: disconnected")
}

func (p *Publisher) topic(suffix string) string {
	return p.cfg.BaseTopic + "/" + suffix
}

func (p *Publisher) registrationTopic() string {
	return p.topic("clients/" + p.cfg.ClientID)
}

func (p *Publisher) resyncTopic() string {
	return p.topic("control/resync")
}
