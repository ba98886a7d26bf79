package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/conflict"
	"github.com/markus-lassfolk/routetrack/pkg/logx"
)

// Client publishes routetrack telemetry to an MQTT broker
type Client struct {
	client      MQTT.Client
	logger      *logx.Logger
	config      *Config
	mu          sync.Mutex
	connected   bool
	lastPublish time.Time
	lastStatus  *pkg.SyncStatus

	// publish is swapped out in tests
	publish func(topic string, payload []byte) error

	// limiter throttles high-frequency position publishes only
	limiter *rate.Limiter
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
}

// Position publishes are limited to PositionRate per second with bursts
// of PositionBurst; lifecycle and status messages are never dropped.
const (
	PositionRate  = 2
	PositionBurst = 5
)

// ConnectTimeout bounds how long Connect blocks before leaving the
// connection to the background retry loop
const ConnectTimeout = 10 * time.Second

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "routetrackd",
		TopicPrefix: "routetrack",
		QoS:         1,
		Retain:      false,
		Enabled:     false,
	}
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Client{
		logger:  logger,
		config:  config,
		limiter: rate.NewLimiter(rate.Limit(PositionRate), PositionBurst),
	}
	c.publish = c.publishDirect
	return c
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// a retained "offline" marker for consumers watching the device
	opts.SetWill(c.topic("availability"), "offline", byte(c.config.QoS), true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	// with connect retry the token only completes once the broker answers
	token := c.client.Connect()
	if !token.WaitTimeout(ConnectTimeout) {
		c.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", c.config.Broker)
		return nil
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})

	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	c.mu.Lock()
	connected := c.connected
	c.connected = false
	c.mu.Unlock()

	if c.client != nil && connected {
		token := c.client.Publish(c.topic("availability"), byte(c.config.QoS), true, "offline")
		token.WaitTimeout(time.Second)
		c.client.Disconnect(250)
		c.logger.Info("MQTT client disconnected")
	}
	return nil
}

func (c *Client) onConnect(client MQTT.Client) {
	c.mu.Lock()
	c.connected = true
	status := c.lastStatus
	c.mu.Unlock()

	c.logger.Info("MQTT connection established")
	client.Publish(c.topic("availability"), byte(c.config.QoS), true, "online")

	// republish the latest known status after a reconnect
	if status != nil {
		if err := c.PublishStatus(*status); err != nil {
			c.logger.Warn("MQTT status republish failed", "error", err)
		}
	}
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Error("MQTT connection lost", map[string]interface{}{
		"error": err.Error(),
	})
}

// StatusListener adapts the client to the sync coordinator's listener
// signature. Publish errors are logged.
func (c *Client) StatusListener(status pkg.SyncStatus) {
	if err := c.PublishStatus(status); err != nil {
		c.logger.Warn("MQTT status publish failed", "error", err)
	}
}

// PublishStatus publishes the sync status snapshot
func (c *Client) PublishStatus(status pkg.SyncStatus) error {
	s := status
	c.mu.Lock()
	c.lastStatus = &s
	c.mu.Unlock()

	return c.send("sync/status", false, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"status":    status,
	})
}

// PublishSession publishes a session lifecycle event
func (c *Client) PublishSession(event string, rec pkg.RouteSessionRecord) error {
	return c.send("sessions/"+event, false, map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"session":   rec,
	})
}

// PublishPosition publishes an accepted sample of a session
func (c *Client) PublishPosition(sessionID string, sample pkg.PositionSample) error {
	return c.send("position", true, map[string]interface{}{
		"session_id": sessionID,
		"sample":     sample,
	})
}

// PublishConflict publishes a detected conflict and the applied resolution
func (c *Client) PublishConflict(cf *conflict.Conflict, res conflict.Resolution) error {
	return c.send("sync/conflicts", false, map[string]interface{}{
		"timestamp": cf.DetectedAt,
		"id":        cf.ID,
		"type":      cf.Type,
		"reason":    cf.Reason,
		"action":    res.Action,
		"detail":    res.Reason,
	})
}

// Publish marshals payload and publishes it under the topic prefix,
// subject to the position rate limit. It is a no-op while disabled or
// disconnected.
func (c *Client) Publish(subtopic string, payload interface{}) error {
	return c.send(subtopic, true, payload)
}

func (c *Client) send(subtopic string, limited bool, payload interface{}) error {
	if !c.config.Enabled || !c.IsConnected() {
		return nil
	}

	if limited && !c.limiter.Allow() {
		c.logger.Debug("MQTT rate limit exceeded, dropping message", "topic", subtopic)
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	topic := c.topic(subtopic)
	if err := c.publish(topic, data); err != nil {
		return err
	}

	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()

	c.logger.Trace("MQTT message published", "topic", topic, "size", len(data))
	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

func (c *Client) topic(subtopic string) string {
	return fmt.Sprintf("%s/%s", c.config.TopicPrefix, subtopic)
}

func (c *Client) publishDirect(topic string, payload []byte) error {
	if c.client == nil {
		return fmt.Errorf("not connected to MQTT broker")
	}

	token := c.client.Publish(topic, byte(c.config.QoS), c.config.Retain, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}
