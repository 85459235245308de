package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/sweeney/heating-controller/internal/logic"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	bufferSize     = 256
)

// Client is a Publisher backed by a broker connection. Messages published
// while disconnected are buffered and replayed on reconnect. Incoming
// readings are applied to a Readings store.
type Client struct {
	client   paho.Client
	readings *Readings
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	buffer    *ringBuffer
	connected bool
}

var (
	_ Publisher        = (*Client)(nil)
	_ ConnectionStatus = (*Client)(nil)
)

// NewClient connects to broker and subscribes to the reading topics.
// readings may be nil for a publish-only client.
func NewClient(broker, clientID string, readings *Readings, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		readings: readings,
		logger:   logger,
		now:      time.Now,
		buffer:   newRingBuffer(bufferSize, logger),
	}

	will, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(TopicSystem, string(will), 1, true).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.logger.Warn("mqtt connection lost", zap.Error(err))
		})

	c.client = paho.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.New("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return c, nil
}

func (c *Client) onConnect(pc paho.Client) {
	c.logger.Info("mqtt connected")

	if c.readings != nil {
		filters := make(map[string]byte)
		for _, f := range Subscriptions() {
			filters[f] = 1
		}
		token := pc.SubscribeMultiple(filters, c.handle)
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			c.logger.Error("mqtt subscribe failed", zap.Error(token.Error()))
		}
	}

	c.mu.Lock()
	c.connected = true
	pending := c.buffer.drainAll()
	c.mu.Unlock()

	for _, m := range pending {
		if err := c.send(m); err != nil {
			c.logger.Warn("mqtt replay failed", zap.String("topic", m.topic), zap.Error(err))
		}
	}
	if len(pending) > 0 {
		c.logger.Info("mqtt replayed buffered messages", zap.Int("count", len(pending)))
	}
}

func (c *Client) handle(_ paho.Client, msg paho.Message) {
	err := c.readings.HandleMessage(msg.Topic(), msg.Payload(), c.now())
	switch {
	case err == nil:
		c.logger.Debug("mqtt reading", zap.String("topic", msg.Topic()), zap.ByteString("payload", msg.Payload()))
	case errors.Is(err, ErrUnknownTopic):
		c.logger.Debug("mqtt message ignored", zap.String("topic", msg.Topic()))
	default:
		c.logger.Warn("mqtt message rejected", zap.String("topic", msg.Topic()), zap.Error(err))
	}
}

func (c *Client) publish(m bufferedMsg) error {
	c.mu.Lock()
	if !c.connected || !c.client.IsConnectionOpen() {
		c.buffer.push(m)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.send(m)
}

func (c *Client) send(m bufferedMsg) error {
	token := c.client.Publish(m.topic, m.qos, m.retained, m.payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timeout", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", m.topic, err)
	}
	return nil
}

// PublishCommand sends the actuator command of room.
func (c *Client) PublishCommand(room string, on bool) error {
	return c.publish(bufferedMsg{topic: CommandTopic(room), payload: FormatCommand(on), qos: 1, retained: true})
}

// PublishTarget sends the resolved target of room.
func (c *Client) PublishTarget(room string, target logic.TempTarget) error {
	payload, err := FormatTarget(target)
	if err != nil {
		return fmt.Errorf("format target: %w", err)
	}
	return c.publish(bufferedMsg{topic: TargetTopic(room), payload: payload, qos: 0, retained: true})
}

// PublishEvent sends an actuator transition.
func (c *Client) PublishEvent(event logic.Event) error {
	payload, err := FormatPayload(event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}
	return c.publish(bufferedMsg{topic: TopicEvents, payload: payload, qos: 1})
}

// PublishSystem sends a system lifecycle event.
func (c *Client) PublishSystem(event SystemEvent) error {
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return c.publish(bufferedMsg{topic: TopicSystem, payload: payload, qos: 1, retained: event.Retained})
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	c.client.Disconnect(1000)
	return nil
}
