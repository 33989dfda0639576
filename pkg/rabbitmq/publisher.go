package rabbitmq

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// IPublisher interface defines the method to publish a message
type IPublisher interface {
	PublishMessage(message interface{}) error
	PublishTo(topic string, payload []byte) error
	Close()
}

// Publisher holds the client and the default topic
type Publisher struct {
	client mqtt.Client
	topic  string
	log    *zap.Logger
}

func NewPublisher(client mqtt.Client, topic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{client: client, topic: topic, log: logger}
}

// PublishMessage publishes a string or []byte on the default topic
func (p *Publisher) PublishMessage(message interface{}) error {
	switch m := message.(type) {
	case string:
		return p.PublishTo(p.topic, []byte(m))
	case []byte:
		return p.PublishTo(p.topic, m)
	default:
		return fmt.Errorf("invalid message format, expected string or []byte")
	}
}

func (p *Publisher) PublishTo(topic string, payload []byte) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("empty topic")
	}
	token := p.client.Publish(topic, qosFor(topic), false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}
	p.log.Debug("message published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

// Close gracefully closes the MQTT connection for the publisher
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		p.log.Info("mqtt client disconnected")
	}
}
