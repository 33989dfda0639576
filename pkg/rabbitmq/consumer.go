package rabbitmq

import (
	"context"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// IConsumer interface defines the ConsumeMessage method with dependencies T
type IConsumer[T any] interface {
	ConsumeMessage(ctx context.Context)
	SetHandler(handler func(queue string, message mqtt.Message) error)
}

// comandi ed eventi di allarme/irrigazione: at-least-once
func qosFor(topic string) byte {
	t := strings.TrimSpace(topic)
	if strings.HasPrefix(t, "event/") ||
		strings.HasPrefix(t, "sensor/override") {
		return 1
	}
	return 0
}

// MultiConsumer subscribes to a set of topic filters with a single handler.
type MultiConsumer struct {
	client  mqtt.Client
	topics  []string
	handler func(queue string, message mqtt.Message) error
	log     *zap.Logger
}

func NewMultiConsumer(client mqtt.Client, topics []string, handler func(queue string, message mqtt.Message) error, logger *zap.Logger) *MultiConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MultiConsumer{client: client, topics: topics, handler: handler, log: logger}
}

func (m *MultiConsumer) SetHandler(handler func(queue string, message mqtt.Message) error) {
	m.handler = handler
}

// ConsumeMessage blocks until the context is cancelled.
func (m *MultiConsumer) ConsumeMessage(ctx context.Context) {
	for _, topic := range m.topics {
		topic := topic
		token := m.client.Subscribe(topic, qosFor(topic), func(_ mqtt.Client, msg mqtt.Message) {
			if m.handler == nil {
				m.log.Warn("no handler set", zap.String("topic", topic))
				return
			}
			if err := m.handler(topic, msg); err != nil {
				m.log.Warn("error handling message", zap.String("topic", msg.Topic()), zap.Error(err))
			}
		})
		token.Wait()
		if token.Error() != nil {
			m.log.Error("error subscribing", zap.String("topic", topic), zap.Error(token.Error()))
		} else {
			m.log.Info("subscribed", zap.String("topic", topic))
		}
	}

	<-ctx.Done()

	for _, topic := range m.topics {
		m.client.Unsubscribe(topic)
	}
}
