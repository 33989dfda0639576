package rabbitmq

import (
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Published is one message recorded by FakePublisher.
type Published struct {
	Topic   string
	Payload []byte
}

// FakePublisher records published messages for test assertions.
type FakePublisher struct {
	mu       sync.Mutex
	Messages []Published

	// PublishError, if set, will be returned by PublishTo.
	PublishError error
	Closed       bool
}

func NewFakePublisher() *FakePublisher { return &FakePublisher{} }

func (f *FakePublisher) PublishMessage(message interface{}) error {
	switch m := message.(type) {
	case string:
		return f.PublishTo("", []byte(m))
	case []byte:
		return f.PublishTo("", m)
	}
	return nil
}

func (f *FakePublisher) PublishTo(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	cp := append([]byte(nil), payload...)
	f.Messages = append(f.Messages, Published{Topic: topic, Payload: cp})
	return nil
}

func (f *FakePublisher) Close() {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
}

// Snapshot returns a copy of the recorded messages.
func (f *FakePublisher) Snapshot() []Published {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Published, len(f.Messages))
	copy(out, f.Messages)
	return out
}

// FakeMessage implements mqtt.Message for handler tests.
type FakeMessage struct {
	TopicName string
	Body      []byte
	Dup       bool
}

var _ mqtt.Message = (*FakeMessage)(nil)

func (m *FakeMessage) Duplicate() bool   { return m.Dup }
func (m *FakeMessage) Qos() byte         { return 1 }
func (m *FakeMessage) Retained() bool    { return false }
func (m *FakeMessage) Topic() string     { return m.TopicName }
func (m *FakeMessage) MessageID() uint16 { return 0 }
func (m *FakeMessage) Payload() []byte   { return m.Body }
func (m *FakeMessage) Ack()              {}
