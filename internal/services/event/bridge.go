package event

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/hub"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

const (
	SensorDataTopicPrefix = "sensor/data/"
	AlertTopicPrefix      = "event/alert/"
	IrrigationTopicPrefix = "event/irrigation/"
)

// Bridge inoltra gli eventi del hub sul broker MQTT. È un subscriber come gli
// altri: se il broker rallenta riceve un gap, la pipeline non si ferma.
type Bridge struct {
	hub       *hub.Hub
	publisher rabbitmq.IPublisher
	stats     *Stats
	log       *zap.Logger
}

func NewBridge(h *hub.Hub, publisher rabbitmq.IPublisher, stats *Stats, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stats == nil {
		stats = NewStats()
	}
	return &Bridge{hub: h, publisher: publisher, stats: stats, log: logger}
}

func (b *Bridge) Stats() *Stats { return b.stats }

// Start blocks until ctx is done.
func (b *Bridge) Start(ctx context.Context) {
	sub := b.hub.Subscribe()
	defer sub.Close()
	b.log.Info("mqtt bridge started")
	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, hub.ErrClosed) {
				b.log.Warn("mqtt bridge stopped", zap.Error(err))
			}
			return
		}
		b.forward(e)
	}
}

func (b *Bridge) forward(e model.Event) {
	if e.Kind == messages.EventGap {
		b.log.Warn("mqtt bridge lagging, events dropped", zap.Int("dropped", e.Gap.Dropped))
		b.stats.MarkDropped(e.Gap.Dropped)
		return
	}
	topic, payload, ok, err := Encode(e)
	if err != nil {
		b.log.Error("encode event", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	if !ok {
		return
	}
	if err := b.publisher.PublishTo(topic, payload); err != nil {
		b.stats.MarkError()
		b.log.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	b.stats.MarkPublished(string(e.Kind))
}

// Encode maps a hub event to its MQTT topic and JSON payload.
// ok=false for events that are not forwarded (gaps, backfill replays).
func Encode(e model.Event) (topic string, payload []byte, ok bool, err error) {
	if e.Backfill {
		return "", nil, false, nil
	}
	var body any
	switch e.Kind {
	case messages.EventReading:
		if e.Reading == nil {
			return "", nil, false, nil
		}
		topic, body = SensorDataTopicPrefix+string(e.Reading.SensorType), e.Reading
	case messages.EventAlert:
		if e.Alert == nil {
			return "", nil, false, nil
		}
		topic, body = AlertTopicPrefix+string(e.Alert.Alert.SensorType), e.Alert
	case messages.EventIrrigation:
		if e.Irrigation == nil {
			return "", nil, false, nil
		}
		zone := e.Irrigation.ZoneID
		if zone == "" {
			zone = entities.DefaultZone
		}
		topic, body = IrrigationTopicPrefix+zone, e.Irrigation
	default:
		return "", nil, false, nil
	}
	payload, err = json.Marshal(body)
	if err != nil {
		return "", nil, false, err
	}
	return topic, payload, true, nil
}
