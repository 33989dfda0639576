package aggregator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/internal/services/hub"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

const AggregatedTopicPrefix = "sensor/aggregated/"

// Aggregate is the periodic per-sensor summary published on MQTT.
type Aggregate struct {
	SensorType model.SensorType `json:"sensor_type"`
	Unit       string           `json:"unit"`
	Bucket
	Aggregated bool `json:"aggregated"`
}

// DataAggregatorService bufferizza le letture dal hub e ogni intervallo
// pubblica media/min/max per sensore su sensor/aggregated/{type}.
type DataAggregatorService struct {
	hub                 *hub.Hub
	publisher           rabbitmq.IPublisher
	buffer              map[model.SensorType][]model.Reading
	mutex               sync.Mutex
	aggregationInterval time.Duration
	log                 *zap.Logger
}

func NewDataAggregatorService(h *hub.Hub, publisher rabbitmq.IPublisher, aggregationInterval time.Duration, logger *zap.Logger) *DataAggregatorService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataAggregatorService{
		hub:                 h,
		publisher:           publisher,
		aggregationInterval: aggregationInterval,
		buffer:              make(map[model.SensorType][]model.Reading),
		log:                 logger,
	}
}

func (d *DataAggregatorService) add(e model.Event) {
	if e.Kind != messages.EventReading || e.Reading == nil || e.Backfill {
		return
	}
	d.mutex.Lock()
	d.buffer[e.Reading.SensorType] = append(d.buffer[e.Reading.SensorType], *e.Reading)
	d.mutex.Unlock()
}

func (d *DataAggregatorService) Start(ctx context.Context) {
	sub := d.hub.Subscribe()
	defer sub.Close()

	// consumer in goroutine: il ticker non deve aspettare Next
	go func() {
		for {
			e, err := sub.Next(ctx)
			if err != nil {
				return
			}
			d.add(e)
		}
	}()

	ticker := time.NewTicker(d.aggregationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.aggregateAndPublish(time.Now().UTC())
		}
	}
}

func (d *DataAggregatorService) aggregateAndPublish(now time.Time) []Aggregate {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var published []Aggregate
	for sensor, readings := range d.buffer {
		if len(readings) == 0 {
			continue
		}
		out := summarize(sensor, readings, now, d.aggregationInterval)

		b, err := json.Marshal(out)
		if err != nil {
			d.log.Error("marshal aggregate", zap.Error(err))
			continue
		}
		if err := d.publisher.PublishTo(AggregatedTopicPrefix+string(sensor), b); err != nil {
			d.log.Warn("publish aggregate", zap.String("sensor_type", string(sensor)), zap.Error(err))
		} else {
			d.log.Debug("published aggregate", zap.String("sensor_type", string(sensor)), zap.Int("count", out.Count))
			published = append(published, out)
		}

		d.buffer[sensor] = readings[:0]
	}
	return published
}

func summarize(sensor model.SensorType, readings []model.Reading, now time.Time, window time.Duration) Aggregate {
	b := Bucket{Start: now.Add(-window), End: now, Min: readings[0].Value, Max: readings[0].Value}
	var sum float64
	for _, r := range readings {
		sum += r.Value
		if r.Value < b.Min {
			b.Min = r.Value
		}
		if r.Value > b.Max {
			b.Max = r.Value
		}
	}
	b.Count = len(readings)
	b.Avg = sum / float64(b.Count)
	return Aggregate{SensorType: sensor, Unit: readings[0].Unit, Bucket: b, Aggregated: true}
}
