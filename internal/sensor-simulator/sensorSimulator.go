package sensor_simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/dedup"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

const (
	OverrideTopicPrefix = "sensor/override/"
	DeviceTopicPrefix   = "sensor/device/"
)

// OverrideTarget accepts external values for the next tick (the generator or the farm).
type OverrideTarget interface {
	SubmitOverride(t model.SensorType, v float64) error
}

// SensorSimulator riceve valori esterni (relay dei dispositivi in campo) e li inoltra al generatore.
type SensorSimulator struct {
	generator OverrideTarget
	consumer  rabbitmq.IConsumer[mqtt.Message]
	deduper   *dedup.Deduper
	onReject  func(model.SensorType)
	log       *zap.Logger
}

func NewSensorSimulator(consumer rabbitmq.IConsumer[mqtt.Message], gen OverrideTarget, deduper *dedup.Deduper, logger *zap.Logger) *SensorSimulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SensorSimulator{generator: gen, consumer: consumer, deduper: deduper, log: logger}
}

// OnReject is called for every override outside its sensor's range.
func (s *SensorSimulator) OnReject(fn func(model.SensorType)) { s.onReject = fn }

// Start blocks consuming override topics until ctx is done.
func (s *SensorSimulator) Start(ctx context.Context) {
	if s.consumer == nil {
		<-ctx.Done()
		return
	}
	s.consumer.SetHandler(s.handleMessage)
	s.consumer.ConsumeMessage(ctx)
}

func (s *SensorSimulator) handleMessage(_ string, msg mqtt.Message) error {
	// Dedup a payload: redelivery QoS1 ha lo stesso payload → stesso hash
	if s.deduper != nil && !s.deduper.ShouldProcess(dedup.Key(msg.Topic(), msg.Payload())) {
		return nil
	}

	topic := msg.Topic()
	switch {
	case strings.HasPrefix(topic, DeviceTopicPrefix):
		var rep messages.DeviceReport
		if err := json.Unmarshal(msg.Payload(), &rep); err != nil {
			return fmt.Errorf("invalid device report: %w", err)
		}
		if rep.DeviceID == "" {
			rep.DeviceID = strings.TrimPrefix(topic, DeviceTopicPrefix)
		}
		_, _ = s.ApplyReport(rep)
		return nil

	case strings.HasPrefix(topic, OverrideTopicPrefix):
		var ov messages.SensorOverride
		if err := json.Unmarshal(msg.Payload(), &ov); err != nil {
			return fmt.Errorf("invalid sensor override: %w", err)
		}
		if ov.SensorType == "" {
			ov.SensorType = entities.SensorType(strings.TrimPrefix(topic, OverrideTopicPrefix))
		}
		err := s.Apply(ov)
		if errors.Is(err, model.ErrOutOfRange) {
			return nil // già loggato, il tick terrà il valore precedente
		}
		return err
	}
	return nil
}

// Apply queues one override. Out-of-range values are logged and still reported to the caller.
func (s *SensorSimulator) Apply(ov model.SensorOverride) error {
	err := s.generator.SubmitOverride(ov.SensorType, ov.Value)
	var oor *entities.OutOfRangeError
	if errors.As(err, &oor) {
		s.log.Warn("out of range override, previous value will be held",
			zap.String("sensor", string(ov.SensorType)), zap.String("device", ov.DeviceID),
			zap.Float64("value", ov.Value), zap.Float64("min", oor.Min), zap.Float64("max", oor.Max))
		if s.onReject != nil {
			s.onReject(ov.SensorType)
		}
	}
	return err
}

// ApplyReport applies every value of a device report and returns how many were accepted.
func (s *SensorSimulator) ApplyReport(rep messages.DeviceReport) (int, []error) {
	accepted := 0
	var errs []error
	for _, ov := range rep.Overrides() {
		if err := s.Apply(ov); err != nil {
			errs = append(errs, err)
			continue
		}
		accepted++
	}
	return accepted, errs
}
