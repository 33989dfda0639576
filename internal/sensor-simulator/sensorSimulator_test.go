package sensor_simulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/messages"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/dedup"
	"github.com/LeonardoBeccarini/agrimonitor/pkg/rabbitmq"
)

func valueOf(rs []model.Reading, t model.SensorType) model.Reading {
	for _, r := range rs {
		if r.SensorType == t {
			return r
		}
	}
	return model.Reading{}
}

func TestHandleOverrideTopic(t *testing.T) {
	g := newGen(t, 1)
	sim := NewSensorSimulator(nil, g, dedup.New(time.Minute, 100), zap.NewNop())

	msg := &rabbitmq.FakeMessage{TopicName: "sensor/override/soil_moisture", Body: []byte(`{"value":44.5}`)}
	require.NoError(t, sim.handleMessage("sensor/override/#", msg))

	rs, _ := g.GenerateAll(t0, idle())
	r := valueOf(rs, entities.SoilMoisture)
	assert.Equal(t, 44.5, r.Value)
	assert.Equal(t, messages.SourceOverride, r.Source)
}

func TestHandleOutOfRangeOverrideIsNotAnError(t *testing.T) {
	g := newGen(t, 1)
	first, _ := g.GenerateAll(t0, idle())

	var rejected []model.SensorType
	sim := NewSensorSimulator(nil, g, nil, zap.NewNop())
	sim.OnReject(func(st model.SensorType) { rejected = append(rejected, st) })

	msg := &rabbitmq.FakeMessage{TopicName: "sensor/override/soil_ph", Body: []byte(`{"value":12}`)}
	require.NoError(t, sim.handleMessage("sensor/override/#", msg))
	assert.Equal(t, []model.SensorType{entities.SoilPH}, rejected)

	rs, _ := g.GenerateAll(t0.Add(30*time.Second), idle())
	assert.Equal(t, valueOf(first, entities.SoilPH).Value, valueOf(rs, entities.SoilPH).Value)
	assert.Equal(t, messages.SourceHold, valueOf(rs, entities.SoilPH).Source)
}

func TestDuplicateOverrideIgnored(t *testing.T) {
	g := newGen(t, 1)
	var rejected int
	sim := NewSensorSimulator(nil, g, dedup.New(time.Minute, 100), zap.NewNop())
	sim.OnReject(func(model.SensorType) { rejected++ })

	msg := &rabbitmq.FakeMessage{TopicName: "sensor/override/soil_ph", Body: []byte(`{"value":99}`)}
	require.NoError(t, sim.handleMessage("", msg))
	require.NoError(t, sim.handleMessage("", msg))
	assert.Equal(t, 1, rejected)
}

func TestHandleDeviceReport(t *testing.T) {
	g := newGen(t, 1)
	sim := NewSensorSimulator(nil, g, nil, zap.NewNop())

	body := []byte(`{"timestamp":1718931600,"soil_moisture":38,"soil_temperature":99,"npk":{"phosphorus":50}}`)
	require.NoError(t, sim.handleMessage("", &rabbitmq.FakeMessage{TopicName: "sensor/device/pico-7", Body: body}))

	rs, _ := g.GenerateAll(t0, idle())
	assert.Equal(t, 38.0, valueOf(rs, entities.SoilMoisture).Value)
	assert.Equal(t, 50.0, valueOf(rs, entities.Phosphorus).Value)
	// soil_temperature 99 fuori range e nessun valore precedente: resta il modello
	assert.Equal(t, messages.SourceModel, valueOf(rs, entities.SoilTemperature).Source)
}

func TestMalformedPayload(t *testing.T) {
	sim := NewSensorSimulator(nil, newGen(t, 1), nil, zap.NewNop())
	err := sim.handleMessage("", &rabbitmq.FakeMessage{TopicName: "sensor/override/soil_ph", Body: []byte(`{`)})
	assert.Error(t, err)
}
