package messages

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

func TestDeviceReportOverrides(t *testing.T) {
	raw := `{"device_id":"pico-1","timestamp":1700000000,"soil_moisture":41.5,
		"humidity":70,"light_intensity":12.5,"npk":{"nitrogen":110,"potassium":170}}`
	var rep DeviceReport
	require.NoError(t, json.Unmarshal([]byte(raw), &rep))

	got := map[entities.SensorType]float64{}
	for _, o := range rep.Overrides() {
		assert.Equal(t, "pico-1", o.DeviceID)
		assert.Equal(t, int64(1700000000), o.Timestamp.Unix())
		got[o.SensorType] = o.Value
	}
	assert.Equal(t, map[entities.SensorType]float64{
		entities.SoilMoisture: 41.5,
		entities.Humidity:     70,
		entities.Light:        12500,
		entities.Nitrogen:     110,
		entities.Potassium:    170,
	}, got)
}

func TestNewDeviceReportInvertsOverrides(t *testing.T) {
	at := time.Date(2024, 6, 21, 9, 0, 0, 0, time.UTC)
	rep := NewDeviceReport("pico-7", at, []Reading{
		{SensorType: entities.SoilMoisture, Value: 38},
		{SensorType: entities.Light, Value: 42000},
		{SensorType: entities.Phosphorus, Value: 44},
		{SensorType: entities.AirTemperature, Value: 27},
	})
	require.NotNil(t, rep.LightIntensity)
	assert.Equal(t, 42.0, *rep.LightIntensity)
	assert.Nil(t, rep.SoilPH)

	got := map[entities.SensorType]float64{}
	for _, o := range rep.Overrides() {
		assert.True(t, o.Timestamp.Equal(at))
		got[o.SensorType] = o.Value
	}
	assert.Equal(t, map[entities.SensorType]float64{
		entities.SoilMoisture: 38,
		entities.Light:        42000,
		entities.Phosphorus:   44,
	}, got, "sensors a device does not carry are dropped")
}
