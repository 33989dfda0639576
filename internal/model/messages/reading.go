package messages

import (
	"time"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

// ReadingSource tells where the value of a reading came from.
type ReadingSource string

const (
	SourceModel    ReadingSource = "model"
	SourceOverride ReadingSource = "override"
	SourceHold     ReadingSource = "hold"
)

// Reading is immutable once emitted.
type Reading struct {
	SensorType entities.SensorType `json:"sensor_type"`
	Value      float64             `json:"value"`
	Unit       string              `json:"unit"`
	Timestamp  time.Time           `json:"timestamp"`
	Sequence   uint64              `json:"sequence"`
	Source     ReadingSource       `json:"source,omitempty"`
}

// SensorOverride is an externally supplied value (field device relay, MQTT).
type SensorOverride struct {
	DeviceID   string              `json:"device_id,omitempty"`
	SensorType entities.SensorType `json:"sensor_type"`
	Value      float64             `json:"value"`
	Timestamp  time.Time           `json:"timestamp,omitempty"`
}

// DeviceReport is the batch payload posted by a field device (Pico W relay).
// light_intensity arrives as a percentage and is scaled to lux.
type DeviceReport struct {
	DeviceID        string             `json:"device_id"`
	Timestamp       int64              `json:"timestamp"`
	SoilMoisture    *float64           `json:"soil_moisture,omitempty"`
	SoilTemperature *float64           `json:"soil_temperature,omitempty"`
	Humidity        *float64           `json:"humidity,omitempty"`
	LightIntensity  *float64           `json:"light_intensity,omitempty"`
	SoilPH          *float64           `json:"soil_ph,omitempty"`
	NPK             map[string]float64 `json:"npk,omitempty"`
}

const luxPerLightPercent = 1000.0

// Overrides flattens the report; absent values produce no override.
func (d DeviceReport) Overrides() []SensorOverride {
	ts := time.Time{}
	if d.Timestamp > 0 {
		ts = time.Unix(d.Timestamp, 0).UTC()
	}
	var out []SensorOverride
	add := func(t entities.SensorType, v *float64, scale float64) {
		if v != nil {
			out = append(out, SensorOverride{DeviceID: d.DeviceID, SensorType: t, Value: *v * scale, Timestamp: ts})
		}
	}
	add(entities.SoilMoisture, d.SoilMoisture, 1)
	add(entities.SoilTemperature, d.SoilTemperature, 1)
	add(entities.Humidity, d.Humidity, 1)
	add(entities.Light, d.LightIntensity, luxPerLightPercent)
	add(entities.SoilPH, d.SoilPH, 1)
	for _, k := range []entities.SensorType{entities.Nitrogen, entities.Phosphorus, entities.Potassium} {
		if v, ok := d.NPK[string(k)]; ok {
			add(k, &v, 1)
		}
	}
	return out
}

// NewDeviceReport builds the payload a field device would send for readings.
// Sensors the device does not carry are ignored.
func NewDeviceReport(deviceID string, at time.Time, readings []Reading) DeviceReport {
	rep := DeviceReport{DeviceID: deviceID, Timestamp: at.Unix()}
	for _, r := range readings {
		v := r.Value
		switch r.SensorType {
		case entities.SoilMoisture:
			rep.SoilMoisture = &v
		case entities.SoilTemperature:
			rep.SoilTemperature = &v
		case entities.Humidity:
			rep.Humidity = &v
		case entities.Light:
			pct := v / luxPerLightPercent
			rep.LightIntensity = &pct
		case entities.SoilPH:
			rep.SoilPH = &v
		case entities.Nitrogen, entities.Phosphorus, entities.Potassium:
			if rep.NPK == nil {
				rep.NPK = map[string]float64{}
			}
			rep.NPK[string(r.SensorType)] = v
		}
	}
	return rep
}
