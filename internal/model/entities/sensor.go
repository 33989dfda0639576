package entities

import (
	"fmt"
	"math"
)

// SensorType identifies one of the fixed probes of a farm instance.
type SensorType string

const (
	SoilMoisture        SensorType = "soil_moisture"
	SoilTemperature     SensorType = "soil_temperature"
	SoilPH              SensorType = "soil_ph"
	Conductivity        SensorType = "conductivity"
	Nitrogen            SensorType = "nitrogen"
	Phosphorus          SensorType = "phosphorus"
	Potassium           SensorType = "potassium"
	Humidity            SensorType = "humidity"
	Light               SensorType = "light"
	AirTemperature      SensorType = "air_temperature"
	AtmosphericPressure SensorType = "atmospheric_pressure"
)

// AllSensorTypes in emission order.
var AllSensorTypes = []SensorType{
	SoilMoisture, SoilTemperature, SoilPH, Conductivity,
	Nitrogen, Phosphorus, Potassium,
	Humidity, Light, AirTemperature, AtmosphericPressure,
}

func (t SensorType) Known() bool {
	for _, k := range AllSensorTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Thresholds: uno o entrambi i limiti possono mancare (nil = nessun allarme su quel lato).
type Thresholds struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
}

func (t Thresholds) Empty() bool { return t.Low == nil && t.High == nil }

// SensorSpec describes the valid range and the synthetic model of one sensor.
type SensorSpec struct {
	Type SensorType `json:"type"`
	Unit string     `json:"unit"`
	Min  float64    `json:"min"`
	Max  float64    `json:"max"`

	Baseline          float64 `json:"baseline"`
	DiurnalAmplitude  float64 `json:"diurnal_amplitude"`
	DiurnalPeakHour   float64 `json:"diurnal_peak_hour"`
	SeasonalAmplitude float64 `json:"seasonal_amplitude"`
	SeasonalPeakDay   float64 `json:"seasonal_peak_day"`

	Noise   float64 `json:"noise"`    // sigma of the per-tick walk delta
	MaxStep float64 `json:"max_step"` // max change between two successive readings
	Decay   float64 `json:"decay"`    // walk pull toward baseline per tick (0..1)

	Thresholds    Thresholds `json:"thresholds"`
	HysteresisPct float64    `json:"hysteresis_pct"` // % of [min,max]
}

// Margin is the hysteresis band in sensor units.
func (s SensorSpec) Margin() float64 {
	return s.HysteresisPct / 100 * (s.Max - s.Min)
}

func (s SensorSpec) InRange(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= s.Min && v <= s.Max
}

func (s SensorSpec) Clamp(v float64) float64 {
	return math.Max(s.Min, math.Min(s.Max, v))
}

// Validate returns a *ConfigurationError describing the first problem found.
func (s SensorSpec) Validate() error {
	field := func(name string) string { return fmt.Sprintf("%s.%s", s.Type, name) }
	finite := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

	switch {
	case !s.Type.Known():
		return &ConfigurationError{Field: "type", Reason: fmt.Sprintf("unknown sensor type %q", s.Type)}
	case !finite(s.Min) || !finite(s.Max) || s.Min >= s.Max:
		return &ConfigurationError{Field: field("range"), Reason: fmt.Sprintf("min %v must be below max %v", s.Min, s.Max)}
	case !s.InRange(s.Baseline):
		return &ConfigurationError{Field: field("baseline"), Reason: "outside valid range"}
	case s.Noise < 0 || !finite(s.Noise):
		return &ConfigurationError{Field: field("noise"), Reason: "must be >= 0"}
	case s.MaxStep <= 0 || !finite(s.MaxStep):
		return &ConfigurationError{Field: field("max_step"), Reason: "must be > 0"}
	case s.Decay <= 0 || s.Decay >= 1:
		return &ConfigurationError{Field: field("decay"), Reason: "must be in (0,1)"}
	case s.DiurnalPeakHour < 0 || s.DiurnalPeakHour >= 24:
		return &ConfigurationError{Field: field("diurnal_peak_hour"), Reason: "must be in [0,24)"}
	case s.SeasonalPeakDay < 0 || s.SeasonalPeakDay > 366:
		return &ConfigurationError{Field: field("seasonal_peak_day"), Reason: "must be in [0,366]"}
	}

	th := s.Thresholds
	if th.Low != nil && !s.InRange(*th.Low) {
		return &ConfigurationError{Field: field("thresholds.low"), Reason: "outside valid range"}
	}
	if th.High != nil && !s.InRange(*th.High) {
		return &ConfigurationError{Field: field("thresholds.high"), Reason: "outside valid range"}
	}
	if th.Low != nil && th.High != nil && *th.Low >= *th.High {
		return &ConfigurationError{Field: field("thresholds"), Reason: "low must be below high"}
	}
	if !th.Empty() && (s.HysteresisPct <= 0 || s.HysteresisPct >= 50) {
		return &ConfigurationError{Field: field("hysteresis_pct"), Reason: "must be in (0,50) when thresholds are set"}
	}
	return nil
}

func f64(v float64) *float64 { return &v }

// DefaultSpecs ritorna la configurazione di default dei sensori (valori e soglie del sistema originale).
func DefaultSpecs() []SensorSpec {
	return []SensorSpec{
		{
			Type: SoilMoisture, Unit: "%", Min: 10, Max: 90, Baseline: 50,
			DiurnalAmplitude: 5, DiurnalPeakHour: 0, SeasonalAmplitude: 4, SeasonalPeakDay: 80,
			Noise: 2, MaxStep: 3, Decay: 0.15,
			Thresholds: Thresholds{Low: f64(30)}, HysteresisPct: 2,
		},
		{
			Type: SoilTemperature, Unit: "°C", Min: 5, Max: 45, Baseline: 24,
			DiurnalAmplitude: 1.5, DiurnalPeakHour: 12, SeasonalAmplitude: 4, SeasonalPeakDay: 200,
			Noise: 0.5, MaxStep: 1, Decay: 0.15,
			Thresholds: Thresholds{Low: f64(15), High: f64(35)}, HysteresisPct: 2,
		},
		{
			Type: SoilPH, Unit: "pH", Min: 4, Max: 9, Baseline: 6.8,
			Noise: 0.1, MaxStep: 0.2, Decay: 0.2,
			Thresholds: Thresholds{Low: f64(6.0), High: f64(7.5)}, HysteresisPct: 2,
		},
		{
			Type: Conductivity, Unit: "µS/cm", Min: 100, Max: 3000, Baseline: 850,
			Noise: 20, MaxStep: 50, Decay: 0.1,
		},
		{
			Type: Nitrogen, Unit: "mg/kg", Min: 50, Max: 250, Baseline: 120,
			Noise: 2, MaxStep: 5, Decay: 0.1,
			Thresholds: Thresholds{Low: f64(100), High: f64(150)}, HysteresisPct: 2,
		},
		{
			Type: Phosphorus, Unit: "mg/kg", Min: 20, Max: 80, Baseline: 45,
			Noise: 1, MaxStep: 3, Decay: 0.1,
			Thresholds: Thresholds{Low: f64(30), High: f64(60)}, HysteresisPct: 2,
		},
		{
			Type: Potassium, Unit: "mg/kg", Min: 100, Max: 300, Baseline: 180,
			Noise: 3, MaxStep: 6, Decay: 0.1,
			Thresholds: Thresholds{Low: f64(150), High: f64(200)}, HysteresisPct: 2,
		},
		{
			Type: Humidity, Unit: "%", Min: 20, Max: 95, Baseline: 65,
			DiurnalAmplitude: 4, DiurnalPeakHour: 0,
			Noise: 3, MaxStep: 5, Decay: 0.15,
			Thresholds: Thresholds{Low: f64(40), High: f64(80)}, HysteresisPct: 2,
		},
		{
			Type: Light, Unit: "lux", Min: 0, Max: 100000, Baseline: 20000,
			DiurnalAmplitude: 50000, DiurnalPeakHour: 13, SeasonalAmplitude: 10000, SeasonalPeakDay: 172,
			Noise: 1500, MaxStep: 5000, Decay: 0.2,
		},
		{
			Type: AirTemperature, Unit: "°C", Min: -10, Max: 50, Baseline: 28,
			DiurnalAmplitude: 5, DiurnalPeakHour: 12, SeasonalAmplitude: 6, SeasonalPeakDay: 200,
			Noise: 1, MaxStep: 2, Decay: 0.15,
			Thresholds: Thresholds{Low: f64(10), High: f64(40)}, HysteresisPct: 2,
		},
		{
			Type: AtmosphericPressure, Unit: "hPa", Min: 980, Max: 1040, Baseline: 1013.2,
			DiurnalAmplitude: 0.5, DiurnalPeakHour: 10,
			Noise: 2, MaxStep: 1.5, Decay: 0.1,
		},
	}
}
