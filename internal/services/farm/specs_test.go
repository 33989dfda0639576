package farm

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

func specOf(specs []model.SensorSpec, t model.SensorType) (model.SensorSpec, bool) {
	for _, s := range specs {
		if s.Type == t {
			return s, true
		}
	}
	return model.SensorSpec{}, false
}

func TestLoadSpecsDefaults(t *testing.T) {
	specs, err := LoadSpecs("")
	require.NoError(t, err)
	assert.Len(t, specs, len(entities.AllSensorTypes))
}

func TestMergeSpecsOverridesOnlyPresentFields(t *testing.T) {
	specs, err := MergeSpecs(entities.DefaultSpecs(), []byte(`[
		{"type": "soil_ph", "thresholds": {"low": 5.5}},
		{"type": "humidity", "thresholds": {"high": null}, "noise": 1.5},
		{"type": "light", "disabled": true}
	]`))
	require.NoError(t, err)

	ph, ok := specOf(specs, entities.SoilPH)
	require.True(t, ok)
	assert.Equal(t, 5.5, *ph.Thresholds.Low)
	assert.Equal(t, 7.5, *ph.Thresholds.High, "untouched threshold keeps the default")
	assert.Equal(t, "pH", ph.Unit)

	hum, _ := specOf(specs, entities.Humidity)
	assert.Nil(t, hum.Thresholds.High)
	assert.Equal(t, 1.5, hum.Noise)

	_, ok = specOf(specs, entities.Light)
	assert.False(t, ok)
	assert.Len(t, specs, len(entities.AllSensorTypes)-1)
}

func TestMergeSpecsRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad json":        `{`,
		"unknown sensor":  `[{"type": "wind_speed"}]`,
		"inverted range":  `[{"type": "soil_ph", "min": 9, "max": 4}]`,
		"low above high":  `[{"type": "soil_ph", "thresholds": {"low": 8, "high": 7}}]`,
		"zero hysteresis": `[{"type": "soil_ph", "hysteresis_pct": 0}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := MergeSpecs(entities.DefaultSpecs(), []byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrConfiguration))
		})
	}
}

func TestLoadSpecsFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensors.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"type":"soil_moisture","thresholds":{"low":25}}]`), 0o600))
	specs, err := LoadSpecs(path)
	require.NoError(t, err)
	m, _ := specOf(specs, entities.SoilMoisture)
	assert.Equal(t, 25.0, *m.Thresholds.Low)

	_, err = LoadSpecs(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}
