package farm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model"
	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

// specOverride is one entry of the sensors file. Fields present in the JSON
// replace the default of the same sensor type; Disabled removes the sensor.
type specOverride struct {
	Type     model.SensorType `json:"type"`
	Disabled bool             `json:"disabled"`
}

// LoadSpecs reads the sensors file (a JSON array) and merges it over the
// built-in defaults. An empty path returns the defaults. Any invalid spec is
// a *ConfigurationError.
func LoadSpecs(path string) ([]model.SensorSpec, error) {
	if path == "" {
		return validate(entities.DefaultSpecs())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &entities.ConfigurationError{Field: "sensors_config_path", Reason: err.Error()}
	}
	return MergeSpecs(entities.DefaultSpecs(), data)
}

func MergeSpecs(defaults []model.SensorSpec, data []byte) ([]model.SensorSpec, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, &entities.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}

	byType := make(map[model.SensorType]int, len(defaults))
	specs := make([]model.SensorSpec, len(defaults))
	copy(specs, defaults)
	for i, s := range specs {
		byType[s.Type] = i
	}
	disabled := map[model.SensorType]bool{}

	for _, raw := range raws {
		var head specOverride
		if err := json.Unmarshal(raw, &head); err != nil {
			return nil, &entities.ConfigurationError{Field: "sensors", Reason: err.Error()}
		}
		if !head.Type.Known() {
			return nil, &entities.ConfigurationError{Field: "type", Reason: fmt.Sprintf("unknown sensor type %q", head.Type)}
		}
		if head.Disabled {
			disabled[head.Type] = true
			continue
		}
		i, ok := byType[head.Type]
		if !ok {
			specs = append(specs, model.SensorSpec{Type: head.Type})
			i = len(specs) - 1
			byType[head.Type] = i
		}
		// decode sopra il default: solo i campi presenti vengono sostituiti
		dec := json.NewDecoder(bytes.NewReader(raw))
		if err := dec.Decode(&specs[i]); err != nil {
			return nil, &entities.ConfigurationError{Field: string(head.Type), Reason: err.Error()}
		}
	}

	out := specs[:0]
	for _, s := range specs {
		if !disabled[s.Type] {
			out = append(out, s)
		}
	}
	return validate(out)
}

func validate(specs []model.SensorSpec) ([]model.SensorSpec, error) {
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return specs, nil
}
