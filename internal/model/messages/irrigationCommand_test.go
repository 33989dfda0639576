package messages

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/agrimonitor/internal/model/entities"
)

func TestNormalizeLegacyActivate(t *testing.T) {
	on := true
	cmd, err := IrrigationCommand{Activate: &on, DurationMinutes: 30}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, ActionStart, cmd.Action)
	assert.Equal(t, entities.DefaultZone, cmd.ZoneID)
	assert.Equal(t, 30*time.Minute, cmd.Duration())

	off := false
	cmd, err = IrrigationCommand{Activate: &off}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, ActionStop, cmd.Action)
}

func TestNormalizeDefaultsDuration(t *testing.T) {
	cmd, err := IrrigationCommand{Action: "START", ZoneID: "north"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, DefaultDurationMinutes, cmd.DurationMinutes)
	assert.Equal(t, "north", cmd.ZoneID)
}

func TestNormalizeRejects(t *testing.T) {
	for _, c := range []IrrigationCommand{
		{Action: ActionStart, DurationMinutes: 181},
		{Action: ActionStart, DurationMinutes: -1},
		{Action: "flood"},
		{},
	} {
		_, err := c.Normalize()
		assert.True(t, errors.Is(err, entities.ErrInvalidCommand), "%+v", c)
	}
}
