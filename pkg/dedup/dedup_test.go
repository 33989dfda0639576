package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldProcessWithinTTL(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewWithClock(time.Minute, 10, func() time.Time { return now })

	assert.True(t, d.ShouldProcess("a"))
	assert.False(t, d.ShouldProcess("a"))
	assert.True(t, d.ShouldProcess("b"))

	now = now.Add(2 * time.Minute)
	assert.True(t, d.ShouldProcess("a"), "expired id must be accepted again")
}

func TestEmptyIDAlwaysProcessed(t *testing.T) {
	d := New(time.Minute, 10)
	assert.True(t, d.ShouldProcess(""))
	assert.True(t, d.ShouldProcess(""))
	assert.Equal(t, 0, d.Len())
}

func TestEvictsExpiredWhenOverCap(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d := NewWithClock(time.Second, 2, func() time.Time { return now })
	d.ShouldProcess("a")
	d.ShouldProcess("b")
	now = now.Add(time.Minute)
	d.ShouldProcess("c")
	assert.LessOrEqual(t, d.Len(), 2)
}

func TestKeyDependsOnTopic(t *testing.T) {
	p := []byte(`{"action":"start"}`)
	assert.Equal(t, Key("a", p), Key("a", p))
	assert.NotEqual(t, Key("a", p), Key("b", p))
}
