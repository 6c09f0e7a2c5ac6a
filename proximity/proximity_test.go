package proximity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"riderconnect-server/domain"
)

func ptr(f float64) *float64 { return &f }

func at(identity string, lat, lng float64) domain.LocationRecord {
	return domain.LocationRecord{GroupID: "g1", Identity: identity, Lat: ptr(lat), Lng: ptr(lng)}
}

func TestDistance(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lng1, lat2, lng2 float64
		want                   float64
		delta                  float64
	}{
		{"same point", 10, 10, 10, 10, 0, 0.001},
		{"0.02 degrees of longitude at the equator", 0, 0, 0, 0.02, 2223.9, 1},
		{"one degree of latitude", 0, 0, 1, 0, 111195, 10},
		{"paris to london", 48.85, 2.35, 51.5, -0.12, 343128, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.lat1, tt.lng1, tt.lat2, tt.lng2), tt.delta)
		})
	}
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		name       string
		configured float64
		want       float64
	}{
		{"unset falls back", 0, 1000},
		{"within range", 500, 500},
		{"below range", 20, MinThreshold},
		{"above range", 5000, MaxThreshold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Threshold(domain.Group{DistanceThreshold: tt.configured}, 1000))
		})
	}
}

func TestCooldown_DirectedAndWindowed(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCooldown(60*time.Second, func() time.Time { return now })

	assert.True(t, c.Acquire("a", "b"))
	assert.False(t, c.Acquire("a", "b"))
	assert.True(t, c.Acquire("b", "a"), "reverse direction is independent")

	now = now.Add(59 * time.Second)
	assert.False(t, c.Acquire("a", "b"))

	now = now.Add(time.Second)
	assert.True(t, c.Acquire("a", "b"))
}

func TestCooldown_Prune(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCooldown(time.Minute, func() time.Time { return now })
	c.Acquire("a", "b")
	now = now.Add(30 * time.Second)
	c.Acquire("a", "c")

	now = now.Add(40 * time.Second)
	assert.Equal(t, 1, c.Prune())
	assert.Equal(t, 1, c.Len())
}

func TestCooldown_Evaluate(t *testing.T) {
	now := time.Unix(0, 0)
	c := NewCooldown(time.Minute, func() time.Time { return now })

	mover := at("a", 0, 0)
	others := []domain.LocationRecord{
		mover,
		at("b", 0, 0.02),
		at("c", 0, 0.001),
		{GroupID: "g1", Identity: "d"},
	}

	breaches := c.Evaluate(mover, others, 1000)
	require.Len(t, breaches, 1)
	assert.Equal(t, "b", breaches[0].Other)
	assert.InDelta(t, 2223.9, breaches[0].Distance, 1)

	assert.Empty(t, c.Evaluate(mover, others, 1000), "second breach inside the window is suppressed")

	now = now.Add(time.Minute)
	assert.Len(t, c.Evaluate(mover, others, 1000), 1)
}

func TestCooldown_EvaluateWithoutPosition(t *testing.T) {
	c := NewCooldown(time.Minute, nil)
	mover := domain.LocationRecord{Identity: "a"}
	assert.Nil(t, c.Evaluate(mover, []domain.LocationRecord{at("b", 5, 5)}, 100))
}
