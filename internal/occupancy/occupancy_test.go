package occupancy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"bletracker/go-mqtt-server/internal/model"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func TestNextSession(t *testing.T) {
	start := t0.Add(-10 * time.Minute)

	t.Run("first sighting starts a session", func(t *testing.T) {
		got, reset := NextSession(nil, nil, t0, DefaultSessionGap)
		assert.True(t, reset)
		assert.True(t, got.Equal(t0))
	})

	t.Run("gap over threshold resets", func(t *testing.T) {
		now := t0.Add(61 * time.Second)
		got, reset := NextSession(ptr(start), ptr(t0), now, DefaultSessionGap)
		assert.True(t, reset)
		assert.True(t, got.Equal(now))
	})

	t.Run("gap under threshold keeps start", func(t *testing.T) {
		got, reset := NextSession(ptr(start), ptr(t0), t0.Add(59*time.Second), DefaultSessionGap)
		assert.False(t, reset)
		assert.True(t, got.Equal(start))
	})

	t.Run("gap exactly at threshold keeps start", func(t *testing.T) {
		got, reset := NextSession(ptr(start), ptr(t0), t0.Add(60*time.Second), DefaultSessionGap)
		assert.False(t, reset)
		assert.True(t, got.Equal(start))
	})

	t.Run("last seen without start resets", func(t *testing.T) {
		got, reset := NextSession(nil, ptr(t0), t0.Add(time.Second), 0)
		assert.True(t, reset)
		assert.True(t, got.Equal(t0.Add(time.Second)))
	})
}

func TestTrespassing(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		zone    string
		want    bool
	}{
		{name: "no policy in zone", allowed: nil, zone: "B", want: false},
		{name: "no policy no zone", allowed: []string{}, zone: "", want: false},
		{name: "outside allow-list", allowed: []string{"A"}, zone: "B", want: true},
		{name: "inside allow-list", allowed: []string{"A"}, zone: "A", want: false},
		{name: "no zone resolved", allowed: []string{"A"}, zone: "", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Trespassing(tt.allowed, tt.zone))
		})
	}
}

func TestPolicyEvaluate(t *testing.T) {
	p := NewPolicy(0)

	t.Run("cold threshold is inclusive", func(t *testing.T) {
		b := model.BoundBeacon{Beacon: model.Beacon{SessionStart: ptr(t0.Add(-30 * time.Minute))}}
		st := p.Evaluate(b, "", time.Time{}, t0)
		assert.InDelta(t, 30, st.DurationMinutes, 1e-9)
		assert.True(t, st.InDanger)
	})

	t.Run("fresh session", func(t *testing.T) {
		b := model.BoundBeacon{Beacon: model.Beacon{SessionStart: ptr(t0.Add(-29 * time.Minute))}}
		st := p.Evaluate(b, "", time.Time{}, t0)
		assert.False(t, st.InDanger)
	})

	t.Run("falls back to earliest sighting", func(t *testing.T) {
		b := model.BoundBeacon{}
		st := p.Evaluate(b, "", t0.Add(-2*time.Minute), t0)
		assert.InDelta(t, 2, st.DurationMinutes, 1e-9)
		assert.True(t, st.SessionStart.Equal(t0.Add(-2*time.Minute)))
	})

	t.Run("future start clamps to zero dwell", func(t *testing.T) {
		b := model.BoundBeacon{Beacon: model.Beacon{SessionStart: ptr(t0.Add(time.Minute))}}
		st := p.Evaluate(b, "", time.Time{}, t0)
		assert.Zero(t, st.DurationMinutes)
	})

	t.Run("only employees trespass", func(t *testing.T) {
		emp := model.BoundBeacon{Employee: &model.Employee{AllowedZones: []string{"A"}}}
		assert.True(t, p.Evaluate(emp, "B", t0, t0).Trespassing)
		assert.False(t, p.Evaluate(emp, "A", t0, t0).Trespassing)

		asset := model.BoundBeacon{Asset: &model.Asset{ID: "x"}}
		assert.False(t, p.Evaluate(asset, "B", t0, t0).Trespassing)

		unbound := model.BoundBeacon{}
		assert.False(t, p.Evaluate(unbound, "", t0, t0).Trespassing)
	})
}
