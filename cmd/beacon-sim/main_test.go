package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseGateways(t *testing.T) {
	got, err := parseGateways(" AA:BB:CC:00:00:01=-55 , gw-2=-72.5,")
	require.NoError(t, err)
	assert.Equal(t, []gatewaySignal{
		{Address: "AA:BB:CC:00:00:01", BaseRSSI: -55},
		{Address: "gw-2", BaseRSSI: -72.5},
	}, got)

	for _, bad := range []string{"", "gw-1", "=-50", "gw-1=loud"} {
		_, err := parseGateways(bad)
		assert.Error(t, err, bad)
	}
}

func TestRandomRSSIStaysWithinJitter(t *testing.T) {
	assert.Equal(t, -60.0, randomRSSI(-60, 0))
	for i := 0; i < 100; i++ {
		v := randomRSSI(-60, 6)
		assert.GreaterOrEqual(t, v, -66.0)
		assert.LessOrEqual(t, v, -54.0)
	}
}
