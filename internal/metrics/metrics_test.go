package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpersAreSafeBeforeInit(t *testing.T) {
	if observationsTotal != nil {
		t.Skip("instruments already registered in this process")
	}
	assert.NotPanics(t, func() {
		IncObservation(ObservationAccepted)
		IncDroppedFrame("mqtt")
		ObserveSnapshot(time.Millisecond)
		AddGatewaysSwept(2)
	})
}

func TestObservationOutcomes(t *testing.T) {
	Init()
	Init()

	for _, outcome := range []string{ObservationAccepted, ObservationDuplicate, ObservationMalformed, ObservationFailed} {
		t.Run(outcome, func(t *testing.T) {
			before := testutil.ToFloat64(observationsTotal.WithLabelValues(outcome))
			IncObservation(outcome)
			assert.Equal(t, before+1, testutil.ToFloat64(observationsTotal.WithLabelValues(outcome)))
		})
	}

	before := testutil.ToFloat64(observationsTotal.WithLabelValues("unknown"))
	IncObservation("")
	assert.Equal(t, before+1, testutil.ToFloat64(observationsTotal.WithLabelValues("unknown")))
}

func TestCountersAndGauges(t *testing.T) {
	Init()

	swept := testutil.ToFloat64(gatewaysSweptTotal)
	AddGatewaysSwept(3)
	AddGatewaysSwept(0)
	assert.Equal(t, swept+3, testutil.ToFloat64(gatewaysSweptTotal))

	dropped := testutil.ToFloat64(droppedFrames.WithLabelValues("mqtt"))
	IncDroppedFrame("mqtt")
	assert.Equal(t, dropped+1, testutil.ToFloat64(droppedFrames.WithLabelValues("mqtt")))

	subs := testutil.ToFloat64(subscribers.WithLabelValues("websocket"))
	AddSubscribers("websocket", 2)
	AddSubscribers("websocket", -1)
	assert.Equal(t, subs+1, testutil.ToFloat64(subscribers.WithLabelValues("websocket")))

	clears := testutil.ToFloat64(dedupClearsTotal)
	IncDedupClear()
	assert.Equal(t, clears+1, testutil.ToFloat64(dedupClearsTotal))
}

func TestHandlerExposesInstruments(t *testing.T) {
	Init()
	IncEstimate(EstimatePositioned)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bletracker_estimates_total{result="positioned"}`)
}
