package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"bletracker/go-mqtt-server/internal/dedup"
	"bletracker/go-mqtt-server/internal/metrics"
	"bletracker/go-mqtt-server/internal/model"
	"bletracker/go-mqtt-server/internal/store"
	"bletracker/go-mqtt-server/internal/timeutil"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "ingest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func newIngestor(s Store, clock timeutil.Clock, limiter *rate.Limiter) *Ingestor {
	return New(s, dedup.New(0), Options{
		TopicPrefix:  "warehouse",
		Clock:        clock,
		Logger:       quietLogger(),
		ErrorLimiter: limiter,
	})
}

func TestParseTopic(t *testing.T) {
	gw, err := ParseTopic("warehouse", "warehouse/AA:BB:CC:DD:EE:FF/beacons")
	require.NoError(t, err)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", gw)

	_, err = ParseTopic("warehouse", "warehouse/ /beacons")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errForeignTopic)

	for _, topic := range []string{"beacons/x/readings", "warehouse/x/status", "warehouse/x/beacons/extra", "other/x/beacons"} {
		_, err := ParseTopic("warehouse", topic)
		assert.ErrorIs(t, err, errForeignTopic, topic)
	}

	assert.Equal(t, "warehouse/+/beacons", TopicFilter("/warehouse/"))
	assert.Equal(t, "site/gw-1/beacons", GatewayTopic("site", "gw-1"))
}

func TestDecodePayload(t *testing.T) {
	t.Run("full payload", func(t *testing.T) {
		p, err := DecodePayload([]byte(`{"bleMac":" b1 ","uuid":"fda50693","major":"10","minor":7,"rssi":-61.5}`))
		require.NoError(t, err)
		assert.Equal(t, "b1", p.BeaconAddress)
		assert.Equal(t, "fda50693", p.UUID)
		assert.Equal(t, flexInt(10), p.Major)
		assert.Equal(t, flexInt(7), p.Minor)
		assert.Equal(t, -61.5, *p.RSSI)
	})

	t.Run("junk identifiers default to zero", func(t *testing.T) {
		p, err := DecodePayload([]byte(`{"bleMac":"b1","major":"abc","minor":null,"rssi":-70}`))
		require.NoError(t, err)
		assert.Zero(t, p.Major)
		assert.Zero(t, p.Minor)
	})

	for name, body := range map[string]string{
		"not json":       `{"bleMac":`,
		"missing beacon": `{"rssi":-50}`,
		"missing rssi":   `{"bleMac":"b1"}`,
		"string rssi":    `{"bleMac":"b1","rssi":"loud"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePayload([]byte(body))
			assert.Error(t, err)
		})
	}
}

func TestHandleProvisionsAndRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(t0)
	in := newIngestor(s, clock, nil)

	fp, err := s.CreateFloorPlan(ctx, model.FloorPlan{Name: "Hall"})
	require.NoError(t, err)
	_, err = s.SetActiveFloorPlan(ctx, fp.ID)
	require.NoError(t, err)

	outcome, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`{"bleMac":"b1","rssi":-60}`))
	require.NoError(t, err)
	assert.Equal(t, Accepted, outcome)

	b, err := s.BeaconByAddress(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "unknown", b.UUID)
	assert.Equal(t, model.BeaconKindTag, b.Kind)
	require.NotNil(t, b.SessionStart)
	require.NotNil(t, b.LastSeen)
	assert.True(t, b.SessionStart.Equal(t0))
	assert.True(t, b.LastSeen.Equal(t0))

	recent, err := s.RecentObservations(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, -60.0, recent[0].RSSI)
	assert.Equal(t, "gw-1", recent[0].Gateway.MACAddress)
	assert.Equal(t, fp.ID, recent[0].Gateway.FloorPlanID)
	assert.Equal(t, "warehouse/gw-1/beacons", recent[0].Gateway.Topic)
	assert.Equal(t, store.UnassignedZoneLabel, recent[0].Gateway.ZoneLabel)
	assert.True(t, recent[0].Timestamp.Equal(t0))
}

func TestHandleSuppressesJitter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(t0)
	in := newIngestor(s, clock, nil)

	sequence := []struct {
		topic string
		body  string
		want  Outcome
	}{
		{"warehouse/gw-1/beacons", `{"bleMac":"b1","rssi":-60}`, Accepted},
		{"warehouse/gw-1/beacons", `{"bleMac":"b1","rssi":-62}`, Duplicate},
		{"warehouse/gw-1/beacons", `{"bleMac":"b1","rssi":-64.9}`, Duplicate},
		{"warehouse/gw-1/beacons", `{"bleMac":"b1","rssi":-65}`, Accepted},
		{"warehouse/gw-2/beacons", `{"bleMac":"b1","rssi":-65}`, Accepted},
	}
	for _, step := range sequence {
		clock.Advance(time.Second)
		outcome, err := in.Handle(ctx, step.topic, []byte(step.body))
		require.NoError(t, err)
		assert.Equal(t, step.want, outcome, step.body)
	}

	b, err := s.BeaconByAddress(ctx, "b1")
	require.NoError(t, err)
	n, err := s.CountObservations(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	in.ClearDedup()
	clock.Advance(time.Second)
	outcome, err := in.Handle(ctx, "warehouse/gw-2/beacons", []byte(`{"bleMac":"b1","rssi":-65}`))
	require.NoError(t, err)
	assert.Equal(t, Accepted, outcome, "first sighting after a clear is always accepted")
}

func TestHandleSessionTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(t0)
	in := newIngestor(s, clock, nil)

	send := func(rssi string) {
		t.Helper()
		in.ClearDedup()
		_, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`{"bleMac":"b1","rssi":`+rssi+`}`))
		require.NoError(t, err)
	}
	sessionStart := func() time.Time {
		t.Helper()
		b, err := s.BeaconByAddress(ctx, "b1")
		require.NoError(t, err)
		require.NotNil(t, b.SessionStart)
		return *b.SessionStart
	}

	send("-60")
	assert.True(t, sessionStart().Equal(t0))

	clock.Advance(59 * time.Second)
	send("-60")
	assert.True(t, sessionStart().Equal(t0), "gap under threshold keeps the session")

	clock.Advance(61 * time.Second)
	send("-60")
	assert.True(t, sessionStart().Equal(t0.Add(120*time.Second)), "gap over threshold starts a new session")
}

func TestHandleMalformedInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	in := newIngestor(s, timeutil.NewMockClock(t0), rate.NewLimiter(rate.Every(time.Hour), 1))

	outcome, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`not json`))
	require.NoError(t, err)
	assert.Equal(t, Malformed, outcome)

	outcome, err = in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`{"rssi":-50}`))
	require.NoError(t, err)
	assert.Equal(t, Malformed, outcome)

	outcome, err = in.Handle(ctx, "warehouse/other/topic", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, Ignored, outcome)

	n, err := s.CountIngestionErrors(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "limiter throttles persistence after the burst")
}

func TestSteadySightingsKeepPresenceAlive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	clock := timeutil.NewMockClock(t0)
	in := New(s, dedup.New(dedup.DefaultTolerance), Options{
		TopicPrefix: "warehouse",
		Clock:       clock,
		Logger:      quietLogger(),
	})

	for i := 0; i <= 45; i++ {
		rssi := "-45"
		if i%2 == 1 {
			rssi = "-46"
		}
		_, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`{"bleMac":"b1","rssi":`+rssi+`}`))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	now := clock.Now()

	b, err := s.BeaconByAddress(ctx, "b1")
	require.NoError(t, err)
	n, err := s.CountObservations(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "suppressed readings are not stored")

	recent, err := s.RecentObservations(ctx, b.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.LessOrEqual(t, now.Sub(recent[0].Gateway.LastSeen), DefaultPresenceInterval+time.Second,
		"gateway stays within the liveness window while it keeps reporting")
	require.NotNil(t, b.LastSeen)
	assert.LessOrEqual(t, now.Sub(*b.LastSeen), DefaultPresenceInterval+time.Second)

	// Continue past the maintenance clear: the session must carry on.
	in.ClearDedup()
	clock.Advance(15 * time.Second)
	outcome, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`{"bleMac":"b1","rssi":-45}`))
	require.NoError(t, err)
	assert.Equal(t, Accepted, outcome)

	b, err = s.BeaconByAddress(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, b.SessionStart)
	assert.True(t, b.SessionStart.Equal(t0), "session started at %s", b.SessionStart)
}

func TestDuplicatesRefreshPresenceAtMostOncePerInterval(t *testing.T) {
	s := &countingStore{Store: newTestStore(t)}
	ctx := context.Background()
	clock := timeutil.NewMockClock(t0)
	in := New(s, dedup.New(dedup.DefaultTolerance), Options{
		TopicPrefix:      "warehouse",
		Clock:            clock,
		Logger:           quietLogger(),
		PresenceInterval: 10 * time.Second,
	})

	for i := 0; i < 25; i++ {
		_, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`{"bleMac":"b1","rssi":-60}`))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	// One accepted sighting at t0, refreshes at t0+10s and t0+20s.
	assert.Equal(t, 3, s.touches)
}

type countingStore struct {
	*store.Store
	touches int
}

func (c *countingStore) TouchBeaconSession(ctx context.Context, id string, prev *time.Time, start, seenAt time.Time) (bool, error) {
	c.touches++
	return c.Store.TouchBeaconSession(ctx, id, prev, start, seenAt)
}

type appendFailingStore struct {
	*store.Store
	err error
}

func (a appendFailingStore) AppendObservation(context.Context, string, string, float64, time.Time) (model.Observation, error) {
	return model.Observation{}, a.err
}

func TestFailedAppendLeavesSessionUntouched(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("disk I/O error")
	in := newIngestor(appendFailingStore{Store: s, err: boom}, timeutil.NewMockClock(t0), nil)

	_, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(`{"bleMac":"b1","rssi":-50}`))
	require.ErrorIs(t, err, boom)

	b, err := s.BeaconByAddress(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, b.LastSeen)
	assert.Nil(t, b.SessionStart)
}

func observationCount(t *testing.T, result string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "bletracker_observations_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "result" && lp.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestHandleCountsOutcomes(t *testing.T) {
	metrics.Init()
	s := newTestStore(t)
	ctx := context.Background()
	in := newIngestor(s, timeutil.NewMockClock(t0), nil)

	tests := []struct {
		body string
		want string
	}{
		{`{"bleMac":"b1","rssi":-60}`, metrics.ObservationAccepted},
		{`{"bleMac":"b1","rssi":-61}`, metrics.ObservationDuplicate},
		{`{"bleMac":""}`, metrics.ObservationMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			before := observationCount(t, tt.want)
			_, err := in.Handle(ctx, "warehouse/gw-1/beacons", []byte(tt.body))
			require.NoError(t, err)
			assert.Equal(t, before+1, observationCount(t, tt.want))
		})
	}
}

type failingStore struct {
	Store
	err error
}

func (f failingStore) EnsureBeacon(context.Context, store.BeaconSighting, time.Time) (model.Beacon, bool, error) {
	return model.Beacon{}, false, f.err
}

func TestHandleSurfacesPersistenceFailure(t *testing.T) {
	boom := errors.New("database is locked")
	in := newIngestor(failingStore{err: boom}, timeutil.NewMockClock(t0), nil)

	_, err := in.Handle(context.Background(), "warehouse/gw-1/beacons", []byte(`{"bleMac":"b1","rssi":-50}`))
	assert.ErrorIs(t, err, boom)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "duplicate", Duplicate.String())
	assert.Equal(t, "malformed", Malformed.String())
	assert.Equal(t, "ignored", Ignored.String())
}
