package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-csms/internal/cache"
	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/storage/memory"
)

type statusFixture struct {
	bus        *eventbus.Bus
	cache      *cache.Memory
	repo       *memory.StatusNotificationRepo
	connectors *ConnectorService
	status     *StatusService
}

func newStatusFixture(t *testing.T) *statusFixture {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	c := cache.NewMemory()
	repo := memory.NewStatusNotificationRepo()
	connectors := NewConnectorService(memory.NewConnectorRepo(), bus, zerolog.Nop())
	connectors.Start()
	t.Cleanup(connectors.Stop)
	return &statusFixture{
		bus:        bus,
		cache:      c,
		repo:       repo,
		connectors: connectors,
		status:     NewStatusService(repo, c, bus, connectors, time.Second, zerolog.Nop()),
	}
}

func statusRequest(connectorNo int, status, ts string) *ocpp.StatusNotificationRequest {
	return &ocpp.StatusNotificationRequest{
		ConnectorID: connectorNo,
		Status:      status,
		Timestamp:   ts,
	}
}

func TestRecordPersistsAndPublishes(t *testing.T) {
	f := newStatusFixture(t)

	var received *StatusNotificationReceived
	f.bus.Subscribe(EventStatusNotificationReceived, func(payload interface{}) {
		received = payload.(*StatusNotificationReceived)
	})

	ts := "2026-01-02T10:00:00Z"
	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", ts)))

	assert.Equal(t, 1, f.repo.Count())
	require.NotNil(t, received)
	assert.Equal(t, "station-1", received.StationID)
	assert.Equal(t, 1, received.ConnectorNo)
	assert.NotEmpty(t, received.ConnectorID)
	assert.Equal(t, "Available", received.Status)

	// The connector row was lazily provisioned by the lookup.
	id, err := f.connectors.FindOrCreate(context.Background(), "station-1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, received.ConnectorID, id)
}

func TestRecordDeduplicatesReplays(t *testing.T) {
	f := newStatusFixture(t)

	ts := "2026-01-02T10:00:00Z"
	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", ts)))
	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", ts)))

	assert.Equal(t, 1, f.repo.Count())
}

func TestRecordDistinguishesTimestamps(t *testing.T) {
	f := newStatusFixture(t)

	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", "2026-01-02T10:00:00Z")))
	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Charging", "2026-01-02T10:05:00Z")))

	assert.Equal(t, 2, f.repo.Count())
}

func TestRecordDistinguishesConnectors(t *testing.T) {
	f := newStatusFixture(t)

	ts := "2026-01-02T10:00:00Z"
	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", ts)))
	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(2, "Available", ts)))

	assert.Equal(t, 2, f.repo.Count())
}

func TestRecordRejectsBadTimestamp(t *testing.T) {
	f := newStatusFixture(t)

	err := f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", "not-a-time"))
	require.Error(t, err)
	assert.Equal(t, ocpp.CodeProtocolError, ocpp.Classify(err).Code)
	assert.Equal(t, 0, f.repo.Count())
}

func TestRecordDefaultsMissingTimestamp(t *testing.T) {
	f := newStatusFixture(t)

	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", "")))
	assert.Equal(t, 1, f.repo.Count())
}

func TestLatestStatusTracksNewestReport(t *testing.T) {
	f := newStatusFixture(t)

	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", "2026-01-02T10:00:00Z")))
	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Charging", "2026-01-02T10:05:00Z")))

	latest, err := f.status.LatestByConnector(context.Background(), "station-1", 1)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "Charging", latest.Status)
	assert.Equal(t, "2026-01-02T10:05:00Z", latest.Timestamp)
}

func TestLatestStatusMissReturnsNil(t *testing.T) {
	f := newStatusFixture(t)

	latest, err := f.status.LatestByConnector(context.Background(), "station-1", 9)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestInvalidateLatestStatus(t *testing.T) {
	f := newStatusFixture(t)

	require.NoError(t, f.status.Record(context.Background(), "station-1", statusRequest(1, "Available", "2026-01-02T10:00:00Z")))
	require.NoError(t, f.status.InvalidateLatestStatus(context.Background(), "station-1", 1))

	latest, err := f.status.LatestByConnector(context.Background(), "station-1", 1)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestRecordFallsBackWhenBusLookupFails(t *testing.T) {
	// A failed bus lookup resolves through the direct port, like a timeout.
	bus := eventbus.New(zerolog.Nop())
	c := cache.NewMemory()
	repo := memory.NewStatusNotificationRepo()
	connectors := NewConnectorService(memory.NewConnectorRepo(), bus, zerolog.Nop())
	status := NewStatusService(repo, c, bus, connectors, time.Second, zerolog.Nop())

	sub := bus.Subscribe(EventConnectorLookupRequested, func(payload interface{}) {
		req := payload.(*ConnectorLookupRequested)
		resolved := &ConnectorLookupResolved{Err: "connector store unavailable"}
		resolved.SetCorrelationID(req.CorrelationID())
		bus.Publish(EventConnectorLookupResolved, resolved)
	})
	defer sub.Cancel()

	require.NoError(t, status.Record(context.Background(), "station-1", statusRequest(1, "Available", "2026-01-02T10:00:00Z")))
	assert.Equal(t, 1, repo.Count())
}

func TestRecordFallsBackWithoutBusResponder(t *testing.T) {
	// A status service whose connector responder is not started still
	// resolves through the direct port.
	bus := eventbus.New(zerolog.Nop())
	c := cache.NewMemory()
	repo := memory.NewStatusNotificationRepo()
	connectors := NewConnectorService(memory.NewConnectorRepo(), bus, zerolog.Nop())
	status := NewStatusService(repo, c, bus, connectors, 30*time.Millisecond, zerolog.Nop())

	require.NoError(t, status.Record(context.Background(), "station-1", statusRequest(1, "Available", "2026-01-02T10:00:00Z")))
	assert.Equal(t, 1, repo.Count())
}
