package service

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/storage"
	"ocpp-csms/internal/storage/memory"
)

func newConnectorFixture() (*memory.ConnectorRepo, *eventbus.Bus, *ConnectorService) {
	repo := memory.NewConnectorRepo()
	bus := eventbus.New(zerolog.Nop())
	return repo, bus, NewConnectorService(repo, bus, zerolog.Nop())
}

func TestFindOrCreateCreatesOnFirstReference(t *testing.T) {
	repo, _, svc := newConnectorFixture()

	id, err := svc.FindOrCreate(context.Background(), "station-1", 1, "")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	row, err := repo.FindByStationAndNumber(context.Background(), "station-1", 1)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, DefaultConnectorType, row.Type)
}

func TestFindOrCreateReturnsExisting(t *testing.T) {
	_, _, svc := newConnectorFixture()

	first, err := svc.FindOrCreate(context.Background(), "station-1", 1, "CCS")
	require.NoError(t, err)
	second, err := svc.FindOrCreate(context.Background(), "station-1", 1, "Type2")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestFindOrCreateDistinguishesConnectorNumbers(t *testing.T) {
	_, _, svc := newConnectorFixture()

	one, err := svc.FindOrCreate(context.Background(), "station-1", 1, "")
	require.NoError(t, err)
	two, err := svc.FindOrCreate(context.Background(), "station-1", 2, "")
	require.NoError(t, err)

	assert.NotEqual(t, one, two)
}

func TestFindOrCreateResolvesInsertRace(t *testing.T) {
	repo, _, svc := newConnectorFixture()

	var winnerID string
	injected := false
	repo.CreateHook = func() {
		if injected {
			return
		}
		injected = true
		repo.CreateHook = nil
		created, err := repo.Create(context.Background(), &storage.Connector{
			StationID:   "station-1",
			ConnectorNo: 1,
			Type:        "Type2",
		})
		require.NoError(t, err)
		winnerID = created.ID
	}

	id, err := svc.FindOrCreate(context.Background(), "station-1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, winnerID, id)
}

func TestLookupOverBus(t *testing.T) {
	_, bus, svc := newConnectorFixture()
	svc.Start()
	defer svc.Stop()

	res, ok := bus.RequestReply(eventbus.Request{
		RequestType:  EventConnectorLookupRequested,
		Payload:      &ConnectorLookupRequested{StationID: "station-1", ConnectorNo: 1},
		ResponseType: EventConnectorLookupResolved,
	})
	require.True(t, ok)

	resolved := res.(*ConnectorLookupResolved)
	assert.Empty(t, resolved.Err)
	assert.NotEmpty(t, resolved.ConnectorID)
}
