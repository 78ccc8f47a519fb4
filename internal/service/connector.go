package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/storage"
)

// DefaultConnectorType is assumed when a station does not report one.
const DefaultConnectorType = "Type2"

// ConnectorService lazily provisions connectors and answers lookup
// requests on the bus.
type ConnectorService struct {
	repo   storage.ConnectorRepository
	bus    *eventbus.Bus
	logger zerolog.Logger

	sub *eventbus.Subscription
}

// NewConnectorService creates the connector service.
func NewConnectorService(repo storage.ConnectorRepository, bus *eventbus.Bus, logger zerolog.Logger) *ConnectorService {
	return &ConnectorService{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "connector-service").Logger(),
	}
}

// Start subscribes the service to lookup requests.
func (s *ConnectorService) Start() {
	s.sub = s.bus.Subscribe(EventConnectorLookupRequested, func(payload interface{}) {
		req, ok := payload.(*ConnectorLookupRequested)
		if !ok {
			return
		}
		resolved := &ConnectorLookupResolved{}
		resolved.SetCorrelationID(req.CorrelationID())

		id, err := s.FindOrCreate(context.Background(), req.StationID, req.ConnectorNo, req.Type)
		if err != nil {
			resolved.Err = err.Error()
		} else {
			resolved.ConnectorID = id
		}
		s.bus.Publish(EventConnectorLookupResolved, resolved)
	})
}

// Stop cancels the bus subscription.
func (s *ConnectorService) Stop() {
	if s.sub != nil {
		s.sub.Cancel()
	}
}

// FindOrCreate returns the connector id for (station, number), creating
// the row on first reference. A concurrent duplicate insert is resolved by
// re-reading the winner.
func (s *ConnectorService) FindOrCreate(ctx context.Context, stationID string, connectorNo int, connType string) (string, error) {
	existing, err := s.repo.FindByStationAndNumber(ctx, stationID, connectorNo)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return existing.ID, nil
	}

	if connType == "" {
		connType = DefaultConnectorType
	}
	created, err := s.repo.Create(ctx, &storage.Connector{
		StationID:   stationID,
		ConnectorNo: connectorNo,
		Type:        connType,
	})
	if err == nil {
		s.logger.Info().
			Str("stationId", stationID).
			Int("connectorNo", connectorNo).
			Str("connectorId", created.ID).
			Msg("created new connector")
		return created.ID, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return "", err
	}

	winner, ferr := s.repo.FindByStationAndNumber(ctx, stationID, connectorNo)
	if ferr != nil {
		return "", ferr
	}
	if winner == nil {
		return "", fmt.Errorf("connector (%s, %d) conflicted but is not readable", stationID, connectorNo)
	}
	return winner.ID, nil
}

// ListByStation returns the known connectors of a station.
func (s *ConnectorService) ListByStation(ctx context.Context, stationID string) ([]*storage.Connector, error) {
	return s.repo.ListByStation(ctx, stationID)
}
