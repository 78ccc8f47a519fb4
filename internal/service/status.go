package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/cache"
	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/storage"
)

// statusDedupeTTL bounds how long a processed status report is remembered
// for replay suppression.
const statusDedupeTTL = 24 * time.Hour

func statusDedupeKey(stationID string, connectorNo int, timestamp string) string {
	return fmt.Sprintf("status:%s:%d:%s", stationID, connectorNo, timestamp)
}

func latestStatusKey(stationID string, connectorNo int) string {
	return fmt.Sprintf("status:latest:%s:%d", stationID, connectorNo)
}

// LatestStatus is the cached most-recent report for one connector.
type LatestStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	ErrorCode string `json:"errorCode,omitempty"`
	Info      string `json:"info,omitempty"`
}

// StatusService records connector status reports. Reports are dedupled on
// (station, connector number, timestamp) so retransmitted frames do not
// produce duplicate rows.
type StatusService struct {
	repo       storage.StatusNotificationRepository
	cache      cache.Cache
	bus        *eventbus.Bus
	connectors *ConnectorService
	timeout    time.Duration
	logger     zerolog.Logger
}

// NewStatusService creates the status service. A zero timeout uses the bus
// default for connector lookups.
func NewStatusService(repo storage.StatusNotificationRepository, c cache.Cache, bus *eventbus.Bus, connectors *ConnectorService, timeout time.Duration, logger zerolog.Logger) *StatusService {
	if timeout <= 0 {
		timeout = eventbus.DefaultRequestTimeout
	}
	return &StatusService{
		repo:       repo,
		cache:      c,
		bus:        bus,
		connectors: connectors,
		timeout:    timeout,
		logger:     logger.With().Str("component", "status-service").Logger(),
	}
}

// Record persists one status report for a station's connector. A replayed
// report (same station, connector and timestamp) is acknowledged without
// writing a second row.
func (s *StatusService) Record(ctx context.Context, stationID string, req *ocpp.StatusNotificationRequest) error {
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	reportTime, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return ocpp.NewProtocolError("Invalid status notification timestamp")
	}

	dedupeKey := statusDedupeKey(stationID, req.ConnectorID, req.Timestamp)
	if _, err := s.cache.Get(ctx, dedupeKey); err == nil {
		s.logger.Debug().
			Str("stationId", stationID).
			Int("connectorNo", req.ConnectorID).
			Str("timestamp", req.Timestamp).
			Msg("duplicate status notification ignored")
		return nil
	} else if !errors.Is(err, cache.ErrMiss) {
		s.logger.Warn().Err(err).Msg("status dedupe lookup failed, continuing without it")
	}

	connectorID, err := s.resolveConnector(ctx, stationID, req.ConnectorID)
	if err != nil {
		return ocpp.NewProtocolError("Connector lookup failed")
	}

	if err := s.repo.Create(ctx, &storage.StatusNotification{
		Time:        reportTime,
		StationID:   stationID,
		ConnectorID: connectorID,
		Status:      req.Status,
		ErrorCode:   req.ErrorCode,
		Info:        req.Info,
	}); err != nil {
		return err
	}

	if err := s.cache.Set(ctx, dedupeKey, "1", statusDedupeTTL); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record status dedupe marker")
	}
	latest, _ := json.Marshal(LatestStatus{
		Status:    req.Status,
		Timestamp: req.Timestamp,
		ErrorCode: req.ErrorCode,
		Info:      req.Info,
	})
	if err := s.cache.Set(ctx, latestStatusKey(stationID, req.ConnectorID), string(latest), 0); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache latest connector status")
	}

	s.bus.Publish(EventStatusNotificationReceived, &StatusNotificationReceived{
		StationID:   stationID,
		ConnectorID: connectorID,
		ConnectorNo: req.ConnectorID,
		Status:      req.Status,
		Time:        req.Timestamp,
		ErrorCode:   req.ErrorCode,
		Info:        req.Info,
	})
	s.logger.Info().
		Str("stationId", stationID).
		Int("connectorNo", req.ConnectorID).
		Str("status", req.Status).
		Msg("status notification recorded")
	return nil
}

// LatestByConnector returns the cached most-recent report, or nil when
// none is cached.
func (s *StatusService) LatestByConnector(ctx context.Context, stationID string, connectorNo int) (*LatestStatus, error) {
	raw, err := s.cache.Get(ctx, latestStatusKey(stationID, connectorNo))
	if errors.Is(err, cache.ErrMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var latest LatestStatus
	if err := json.Unmarshal([]byte(raw), &latest); err != nil {
		return nil, err
	}
	return &latest, nil
}

// InvalidateLatestStatus drops the cached latest report for a connector.
func (s *StatusService) InvalidateLatestStatus(ctx context.Context, stationID string, connectorNo int) error {
	return s.cache.Delete(ctx, latestStatusKey(stationID, connectorNo))
}

// resolveConnector asks the connector service over the bus, falling back
// to the direct port on timeout or a failed bus lookup.
func (s *StatusService) resolveConnector(ctx context.Context, stationID string, connectorNo int) (string, error) {
	res, ok := s.bus.RequestReply(eventbus.Request{
		RequestType:  EventConnectorLookupRequested,
		Payload:      &ConnectorLookupRequested{StationID: stationID, ConnectorNo: connectorNo},
		ResponseType: EventConnectorLookupResolved,
		Timeout:      s.timeout,
	})
	if ok {
		resolved, isResolved := res.(*ConnectorLookupResolved)
		if isResolved && resolved.Err == "" && resolved.ConnectorID != "" {
			return resolved.ConnectorID, nil
		}
		if isResolved && resolved.Err != "" {
			s.logger.Warn().
				Str("stationId", stationID).
				Int("connectorNo", connectorNo).
				Str("error", resolved.Err).
				Msg("connector lookup failed on the bus, falling back to direct call")
		}
	} else {
		s.logger.Warn().
			Str("stationId", stationID).
			Int("connectorNo", connectorNo).
			Msg("connector lookup timed out on the bus, falling back to direct call")
	}
	return s.connectors.FindOrCreate(ctx, stationID, connectorNo, "")
}
