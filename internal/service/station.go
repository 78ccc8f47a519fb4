// Package service contains the domain services. Each service exclusively
// owns writes to its entity; cross-entity reads go over the event bus with
// a direct port as the documented fallback.
package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/storage"
)

// StationService provisions stations from boot reports.
type StationService struct {
	repo   storage.StationRepository
	bus    *eventbus.Bus
	logger zerolog.Logger
}

// NewStationService creates the station service.
func NewStationService(repo storage.StationRepository, bus *eventbus.Bus, logger zerolog.Logger) *StationService {
	return &StationService{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "station-service").Logger(),
	}
}

// RegisterBoot creates or updates the station identified by the boot
// report's serial number. The operation is idempotent under concurrent
// boots for the same serial: a uniqueness conflict from storage is
// resolved by re-reading the winning row.
func (s *StationService) RegisterBoot(ctx context.Context, req *ocpp.BootNotificationRequest) (*storage.Station, error) {
	existing, err := s.repo.FindBySerial(ctx, req.ChargePointSerialNumber)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		applyBoot(existing, req)
		if err := s.repo.Update(ctx, existing); err != nil {
			return nil, err
		}
		updated, err := s.repo.FindByID(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		s.bus.Publish(EventStationUpdated, &StationUpdated{Station: updated})
		s.logger.Info().
			Str("serial", req.ChargePointSerialNumber).
			Str("stationId", updated.ID).
			Msg("station metadata updated on boot")
		return updated, nil
	}

	station := &storage.Station{
		// The serial is the one identifier guaranteed unique per unit,
		// so it doubles as the default display name.
		Name:                    req.ChargePointSerialNumber,
		ChargePointSerialNumber: req.ChargePointSerialNumber,
	}
	applyBoot(station, req)

	created, err := s.repo.Create(ctx, station)
	if err == nil {
		s.bus.Publish(EventStationCreated, &StationCreated{Station: created})
		s.logger.Info().
			Str("serial", req.ChargePointSerialNumber).
			Str("stationId", created.ID).
			Msg("station registered")
		return created, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return nil, err
	}

	// Another boot won the insert race; the now-existing row is the
	// answer, not an error.
	winner, ferr := s.repo.FindBySerial(ctx, req.ChargePointSerialNumber)
	if ferr != nil {
		return nil, ferr
	}
	if winner != nil {
		s.logger.Info().
			Str("serial", req.ChargePointSerialNumber).
			Str("stationId", winner.ID).
			Msg("concurrent boot detected, reusing existing station")
		return winner, nil
	}

	// The conflict was on the display name, not the serial.
	return nil, ocpp.NewTypeConstraintViolation("Station name already exists. Please use a unique name.")
}

// GetByID returns a station row.
func (s *StationService) GetByID(ctx context.Context, id string) (*storage.Station, error) {
	return s.repo.FindByID(ctx, id)
}

// List returns all stations.
func (s *StationService) List(ctx context.Context) ([]*storage.Station, error) {
	return s.repo.List(ctx)
}

func applyBoot(st *storage.Station, req *ocpp.BootNotificationRequest) {
	st.Vendor = req.ChargePointVendor
	st.Model = req.ChargePointModel
	st.ChargeBoxSerialNumber = req.ChargeBoxSerialNumber
	st.FirmwareVersion = req.FirmwareVersion
	st.Iccid = req.Iccid
	st.Imsi = req.Imsi
	st.MeterType = req.MeterType
	st.MeterSerialNumber = req.MeterSerialNumber
}
