// Package handlers maps wire actions onto the domain services. Each
// handler parses and validates its payload, invokes a service and shapes
// the result payload; error classification happens in the dispatcher.
package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/service"
)

// Action names understood by the server.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionAuthorize          = "Authorize"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
	ActionStatusNotification = "StatusNotification"
	ActionConnectorLookup    = "ConnectorLookup"
)

// BootInterval is the heartbeat interval handed to stations, in seconds.
const BootInterval = 60

// Handlers bundles the services behind the wire actions.
type Handlers struct {
	stations     *service.StationService
	connectors   *service.ConnectorService
	authorizer   *service.Authorizer
	transactions *service.TransactionService
	meters       *service.MeterService
	status       *service.StatusService
	bus          *eventbus.Bus
	logger       zerolog.Logger

	// now is swappable for deterministic tests.
	now func() time.Time
}

// New creates the handler set.
func New(
	stations *service.StationService,
	connectors *service.ConnectorService,
	authorizer *service.Authorizer,
	transactions *service.TransactionService,
	meters *service.MeterService,
	status *service.StatusService,
	bus *eventbus.Bus,
	logger zerolog.Logger,
) *Handlers {
	return &Handlers{
		stations:     stations,
		connectors:   connectors,
		authorizer:   authorizer,
		transactions: transactions,
		meters:       meters,
		status:       status,
		bus:          bus,
		logger:       logger.With().Str("component", "handlers").Logger(),
		now:          time.Now,
	}
}

// Register wires every action onto the dispatcher.
func (h *Handlers) Register(d *ocpp.Dispatcher) {
	d.Handle(ActionBootNotification, h.BootNotification)
	d.Handle(ActionHeartbeat, h.Heartbeat)
	d.Handle(ActionAuthorize, h.Authorize)
	d.Handle(ActionStartTransaction, h.StartTransaction)
	d.Handle(ActionStopTransaction, h.StopTransaction)
	d.Handle(ActionMeterValues, h.MeterValues)
	d.Handle(ActionStatusNotification, h.StatusNotification)
	d.Handle(ActionConnectorLookup, h.ConnectorLookup)
}

// BootNotificationResponse acknowledges a boot report.
type BootNotificationResponse struct {
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
	Status      string `json:"status"`
}

// BootNotification provisions the station and binds it to the session.
func (h *Handlers) BootNotification(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.BootNotificationRequest
	if err := ocpp.ParsePayload(payload, &req); err != nil {
		return nil, err
	}

	station, err := h.stations.RegisterBoot(ctx, &req)
	if err != nil {
		return nil, err
	}
	sess.BindStation(station.ID)

	return &BootNotificationResponse{
		CurrentTime: h.now().UTC().Format(time.RFC3339),
		Interval:    BootInterval,
		Status:      "Accepted",
	}, nil
}

// HeartbeatResponse returns the server clock.
type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime"`
}

// Heartbeat acknowledges liveness and refreshes the registry timestamp as
// a side effect of the transport delivering the frame.
func (h *Handlers) Heartbeat(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	return &HeartbeatResponse{CurrentTime: h.now().UTC().Format(time.RFC3339)}, nil
}

// AuthorizeResponse carries the tag verdict.
type AuthorizeResponse struct {
	IdTagInfo ocpp.IdTagInfo `json:"idTagInfo"`
}

// Authorize resolves a tag's verdict without touching any transaction.
func (h *Handlers) Authorize(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.AuthorizeRequest
	if err := ocpp.ParsePayload(payload, &req); err != nil {
		return nil, err
	}
	info, err := h.authorizer.Authorize(ctx, req.IdTag)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResponse{IdTagInfo: info}, nil
}

// ConnectorLookupResponse carries a resolved connector id.
type ConnectorLookupResponse struct {
	ConnectorID string `json:"connectorId"`
}

// ConnectorLookup resolves (and lazily creates) a connector id. Diagnostic
// action, not part of the station-facing protocol.
func (h *Handlers) ConnectorLookup(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.ConnectorLookupRequest
	if err := ocpp.ParsePayload(payload, &req); err != nil {
		return nil, err
	}
	id, err := h.connectors.FindOrCreate(ctx, req.StationID, req.ConnectorNo, req.Type)
	if err != nil {
		return nil, ocpp.NewNotFound("Connector lookup failed")
	}
	return &ConnectorLookupResponse{ConnectorID: id}, nil
}
