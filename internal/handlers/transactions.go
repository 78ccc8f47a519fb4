package handlers

import (
	"context"
	"encoding/json"
	"time"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/service"
	"ocpp-csms/internal/storage"
)

// StartTransactionResponse confirms a started session.
type StartTransactionResponse struct {
	TransactionID string         `json:"transactionId"`
	IdTagInfo     ocpp.IdTagInfo `json:"idTagInfo"`
}

// StartTransaction authorizes the tag, resolves the connector and opens a
// session. The session must be bound to a station first.
func (h *Handlers) StartTransaction(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.StartTransactionRequest
	if err := ocpp.ParsePayload(payload, &req); err != nil {
		return nil, err
	}

	stationID := sess.StationID()
	if stationID == "" {
		return nil, ocpp.NewSecurityError("Station not registered, BootNotification is required first")
	}

	startTime, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return nil, ocpp.NewProtocolError("Invalid transaction timestamp")
	}

	info, err := h.authorizer.Authorize(ctx, req.IdTag)
	if err != nil {
		return nil, err
	}
	if info.Status != storage.IdTagAccepted {
		return nil, ocpp.NewSecurityError("Id tag is not authorized to charge")
	}

	connectorID, err := h.resolveConnector(ctx, stationID, req.ConnectorID)
	if err != nil {
		return nil, ocpp.NewNotFound("Connector lookup failed")
	}

	tx, err := h.transactions.Start(ctx, connectorID, startTime, *req.MeterStart)
	if err != nil {
		return nil, err
	}

	return &StartTransactionResponse{TransactionID: tx.ID, IdTagInfo: info}, nil
}

// StopTransactionResponse confirms a stopped session.
type StopTransactionResponse struct {
	IdTagInfo ocpp.IdTagInfo `json:"idTagInfo"`
}

// StopTransaction closes a session.
func (h *Handlers) StopTransaction(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.StopTransactionRequest
	if err := ocpp.ParsePayload(payload, &req); err != nil {
		return nil, err
	}

	stopTime, err := time.Parse(time.RFC3339, req.Timestamp)
	if err != nil {
		return nil, ocpp.NewProtocolError("Invalid transaction timestamp")
	}

	if _, err := h.transactions.Stop(ctx, req.TransactionID, stopTime, *req.MeterStop); err != nil {
		return nil, err
	}

	return &StopTransactionResponse{
		IdTagInfo: ocpp.IdTagInfo{Status: storage.IdTagAccepted},
	}, nil
}

// MeterValues ingests a batch of meter samples for a transaction.
func (h *Handlers) MeterValues(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.MeterValuesRequest
	if err := ocpp.ParsePayload(payload, &req); err != nil {
		return nil, err
	}
	if _, err := h.meters.RecordMeterValues(ctx, &req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

// resolveConnector asks the connector service over the bus, falling back
// to the direct port on timeout or a failed bus lookup.
func (h *Handlers) resolveConnector(ctx context.Context, stationID string, connectorNo int) (string, error) {
	res, ok := h.bus.RequestReply(eventbus.Request{
		RequestType:  service.EventConnectorLookupRequested,
		Payload:      &service.ConnectorLookupRequested{StationID: stationID, ConnectorNo: connectorNo},
		ResponseType: service.EventConnectorLookupResolved,
	})
	if ok {
		resolved, isResolved := res.(*service.ConnectorLookupResolved)
		if isResolved && resolved.Err == "" && resolved.ConnectorID != "" {
			return resolved.ConnectorID, nil
		}
		if isResolved && resolved.Err != "" {
			h.logger.Warn().
				Str("stationId", stationID).
				Int("connectorNo", connectorNo).
				Str("error", resolved.Err).
				Msg("connector lookup failed on the bus, falling back to direct call")
		}
	} else {
		h.logger.Warn().
			Str("stationId", stationID).
			Int("connectorNo", connectorNo).
			Msg("connector lookup timed out on the bus, falling back to direct call")
	}
	return h.connectors.FindOrCreate(ctx, stationID, connectorNo, "")
}
