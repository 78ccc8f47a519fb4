package handlers

import (
	"context"
	"encoding/json"

	"ocpp-csms/internal/ocpp"
)

// StatusNotification records a connector status report. Duplicate reports
// are acknowledged without a second write.
func (h *Handlers) StatusNotification(ctx context.Context, sess *ocpp.Session, payload json.RawMessage) (interface{}, error) {
	var req ocpp.StatusNotificationRequest
	if err := ocpp.ParsePayload(payload, &req); err != nil {
		return nil, err
	}

	stationID := sess.StationID()
	if stationID == "" {
		return nil, ocpp.NewSecurityError("Station not registered, BootNotification is required first")
	}

	if err := h.status.Record(ctx, stationID, &req); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
