package service

import (
	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/storage"
)

// Domain event types published on the bus. The *.requested/*.resolved
// pairs form the request/reply channels between services.
const (
	EventStationCreated             = "station.created"
	EventStationUpdated             = "station.updated"
	EventTransactionStarted         = "transaction.started"
	EventTransactionStopped         = "transaction.stopped"
	EventMeterValueReceived         = "meter.valueReceived"
	EventStatusNotificationReceived = "status.notification.received"

	EventConnectorLookupRequested = "connector.lookup.requested"
	EventConnectorLookupResolved  = "connector.lookup.resolved"
	EventIdTagAuthorizeRequested  = "idtag.authorize.requested"
	EventIdTagAuthorizeResolved   = "idtag.authorize.resolved"
)

// StationCreated is published after a station row is first created.
type StationCreated struct {
	Station *storage.Station
}

// StationUpdated is published after boot metadata is updated in place.
type StationUpdated struct {
	Station *storage.Station
}

// TransactionStarted opens meter tracking for the transaction.
type TransactionStarted struct {
	Transaction *storage.Transaction
}

// TransactionStopped closes meter tracking for the transaction.
type TransactionStopped struct {
	Transaction *storage.Transaction
}

// MeterValueReceived is published for every accepted meter sample.
type MeterValueReceived struct {
	TransactionID string
	ValueWh       int64
	Timestamp     string
	Phase         string
}

// StatusNotificationReceived is published after a status row is persisted.
type StatusNotificationReceived struct {
	StationID   string
	ConnectorID string
	ConnectorNo int
	Status      string
	Time        string
	ErrorCode   string
	Info        string
}

// ConnectorLookupRequested asks the connector service to resolve (and, if
// needed, create) a connector id.
type ConnectorLookupRequested struct {
	eventbus.Correlation
	StationID   string
	ConnectorNo int
	Type        string
}

// ConnectorLookupResolved answers a ConnectorLookupRequested.
type ConnectorLookupResolved struct {
	eventbus.Correlation
	ConnectorID string
	Err         string
}

// IdTagAuthorizeRequested asks the id-tag service for a tag's verdict.
type IdTagAuthorizeRequested struct {
	eventbus.Correlation
	IdTag     string
	StationID string
}

// IdTagAuthorizeResolved answers an IdTagAuthorizeRequested.
type IdTagAuthorizeResolved struct {
	eventbus.Correlation
	Status      string
	ExpiryDate  string
	ParentIdTag string
	Err         string
}
