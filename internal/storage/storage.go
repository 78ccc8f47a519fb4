// Package storage defines the entity shapes and repository ports consumed
// by the domain services. Implementations live in the postgres and memory
// subpackages; both surface unique-constraint violations as ErrConflict so
// provisioning can apply its read-after-conflict fallback.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by updates against absent rows. Lookups
	// return (nil, nil) for absent rows instead.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when an insert violates a uniqueness
	// constraint. Callers treat it as "another writer won the race" and
	// re-read.
	ErrConflict = errors.New("storage: unique constraint violation")
)

// Station is a physical charging unit, identified by its vendor-assigned
// serial number.
type Station struct {
	ID                      string    `json:"id"`
	Name                    string    `json:"name"`
	Vendor                  string    `json:"vendor"`
	Model                   string    `json:"model"`
	ChargePointSerialNumber string    `json:"chargePointSerialNumber"`
	ChargeBoxSerialNumber   string    `json:"chargeBoxSerialNumber"`
	FirmwareVersion         string    `json:"firmwareVersion,omitempty"`
	Location                string    `json:"location,omitempty"`
	Iccid                   string    `json:"iccid,omitempty"`
	Imsi                    string    `json:"imsi,omitempty"`
	MeterType               string    `json:"meterType,omitempty"`
	MeterSerialNumber       string    `json:"meterSerialNumber,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
	UpdatedAt               time.Time `json:"updatedAt"`
}

// Connector is one numbered charging socket belonging to a station.
// (StationID, ConnectorNo) is unique.
type Connector struct {
	ID          string    `json:"id"`
	StationID   string    `json:"stationId"`
	ConnectorNo int       `json:"connectorNo"`
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Authorization tag statuses.
const (
	IdTagAccepted     = "Accepted"
	IdTagBlocked      = "Blocked"
	IdTagExpired      = "Expired"
	IdTagInvalid      = "Invalid"
	IdTagConcurrentTx = "ConcurrentTx"
)

// IdTag is an authorization credential (RFID card or similar).
type IdTag struct {
	Tag         string     `json:"idTag"`
	Status      string     `json:"status"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ParentIdTag string     `json:"parentIdTag,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// TransactionStatus is the state of a charging session.
type TransactionStatus string

const (
	TransactionActive  TransactionStatus = "active"
	TransactionStopped TransactionStatus = "stopped"
	TransactionError   TransactionStatus = "error"
)

// Transaction is one charging session on a connector.
type Transaction struct {
	ID          string            `json:"id"`
	ConnectorID string            `json:"connectorId"`
	StartTime   time.Time         `json:"startTime"`
	StopTime    *time.Time        `json:"stopTime,omitempty"`
	StartMeter  int64             `json:"startMeter"`
	StopMeter   *int64            `json:"stopMeter,omitempty"`
	Status      TransactionStatus `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// MeterValue is one accepted energy-register sample for a transaction.
type MeterValue struct {
	TransactionID string    `json:"transactionId"`
	Time          time.Time `json:"time"`
	ValueWh       int64     `json:"valueWh"`
	Phase         string    `json:"phase,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// StatusNotification is one recorded connector status report. Rows are
// append-only.
type StatusNotification struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	StationID   string    `json:"stationId"`
	ConnectorID string    `json:"connectorId"`
	Status      string    `json:"status"`
	ErrorCode   string    `json:"errorCode,omitempty"`
	Info        string    `json:"info,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StationRepository persists stations. Name and serial number are each
// unique.
type StationRepository interface {
	Create(ctx context.Context, station *Station) (*Station, error)
	FindByID(ctx context.Context, id string) (*Station, error)
	FindByName(ctx context.Context, name string) (*Station, error)
	FindBySerial(ctx context.Context, serial string) (*Station, error)
	Update(ctx context.Context, station *Station) error
	List(ctx context.Context) ([]*Station, error)
}

// ConnectorRepository persists connectors.
type ConnectorRepository interface {
	Create(ctx context.Context, connector *Connector) (*Connector, error)
	FindByStationAndNumber(ctx context.Context, stationID string, connectorNo int) (*Connector, error)
	ListByStation(ctx context.Context, stationID string) ([]*Connector, error)
}

// IdTagRepository persists authorization tags.
type IdTagRepository interface {
	Create(ctx context.Context, tag *IdTag) (*IdTag, error)
	FindByTag(ctx context.Context, tag string) (*IdTag, error)
}

// TransactionRepository persists transactions.
type TransactionRepository interface {
	Create(ctx context.Context, tx *Transaction) (*Transaction, error)
	FindByID(ctx context.Context, id string) (*Transaction, error)
	FindActiveByConnector(ctx context.Context, connectorID string) (*Transaction, error)
	UpdateStatus(ctx context.Context, id string, status TransactionStatus, stopTime time.Time, stopMeter int64) error
	ListByConnector(ctx context.Context, connectorID string) ([]*Transaction, error)
}

// MeterValueRepository persists meter samples.
type MeterValueRepository interface {
	Create(ctx context.Context, mv *MeterValue) error
	ListByTransaction(ctx context.Context, transactionID string) ([]*MeterValue, error)
}

// StatusNotificationRepository persists status reports.
type StatusNotificationRepository interface {
	Create(ctx context.Context, sn *StatusNotification) error
	ListByConnector(ctx context.Context, connectorID string) ([]*StatusNotification, error)
}

// Store bundles the per-entity repositories backing one deployment.
type Store struct {
	Stations            StationRepository
	Connectors          ConnectorRepository
	IdTags              IdTagRepository
	Transactions        TransactionRepository
	MeterValues         MeterValueRepository
	StatusNotifications StatusNotificationRepository
}
