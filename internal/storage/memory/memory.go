// Package memory implements the storage ports with process-local maps. It
// backs tests and DSN-less runs, and mirrors the conflict behavior of the
// Postgres implementation so provisioning code paths are exercised the same
// way.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ocpp-csms/internal/storage"
)

// NewStore returns a fully in-memory storage.Store.
func NewStore() storage.Store {
	return storage.Store{
		Stations:            NewStationRepo(),
		Connectors:          NewConnectorRepo(),
		IdTags:              NewIdTagRepo(),
		Transactions:        NewTransactionRepo(),
		MeterValues:         NewMeterValueRepo(),
		StatusNotifications: NewStatusNotificationRepo(),
	}
}

// StationRepo is an in-memory storage.StationRepository.
type StationRepo struct {
	mu       sync.Mutex
	stations map[string]*storage.Station

	// CreateHook, when set, runs before every insert. Tests use it to
	// inject concurrent writers between find and create.
	CreateHook func()
}

func NewStationRepo() *StationRepo {
	return &StationRepo{stations: make(map[string]*storage.Station)}
}

func (r *StationRepo) Create(ctx context.Context, station *storage.Station) (*storage.Station, error) {
	if r.CreateHook != nil {
		r.CreateHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.stations {
		if existing.Name == station.Name || existing.ChargePointSerialNumber == station.ChargePointSerialNumber {
			return nil, storage.ErrConflict
		}
	}
	st := *station
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	now := time.Now()
	st.CreatedAt = now
	st.UpdatedAt = now
	r.stations[st.ID] = &st
	out := st
	return &out, nil
}

func (r *StationRepo) FindByID(ctx context.Context, id string) (*storage.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.stations[id]; ok {
		out := *st
		return &out, nil
	}
	return nil, nil
}

func (r *StationRepo) FindByName(ctx context.Context, name string) (*storage.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.stations {
		if st.Name == name {
			out := *st
			return &out, nil
		}
	}
	return nil, nil
}

func (r *StationRepo) FindBySerial(ctx context.Context, serial string) (*storage.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range r.stations {
		if st.ChargePointSerialNumber == serial {
			out := *st
			return &out, nil
		}
	}
	return nil, nil
}

func (r *StationRepo) Update(ctx context.Context, station *storage.Station) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.stations[station.ID]
	if !ok {
		return storage.ErrNotFound
	}
	st := *station
	st.CreatedAt = existing.CreatedAt
	st.UpdatedAt = time.Now()
	r.stations[st.ID] = &st
	return nil
}

func (r *StationRepo) List(ctx context.Context) ([]*storage.Station, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*storage.Station, 0, len(r.stations))
	for _, st := range r.stations {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ConnectorRepo is an in-memory storage.ConnectorRepository.
type ConnectorRepo struct {
	mu         sync.Mutex
	connectors map[string]*storage.Connector

	CreateHook func()
}

func NewConnectorRepo() *ConnectorRepo {
	return &ConnectorRepo{connectors: make(map[string]*storage.Connector)}
}

func (r *ConnectorRepo) Create(ctx context.Context, connector *storage.Connector) (*storage.Connector, error) {
	if r.CreateHook != nil {
		r.CreateHook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.connectors {
		if existing.StationID == connector.StationID && existing.ConnectorNo == connector.ConnectorNo {
			return nil, storage.ErrConflict
		}
	}
	c := *connector
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now()
	r.connectors[c.ID] = &c
	out := c
	return &out, nil
}

func (r *ConnectorRepo) FindByStationAndNumber(ctx context.Context, stationID string, connectorNo int) (*storage.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.connectors {
		if c.StationID == stationID && c.ConnectorNo == connectorNo {
			out := *c
			return &out, nil
		}
	}
	return nil, nil
}

func (r *ConnectorRepo) ListByStation(ctx context.Context, stationID string) ([]*storage.Connector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*storage.Connector
	for _, c := range r.connectors {
		if c.StationID == stationID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorNo < out[j].ConnectorNo })
	return out, nil
}

// IdTagRepo is an in-memory storage.IdTagRepository.
type IdTagRepo struct {
	mu   sync.Mutex
	tags map[string]*storage.IdTag
}

func NewIdTagRepo() *IdTagRepo {
	return &IdTagRepo{tags: make(map[string]*storage.IdTag)}
}

func (r *IdTagRepo) Create(ctx context.Context, tag *storage.IdTag) (*storage.IdTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tags[tag.Tag]; ok {
		return nil, storage.ErrConflict
	}
	t := *tag
	t.CreatedAt = time.Now()
	r.tags[t.Tag] = &t
	out := t
	return &out, nil
}

func (r *IdTagRepo) FindByTag(ctx context.Context, tag string) (*storage.IdTag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tags[tag]; ok {
		out := *t
		return &out, nil
	}
	return nil, nil
}

// TransactionRepo is an in-memory storage.TransactionRepository.
type TransactionRepo struct {
	mu           sync.Mutex
	transactions map[string]*storage.Transaction
}

func NewTransactionRepo() *TransactionRepo {
	return &TransactionRepo{transactions: make(map[string]*storage.Transaction)}
}

func (r *TransactionRepo) Create(ctx context.Context, tx *storage.Transaction) (*storage.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := *tx
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = time.Now()
	r.transactions[t.ID] = &t
	out := t
	return &out, nil
}

func (r *TransactionRepo) FindByID(ctx context.Context, id string) (*storage.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.transactions[id]; ok {
		out := *t
		return &out, nil
	}
	return nil, nil
}

func (r *TransactionRepo) FindActiveByConnector(ctx context.Context, connectorID string) (*storage.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.transactions {
		if t.ConnectorID == connectorID && t.Status == storage.TransactionActive {
			out := *t
			return &out, nil
		}
	}
	return nil, nil
}

func (r *TransactionRepo) UpdateStatus(ctx context.Context, id string, status storage.TransactionStatus, stopTime time.Time, stopMeter int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transactions[id]
	if !ok {
		return storage.ErrNotFound
	}
	t.Status = status
	if status == storage.TransactionStopped {
		st := stopTime
		sm := stopMeter
		t.StopTime = &st
		t.StopMeter = &sm
	}
	return nil
}

func (r *TransactionRepo) ListByConnector(ctx context.Context, connectorID string) ([]*storage.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*storage.Transaction
	for _, t := range r.transactions {
		if t.ConnectorID == connectorID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// MeterValueRepo is an in-memory storage.MeterValueRepository.
type MeterValueRepo struct {
	mu     sync.Mutex
	values []*storage.MeterValue
}

func NewMeterValueRepo() *MeterValueRepo {
	return &MeterValueRepo{}
}

func (r *MeterValueRepo) Create(ctx context.Context, mv *storage.MeterValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := *mv
	v.CreatedAt = time.Now()
	r.values = append(r.values, &v)
	return nil
}

func (r *MeterValueRepo) ListByTransaction(ctx context.Context, transactionID string) ([]*storage.MeterValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*storage.MeterValue
	for _, v := range r.values {
		if v.TransactionID == transactionID {
			cp := *v
			out = append(out, &cp)
		}
	}
	return out, nil
}

// StatusNotificationRepo is an in-memory storage.StatusNotificationRepository.
type StatusNotificationRepo struct {
	mu   sync.Mutex
	rows []*storage.StatusNotification
}

func NewStatusNotificationRepo() *StatusNotificationRepo {
	return &StatusNotificationRepo{}
}

func (r *StatusNotificationRepo) Create(ctx context.Context, sn *storage.StatusNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := *sn
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.CreatedAt = time.Now()
	r.rows = append(r.rows, &row)
	return nil
}

func (r *StatusNotificationRepo) ListByConnector(ctx context.Context, connectorID string) ([]*storage.StatusNotification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*storage.StatusNotification
	for _, row := range r.rows {
		if row.ConnectorID == connectorID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Count reports the total number of stored status rows. Test helper.
func (r *StatusNotificationRepo) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}
