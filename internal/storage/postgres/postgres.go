// Package postgres implements the storage ports on PostgreSQL via pgx.
// Unique violations (SQLSTATE 23505) map to storage.ErrConflict so callers
// can re-read the winning row instead of failing.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"ocpp-csms/internal/storage"
)

// NewStore wires all repositories over one pool.
func NewStore(db *pgxpool.Pool) storage.Store {
	return storage.Store{
		Stations:            &StationRepo{db: db},
		Connectors:          &ConnectorRepo{db: db},
		IdTags:              &IdTagRepo{db: db},
		Transactions:        &TransactionRepo{db: db},
		MeterValues:         &MeterValueRepo{db: db},
		StatusNotifications: &StatusNotificationRepo{db: db},
	}
}

func wrapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", storage.ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// StationRepo persists stations.
type StationRepo struct{ db *pgxpool.Pool }

const stationColumns = `id, name, vendor, model, charge_point_serial_number, charge_box_serial_number,
	coalesce(firmware_version,''), coalesce(location,''), coalesce(iccid,''), coalesce(imsi,''),
	coalesce(meter_type,''), coalesce(meter_serial_number,''), created_at, updated_at`

func scanStation(row pgx.Row) (*storage.Station, error) {
	var s storage.Station
	err := row.Scan(&s.ID, &s.Name, &s.Vendor, &s.Model, &s.ChargePointSerialNumber, &s.ChargeBoxSerialNumber,
		&s.FirmwareVersion, &s.Location, &s.Iccid, &s.Imsi, &s.MeterType, &s.MeterSerialNumber,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (r *StationRepo) Create(ctx context.Context, station *storage.Station) (*storage.Station, error) {
	row := r.db.QueryRow(ctx, `
		insert into stations (name, vendor, model, charge_point_serial_number, charge_box_serial_number,
			firmware_version, location, iccid, imsi, meter_type, meter_serial_number)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		returning `+stationColumns,
		station.Name, station.Vendor, station.Model, station.ChargePointSerialNumber, station.ChargeBoxSerialNumber,
		station.FirmwareVersion, station.Location, station.Iccid, station.Imsi, station.MeterType, station.MeterSerialNumber)

	created, err := scanStation(row)
	if err != nil {
		return nil, wrapConflict(err)
	}
	return created, nil
}

func (r *StationRepo) FindByID(ctx context.Context, id string) (*storage.Station, error) {
	return scanStation(r.db.QueryRow(ctx, `select `+stationColumns+` from stations where id=$1`, id))
}

func (r *StationRepo) FindByName(ctx context.Context, name string) (*storage.Station, error) {
	return scanStation(r.db.QueryRow(ctx, `select `+stationColumns+` from stations where name=$1`, name))
}

func (r *StationRepo) FindBySerial(ctx context.Context, serial string) (*storage.Station, error) {
	return scanStation(r.db.QueryRow(ctx, `select `+stationColumns+` from stations where charge_point_serial_number=$1`, serial))
}

func (r *StationRepo) Update(ctx context.Context, station *storage.Station) error {
	tag, err := r.db.Exec(ctx, `
		update stations
		set name=$2, vendor=$3, model=$4, charge_box_serial_number=$5, firmware_version=$6,
			location=$7, iccid=$8, imsi=$9, meter_type=$10, meter_serial_number=$11, updated_at=now()
		where id=$1`,
		station.ID, station.Name, station.Vendor, station.Model, station.ChargeBoxSerialNumber,
		station.FirmwareVersion, station.Location, station.Iccid, station.Imsi, station.MeterType, station.MeterSerialNumber)
	if err != nil {
		return wrapConflict(err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *StationRepo) List(ctx context.Context) ([]*storage.Station, error) {
	rows, err := r.db.Query(ctx, `select `+stationColumns+` from stations order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ConnectorRepo persists connectors.
type ConnectorRepo struct{ db *pgxpool.Pool }

func (r *ConnectorRepo) Create(ctx context.Context, connector *storage.Connector) (*storage.Connector, error) {
	row := r.db.QueryRow(ctx, `
		insert into connectors (station_id, connector_no, type)
		values ($1,$2,$3)
		returning id, station_id, connector_no, type, created_at`,
		connector.StationID, connector.ConnectorNo, connector.Type)

	var c storage.Connector
	if err := row.Scan(&c.ID, &c.StationID, &c.ConnectorNo, &c.Type, &c.CreatedAt); err != nil {
		return nil, wrapConflict(err)
	}
	return &c, nil
}

func (r *ConnectorRepo) FindByStationAndNumber(ctx context.Context, stationID string, connectorNo int) (*storage.Connector, error) {
	row := r.db.QueryRow(ctx, `
		select id, station_id, connector_no, type, created_at
		from connectors where station_id=$1 and connector_no=$2`, stationID, connectorNo)

	var c storage.Connector
	if err := row.Scan(&c.ID, &c.StationID, &c.ConnectorNo, &c.Type, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (r *ConnectorRepo) ListByStation(ctx context.Context, stationID string) ([]*storage.Connector, error) {
	rows, err := r.db.Query(ctx, `
		select id, station_id, connector_no, type, created_at
		from connectors where station_id=$1 order by connector_no`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Connector
	for rows.Next() {
		var c storage.Connector
		if err := rows.Scan(&c.ID, &c.StationID, &c.ConnectorNo, &c.Type, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// IdTagRepo persists authorization tags.
type IdTagRepo struct{ db *pgxpool.Pool }

func (r *IdTagRepo) Create(ctx context.Context, tag *storage.IdTag) (*storage.IdTag, error) {
	row := r.db.QueryRow(ctx, `
		insert into id_tags (id_tag, status, expiry_date, parent_id_tag)
		values ($1,$2,$3,$4)
		returning id_tag, status, expiry_date, coalesce(parent_id_tag,''), created_at`,
		tag.Tag, tag.Status, tag.ExpiryDate, nullable(tag.ParentIdTag))

	var t storage.IdTag
	if err := row.Scan(&t.Tag, &t.Status, &t.ExpiryDate, &t.ParentIdTag, &t.CreatedAt); err != nil {
		return nil, wrapConflict(err)
	}
	return &t, nil
}

func (r *IdTagRepo) FindByTag(ctx context.Context, tag string) (*storage.IdTag, error) {
	row := r.db.QueryRow(ctx, `
		select id_tag, status, expiry_date, coalesce(parent_id_tag,''), created_at
		from id_tags where id_tag=$1`, tag)

	var t storage.IdTag
	if err := row.Scan(&t.Tag, &t.Status, &t.ExpiryDate, &t.ParentIdTag, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// TransactionRepo persists transactions.
type TransactionRepo struct{ db *pgxpool.Pool }

const transactionColumns = `id, connector_id, start_time, stop_time, start_meter, stop_meter, status, created_at`

func scanTransaction(row pgx.Row) (*storage.Transaction, error) {
	var t storage.Transaction
	err := row.Scan(&t.ID, &t.ConnectorID, &t.StartTime, &t.StopTime, &t.StartMeter, &t.StopMeter, &t.Status, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (r *TransactionRepo) Create(ctx context.Context, tx *storage.Transaction) (*storage.Transaction, error) {
	row := r.db.QueryRow(ctx, `
		insert into transactions (connector_id, start_time, start_meter, status)
		values ($1,$2,$3,$4)
		returning `+transactionColumns,
		tx.ConnectorID, tx.StartTime, tx.StartMeter, tx.Status)

	created, err := scanTransaction(row)
	if err != nil {
		return nil, wrapConflict(err)
	}
	return created, nil
}

func (r *TransactionRepo) FindByID(ctx context.Context, id string) (*storage.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `select `+transactionColumns+` from transactions where id=$1`, id))
}

func (r *TransactionRepo) FindActiveByConnector(ctx context.Context, connectorID string) (*storage.Transaction, error) {
	return scanTransaction(r.db.QueryRow(ctx, `
		select `+transactionColumns+` from transactions
		where connector_id=$1 and status='active'
		order by start_time desc limit 1`, connectorID))
}

func (r *TransactionRepo) UpdateStatus(ctx context.Context, id string, status storage.TransactionStatus, stopTime time.Time, stopMeter int64) error {
	tag, err := r.db.Exec(ctx, `
		update transactions set status=$2, stop_time=$3, stop_meter=$4 where id=$1`,
		id, status, stopTime, stopMeter)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (r *TransactionRepo) ListByConnector(ctx context.Context, connectorID string) ([]*storage.Transaction, error) {
	rows, err := r.db.Query(ctx, `
		select `+transactionColumns+` from transactions
		where connector_id=$1 order by start_time`, connectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MeterValueRepo persists meter samples.
type MeterValueRepo struct{ db *pgxpool.Pool }

func (r *MeterValueRepo) Create(ctx context.Context, mv *storage.MeterValue) error {
	_, err := r.db.Exec(ctx, `
		insert into meter_values (transaction_id, time, value_wh, phase)
		values ($1,$2,$3,$4)`,
		mv.TransactionID, mv.Time, mv.ValueWh, nullable(mv.Phase))
	return err
}

func (r *MeterValueRepo) ListByTransaction(ctx context.Context, transactionID string) ([]*storage.MeterValue, error) {
	rows, err := r.db.Query(ctx, `
		select transaction_id, time, value_wh, coalesce(phase,''), created_at
		from meter_values where transaction_id=$1 order by created_at`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.MeterValue
	for rows.Next() {
		var v storage.MeterValue
		if err := rows.Scan(&v.TransactionID, &v.Time, &v.ValueWh, &v.Phase, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// StatusNotificationRepo persists status reports.
type StatusNotificationRepo struct{ db *pgxpool.Pool }

func (r *StatusNotificationRepo) Create(ctx context.Context, sn *storage.StatusNotification) error {
	_, err := r.db.Exec(ctx, `
		insert into status_notifications (time, station_id, connector_id, status, error_code, info)
		values ($1,$2,$3,$4,$5,$6)`,
		sn.Time, sn.StationID, sn.ConnectorID, sn.Status, nullable(sn.ErrorCode), nullable(sn.Info))
	return err
}

func (r *StatusNotificationRepo) ListByConnector(ctx context.Context, connectorID string) ([]*storage.StatusNotification, error) {
	rows, err := r.db.Query(ctx, `
		select id, time, station_id, connector_id, status, coalesce(error_code,''), coalesce(info,''), created_at
		from status_notifications where connector_id=$1 order by time`, connectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.StatusNotification
	for rows.Next() {
		var s storage.StatusNotification
		if err := rows.Scan(&s.ID, &s.Time, &s.StationID, &s.ConnectorID, &s.Status, &s.ErrorCode, &s.Info, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// nullable maps "" to NULL for optional text columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
