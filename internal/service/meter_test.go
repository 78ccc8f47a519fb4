package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/storage"
	"ocpp-csms/internal/storage/memory"
)

type meterFixture struct {
	bus    *eventbus.Bus
	repo   *memory.MeterValueRepo
	txs    *TransactionService
	meters *MeterService
}

func newMeterFixture(t *testing.T) *meterFixture {
	t.Helper()
	bus := eventbus.New(zerolog.Nop())
	repo := memory.NewMeterValueRepo()
	f := &meterFixture{
		bus:    bus,
		repo:   repo,
		txs:    NewTransactionService(memory.NewTransactionRepo(), bus, zerolog.Nop()),
		meters: NewMeterService(repo, bus, zerolog.Nop()),
	}
	f.meters.Start()
	t.Cleanup(f.meters.Stop)
	return f
}

func (f *meterFixture) startTx(t *testing.T, startMeter int64) *storage.Transaction {
	t.Helper()
	tx, err := f.txs.Start(context.Background(), "conn-1", time.Now(), startMeter)
	require.NoError(t, err)
	return tx
}

func TestRecordSample(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 1000)

	var received *MeterValueReceived
	f.bus.Subscribe(EventMeterValueReceived, func(payload interface{}) {
		received = payload.(*MeterValueReceived)
	})

	err := f.meters.RecordSample(context.Background(), tx.ID, 1200, time.Now(), "L1")
	require.NoError(t, err)

	rows, err := f.repo.ListByTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1200), rows[0].ValueWh)
	assert.Equal(t, "L1", rows[0].Phase)

	require.NotNil(t, received)
	assert.Equal(t, int64(1200), received.ValueWh)
}

func TestRecordSampleUnknownTransaction(t *testing.T) {
	f := newMeterFixture(t)

	err := f.meters.RecordSample(context.Background(), "no-such-tx", 100, time.Now(), "")
	require.Error(t, err)

	callErr := ocpp.Classify(err)
	assert.Equal(t, ocpp.CodeNotFound, callErr.Code)
	assert.Contains(t, callErr.Description, "Transaction not found")
}

func TestRecordSampleStoppedTransaction(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 1000)
	_, err := f.txs.Stop(context.Background(), tx.ID, time.Now(), 1500)
	require.NoError(t, err)

	err = f.meters.RecordSample(context.Background(), tx.ID, 1600, time.Now(), "")
	require.Error(t, err)

	callErr := ocpp.Classify(err)
	assert.Equal(t, ocpp.CodeSecurityError, callErr.Code)
	assert.Contains(t, callErr.Description, "Transaction is not active")
}

func TestRecordSampleBelowStartMeter(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 1000)

	err := f.meters.RecordSample(context.Background(), tx.ID, 900, time.Now(), "")
	require.Error(t, err)

	callErr := ocpp.Classify(err)
	assert.Equal(t, ocpp.CodeTypeConstraintViolation, callErr.Code)
	assert.Contains(t, callErr.Description, "Meter value is less than transaction start meter")
}

func TestRecordSampleMustNotDecrease(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 1000)

	require.NoError(t, f.meters.RecordSample(context.Background(), tx.ID, 1500, time.Now(), ""))

	err := f.meters.RecordSample(context.Background(), tx.ID, 1400, time.Now(), "")
	require.Error(t, err)

	callErr := ocpp.Classify(err)
	assert.Equal(t, ocpp.CodeTypeConstraintViolation, callErr.Code)
	assert.Contains(t, callErr.Description, "Meter value must not decrease")

	// A repeated reading is fine.
	require.NoError(t, f.meters.RecordSample(context.Background(), tx.ID, 1500, time.Now(), ""))
}

func TestRecordMeterValuesExtractsEnergyRegister(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 1000)

	ts := time.Now().UTC().Format(time.RFC3339)
	req := &ocpp.MeterValuesRequest{
		TransactionID: tx.ID,
		MeterValue: []ocpp.MeterValueGroup{
			{
				Timestamp: ts,
				SampledValue: []ocpp.SampledValue{
					{Value: "230.1", Measurand: "Voltage", Unit: "V"},
					{Value: "1200", Measurand: ocpp.MeasurandEnergyActiveImportRegister, Unit: "Wh"},
				},
			},
			{
				// No energy register in this group; skipped entirely.
				Timestamp: ts,
				SampledValue: []ocpp.SampledValue{
					{Value: "16.5", Measurand: "Current.Import", Unit: "A"},
				},
			},
			{
				Timestamp: ts,
				SampledValue: []ocpp.SampledValue{
					// Missing unit defaults to Wh.
					{Value: "1300", Measurand: ocpp.MeasurandEnergyActiveImportRegister},
				},
			},
		},
	}

	recorded, err := f.meters.RecordMeterValues(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2, recorded)

	rows, err := f.repo.ListByTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1200), rows[0].ValueWh)
	assert.Equal(t, int64(1300), rows[1].ValueWh)
}

func TestRecordMeterValuesAbortsOnFirstFailure(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 1000)

	ts := time.Now().UTC().Format(time.RFC3339)
	req := &ocpp.MeterValuesRequest{
		TransactionID: tx.ID,
		MeterValue: []ocpp.MeterValueGroup{
			{
				Timestamp: ts,
				SampledValue: []ocpp.SampledValue{
					{Value: "1500", Measurand: ocpp.MeasurandEnergyActiveImportRegister, Unit: "Wh"},
					{Value: "1400", Measurand: ocpp.MeasurandEnergyActiveImportRegister, Unit: "Wh"},
					{Value: "1600", Measurand: ocpp.MeasurandEnergyActiveImportRegister, Unit: "Wh"},
				},
			},
		},
	}

	recorded, err := f.meters.RecordMeterValues(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, 1, recorded)

	rows, listErr := f.repo.ListByTransaction(context.Background(), tx.ID)
	require.NoError(t, listErr)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1500), rows[0].ValueWh)
}

func TestRecordMeterValuesRejectsBadTimestamp(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 0)

	req := &ocpp.MeterValuesRequest{
		TransactionID: tx.ID,
		MeterValue: []ocpp.MeterValueGroup{
			{Timestamp: "yesterday", SampledValue: []ocpp.SampledValue{
				{Value: "100", Measurand: ocpp.MeasurandEnergyActiveImportRegister},
			}},
		},
	}

	_, err := f.meters.RecordMeterValues(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, ocpp.CodeProtocolError, ocpp.Classify(err).Code)
}

func TestRecordMeterValuesRejectsNonIntegerValue(t *testing.T) {
	f := newMeterFixture(t)
	tx := f.startTx(t, 0)

	req := &ocpp.MeterValuesRequest{
		TransactionID: tx.ID,
		MeterValue: []ocpp.MeterValueGroup{
			{Timestamp: time.Now().UTC().Format(time.RFC3339), SampledValue: []ocpp.SampledValue{
				{Value: "twelve", Measurand: ocpp.MeasurandEnergyActiveImportRegister},
			}},
		},
	}

	_, err := f.meters.RecordMeterValues(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, ocpp.CodeTypeConstraintViolation, ocpp.Classify(err).Code)
}
