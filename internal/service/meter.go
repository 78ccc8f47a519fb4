package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/storage"
)

// trackedTransaction is the in-memory monotonicity state for one
// transaction's energy register.
type trackedTransaction struct {
	mu         sync.Mutex
	status     storage.TransactionStatus
	startMeter int64
	lastValue  int64
}

// MeterService validates and records energy-register samples. Tracking
// state is rebuilt purely from transaction lifecycle events, so samples
// for transactions started before this process are rejected as unknown.
type MeterService struct {
	repo   storage.MeterValueRepository
	bus    *eventbus.Bus
	logger zerolog.Logger

	mu      sync.Mutex
	tracked map[string]*trackedTransaction

	subs []*eventbus.Subscription
}

// NewMeterService creates the meter service.
func NewMeterService(repo storage.MeterValueRepository, bus *eventbus.Bus, logger zerolog.Logger) *MeterService {
	return &MeterService{
		repo:    repo,
		bus:     bus,
		logger:  logger.With().Str("component", "meter-service").Logger(),
		tracked: make(map[string]*trackedTransaction),
	}
}

// Start subscribes the service to the transaction lifecycle.
func (s *MeterService) Start() {
	s.subs = append(s.subs,
		s.bus.Subscribe(EventTransactionStarted, func(payload interface{}) {
			ev, ok := payload.(*TransactionStarted)
			if !ok || ev.Transaction == nil {
				return
			}
			s.track(ev.Transaction)
		}),
		s.bus.Subscribe(EventTransactionStopped, func(payload interface{}) {
			ev, ok := payload.(*TransactionStopped)
			if !ok || ev.Transaction == nil {
				return
			}
			s.markStopped(ev.Transaction.ID)
		}),
	)
}

// Stop cancels the bus subscriptions.
func (s *MeterService) Stop() {
	for _, sub := range s.subs {
		sub.Cancel()
	}
	s.subs = nil
}

func (s *MeterService) track(tx *storage.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked[tx.ID] = &trackedTransaction{
		status:     tx.Status,
		startMeter: tx.StartMeter,
		lastValue:  tx.StartMeter,
	}
}

func (s *MeterService) markStopped(transactionID string) {
	s.mu.Lock()
	entry := s.tracked[transactionID]
	s.mu.Unlock()
	if entry == nil {
		return
	}
	entry.mu.Lock()
	entry.status = storage.TransactionStopped
	entry.mu.Unlock()
}

func (s *MeterService) lookup(transactionID string) *trackedTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracked[transactionID]
}

// RecordSample validates one energy reading against the transaction's
// tracked state and persists it. Samples must be monotonically
// non-decreasing and never below the start reading.
func (s *MeterService) RecordSample(ctx context.Context, transactionID string, valueWh int64, sampleTime time.Time, phase string) error {
	entry := s.lookup(transactionID)
	if entry == nil {
		return ocpp.NewNotFound("Transaction not found")
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.status != storage.TransactionActive {
		return ocpp.NewSecurityError("Transaction is not active")
	}
	if valueWh < entry.startMeter {
		return ocpp.NewTypeConstraintViolation("Meter value is less than transaction start meter")
	}
	if valueWh < entry.lastValue {
		return ocpp.NewTypeConstraintViolation("Meter value must not decrease")
	}

	if err := s.repo.Create(ctx, &storage.MeterValue{
		TransactionID: transactionID,
		Time:          sampleTime,
		ValueWh:       valueWh,
		Phase:         phase,
	}); err != nil {
		return err
	}
	entry.lastValue = valueWh

	s.bus.Publish(EventMeterValueReceived, &MeterValueReceived{
		TransactionID: transactionID,
		ValueWh:       valueWh,
		Timestamp:     sampleTime.Format(time.RFC3339),
		Phase:         phase,
	})
	return nil
}

// RecordMeterValues ingests a MeterValues batch. Only the active-energy
// import register in watt-hours is recorded; groups without it are
// skipped. The batch aborts on the first failed sample.
func (s *MeterService) RecordMeterValues(ctx context.Context, req *ocpp.MeterValuesRequest) (int, error) {
	recorded := 0
	for _, group := range req.MeterValue {
		sampleTime, err := time.Parse(time.RFC3339, group.Timestamp)
		if err != nil {
			return recorded, ocpp.NewProtocolError("Invalid meter value timestamp")
		}
		for _, sv := range group.SampledValue {
			if sv.Measurand != ocpp.MeasurandEnergyActiveImportRegister {
				continue
			}
			if sv.Unit != "" && sv.Unit != ocpp.UnitWh {
				continue
			}
			value, err := strconv.ParseInt(sv.Value, 10, 64)
			if err != nil {
				return recorded, ocpp.NewTypeConstraintViolation("Meter value must be an integer")
			}
			if err := s.RecordSample(ctx, req.TransactionID, value, sampleTime, sv.Phase); err != nil {
				return recorded, err
			}
			recorded++
		}
	}
	s.logger.Debug().
		Str("transactionId", req.TransactionID).
		Int("samples", recorded).
		Msg("meter values recorded")
	return recorded, nil
}

// ListByTransaction returns the recorded samples of a transaction.
func (s *MeterService) ListByTransaction(ctx context.Context, transactionID string) ([]*storage.MeterValue, error) {
	return s.repo.ListByTransaction(ctx, transactionID)
}
