package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/storage"
)

// TransactionService owns the charging session lifecycle. It enforces the
// one-active-transaction-per-connector rule and announces lifecycle
// changes on the bus.
type TransactionService struct {
	repo   storage.TransactionRepository
	bus    *eventbus.Bus
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewTransactionService creates the transaction service.
func NewTransactionService(repo storage.TransactionRepository, bus *eventbus.Bus, logger zerolog.Logger) *TransactionService {
	return &TransactionService{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "transaction-service").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// connectorLock returns the mutex serializing starts on one connector.
func (s *TransactionService) connectorLock(connectorID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[connectorID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[connectorID] = l
	}
	return l
}

// Start opens a new transaction on a connector. The active-check and the
// insert run under a per-connector lock so concurrent starts from two
// sessions of the same station cannot both slip past the check; the
// partial unique index in storage backs the same rule across processes.
func (s *TransactionService) Start(ctx context.Context, connectorID string, startTime time.Time, startMeter int64) (*storage.Transaction, error) {
	if startMeter < 0 {
		return nil, ocpp.NewTypeConstraintViolation("Start meter value must be >= 0")
	}

	lock := s.connectorLock(connectorID)
	lock.Lock()
	defer lock.Unlock()

	active, err := s.repo.FindActiveByConnector(ctx, connectorID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, ocpp.NewTypeConstraintViolation("There is already an active transaction for this connector")
	}

	tx, err := s.repo.Create(ctx, &storage.Transaction{
		ConnectorID: connectorID,
		StartTime:   startTime,
		StartMeter:  startMeter,
		Status:      storage.TransactionActive,
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, ocpp.NewTypeConstraintViolation("There is already an active transaction for this connector")
		}
		return nil, err
	}

	s.bus.Publish(EventTransactionStarted, &TransactionStarted{Transaction: tx})
	s.logger.Info().
		Str("transactionId", tx.ID).
		Str("connectorId", connectorID).
		Int64("startMeter", startMeter).
		Msg("transaction started")
	return tx, nil
}

// Stop closes an active transaction. Only active transactions may be
// stopped, and the stop reading may not fall below the start reading.
func (s *TransactionService) Stop(ctx context.Context, transactionID string, stopTime time.Time, stopMeter int64) (*storage.Transaction, error) {
	tx, err := s.repo.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ocpp.NewNotFound("Transaction not found")
	}
	if tx.Status != storage.TransactionActive {
		return nil, ocpp.NewSecurityError("only active transactions can be stopped")
	}
	if stopMeter < tx.StartMeter {
		return nil, ocpp.NewTypeConstraintViolation("Stop meter value must be >= start meter value")
	}

	if err := s.repo.UpdateStatus(ctx, transactionID, storage.TransactionStopped, stopTime, stopMeter); err != nil {
		return nil, err
	}
	stopped, err := s.repo.FindByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(EventTransactionStopped, &TransactionStopped{Transaction: stopped})
	s.logger.Info().
		Str("transactionId", transactionID).
		Int64("energyWh", stopMeter-tx.StartMeter).
		Msg("transaction stopped")
	return stopped, nil
}

// GetByID returns a transaction row.
func (s *TransactionService) GetByID(ctx context.Context, id string) (*storage.Transaction, error) {
	return s.repo.FindByID(ctx, id)
}

// ListByConnector returns the transactions recorded on a connector.
func (s *TransactionService) ListByConnector(ctx context.Context, connectorID string) ([]*storage.Transaction, error) {
	return s.repo.ListByConnector(ctx, connectorID)
}
