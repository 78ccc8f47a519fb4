// Package server wires the transport, registry, dispatcher, services and
// HTTP API into one runnable unit.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorenzodonini/ocpp-go/ws"
	"github.com/rs/zerolog"

	"ocpp-csms/internal/api"
	"ocpp-csms/internal/cache"
	"ocpp-csms/internal/config"
	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/handlers"
	"ocpp-csms/internal/mqtt"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/registry"
	"ocpp-csms/internal/service"
	"ocpp-csms/internal/storage"
	"ocpp-csms/internal/storage/memory"
	"ocpp-csms/internal/storage/postgres"
)

// Server is the assembled central server.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	bus        *eventbus.Bus
	registry   *registry.Registry
	dispatcher *ocpp.Dispatcher

	store      storage.Store
	pool       *pgxpool.Pool
	cacheStore cache.Cache

	connectors *service.ConnectorService
	idtags     *service.IdTagService
	meters     *service.MeterService

	relay *mqtt.Relay

	wsServer   ws.WsServer
	httpServer *http.Server
}

// channelTransport adapts a websocket channel to the registry's transport
// port. Writes go through the host by channel id, so a stale adapter for a
// replaced connection fails instead of writing to the wrong socket.
type channelTransport struct {
	id  string
	srv ws.WsServer
}

func (t *channelTransport) ID() string { return t.id }

func (t *channelTransport) Send(data []byte) error {
	return t.srv.Write(t.id, data)
}

func (t *channelTransport) Close() error {
	return t.srv.StopConnection(t.id, websocket.CloseError{
		Code: websocket.CloseNormalClosure,
		Text: "server shutdown",
	})
}

// New assembles the server from configuration. Persistence and cache
// backends are selected by DBDSN and RedisAddr; both fall back to the
// in-memory implementations when unset.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("component", "server").Logger(),
	}

	if cfg.DBDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to reach postgres: %w", err)
		}
		s.pool = pool
		s.store = postgres.NewStore(pool)
		logger.Info().Msg("using postgres storage")
	} else {
		s.store = memory.NewStore()
		logger.Info().Msg("using in-memory storage")
	}

	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err := redisCache.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		s.cacheStore = redisCache
		logger.Info().Str("addr", cfg.RedisAddr).Msg("using redis cache")
	} else {
		s.cacheStore = cache.NewMemory()
		logger.Info().Msg("using in-memory cache")
	}

	s.bus = eventbus.New(logger)
	s.registry = registry.New(logger)
	s.dispatcher = ocpp.NewDispatcher(s.registry, logger)

	stations := service.NewStationService(s.store.Stations, s.bus, logger)
	s.connectors = service.NewConnectorService(s.store.Connectors, s.bus, logger)
	s.idtags = service.NewIdTagService(s.store.IdTags, s.bus, logger)
	authorizer := service.NewAuthorizer(s.cacheStore, s.bus, s.idtags, 0, logger)
	transactions := service.NewTransactionService(s.store.Transactions, s.bus, logger)
	s.meters = service.NewMeterService(s.store.MeterValues, s.bus, logger)
	status := service.NewStatusService(s.store.StatusNotifications, s.cacheStore, s.bus, s.connectors, 0, logger)

	h := handlers.New(stations, s.connectors, authorizer, transactions, s.meters, status, s.bus, logger)
	h.Register(s.dispatcher)

	if cfg.MQTTEnabled {
		publisher := mqtt.NewPublisher(mqtt.PublisherConfig{
			BrokerHost: cfg.MQTTHost,
			BrokerPort: cfg.MQTTPort,
			Username:   cfg.MQTTUsername,
			Password:   cfg.MQTTPassword,
			ClientID:   cfg.MQTTClientID,
		}, logger)
		s.relay = mqtt.NewRelay(publisher, s.bus, logger)
	}

	s.wsServer = ws.NewServer()
	s.setupTransport()

	ops := api.New(s.registry, stations, s.connectors, transactions, status, logger)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      ops.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	return s, nil
}

// setupTransport binds the websocket host callbacks to the dispatcher.
func (s *Server) setupTransport() {
	s.wsServer.SetNewClientHandler(func(ch ws.Channel) {
		s.dispatcher.Connected(&channelTransport{id: ch.ID(), srv: s.wsServer})
	})
	s.wsServer.SetDisconnectedClientHandler(func(ch ws.Channel) {
		s.dispatcher.Disconnected(&channelTransport{id: ch.ID(), srv: s.wsServer})
	})
	s.wsServer.SetMessageHandler(func(ch ws.Channel, data []byte) error {
		return s.dispatcher.HandleMessage(context.Background(), &channelTransport{id: ch.ID(), srv: s.wsServer}, data)
	})
}

// Start launches the websocket host and the HTTP API, and subscribes the
// services to the bus. It returns once everything is listening.
func (s *Server) Start(ctx context.Context) error {
	s.connectors.Start()
	s.idtags.Start()
	s.meters.Start()

	if s.relay != nil {
		s.relay.Start()
	}

	go func() {
		s.logger.Info().Int("port", s.cfg.WSPort).Str("path", s.cfg.WSPath).Msg("websocket host listening")
		s.wsServer.Start(s.cfg.WSPort, s.cfg.WSPath)
	}()

	go func() {
		for err := range s.wsServer.Errors() {
			s.logger.Warn().Err(err).Msg("websocket host error")
		}
	}()

	go func() {
		s.logger.Info().Int("port", s.cfg.HTTPPort).Msg("http api listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("http server failed")
		}
	}()

	return nil
}

// Shutdown stops accepting work, closes every station connection and
// releases the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("http server shutdown failed")
	}

	s.registry.CloseAll()
	s.wsServer.Stop()

	if s.relay != nil {
		s.relay.Stop()
	}
	s.connectors.Stop()
	s.idtags.Stop()
	s.meters.Stop()

	if closer, ok := s.cacheStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("cache close failed")
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
