package mqtt

import (
	"github.com/rs/zerolog"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/service"
)

// eventPublisher is the broker-facing surface the relay drives. *Publisher
// satisfies it.
type eventPublisher interface {
	Connect() error
	PublishEvent(category, id, eventType string, payload interface{})
	Disconnect()
}

// Relay bridges bus events onto broker topics. It only forwards the
// externally interesting lifecycle events; the request/reply channels stay
// in-process.
type Relay struct {
	publisher eventPublisher
	bus       *eventbus.Bus
	logger    zerolog.Logger

	subs []*eventbus.Subscription
}

// NewRelay creates the relay over an already-constructed publisher.
func NewRelay(publisher eventPublisher, bus *eventbus.Bus, logger zerolog.Logger) *Relay {
	return &Relay{
		publisher: publisher,
		bus:       bus,
		logger:    logger.With().Str("component", "mqtt-relay").Logger(),
	}
}

// Start connects the publisher and subscribes the relay to the forwarded
// event types. A connect failure is logged and the relay keeps running;
// the client retries in the background and events published before the
// connection comes up are dropped with a warning.
func (r *Relay) Start() {
	if err := r.publisher.Connect(); err != nil {
		r.logger.Warn().Err(err).Msg("failed to connect to broker, continuing without it")
	}
	r.subs = append(r.subs,
		r.bus.Subscribe(service.EventStationCreated, func(payload interface{}) {
			ev, ok := payload.(*service.StationCreated)
			if !ok || ev.Station == nil {
				return
			}
			r.publisher.PublishEvent("stations", ev.Station.ID, "created", ev.Station)
		}),
		r.bus.Subscribe(service.EventStationUpdated, func(payload interface{}) {
			ev, ok := payload.(*service.StationUpdated)
			if !ok || ev.Station == nil {
				return
			}
			r.publisher.PublishEvent("stations", ev.Station.ID, "updated", ev.Station)
		}),
		r.bus.Subscribe(service.EventTransactionStarted, func(payload interface{}) {
			ev, ok := payload.(*service.TransactionStarted)
			if !ok || ev.Transaction == nil {
				return
			}
			r.publisher.PublishEvent("transactions", ev.Transaction.ID, "started", ev.Transaction)
		}),
		r.bus.Subscribe(service.EventTransactionStopped, func(payload interface{}) {
			ev, ok := payload.(*service.TransactionStopped)
			if !ok || ev.Transaction == nil {
				return
			}
			r.publisher.PublishEvent("transactions", ev.Transaction.ID, "stopped", ev.Transaction)
		}),
		r.bus.Subscribe(service.EventMeterValueReceived, func(payload interface{}) {
			ev, ok := payload.(*service.MeterValueReceived)
			if !ok {
				return
			}
			r.publisher.PublishEvent("meters", ev.TransactionID, "sample", ev)
		}),
		r.bus.Subscribe(service.EventStatusNotificationReceived, func(payload interface{}) {
			ev, ok := payload.(*service.StatusNotificationReceived)
			if !ok {
				return
			}
			r.publisher.PublishEvent("connectors", ev.StationID, "status", ev)
		}),
	)
	r.logger.Info().Msg("relay started")
}

// Stop cancels the bus subscriptions and disconnects the publisher.
func (r *Relay) Stop() {
	for _, sub := range r.subs {
		sub.Cancel()
	}
	r.subs = nil
	r.publisher.Disconnect()
}
