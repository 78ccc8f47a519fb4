package ocpp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/registry"
)

// HandlerFunc processes one action's payload and returns the result
// payload, or an error that Classify maps onto the wire taxonomy.
type HandlerFunc func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error)

// Session is the per-connection context handed to handlers. A session has
// no station identity until a successful boot binds one.
type Session struct {
	transport registry.Transport
	d         *Dispatcher

	mu        sync.Mutex
	stationID string
}

// StationID returns the bound station identity, or "" before boot.
func (s *Session) StationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stationID
}

// BindStation attaches the station identity to this session and registers
// the transport in the connection registry, flushing any queued replies.
func (s *Session) BindStation(stationID string) {
	s.mu.Lock()
	s.stationID = stationID
	s.mu.Unlock()

	s.d.mu.Lock()
	s.d.stations[s.transport.ID()] = stationID
	s.d.mu.Unlock()

	s.d.registry.Bind(stationID, s.transport)
}

// Dispatcher parses inbound frames, routes them to per-action handlers and
// frames the replies. Message ordering per station is inherited from the
// transport: the websocket host invokes HandleMessage synchronously from
// each connection's read loop, so a handler finishes before the next frame
// of the same station is processed.
type Dispatcher struct {
	registry *registry.Registry
	logger   zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sessions map[string]*Session // transport id -> session
	stations map[string]string   // transport id -> station id
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(reg *registry.Registry, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
		handlers: make(map[string]HandlerFunc),
		sessions: make(map[string]*Session),
		stations: make(map[string]string),
	}
}

// Handle registers the handler for an action name.
func (d *Dispatcher) Handle(action string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
}

// Connected tracks a fresh transport. The session stays anonymous until
// BootNotification binds a station.
func (d *Dispatcher) Connected(t registry.Transport) {
	sess := &Session{transport: t, d: d}
	d.mu.Lock()
	d.sessions[t.ID()] = sess
	d.mu.Unlock()
	d.logger.Info().Str("channel", t.ID()).Msg("connection established")
}

// Disconnected releases the session and marks the station disconnected in
// the registry. The outbound queue is kept for a reconnect.
func (d *Dispatcher) Disconnected(t registry.Transport) {
	d.mu.Lock()
	stationID := d.stations[t.ID()]
	delete(d.sessions, t.ID())
	delete(d.stations, t.ID())
	d.mu.Unlock()

	if stationID != "" {
		d.registry.Unbind(stationID)
	}
	d.logger.Info().Str("channel", t.ID()).Str("stationId", stationID).Msg("connection closed")
}

// HandleMessage processes one inbound frame. Unparseable frames and
// unknown actions are logged and dropped without a reply; everything else
// gets a result or error frame over the same framing.
func (d *Dispatcher) HandleMessage(ctx context.Context, t registry.Transport, data []byte) error {
	call, err := ParseCall(data)
	if err != nil {
		d.logger.Error().Err(err).Str("channel", t.ID()).Msg("dropping malformed frame")
		return nil
	}

	d.mu.RLock()
	handler, known := d.handlers[call.Action]
	sess := d.sessions[t.ID()]
	d.mu.RUnlock()

	if sess == nil {
		// Transport seen before Connected fired; register it now.
		d.Connected(t)
		d.mu.RLock()
		sess = d.sessions[t.ID()]
		d.mu.RUnlock()
	}

	if !known {
		d.logger.Warn().Str("action", call.Action).Str("channel", t.ID()).Msg("unknown action received")
		return nil
	}

	d.logger.Info().
		Str("action", call.Action).
		Str("correlationId", call.UniqueID).
		Str("stationId", sess.StationID()).
		Msg("dispatching message")

	result, err := d.invoke(ctx, handler, sess, call.Payload)

	var frame []byte
	var marshalErr error
	if err != nil {
		callErr := Classify(err)
		d.logger.Warn().
			Str("action", call.Action).
			Str("correlationId", call.UniqueID).
			Str("errorCode", string(callErr.Code)).
			Str("description", callErr.Description).
			Msg("handler returned error")
		frame, marshalErr = MarshalError(call.UniqueID, callErr)
	} else {
		frame, marshalErr = MarshalResult(call.UniqueID, result)
	}
	if marshalErr != nil {
		d.logger.Error().Err(marshalErr).Str("action", call.Action).Msg("failed to marshal reply")
		return nil
	}

	d.reply(sess, frame)
	return nil
}

// invoke runs the handler with panic containment; a panicking handler
// yields InternalError instead of tearing down the connection.
func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, sess *Session, payload json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, sess, payload)
}

// reply delivers the frame over the session's transport. Delivery failures
// never surface to the handler: when the station has a registry binding the
// frame is queued for the next reconnect, otherwise it is dropped.
func (d *Dispatcher) reply(sess *Session, frame []byte) {
	if err := sess.transport.Send(frame); err != nil {
		stationID := sess.StationID()
		if stationID == "" {
			d.logger.Warn().Err(err).Str("channel", sess.transport.ID()).Msg("dropping reply for anonymous session")
			return
		}
		d.logger.Warn().Err(err).Str("stationId", stationID).Msg("reply delivery failed, queueing")
		d.registry.Unbind(stationID)
		d.registry.Enqueue(stationID, frame)
	}
}
