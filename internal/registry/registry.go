// Package registry tracks which transport currently serves each station and
// queues outbound messages for stations that are not reachable. Replies must
// still be attempted after the socket that originated a request is gone
// (reconnect races), so delivery is best effort and queued messages are
// flushed on the next bind.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Transport is a live connection to a station.
type Transport interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Status of a station binding.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
)

// Connection is a point-in-time snapshot of one binding.
type Connection struct {
	StationID string    `json:"stationId"`
	Status    Status    `json:"status"`
	LastSeen  time.Time `json:"lastSeen"`
	Queued    int       `json:"queued"`
}

type binding struct {
	stationID string
	transport Transport
	status    Status
	lastSeen  time.Time
	queue     [][]byte
}

// Registry maps station identities to their bindings. All mutations are
// atomic per station id; the single mutex only guards the map and the
// per-binding fields, never I/O beyond a queue flush.
type Registry struct {
	logger zerolog.Logger

	mu       sync.Mutex
	bindings map[string]*binding
}

// New creates an empty registry.
func New(logger zerolog.Logger) *Registry {
	return &Registry{
		logger:   logger.With().Str("component", "registry").Logger(),
		bindings: make(map[string]*binding),
	}
}

// Bind associates a station with a transport. An existing binding has its
// transport replaced and its queue flushed; delivery stops at the first
// failure, which marks the binding disconnected again with the undelivered
// messages still queued.
func (r *Registry) Bind(stationID string, transport Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.bindings[stationID]
	if !ok {
		r.bindings[stationID] = &binding{
			stationID: stationID,
			transport: transport,
			status:    StatusConnected,
			lastSeen:  now,
		}
		r.logger.Info().Str("stationId", stationID).Msg("station bound")
		return
	}

	b.transport = transport
	b.status = StatusConnected
	b.lastSeen = now
	r.flushLocked(b)
}

// flushLocked delivers queued messages in arrival order. Caller holds r.mu.
func (r *Registry) flushLocked(b *binding) {
	for len(b.queue) > 0 {
		msg := b.queue[0]
		if err := b.transport.Send(msg); err != nil {
			r.logger.Warn().Err(err).
				Str("stationId", b.stationID).
				Int("queued", len(b.queue)).
				Msg("queue flush failed, disconnecting binding")
			b.status = StatusDisconnected
			b.transport = nil
			return
		}
		b.queue = b.queue[1:]
	}
}

// Unbind marks the station disconnected and drops the transport handle.
// Queued messages are kept for the next bind.
func (r *Registry) Unbind(stationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[stationID]
	if !ok {
		return
	}
	b.status = StatusDisconnected
	b.transport = nil
	b.lastSeen = time.Now()
	r.logger.Info().Str("stationId", stationID).Msg("station unbound")
}

// Enqueue appends a message to the station's outbound queue. Messages for
// unknown stations are silently dropped.
func (r *Registry) Enqueue(stationID string, message []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[stationID]
	if !ok {
		return
	}
	b.queue = append(b.queue, message)
}

// Send delivers a message over the station's live transport. When the
// station is disconnected or delivery fails, the message is queued instead
// and the binding is marked disconnected; Send never reports the failure to
// the caller beyond the returned flag.
func (r *Registry) Send(stationID string, message []byte) (delivered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[stationID]
	if !ok {
		return false
	}
	if b.status != StatusConnected || b.transport == nil {
		b.queue = append(b.queue, message)
		return false
	}
	if err := b.transport.Send(message); err != nil {
		r.logger.Warn().Err(err).Str("stationId", stationID).Msg("delivery failed, queueing message")
		b.status = StatusDisconnected
		b.transport = nil
		b.queue = append(b.queue, message)
		return false
	}
	b.lastSeen = time.Now()
	return true
}

// Get returns a snapshot of the station's binding.
func (r *Registry) Get(stationID string) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[stationID]
	if !ok {
		return Connection{}, false
	}
	return snapshot(b), true
}

// Connections returns snapshots of every binding.
func (r *Registry) Connections() []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Connection, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, snapshot(b))
	}
	return out
}

// CloseAll disconnects every live transport. Queues are kept.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.bindings {
		if b.transport != nil {
			if err := b.transport.Close(); err != nil {
				r.logger.Warn().Err(err).Str("stationId", b.stationID).Msg("error closing transport")
			}
		}
		b.status = StatusDisconnected
		b.transport = nil
	}
}

func snapshot(b *binding) Connection {
	return Connection{
		StationID: b.stationID,
		Status:    b.status,
		LastSeen:  b.lastSeen,
		Queued:    len(b.queue),
	}
}
