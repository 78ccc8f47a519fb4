package ocpp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ocpp-csms/internal/registry"
)

type stubTransport struct {
	id   string
	sent [][]byte
	fail bool
}

func (t *stubTransport) ID() string { return t.id }

func (t *stubTransport) Send(data []byte) error {
	if t.fail {
		return errors.New("socket gone")
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *stubTransport) Close() error { return nil }

func newTestDispatcher() (*Dispatcher, *registry.Registry) {
	reg := registry.New(zerolog.Nop())
	return NewDispatcher(reg, zerolog.Nop()), reg
}

func lastFrame(t *testing.T, tr *stubTransport) []json.RawMessage {
	t.Helper()
	require.NotEmpty(t, tr.sent)
	var elems []json.RawMessage
	require.NoError(t, json.Unmarshal(tr.sent[len(tr.sent)-1], &elems))
	return elems
}

func TestDispatchRoutesToHandlerAndFramesResult(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Handle("Echo", func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error) {
		var body map[string]string
		require.NoError(t, json.Unmarshal(payload, &body))
		return map[string]string{"echo": body["say"]}, nil
	})

	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","Echo",{"say":"hi"}]`)))

	elems := lastFrame(t, tr)
	require.Len(t, elems, 3)
	assert.Equal(t, "3", string(elems[0]))
	assert.Equal(t, `"m1"`, string(elems[1]))
	assert.JSONEq(t, `{"echo":"hi"}`, string(elems[2]))
}

func TestDispatchFramesClassifiedErrors(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Handle("Fail", func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error) {
		return nil, NewNotFound("Transaction not found")
	})

	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","Fail",{}]`)))

	elems := lastFrame(t, tr)
	require.Len(t, elems, 4)
	assert.Equal(t, "4", string(elems[0]))
	assert.Equal(t, `"NotFound"`, string(elems[2]))
}

func TestDispatchDropsMalformedFrames(t *testing.T) {
	d, _ := newTestDispatcher()
	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)

	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`not json at all`)))
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1"]`)))

	assert.Empty(t, tr.sent)
}

func TestDispatchDropsUnknownActions(t *testing.T) {
	d, _ := newTestDispatcher()
	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)

	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","NoSuchAction",{}]`)))
	assert.Empty(t, tr.sent)
}

func TestDispatchContainsHandlerPanic(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Handle("Boom", func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error) {
		panic("kaboom")
	})

	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","Boom",{}]`)))

	elems := lastFrame(t, tr)
	require.Len(t, elems, 4)
	assert.Equal(t, `"InternalError"`, string(elems[2]))

	var desc string
	require.NoError(t, json.Unmarshal(elems[3], &desc))
	assert.NotContains(t, desc, "kaboom")
}

func TestDispatchRegistersUnseenTransport(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Handle("Echo", func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error) {
		return nil, nil
	})

	// No Connected call: the message itself must register the session.
	tr := &stubTransport{id: "ch-1"}
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","Echo",{}]`)))
	require.Len(t, tr.sent, 1)
}

func TestBindStationRegistersInRegistry(t *testing.T) {
	d, reg := newTestDispatcher()
	d.Handle("Hello", func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error) {
		sess.BindStation("station-1")
		return nil, nil
	})

	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","Hello",{}]`)))

	conn, ok := reg.Get("station-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusConnected, conn.Status)
}

func TestReplyFailureQueuesForBoundStation(t *testing.T) {
	d, reg := newTestDispatcher()
	d.Handle("Hello", func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error) {
		sess.BindStation("station-1")
		return nil, nil
	})

	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)
	tr.fail = true
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","Hello",{}]`)))

	conn, ok := reg.Get("station-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusDisconnected, conn.Status)
	assert.Equal(t, 1, conn.Queued)
}

func TestDisconnectedUnbindsStation(t *testing.T) {
	d, reg := newTestDispatcher()
	d.Handle("Hello", func(ctx context.Context, sess *Session, payload json.RawMessage) (interface{}, error) {
		sess.BindStation("station-1")
		return nil, nil
	})

	tr := &stubTransport{id: "ch-1"}
	d.Connected(tr)
	require.NoError(t, d.HandleMessage(context.Background(), tr, []byte(`[2,"m1","Hello",{}]`)))

	d.Disconnected(tr)

	conn, ok := reg.Get("station-1")
	require.True(t, ok)
	assert.Equal(t, registry.StatusDisconnected, conn.Status)
}
