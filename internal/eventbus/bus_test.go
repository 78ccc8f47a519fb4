package eventbus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRequest struct {
	Correlation
	Question string
}

type testResponse struct {
	Correlation
	Answer string
}

func newTestBus() *Bus {
	return New(zerolog.Nop())
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := newTestBus()

	var got []string
	bus.Subscribe("greeting", func(payload interface{}) {
		got = append(got, "first:"+payload.(string))
	})
	bus.Subscribe("greeting", func(payload interface{}) {
		got = append(got, "second:"+payload.(string))
	})

	bus.Publish("greeting", "hello")

	assert.Equal(t, []string{"first:hello", "second:hello"}, got)
}

func TestPublishWithoutSubscribersIsNoop(t *testing.T) {
	bus := newTestBus()
	bus.Publish("nobody.listens", "hello")
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := newTestBus()

	calls := 0
	sub := bus.Subscribe("tick", func(payload interface{}) { calls++ })

	bus.Publish("tick", nil)
	sub.Cancel()
	bus.Publish("tick", nil)
	sub.Cancel() // second cancel is a no-op

	assert.Equal(t, 1, calls)
}

func TestSubscriberMayPublishFromHandler(t *testing.T) {
	bus := newTestBus()

	var answered bool
	bus.Subscribe("question", func(payload interface{}) {
		bus.Publish("answer", "forty-two")
	})
	bus.Subscribe("answer", func(payload interface{}) {
		answered = true
	})

	bus.Publish("question", nil)
	assert.True(t, answered)
}

func TestRequestReplyResolvesWithMatchingResponse(t *testing.T) {
	bus := newTestBus()

	bus.Subscribe("math.requested", func(payload interface{}) {
		req := payload.(*testRequest)
		resp := &testResponse{Answer: "4"}
		resp.SetCorrelationID(req.CorrelationID())
		bus.Publish("math.resolved", resp)
	})

	res, ok := bus.RequestReply(Request{
		RequestType:  "math.requested",
		Payload:      &testRequest{Question: "2+2"},
		ResponseType: "math.resolved",
		Timeout:      time.Second,
	})
	require.True(t, ok)
	assert.Equal(t, "4", res.(*testResponse).Answer)
}

func TestRequestReplyGeneratesCorrelationID(t *testing.T) {
	bus := newTestBus()

	var seen string
	bus.Subscribe("id.requested", func(payload interface{}) {
		req := payload.(*testRequest)
		seen = req.CorrelationID()
		resp := &testResponse{}
		resp.SetCorrelationID(seen)
		bus.Publish("id.resolved", resp)
	})

	_, ok := bus.RequestReply(Request{
		RequestType:  "id.requested",
		Payload:      &testRequest{},
		ResponseType: "id.resolved",
		Timeout:      time.Second,
	})
	require.True(t, ok)
	assert.NotEmpty(t, seen)
}

func TestRequestReplyIgnoresForeignResponses(t *testing.T) {
	bus := newTestBus()

	bus.Subscribe("mixed.requested", func(payload interface{}) {
		req := payload.(*testRequest)

		foreign := &testResponse{Answer: "wrong"}
		foreign.SetCorrelationID("someone-else")
		bus.Publish("mixed.resolved", foreign)

		mine := &testResponse{Answer: "right"}
		mine.SetCorrelationID(req.CorrelationID())
		bus.Publish("mixed.resolved", mine)
	})

	res, ok := bus.RequestReply(Request{
		RequestType:  "mixed.requested",
		Payload:      &testRequest{},
		ResponseType: "mixed.resolved",
		Timeout:      time.Second,
	})
	require.True(t, ok)
	assert.Equal(t, "right", res.(*testResponse).Answer)
}

func TestRequestReplyResolvesExactlyOnce(t *testing.T) {
	bus := newTestBus()

	bus.Subscribe("dup.requested", func(payload interface{}) {
		req := payload.(*testRequest)
		for i := 0; i < 3; i++ {
			resp := &testResponse{Answer: "same"}
			resp.SetCorrelationID(req.CorrelationID())
			bus.Publish("dup.resolved", resp)
		}
	})

	res, ok := bus.RequestReply(Request{
		RequestType:  "dup.requested",
		Payload:      &testRequest{},
		ResponseType: "dup.resolved",
		Timeout:      time.Second,
	})
	require.True(t, ok)
	assert.Equal(t, "same", res.(*testResponse).Answer)
}

func TestRequestReplyTimesOutWithoutResponder(t *testing.T) {
	bus := newTestBus()

	start := time.Now()
	res, ok := bus.RequestReply(Request{
		RequestType:  "void.requested",
		Payload:      &testRequest{},
		ResponseType: "void.resolved",
		Timeout:      50 * time.Millisecond,
	})
	assert.False(t, ok)
	assert.Nil(t, res)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestRequestReplyCustomMatcher(t *testing.T) {
	bus := newTestBus()

	bus.Subscribe("tagged.requested", func(payload interface{}) {
		resp := &testResponse{Answer: "match-me"}
		bus.Publish("tagged.resolved", resp)
	})

	res, ok := bus.RequestReply(Request{
		RequestType:  "tagged.requested",
		Payload:      &testRequest{},
		ResponseType: "tagged.resolved",
		Matcher: func(payload interface{}) bool {
			resp, ok := payload.(*testResponse)
			return ok && resp.Answer == "match-me"
		},
		Timeout: time.Second,
	})
	require.True(t, ok)
	assert.Equal(t, "match-me", res.(*testResponse).Answer)
}
