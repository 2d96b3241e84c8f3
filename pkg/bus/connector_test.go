package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hivemesh/pkg/hsp"
)

func newConnectedPair(t *testing.T) (*Connector, *Connector) {
	t.Helper()
	broker := NewMemoryBroker()
	a := NewConnector("did:hsp:alpha", broker.Transport())
	b := NewConnector("did:hsp:beta", broker.Transport())
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() {
		_ = a.Disconnect(context.Background())
		_ = b.Disconnect(context.Background())
	})
	return a, b
}

func TestRequestResponse(t *testing.T) {
	a, b := newConnectedPair(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "hsp/tasks/cap-echo", func(ctx context.Context, env *hsp.Envelope) {
		err := b.Respond(ctx, env, hsp.AgentTopic(env.SenderID), hsp.TypePong, hsp.Pong{AgentID: b.AgentID(), Healthy: true})
		assert.NoError(t, err)
	}))

	resp, err := a.Request(ctx, "hsp/tasks/cap-echo", hsp.TypePing, hsp.Ping{}, 2*time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, hsp.PatternResponse, resp.Pattern)

	pong, err := hsp.DecodePayload[hsp.Pong](resp)
	require.NoError(t, err)
	assert.True(t, pong.Healthy)
	assert.Equal(t, "did:hsp:beta", pong.AgentID)
}

func TestRequestCorrelationTimeout(t *testing.T) {
	a, _ := newConnectedPair(t)

	start := time.Now()
	_, err := a.Request(context.Background(), "hsp/tasks/nobody", hsp.TypePing, hsp.Ping{}, 100*time.Millisecond, nil)
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeCorrelationTimeout))
	assert.Less(t, time.Since(start), time.Second)
}

func TestRequestZeroDeadline(t *testing.T) {
	a, _ := newConnectedPair(t)

	_, err := a.Request(context.Background(), "hsp/tasks/nobody", hsp.TypePing, hsp.Ping{}, 0, nil)
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeCorrelationTimeout))
}

func TestRequestCancellationFreesSlot(t *testing.T) {
	a, _ := newConnectedPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := a.Request(ctx, "hsp/tasks/nobody", hsp.TypePing, hsp.Ping{}, 5*time.Second, nil)
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeCancelled))

	a.mu.Lock()
	pending := len(a.pending)
	a.mu.Unlock()
	assert.Zero(t, pending, "cancelled request must free its correlation slot")
}

func TestDuplicateResponseDropped(t *testing.T) {
	a, b := newConnectedPair(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "hsp/tasks/cap-dup", func(ctx context.Context, env *hsp.Envelope) {
		// Respond twice; only the first completes the correlation slot.
		assert.NoError(t, b.Respond(ctx, env, hsp.AgentTopic(env.SenderID), hsp.TypePong, hsp.Pong{AgentID: b.AgentID(), Healthy: true}))
		assert.NoError(t, b.Respond(ctx, env, hsp.AgentTopic(env.SenderID), hsp.TypePong, hsp.Pong{AgentID: b.AgentID(), Healthy: true}))
	}))

	_, err := a.Request(ctx, "hsp/tasks/cap-dup", hsp.TypePing, hsp.Ping{}, 2*time.Second, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return a.Stats().DroppedDuplicate == 1
	}, time.Second, 10*time.Millisecond)
}

func TestLateResponseDroppedAfterTimeout(t *testing.T) {
	a, b := newConnectedPair(t)
	ctx := context.Background()

	gotRequest := make(chan *hsp.Envelope, 1)
	require.NoError(t, b.Subscribe(ctx, "hsp/tasks/cap-slow", func(_ context.Context, env *hsp.Envelope) {
		gotRequest <- env
	}))

	_, err := a.Request(ctx, "hsp/tasks/cap-slow", hsp.TypePing, hsp.Ping{}, 50*time.Millisecond, nil)
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeCorrelationTimeout))

	// The straggler arrives after the slot is gone and must be dropped.
	env := <-gotRequest
	require.NoError(t, b.Respond(ctx, env, hsp.AgentTopic(env.SenderID), hsp.TypePong, hsp.Pong{AgentID: b.AgentID()}))

	assert.Eventually(t, func() bool {
		return a.Stats().DroppedDuplicate == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMalformedInboundDropped(t *testing.T) {
	broker := NewMemoryBroker()
	a := NewConnector("did:hsp:alpha", broker.Transport())
	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	defer a.Disconnect(ctx)

	delivered := make(chan struct{}, 8)
	require.NoError(t, a.Subscribe(ctx, "hsp/facts/test", func(context.Context, *hsp.Envelope) {
		delivered <- struct{}{}
	}))

	raw := broker.Transport()
	require.NoError(t, raw.Connect(ctx))
	require.NoError(t, raw.Publish(ctx, "hsp/facts/test", []byte("not an envelope")))

	assert.Eventually(t, func() bool {
		return a.Stats().DroppedMalformed == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, delivered)
}

func TestSerializedDelivery(t *testing.T) {
	a, b := newConnectedPair(t)
	ctx := context.Background()

	var mu sync.Mutex
	var inFlight, maxInFlight int
	var order []string
	done := make(chan struct{}, 20)

	require.NoError(t, b.Subscribe(ctx, "hsp/facts/serial", func(_ context.Context, env *hsp.Envelope) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		fact, _ := hsp.DecodePayload[hsp.Fact](env)
		mu.Lock()
		order = append(order, fact.FactID)
		inFlight--
		mu.Unlock()
		done <- struct{}{}
	}))

	for _, id := range []string{"f1", "f2", "f3", "f4", "f5"} {
		require.NoError(t, a.Publish(ctx, "hsp/facts/serial", hsp.TypeFact, hsp.PatternPublish, hsp.Fact{
			FactID:        id,
			StatementType: hsp.StatementNaturalLanguage,
			StatementNL:   "x",
			OriginAgentID: a.AgentID(),
			Confidence:    0.5,
		}))
	}

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "serialized handler must never run concurrently")
}

func TestPublishWithAck(t *testing.T) {
	a, b := newConnectedPair(t)
	ctx := context.Background()

	t.Run("acked by receiving connector", func(t *testing.T) {
		require.NoError(t, b.Subscribe(ctx, "hsp/facts/acked", func(context.Context, *hsp.Envelope) {}))

		err := a.PublishWithAck(ctx, "hsp/facts/acked", hsp.TypeFact, hsp.PatternPublish, hsp.Fact{
			FactID:        "f1",
			StatementType: hsp.StatementNaturalLanguage,
			StatementNL:   "x",
			OriginAgentID: a.AgentID(),
			Confidence:    0.5,
		}, 3, 200*time.Millisecond)
		require.NoError(t, err)
	})

	t.Run("nack when nobody acks", func(t *testing.T) {
		err := a.PublishWithAck(ctx, "hsp/facts/void", hsp.TypeFact, hsp.PatternPublish, hsp.Fact{
			FactID:        "f2",
			StatementType: hsp.StatementNaturalLanguage,
			StatementNL:   "x",
			OriginAgentID: a.AgentID(),
			Confidence:    0.5,
		}, 2, 10*time.Millisecond)
		require.Error(t, err)
		assert.True(t, hsp.IsCode(err, hsp.ErrCodeTransport))
		assert.Equal(t, uint64(1), a.Stats().Nacks)
	})
}

func TestDisconnectedFailsFast(t *testing.T) {
	broker := NewMemoryBroker()
	a := NewConnector("did:hsp:alpha", broker.Transport())

	err := a.Publish(context.Background(), "hsp/facts/x", hsp.TypeFact, hsp.PatternPublish, hsp.Fact{
		FactID:        "f1",
		StatementType: hsp.StatementNaturalLanguage,
		StatementNL:   "x",
		OriginAgentID: "did:hsp:alpha",
		Confidence:    0.5,
	})
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeTransport))

	_, err = a.Request(context.Background(), "hsp/tasks/x", hsp.TypePing, hsp.Ping{}, time.Second, nil)
	require.Error(t, err)
	assert.True(t, hsp.IsCode(err, hsp.ErrCodeTransport))
}

func TestConnectDisconnectIdempotent(t *testing.T) {
	broker := NewMemoryBroker()
	a := NewConnector("did:hsp:alpha", broker.Transport())
	ctx := context.Background()

	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.Disconnect(ctx))
	require.NoError(t, a.Disconnect(ctx))
}

func TestExplicitReplyTopic(t *testing.T) {
	a, b := newConnectedPair(t)
	ctx := context.Background()

	require.NoError(t, b.Subscribe(ctx, "hsp/tasks/cap-cb", func(ctx context.Context, env *hsp.Envelope) {
		req, err := hsp.DecodePayload[hsp.TaskRequest](env)
		if !assert.NoError(t, err) {
			return
		}
		assert.NoError(t, b.Respond(ctx, env, req.CallbackTopic, hsp.TypeTaskResult, hsp.TaskResult{
			ResultID:    "res-1",
			RequestID:   req.RequestID,
			AgentID:     b.AgentID(),
			Status:      hsp.TaskStatusSuccess,
			Payload:     []byte(`{"value":5}`),
			CompletedAt: time.Now().UTC(),
		}))
	}))

	callback := hsp.ResultTopic(a.AgentID(), "req-1")
	resp, err := a.Request(ctx, "hsp/tasks/cap-cb", hsp.TypeTaskRequest, hsp.TaskRequest{
		RequestID:            "req-1",
		RequesterID:          a.AgentID(),
		CapabilityNameFilter: "cap-cb",
		Parameters:           map[string]any{"expr": "2+3"},
		CallbackTopic:        callback,
	}, 2*time.Second, &RequestOptions{ReplyTopic: callback})
	require.NoError(t, err)

	result, err := hsp.DecodePayload[hsp.TaskResult](resp)
	require.NoError(t, err)
	assert.Equal(t, hsp.TaskStatusSuccess, result.Status)
	assert.JSONEq(t, `{"value":5}`, string(result.Payload))
}
