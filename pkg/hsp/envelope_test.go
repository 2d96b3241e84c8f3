package hsp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("did:hsp:alpha", TaskTopic("cap-1"), TypeTaskRequest, PatternRequest, map[string]any{"k": "v"})
	require.NoError(t, err)

	assert.Equal(t, ProtocolVersion, env.ProtocolVersion)
	assert.Equal(t, EnvelopeVersion, env.EnvelopeVersion)
	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, "did:hsp:alpha", env.SenderID)
	assert.Equal(t, "hsp/tasks/cap-1", env.RecipientID)
	assert.Equal(t, PatternRequest, env.Pattern)
	assert.False(t, env.TimestampSent.IsZero())
	assert.JSONEq(t, `{"k":"v"}`, string(env.Payload))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("did:hsp:alpha", "hsp/capabilities/advertisements/all", TypeCapabilityAdvertisement, PatternPublish, CapabilityAdvertisement{
		CapabilityID: "cap-1",
		AgentID:      "did:hsp:alpha",
		Name:         "arithmetic",
		Version:      "1.0",
		Availability: AvailabilityOnline,
	})
	require.NoError(t, err)
	env.QoS = &QoS{Priority: 3, RequiresAck: true}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, decoded.MessageID)
	assert.Equal(t, env.MessageType, decoded.MessageType)
	assert.Equal(t, env.Pattern, decoded.Pattern)
	require.NotNil(t, decoded.QoS)
	assert.Equal(t, 3, decoded.QoS.Priority)
	assert.True(t, decoded.QoS.RequiresAck)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))

	// Full symmetry: encoding the decoded envelope reproduces the wire form.
	data2, err := decoded.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(data2))
}

func TestEnvelopeValidate(t *testing.T) {
	valid := func() *Envelope {
		return &Envelope{
			ProtocolVersion: ProtocolVersion,
			EnvelopeVersion: EnvelopeVersion,
			MessageID:       "msg-1",
			SenderID:        "did:hsp:alpha",
			RecipientID:     "hsp/tasks/cap-1",
			TimestampSent:   time.Now().UTC(),
			MessageType:     TypeTaskRequest,
			Pattern:         PatternRequest,
			Payload:         json.RawMessage(`{}`),
		}
	}

	t.Run("valid request passes", func(t *testing.T) {
		require.NoError(t, valid().Validate())
	})

	t.Run("response requires correlation id", func(t *testing.T) {
		env := valid()
		env.Pattern = PatternResponse
		err := env.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "correlation_id")

		env.CorrelationID = "msg-0"
		require.NoError(t, env.Validate())
	})

	t.Run("acknowledgement requires correlation id", func(t *testing.T) {
		env := valid()
		env.Pattern = PatternAcknowledgement
		require.Error(t, env.Validate())
	})

	t.Run("rejects unknown pattern", func(t *testing.T) {
		env := valid()
		env.Pattern = "gossip"
		require.Error(t, env.Validate())
	})

	t.Run("rejects missing message id", func(t *testing.T) {
		env := valid()
		env.MessageID = ""
		require.Error(t, env.Validate())
	})

	t.Run("rejects out-of-range priority", func(t *testing.T) {
		env := valid()
		env.QoS = &QoS{Priority: 9}
		require.Error(t, env.Validate())
	})
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte("not json"))
	require.Error(t, err)

	_, err = DecodeEnvelope([]byte(`{"message_id":"only"}`))
	require.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	env, err := NewEnvelope("did:hsp:alpha", "hsp/tasks/cap-1", TypeTaskRequest, PatternRequest, TaskRequest{
		RequestID:            "req-1",
		RequesterID:          "did:hsp:alpha",
		CapabilityNameFilter: "arithmetic",
		Parameters:           map[string]any{"expr": "2+3"},
		CallbackTopic:        ResultTopic("did:hsp:alpha", "req-1"),
	})
	require.NoError(t, err)

	req, err := DecodePayload[TaskRequest](env)
	require.NoError(t, err)
	assert.Equal(t, "req-1", req.RequestID)
	assert.Equal(t, "2+3", req.Parameters["expr"])
}

func TestSplitMessageType(t *testing.T) {
	name, version := SplitMessageType(TypeTaskResult)
	assert.Equal(t, "task-result", name)
	assert.Equal(t, "1.0", version)

	name, version = SplitMessageType("bare")
	assert.Equal(t, "bare", name)
	assert.Empty(t, version)
}
