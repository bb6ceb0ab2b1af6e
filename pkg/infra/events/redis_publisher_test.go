package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/stylobot-sub006/pkg/types"
)

func TestRedisPublisher_PublishesEnvelope(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := NewRedisPublisher(client, "stylobot:learning")

	ev := VerdictEvent{
		TraceID:        "trace-1",
		SignatureID:    "sig-1",
		BotProbability: 0.9,
		RiskBand:       types.RiskHigh,
		Detectors:      []string{"user_agent"},
		ProcessedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	envelope, err := json.Marshal(RedisMessage{Type: "verdict", Event: payload})
	require.NoError(t, err)

	mock.ExpectPublish("stylobot:learning", envelope).SetVal(1)

	require.NoError(t, p.Publish(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisPublisher_PropagatesError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := NewRedisPublisher(client, "stylobot:learning")

	mock.Regexp().ExpectPublish("stylobot:learning", ".*").SetErr(assert.AnError)

	err := p.Publish(context.Background(), AberrationEvent{SignatureID: "sig-1"})
	assert.Error(t, err)
}

func TestNoopPublisher(t *testing.T) {
	p := NewNoopPublisher()
	assert.NoError(t, p.Publish(context.Background(), VerdictEvent{}))
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, "verdict", VerdictEvent{}.Type())
	assert.Equal(t, "aberration", AberrationEvent{}.Type())
}

func TestRedisMessage_Roundtrip(t *testing.T) {
	payload, err := json.Marshal(AberrationEvent{SignatureID: "sig-1", AberrationScore: 0.8})
	require.NoError(t, err)

	raw, err := json.Marshal(RedisMessage{Type: "aberration", Event: payload})
	require.NoError(t, err)

	var envelope RedisMessage
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.Equal(t, "aberration", envelope.Type)

	var decoded AberrationEvent
	require.NoError(t, json.Unmarshal(envelope.Event, &decoded))
	assert.Equal(t, "sig-1", decoded.SignatureID)
	assert.Equal(t, 0.8, decoded.AberrationScore)
}
