package eventbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loopforge/coreloop/pkg/coreloop"
)

func TestEncode_FlattensPayloadAlongsideKindAndTimestamp(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := coreloop.Event{
		Kind:      coreloop.EventAgentOutput,
		Timestamp: ts,
		Payload:   coreloop.AgentOutputPayload{AgentID: "a1", Text: "hello"},
	}

	data, err := Encode(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "agent.output", got["kind"])
	require.Equal(t, "a1", got["agent_id"])
	require.Equal(t, "hello", got["text"])
	require.Contains(t, got, "timestamp")
	_, hasPayloadKey := got["payload"]
	require.False(t, hasPayloadKey, "payload fields should be inlined, not nested")
}

func TestEncode_NilPayloadStillEncodesKindAndTimestamp(t *testing.T) {
	ev := coreloop.Event{Kind: coreloop.EventPlanLoopCompleted, Timestamp: time.Now().UTC()}
	data, err := Encode(ev)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "plan.loop_completed", got["kind"])
}
