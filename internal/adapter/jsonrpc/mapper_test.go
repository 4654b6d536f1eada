package jsonrpc

import (
	"testing"

	"github.com/agendo-io/supervisor/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestMapItemStartedCommandExecution(t *testing.T) {
	frame := []byte(`{"method":"item.started","params":{"item":{"id":"i1","type":"commandExecution","command":"ls -la"}}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventAgentToolStart, events[0].Type)
	payload := events[0].Payload.(types.AgentToolStartPayload)
	require.Equal(t, "i1", payload.ToolUseID)
	require.Equal(t, "bash", payload.ToolName)
	require.Equal(t, "ls -la", payload.Input["command"])
}

func TestMapItemStartedOtherTypeIgnored(t *testing.T) {
	frame := []byte(`{"method":"item.started","params":{"item":{"id":"i1","type":"agentMessage"}}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestMapItemCompleted(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  types.EventType
		empty bool
	}{
		{
			name:  "agent message",
			frame: `{"method":"item.completed","params":{"item":{"id":"i1","type":"agentMessage","text":"done"}}}`,
			want:  types.EventAgentText,
		},
		{
			name:  "agent message empty text dropped",
			frame: `{"method":"item.completed","params":{"item":{"id":"i1","type":"agentMessage","text":""}}}`,
			empty: true,
		},
		{
			name:  "command execution",
			frame: `{"method":"item.completed","params":{"item":{"id":"i1","type":"commandExecution","output":"total 0"}}}`,
			want:  types.EventAgentToolEnd,
		},
		{
			name:  "unrecognized item type",
			frame: `{"method":"item.completed","params":{"item":{"id":"i1","type":"fileChange"}}}`,
			empty: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, err := Map([]byte(tc.frame))
			require.NoError(t, err)
			if tc.empty {
				require.Nil(t, events)
				return
			}
			require.Len(t, events, 1)
			require.Equal(t, tc.want, events[0].Type)
		})
	}
}

func TestMapAgentMessageDelta(t *testing.T) {
	frame := []byte(`{"method":"item/agentMessage/delta","params":{"itemId":"i1","delta":"chunk"}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventAgentTextDelta, events[0].Type)
	payload := events[0].Payload.(types.AgentTextDeltaPayload)
	require.Equal(t, "chunk", payload.Delta)
}

func TestMapAgentMessageDeltaEmptyDropped(t *testing.T) {
	frame := []byte(`{"method":"item/agentMessage/delta","params":{"itemId":"i1","delta":""}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestMapCommandOutputDelta(t *testing.T) {
	frame := []byte(`{"method":"item/commandExecution/outputDelta","params":{"itemId":"i1","delta":"more output"}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventAgentTextDelta, events[0].Type)
}

func TestMapTurnCompleted(t *testing.T) {
	frame := []byte(`{"method":"turn.completed","params":{"usage":{"inputTokens":10,"outputTokens":5,"costUsd":0.01},"model":"gpt-5-codex","durationMs":2000}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventAgentResult, events[0].Type)
	payload := events[0].Payload.(types.AgentResultPayload)
	require.Equal(t, 0.01, payload.CostUsd)
	require.Equal(t, int64(2000), payload.DurationMs)
	require.False(t, payload.IsError)
	require.Len(t, payload.ModelUsage, 1)
	require.Equal(t, "gpt-5-codex", payload.ModelUsage[0].Model)
}

func TestMapTurnFailed(t *testing.T) {
	frame := []byte(`{"method":"turn.failed","params":{"error":"boom"}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, types.EventSystemError, events[0].Type)
	errPayload := events[0].Payload.(types.SystemErrorPayload)
	require.Equal(t, "boom", errPayload.Message)
	require.Equal(t, types.EventAgentResult, events[1].Type)
	resultPayload := events[1].Payload.(types.AgentResultPayload)
	require.True(t, resultPayload.IsError)
}

func TestMapUnknownMethodIgnored(t *testing.T) {
	events, err := Map([]byte(`{"method":"some.other.notification","params":{}}`))
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestMapRequestResponseFramesIgnored(t *testing.T) {
	// A response frame carries an id and no "method"; it is left for the
	// adapter's pending-call table, so Map yields nothing for it.
	events, err := Map([]byte(`{"id":1,"result":{}}`))
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestMapMalformedFrameErrors(t *testing.T) {
	_, err := Map([]byte(`not json`))
	require.Error(t, err)
}
