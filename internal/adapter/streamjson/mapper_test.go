package streamjson

import (
	"testing"

	"github.com/agendo-io/supervisor/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestMapSessionInit(t *testing.T) {
	frame := []byte(`{"type":"system","subtype":"init","session_id":"sess-1","slash_commands":["compact"],"mcp_servers":[{"name":"jira","status":"connected"}],"model":"claude-opus","cwd":"/work","tools":["Bash","Read"],"permissionMode":"default"}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventSessionInit, events[0].Type)
	payload, ok := events[0].Payload.(types.SessionInitPayload)
	require.True(t, ok)
	require.Equal(t, "sess-1", payload.SessionRef)
	require.Equal(t, []string{"jira"}, payload.McpServers)
	require.Equal(t, "claude-opus", payload.Model)
}

func TestMapSystemUnknownSubtypeIgnored(t *testing.T) {
	frame := []byte(`{"type":"system","subtype":"something_else"}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestMapRateLimit(t *testing.T) {
	frame := []byte(`{"type":"system","subtype":"rate_limit","message_text":"usage limit reached","retry_at":1999999999}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventSystemRateLimit, events[0].Type)
	payload, ok := events[0].Payload.(types.SystemRateLimitPayload)
	require.True(t, ok)
	require.Equal(t, "usage limit reached", payload.Message)
	require.Equal(t, int64(1999999999), payload.RetryAt)
}

func TestMapCompactBoundary(t *testing.T) {
	frame := []byte(`{"type":"system","subtype":"compact_boundary","message_text":"auto-compacted","pre_compact_tokens":184000}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventSystemInfo, events[0].Type)
	payload, ok := events[0].Payload.(types.SystemInfoPayload)
	require.True(t, ok)
	require.Contains(t, payload.Message, "auto-compacted")
	require.Contains(t, payload.Message, "184000")
}

func TestMapCompactBoundaryDefaultsMessage(t *testing.T) {
	frame := []byte(`{"type":"system","subtype":"compact_boundary","pre_compact_tokens":1000}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	payload := events[0].Payload.(types.SystemInfoPayload)
	require.Contains(t, payload.Message, "Context compacted.")
}

func TestMapAssistantBlocks(t *testing.T) {
	cases := []struct {
		name      string
		frame     string
		wantTypes []types.EventType
	}{
		{
			name:      "text block",
			frame:     `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello"}]}}`,
			wantTypes: []types.EventType{types.EventAgentText},
		},
		{
			name:      "empty text skipped",
			frame:     `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":""}]}}`,
			wantTypes: nil,
		},
		{
			name:      "thinking block",
			frame:     `{"type":"assistant","message":{"role":"assistant","content":[{"type":"thinking","thinking":"pondering"}]}}`,
			wantTypes: []types.EventType{types.EventAgentThinking},
		},
		{
			name:      "tool use block",
			frame:     `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}]}}`,
			wantTypes: []types.EventType{types.EventAgentToolStart},
		},
		{
			name:      "no message is a no-op",
			frame:     `{"type":"assistant"}`,
			wantTypes: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			events, err := Map([]byte(tc.frame))
			require.NoError(t, err)
			require.Len(t, events, len(tc.wantTypes))
			for i, want := range tc.wantTypes {
				require.Equal(t, want, events[i].Type)
			}
		})
	}
}

func TestMapUserToolResult(t *testing.T) {
	frame := []byte(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"output text","is_error":true}]}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventAgentToolEnd, events[0].Type)
	require.True(t, events[0].IsToolErrorResult)
	payload := events[0].Payload.(types.AgentToolEndPayload)
	require.Equal(t, "t1", payload.ToolUseID)
	require.Equal(t, "output text", payload.Content)
}

func TestMapResult(t *testing.T) {
	frame := []byte(`{"type":"result","cost_usd":0.42,"duration_ms":1500,"num_turns":3,"is_error":false,"modelUsage":{"claude-opus":{"input_tokens":100,"output_tokens":50,"cost_usd":0.42}}}`)
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventAgentResult, events[0].Type)
	payload := events[0].Payload.(types.AgentResultPayload)
	require.Equal(t, 0.42, payload.CostUsd)
	require.Equal(t, 3, payload.Turns)
	require.Len(t, payload.ModelUsage, 1)
	require.Equal(t, "claude-opus", payload.ModelUsage[0].Model)
}

func TestMapStreamEventDeltas(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		want  types.EventType
		empty bool
	}{
		{
			name:  "text delta",
			frame: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}}`,
			want:  types.EventAgentTextDelta,
		},
		{
			name:  "thinking delta",
			frame: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}}`,
			want:  types.EventAgentThinkingDelta,
		},
		{
			name:  "empty text delta dropped",
			frame: `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":""}}}`,
			empty: true,
		},
		{
			name:  "non content_block_delta ignored",
			frame: `{"type":"stream_event","event":{"type":"message_start"}}`,
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

func TestMapUnknownFrameTypeIgnored(t *testing.T) {
	events, err := Map([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestMapMalformedFrameErrors(t *testing.T) {
	_, err := Map([]byte(`not json`))
	require.Error(t, err)
}
