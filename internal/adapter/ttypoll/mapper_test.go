package ttypoll

import (
	"testing"

	"github.com/agendo-io/supervisor/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestBuildPollFrameAppend(t *testing.T) {
	frame := buildPollFrame("hello", "hello world")
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	payload := events[0].Payload.(types.AgentTextDeltaPayload)
	require.Equal(t, " world", payload.Delta)
}

func TestBuildPollFrameNoCommonPrefixTreatsWholeTextAsDelta(t *testing.T) {
	frame := buildPollFrame("old screen", "redrawn screen")
	events, err := Map(frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	payload := events[0].Payload.(types.AgentTextDeltaPayload)
	require.Equal(t, "redrawn screen", payload.Delta)
}

func TestMapEmptyDeltaIsANoop(t *testing.T) {
	frame := buildPollFrame("same", "same")
	events, err := Map(frame)
	require.NoError(t, err)
	require.Nil(t, events)
}

func TestMapMalformedFrameErrors(t *testing.T) {
	_, err := Map([]byte(`not json`))
	require.Error(t, err)
}
