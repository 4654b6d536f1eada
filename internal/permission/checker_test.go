package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckerResolve(t *testing.T) {
	c := NewChecker()
	_, resultCh := c.Request("a1", "Bash", map[string]any{"command": "ls"})

	ok := c.Resolve("a1", Resolution{Decision: "allow"})
	require.True(t, ok)

	select {
	case res := <-resultCh:
		assert.Equal(t, "allow", res.Decision)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolution")
	}
	assert.Equal(t, 0, c.Len())
}

func TestCheckerDedupEvictsOlderPendingForSameTool(t *testing.T) {
	c := NewChecker()
	_, first := c.Request("a1", "Bash", nil)
	_, second := c.Request("a2", "Bash", nil)

	select {
	case res := <-first:
		assert.Equal(t, "deny", res.Decision)
	case <-time.After(time.Second):
		t.Fatal("older pending approval was not auto-denied")
	}

	require.Equal(t, 1, c.Len())
	ok := c.Resolve("a2", Resolution{Decision: "allow"})
	require.True(t, ok)
	<-second
}

func TestCheckerResolveUnknownApprovalIsNoop(t *testing.T) {
	c := NewChecker()
	assert.False(t, c.Resolve("missing", Resolution{Decision: "deny"}))
}

func TestCheckerDrainAll(t *testing.T) {
	c := NewChecker()
	_, ch1 := c.Request("a1", "Bash", nil)
	_, ch2 := c.Request("a2", "Read", nil)

	c.DrainAll("deny")

	for _, ch := range []<-chan Resolution{ch1, ch2} {
		select {
		case res := <-ch:
			assert.Equal(t, "deny", res.Decision)
		case <-time.After(time.Second):
			t.Fatal("DrainAll did not resolve a pending approval")
		}
	}
	assert.Equal(t, 0, c.Len())
}
