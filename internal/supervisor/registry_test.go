package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterGetUnregister(t *testing.T) {
	r := NewRegistry()
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)

	_, ok := r.Get(p.ID())
	assert.False(t, ok)

	r.Register(p)
	got, ok := r.Get(p.ID())
	require.True(t, ok)
	assert.Same(t, p, got)
	assert.Equal(t, 1, r.Len())

	r.Unregister(p.ID())
	_, ok = r.Get(p.ID())
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestTerminateAllMarksBeforeSignaling(t *testing.T) {
	r := NewRegistry()
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))
	r.Register(p)
	defer p.cancelSigkillTimer()

	r.TerminateAll()

	p.mu.Lock()
	terminating := p.terminateKilled
	p.mu.Unlock()
	assert.True(t, terminating, "TerminateAll must set the kill flag before Terminate races the exit callback")
	assert.Equal(t, 1, ad.terminateCalls)
}

func TestTerminateAllEscalatesToKillAfterGrace(t *testing.T) {
	r := NewRegistry()
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	p.sigkillAfter = 20 * time.Millisecond
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))
	r.Register(p)

	r.TerminateAll()

	require.Eventually(t, func() bool {
		return ad.killCount() == 1
	}, time.Second, 5*time.Millisecond)
}
