package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/internal/logwriter"
	"github.com/agendo-io/supervisor/pkg/types"
)

// fakeAdapter is a minimal adapter.Adapter double: Spawn succeeds
// synchronously, Terminate/Kill just record that they were called, and
// frames/exit are delivered by the test calling the registered callbacks
// directly.
type fakeAdapter struct {
	mu sync.Mutex

	spawnErr      error
	alive         bool
	pid           int
	onData        func(frame []byte)
	onExit        func(code int)
	onThinking    func(thinking bool)
	approvalFn    adapter.ApprovalHandler
	terminateCalls int
	killCalls      int
	interruptCalls int
}

func (a *fakeAdapter) Spawn(ctx context.Context, opts adapter.SpawnOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alive = a.spawnErr == nil
	a.pid = 4242
	return a.spawnErr
}

func (a *fakeAdapter) Resume(ctx context.Context, sessionRef string, opts adapter.SpawnOptions) error {
	return a.Spawn(ctx, opts)
}

func (a *fakeAdapter) SendMessage(ctx context.Context, text, imageRef string) error { return nil }

func (a *fakeAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interruptCalls++
	return nil
}

func (a *fakeAdapter) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alive
}

func (a *fakeAdapter) Terminate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminateCalls++
	return nil
}

func (a *fakeAdapter) Kill() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.killCalls++
	a.alive = false
	return nil
}

func (a *fakeAdapter) PID() int { return a.pid }

func (a *fakeAdapter) OnData(handler func(frame []byte))          { a.onData = handler }
func (a *fakeAdapter) OnExit(handler func(code int))              { a.onExit = handler }
func (a *fakeAdapter) OnThinkingChange(handler func(thinking bool)) { a.onThinking = handler }
func (a *fakeAdapter) SetApprovalHandler(handler adapter.ApprovalHandler) { a.approvalFn = handler }

func (a *fakeAdapter) killCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.killCalls
}

var _ adapter.Adapter = (*fakeAdapter)(nil)

// fakeStore is an in-memory Store double. claimOK/claimErr let a test
// force the atomic-claim outcome.
type fakeStore struct {
	mu sync.Mutex

	claimOK  bool
	claimErr error

	statuses []types.Status
	events   []*types.AgendoEvent
	pid      int
}

func newFakeStore() *fakeStore { return &fakeStore{claimOK: true} }

func (s *fakeStore) Claim(ctx context.Context, sessionID, workerID string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return 0, s.claimOK, s.claimErr
}
func (s *fakeStore) NextEventID(ctx context.Context, sessionID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.events) + 1), nil
}
func (s *fakeStore) InsertEvent(ctx context.Context, ev *types.AgendoEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
func (s *fakeStore) SetStatus(ctx context.Context, sessionID string, status types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}
func (s *fakeStore) SetPID(ctx context.Context, sessionID string, pid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
	return nil
}
func (s *fakeStore) SetHeartbeat(ctx context.Context, sessionID string) error { return nil }
func (s *fakeStore) SetSessionRef(ctx context.Context, sessionID string, ref *string) error {
	return nil
}
func (s *fakeStore) RecordResult(ctx context.Context, sessionID string, addCostUsd float64, addTurns int) error {
	return nil
}
func (s *fakeStore) AddAllowedTool(ctx context.Context, sessionID, toolName string) error {
	return nil
}
func (s *fakeStore) SetPermissionMode(ctx context.Context, sessionID, mode string) error {
	return nil
}
func (s *fakeStore) SetModel(ctx context.Context, sessionID, model string) error { return nil }
func (s *fakeStore) SetPlanFilePath(ctx context.Context, sessionID string, path *string) error {
	return nil
}
func (s *fakeStore) ClearContextRestart(ctx context.Context, sessionID, newPrompt, permissionMode string) error {
	return nil
}
func (s *fakeStore) SetLogFilePath(ctx context.Context, sessionID, path string) error { return nil }

type fakeBus struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	channel string
	msg     any
}

func (b *fakeBus) Publish(ctx context.Context, channel string, msg any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishedMsg{channel, msg})
}

func newTestProcess(t *testing.T, store *fakeStore, ad *fakeAdapter) *Process {
	t.Helper()
	logw, err := logwriter.Open(t.TempDir(), "sess-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = logw.Close() })

	return New("sess-1", Options{
		WorkerID:  "worker-1",
		Store:     store,
		Bus:       &fakeBus{},
		LogWriter: logw,
		Adapter:   ad,
		Mapper:    func(frame []byte) ([]adapter.Event, error) { return nil, nil },
	})
}

func TestStartSkipsWhenClaimLost(t *testing.T) {
	store := newFakeStore()
	store.claimOK = false
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)

	err := p.Start(context.Background(), StartOptions{Prompt: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 0, p.WaitForExit())
	assert.Equal(t, 0, ad.pid, "adapter must never be spawned for a lost claim")
	assert.Empty(t, store.statuses, "a skipped claim must not emit a status transition")
}

func TestStartSpawnsAndRecordsPID(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)

	err := p.Start(context.Background(), StartOptions{Prompt: "hi", PermissionMode: "default"})
	require.NoError(t, err)

	assert.Equal(t, 4242, store.pid)
	assert.True(t, ad.IsAlive())
}

func TestStartEndsSessionOnSpawnFailure(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{spawnErr: assert.AnError}
	p := newTestProcess(t, store, ad)

	err := p.Start(context.Background(), StartOptions{Prompt: "hi"})
	require.NoError(t, err)

	require.NotEmpty(t, store.statuses)
	assert.Equal(t, types.StatusEnded, store.statuses[len(store.statuses)-1])
	assert.Equal(t, -1, p.WaitForExit())
}

func TestInterruptSurvivedTransitionsToAwaitingInput(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	p.Interrupt(context.Background())

	assert.Equal(t, 1, ad.interruptCalls)
	p.mu.Lock()
	interrupted, status := p.interruptKilled, p.status
	p.mu.Unlock()
	assert.False(t, interrupted, "a survived interrupt must not set the kill flag")
	assert.Equal(t, types.StatusAwaitingInput, status)
}

func TestInterruptNotSurvivedSetsKillFlagAndKills(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	ad.mu.Lock()
	ad.alive = false
	ad.mu.Unlock()

	p.Interrupt(context.Background())

	p.mu.Lock()
	interrupted := p.interruptKilled
	p.mu.Unlock()
	assert.True(t, interrupted)
	assert.Equal(t, 1, ad.killCalls)
}

func TestCancelSetsKillFlagAndInterrupts(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	p.Cancel(context.Background())
	defer p.cancelSigkillTimer()

	p.mu.Lock()
	cancelled := p.cancelKilled
	p.mu.Unlock()
	assert.True(t, cancelled)
	assert.Equal(t, 1, ad.interruptCalls)
}

func TestOnExitReportsWaitForExitCode(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	done := make(chan int, 1)
	go func() { done <- p.WaitForExit() }()

	ad.onExit(7)

	select {
	case code := <-done:
		assert.Equal(t, 7, code)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForExit did not resolve after onExit")
	}
}

func TestWaitForSlotReleaseResolvesOnAwaitingInput(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	done := make(chan struct{})
	go func() {
		p.WaitForSlotRelease()
		close(done)
	}()

	p.transitionTo(context.Background(), types.StatusAwaitingInput)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForSlotRelease did not resolve after awaiting_input transition")
	}
}
