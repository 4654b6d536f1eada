package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/pkg/types"
)

// permissionSettingAdapter additionally implements PermissionModeSetter /
// ModelSetter so the in-place path can be exercised without a restart.
type permissionSettingAdapter struct {
	fakeAdapter
	setModeErr  error
	setModeCalls []string
	setModel    []string
}

func (a *permissionSettingAdapter) SetPermissionMode(ctx context.Context, mode string) error {
	a.setModeCalls = append(a.setModeCalls, mode)
	return a.setModeErr
}

func (a *permissionSettingAdapter) SetModel(ctx context.Context, model string) error {
	a.setModel = append(a.setModel, model)
	return nil
}

var (
	_ adapter.PermissionModeSetter = (*permissionSettingAdapter)(nil)
	_ adapter.ModelSetter          = (*permissionSettingAdapter)(nil)
)

func TestHandleSetPermissionModeInPlaceWhenSupported(t *testing.T) {
	store := newFakeStore()
	ad := &permissionSettingAdapter{}
	p := newTestProcess(t, store, &ad.fakeAdapter)
	p.ad = ad
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi", PermissionMode: "default"}))

	err := p.handleSetPermissionMode(context.Background(), types.AgendoControl{Mode: "acceptEdits"})
	require.NoError(t, err)

	assert.Equal(t, []string{"acceptEdits"}, ad.setModeCalls)
	assert.Equal(t, 0, ad.terminateCalls, "an in-place setter must not restart the process")
	p.mu.Lock()
	mode, restart := p.permissionMode, p.modeChangeRestart
	p.mu.Unlock()
	assert.Equal(t, "acceptEdits", mode)
	assert.False(t, restart)
}

func TestHandleSetPermissionModeRestartsWhenUnsupported(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi", PermissionMode: "default"}))

	err := p.handleSetPermissionMode(context.Background(), types.AgendoControl{Mode: "plan"})
	require.NoError(t, err)
	defer p.cancelSigkillTimer()

	p.mu.Lock()
	mode, restart := p.permissionMode, p.modeChangeRestart
	p.mu.Unlock()
	assert.Equal(t, "plan", mode)
	assert.True(t, restart, "an adapter without PermissionModeSetter must arm a restart")
	assert.Equal(t, 1, ad.terminateCalls)
}

func TestHandleSetModelRestartsWhenUnsupported(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	err := p.handleSetModel(context.Background(), types.AgendoControl{Model: "opus"})
	require.NoError(t, err)
	defer p.cancelSigkillTimer()

	p.mu.Lock()
	model, restart := p.model, p.modeChangeRestart
	p.mu.Unlock()
	assert.Equal(t, "opus", model)
	assert.True(t, restart)
	assert.Equal(t, 1, ad.terminateCalls)
}

func TestHandleToolApprovalResolvesPendingCheckerEntry(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	_, resCh := p.checker.Request("approval-1", "Bash", map[string]any{"command": "ls"})

	err := p.handleToolApproval(context.Background(), types.AgendoControl{
		ApprovalID: "approval-1",
		Decision:   types.DecisionAllow,
	})
	require.NoError(t, err)

	select {
	case res := <-resCh:
		assert.Equal(t, string(types.DecisionAllow), res.Decision)
	default:
		t.Fatal("approval was not resolved synchronously")
	}
}

func TestHandleToolApprovalUnknownIDIsANoop(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	err := p.handleToolApproval(context.Background(), types.AgendoControl{
		ApprovalID: "does-not-exist",
		Decision:   types.DecisionAllow,
	})
	assert.NoError(t, err)
}

func TestHandleAnswerQuestionPushesEncodedAnswers(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))
	p.mu.Lock()
	p.pendingHumanResponseIds["req-1"] = true
	p.mu.Unlock()

	err := p.handleAnswerQuestion(context.Background(), types.AgendoControl{
		RequestID: "req-1",
		Answers:   map[string]string{"q1": "yes"},
	})
	require.NoError(t, err)
}

func TestDoClearContextRestartArmsFlagAndClearsSessionRef(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi", ResumeRef: ""}))
	p.mu.Lock()
	p.sessionRef = "ref-123"
	p.mu.Unlock()
	defer p.cancelSigkillTimer()

	err := p.doClearContextRestart(context.Background(), "Implement the plan.", "acceptEdits")
	require.NoError(t, err)

	p.mu.Lock()
	restart, ref := p.clearContextRestart, p.sessionRef
	p.mu.Unlock()
	assert.True(t, restart)
	assert.Empty(t, ref)
	assert.Equal(t, 1, ad.terminateCalls)
}

func TestBuildClearContextPromptReadsPlanFile(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)

	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("1. do the thing"), 0644))
	p.mu.Lock()
	p.planFilePath = &planPath
	p.mu.Unlock()

	prompt, err := p.buildClearContextPrompt()
	require.NoError(t, err)
	assert.Contains(t, prompt, "1. do the thing")
}

func TestBuildClearContextPromptErrorsWithoutCapturedPlan(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)

	_, err := p.buildClearContextPrompt()
	assert.Error(t, err)
}

func TestOnControlUnknownTypeErrors(t *testing.T) {
	store := newFakeStore()
	ad := &fakeAdapter{}
	p := newTestProcess(t, store, ad)
	require.NoError(t, p.Start(context.Background(), StartOptions{Prompt: "hi"}))

	err := p.OnControl(context.Background(), types.AgendoControl{Type: types.ControlType("bogus")})
	assert.Error(t, err)
}
