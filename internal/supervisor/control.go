package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/internal/logging"
	"github.com/agendo-io/supervisor/internal/permission"
	"github.com/agendo-io/supervisor/pkg/types"
)

// OnControl dispatches one inbound AgendoControl (spec.md §4.1, §9). Calls
// are serialized through controlMu so two control messages arriving back to
// back (e.g. a tool-approval immediately followed by a cancel) are applied
// in the order they were received rather than racing each other's state
// reads.
func (p *Process) OnControl(ctx context.Context, ctrl types.AgendoControl) error {
	p.controlMu.Lock()
	defer p.controlMu.Unlock()

	switch ctrl.Type {
	case types.ControlCancel:
		p.Cancel(ctx)
		return nil
	case types.ControlInterrupt:
		p.Interrupt(ctx)
		return nil
	case types.ControlMessage:
		return p.PushMessage(ctx, ctrl.Text, ctrl.ImageRef)
	case types.ControlRedirect:
		return p.handleRedirect(ctx, ctrl)
	case types.ControlToolApproval:
		return p.handleToolApproval(ctx, ctrl)
	case types.ControlToolResult:
		return p.PushToolResult(ctx, ctrl.ToolUseID, ctrl.Content)
	case types.ControlAnswerQuestion:
		return p.handleAnswerQuestion(ctx, ctrl)
	case types.ControlSetPermissionMode:
		return p.handleSetPermissionMode(ctx, ctrl)
	case types.ControlSetModel:
		return p.handleSetModel(ctx, ctrl)
	default:
		return fmt.Errorf("onControl: unknown control type %q", ctrl.Type)
	}
}

// handleToolApproval resolves a pending approval per the user's decision
// (spec.md §4.5). An allow-session decision is persisted by
// handleApprovalRequest itself once the Checker delivers the resolution;
// this just forwards the decision into the Checker.
func (p *Process) handleToolApproval(ctx context.Context, ctrl types.AgendoControl) error {
	ok := p.checker.Resolve(ctrl.ApprovalID, toPermissionResolution(ctrl))
	if !ok {
		logging.Info().Str("session_id", p.id).Str("approval_id", ctrl.ApprovalID).
			Msg("tool-approval for unknown or already-resolved request, ignoring")
		return nil
	}

	if ctrl.PostApprovalMode != "" {
		if err := p.handleSetPermissionMode(ctx, types.AgendoControl{Mode: ctrl.PostApprovalMode}); err != nil {
			logging.Warn().Err(err).Str("session_id", p.id).Msg("failed to apply post-approval permission mode")
		}
	}
	if ctrl.ClearContextRestart {
		prompt, err := p.buildClearContextPrompt()
		if err != nil {
			logging.Warn().Err(err).Str("session_id", p.id).Msg("failed to read captured plan file, restarting with empty prompt")
		}
		return p.doClearContextRestart(ctx, prompt, ctrl.PostApprovalMode)
	}
	if ctrl.PostApprovalCompact {
		// /compact is the agent's own slash command (teacher's
		// internal/session/compact.go triggered compaction the same way,
		// by sending the command as if the user typed it); the mapper's
		// system:info compaction-boundary frame closes the loop once the
		// agent actually compacts.
		if err := p.ad.SendMessage(ctx, "/compact", ""); err != nil {
			logging.Warn().Err(err).Str("session_id", p.id).Msg("failed to send post-approval compact command")
		}
	}
	return nil
}

func toPermissionResolution(ctrl types.AgendoControl) permission.Resolution {
	return permission.Resolution{Decision: string(ctrl.Decision), UpdatedInput: ctrl.UpdatedInput}
}

func encodeAnswers(answers map[string]string) (string, error) {
	b, err := json.Marshal(answers)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// handleAnswerQuestion resolves an AskUserQuestion card raised via the
// generic interactive-tool detection path (spec.md §4.3). Unlike a normal
// tool approval this never touches the permission Checker — the pending
// state lives in pendingHumanResponseIds — so it goes straight to
// PushToolResult with the answers JSON-encoded the way the agent's own
// tool_result content would have been.
func (p *Process) handleAnswerQuestion(ctx context.Context, ctrl types.AgendoControl) error {
	content, err := encodeAnswers(ctrl.Answers)
	if err != nil {
		return fmt.Errorf("handleAnswerQuestion: %w", err)
	}
	return p.PushToolResult(ctx, ctrl.RequestID, content)
}

// handleSetPermissionMode applies a new permission mode in place if the
// adapter supports it, otherwise arms a mode-change restart (spec.md §4.1,
// §9 "modeChangeRestart" kill flag).
func (p *Process) handleSetPermissionMode(ctx context.Context, ctrl types.AgendoControl) error {
	if setter, ok := p.ad.(adapter.PermissionModeSetter); ok {
		if err := setter.SetPermissionMode(ctx, ctrl.Mode); err != nil {
			return fmt.Errorf("set permission mode: %w", err)
		}
		p.mu.Lock()
		p.permissionMode = ctrl.Mode
		p.mu.Unlock()
		return p.store.SetPermissionMode(ctx, p.id, ctrl.Mode)
	}

	if err := p.store.SetPermissionMode(ctx, p.id, ctrl.Mode); err != nil {
		return fmt.Errorf("persist permission mode: %w", err)
	}
	p.mu.Lock()
	p.permissionMode = ctrl.Mode
	p.modeChangeRestart = true
	p.mu.Unlock()
	p.emit(ctx, types.EventSystemInfo, types.SystemInfoPayload{
		Message: fmt.Sprintf("Permission mode → %s requires a restart automatically.", ctrl.Mode),
	})
	p.MarkTerminating()
	_ = p.ad.Terminate()
	p.armSigkillEscalation()
	return nil
}

// handleSetModel applies a new model in place if the adapter supports it,
// otherwise arms a mode-change restart the same way permission mode does —
// spec.md §4.1 treats both as "changes that require a fresh process" unless
// the adapter exposes a live setter.
func (p *Process) handleSetModel(ctx context.Context, ctrl types.AgendoControl) error {
	if setter, ok := p.ad.(adapter.ModelSetter); ok {
		if err := setter.SetModel(ctx, ctrl.Model); err != nil {
			return fmt.Errorf("set model: %w", err)
		}
		p.mu.Lock()
		p.model = ctrl.Model
		p.mu.Unlock()
		return p.store.SetModel(ctx, p.id, ctrl.Model)
	}

	if err := p.store.SetModel(ctx, p.id, ctrl.Model); err != nil {
		return fmt.Errorf("persist model: %w", err)
	}
	p.mu.Lock()
	p.model = ctrl.Model
	p.modeChangeRestart = true
	p.mu.Unlock()
	p.MarkTerminating()
	_ = p.ad.Terminate()
	p.armSigkillEscalation()
	return nil
}

// handleRedirect implements a same-process prompt redirect: a follow-up
// message delivered as if it were the session's next turn, distinct from a
// clear-context restart in that sessionRef and history survive.
func (p *Process) handleRedirect(ctx context.Context, ctrl types.AgendoControl) error {
	return p.PushMessage(ctx, ctrl.NewPrompt, "")
}

// buildClearContextPrompt reads the plan file captured when ExitPlanMode
// fired (spec.md §6 plan capture, §8 scenario 5) and wraps it in the new
// initial prompt the cold restart will use.
func (p *Process) buildClearContextPrompt() (string, error) {
	p.mu.Lock()
	path := p.planFilePath
	p.mu.Unlock()
	if path == nil || *path == "" {
		return "", fmt.Errorf("no plan file captured for session %s", p.id)
	}
	content, err := os.ReadFile(*path)
	if err != nil {
		return "", fmt.Errorf("read plan file %s: %w", *path, err)
	}
	return fmt.Sprintf("Implement the following plan:\n\n%s", string(content)), nil
}

// doClearContextRestart implements the clear-context restart path (spec.md
// §4.1, §9 "clearContextRestart" kill flag): clearContextRestart is set
// before Terminate sends any signal, and the session row's sessionRef/
// initialPrompt/permissionMode are rewritten atomically so the next claim
// picks up a cold start rather than a resume.
func (p *Process) doClearContextRestart(ctx context.Context, newPrompt, permissionMode string) error {
	p.mu.Lock()
	if permissionMode == "" {
		permissionMode = p.permissionMode
	}
	p.clearContextRestart = true
	p.sessionRef = ""
	p.mu.Unlock()

	if err := p.store.ClearContextRestart(ctx, p.id, newPrompt, permissionMode); err != nil {
		return fmt.Errorf("clear context restart: %w", err)
	}
	p.emit(ctx, types.EventSystemInfo, types.SystemInfoPayload{
		Message: "Clearing context and restarting from the approved plan.",
	})
	p.MarkTerminating()
	_ = p.ad.Terminate()
	p.armSigkillEscalation()
	return nil
}
