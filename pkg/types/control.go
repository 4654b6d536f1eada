package types

// ControlType discriminates an inbound AgendoControl message.
type ControlType string

const (
	ControlCancel           ControlType = "cancel"
	ControlInterrupt        ControlType = "interrupt"
	ControlMessage          ControlType = "message"
	ControlRedirect         ControlType = "redirect"
	ControlToolApproval     ControlType = "tool-approval"
	ControlToolResult       ControlType = "tool-result"
	ControlAnswerQuestion   ControlType = "answer-question"
	ControlSetPermissionMode ControlType = "set-permission-mode"
	ControlSetModel         ControlType = "set-model"
)

// ApprovalDecision is the user's answer to a pending tool-approval request.
type ApprovalDecision string

const (
	DecisionAllow        ApprovalDecision = "allow"
	DecisionAllowSession ApprovalDecision = "allow-session"
	DecisionDeny         ApprovalDecision = "deny"
)

// AgendoControl is the inbound discriminated union accepted on
// control:<sessionId>. Only the fields relevant to Type are populated.
type AgendoControl struct {
	Type ControlType `json:"type"`

	// message
	Text     string `json:"text,omitempty"`
	ImageRef string `json:"imageRef,omitempty"`

	// redirect
	NewPrompt string `json:"newPrompt,omitempty"`

	// tool-approval
	ApprovalID          string           `json:"approvalId,omitempty"`
	Decision            ApprovalDecision `json:"decision,omitempty"`
	UpdatedInput        map[string]any   `json:"updatedInput,omitempty"`
	PostApprovalMode    string           `json:"postApprovalMode,omitempty"`
	PostApprovalCompact bool             `json:"postApprovalCompact,omitempty"`
	ClearContextRestart bool             `json:"clearContextRestart,omitempty"`

	// tool-result
	ToolUseID string `json:"toolUseId,omitempty"`
	Content   string `json:"content,omitempty"`

	// answer-question
	RequestID string            `json:"requestId,omitempty"`
	Answers   map[string]string `json:"answers,omitempty"`

	// set-permission-mode
	Mode string `json:"mode,omitempty"`

	// set-model
	Model string `json:"model,omitempty"`
}
