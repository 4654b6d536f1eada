package permission

import "sync"

// Resolution is how a pending approval is answered: either by the user via
// a tool-approval control message, or synthetically by the Approval
// Manager's own dedup-eviction/drain paths.
type Resolution struct {
	Decision     string
	UpdatedInput map[string]any
}

// Pending is one outstanding approval request, identified by ApprovalID.
type Pending struct {
	ApprovalID string
	ToolName   string
	ToolInput  map[string]any

	resultCh chan Resolution
}

// Checker is the Approval Manager's blocking/dedup core (spec.md §4.5): it
// tracks one pending approval per toolName, auto-denying and evicting an
// older pending approval when a new one arrives for the same tool name.
// Grounded on the teacher's permission.Checker, which deduped only by
// request id; the toolName-keyed `pendingByTool` map is SPEC_FULL's
// addition (§C "Per-tool approval dedup").
type Checker struct {
	mu            sync.Mutex
	pending       map[string]*Pending // approvalID -> pending
	pendingByTool map[string]string   // toolName -> approvalID
}

// NewChecker constructs an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		pending:       make(map[string]*Pending),
		pendingByTool: make(map[string]string),
	}
}

// Request registers a new pending approval for toolName, auto-denying and
// evicting any older pending approval for the same tool name (P5). Returns
// the Pending and a channel that receives exactly one Resolution.
func (c *Checker) Request(approvalID, toolName string, toolInput map[string]any) (*Pending, <-chan Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if oldID, ok := c.pendingByTool[toolName]; ok {
		if old, ok := c.pending[oldID]; ok {
			old.resultCh <- Resolution{Decision: "deny"}
			delete(c.pending, oldID)
		}
	}

	p := &Pending{
		ApprovalID: approvalID,
		ToolName:   toolName,
		ToolInput:  toolInput,
		resultCh:   make(chan Resolution, 1),
	}
	c.pending[approvalID] = p
	c.pendingByTool[toolName] = approvalID
	return p, p.resultCh
}

// Resolve delivers a decision for approvalID, if still pending. Returns
// false if no such pending approval exists (already resolved or evicted).
func (c *Checker) Resolve(approvalID string, res Resolution) bool {
	c.mu.Lock()
	p, ok := c.pending[approvalID]
	if ok {
		delete(c.pending, approvalID)
		if c.pendingByTool[p.ToolName] == approvalID {
			delete(c.pendingByTool, p.ToolName)
		}
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.resultCh <- res
	return true
}

// DrainAll resolves every pending approval with decision, used on
// cancel/shutdown so an adapter blocked awaiting a decision can unblock.
func (c *Checker) DrainAll(decision string) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*Pending)
	c.pendingByTool = make(map[string]string)
	c.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- Resolution{Decision: decision}
	}
}

// Len reports the number of approvals currently pending, for tests.
func (c *Checker) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
