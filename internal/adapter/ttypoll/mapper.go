package ttypoll

import (
	"encoding/json"
	"strings"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/pkg/types"
)

// pollFrame is the synthetic frame the poll loop hands to Map: the full
// current pane capture plus the suffix appended since the previous poll
// (common case: text only ever grows as the CLI streams its reply).
type pollFrame struct {
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

// buildPollFrame diffs two pane captures into a pollFrame. When the new
// capture is not a simple append (the CLI redrew or scrolled the pane) the
// whole new text is treated as the delta; consumers see a larger-than-usual
// chunk rather than a spurious repeat.
func buildPollFrame(prev, curr string) []byte {
	delta := curr
	if strings.HasPrefix(curr, prev) {
		delta = curr[len(prev):]
	}
	encoded, _ := json.Marshal(pollFrame{Text: curr, Delta: delta})
	return encoded
}

// Map is the pure per-frame mapper for the TTY-poll pane-diff protocol: it
// has no structured message boundaries, so the whole delta since the last
// poll becomes a single agent:text-delta event. The Session Process's
// Activity Tracker batches these the same way it does for the other two
// adapters.
func Map(frame []byte) ([]adapter.Event, error) {
	var f pollFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return nil, err
	}
	if f.Delta == "" {
		return nil, nil
	}
	return []adapter.Event{{Type: types.EventAgentTextDelta, Payload: types.AgentTextDeltaPayload{Delta: f.Delta}}}, nil
}
