package jsonrpc

import (
	"encoding/json"

	"github.com/agendo-io/supervisor/internal/adapter"
	"github.com/agendo-io/supervisor/pkg/types"
)

// Map is the pure per-frame mapper for Codex's JSON-RPC notification
// stream: item.started/item.completed/turn.completed/turn.failed plus the
// item/agentMessage/delta and item/commandExecution/outputDelta streaming
// notifications. Responses (an id and no method) never reach Map; the
// adapter consumes those itself via its pending-call table.
func Map(frame []byte) ([]adapter.Event, error) {
	var msg notification
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	if msg.Method == "" {
		return nil, nil
	}

	switch msg.Method {
	case "item.started":
		return mapItemStarted(msg)
	case "item.completed":
		return mapItemCompleted(msg)
	case "item/agentMessage/delta":
		return mapAgentMessageDelta(msg)
	case "item/commandExecution/outputDelta":
		return mapCommandOutputDelta(msg)
	case "turn.completed":
		return mapTurnCompleted(msg)
	case "turn.failed":
		return mapTurnFailed(msg)
	default:
		return nil, nil
	}
}

type notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type item struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Text    string         `json:"text"`
	Command string         `json:"command"`
	Input   map[string]any `json:"input"`
	Output  string         `json:"output"`
	Status  string         `json:"status"`
}

type itemParams struct {
	Item item `json:"item"`
}

type deltaParams struct {
	ItemID string `json:"itemId"`
	Delta  string `json:"delta"`
}

type turnCompletedParams struct {
	Usage struct {
		InputTokens  int     `json:"inputTokens"`
		OutputTokens int     `json:"outputTokens"`
		CostUSD      float64 `json:"costUsd"`
	} `json:"usage"`
	Model    string `json:"model"`
	Duration int64  `json:"durationMs"`
}

type turnFailedParams struct {
	Error string `json:"error"`
}

func mapItemStarted(msg notification) ([]adapter.Event, error) {
	var p itemParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil, err
	}
	switch p.Item.Type {
	case "commandExecution":
		return []adapter.Event{{Type: types.EventAgentToolStart, Payload: types.AgentToolStartPayload{
			ToolUseID: p.Item.ID,
			ToolName:  "bash",
			Input:     map[string]any{"command": p.Item.Command},
		}}}, nil
	default:
		return nil, nil
	}
}

func mapItemCompleted(msg notification) ([]adapter.Event, error) {
	var p itemParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil, err
	}
	switch p.Item.Type {
	case "agentMessage":
		if p.Item.Text == "" {
			return nil, nil
		}
		return []adapter.Event{{Type: types.EventAgentText, Payload: types.AgentTextPayload{Text: p.Item.Text}}}, nil
	case "commandExecution":
		return []adapter.Event{{Type: types.EventAgentToolEnd, Payload: types.AgentToolEndPayload{
			ToolUseID: p.Item.ID,
			Content:   p.Item.Output,
		}}}, nil
	default:
		return nil, nil
	}
}

func mapAgentMessageDelta(msg notification) ([]adapter.Event, error) {
	var p deltaParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil, err
	}
	if p.Delta == "" {
		return nil, nil
	}
	return []adapter.Event{{Type: types.EventAgentTextDelta, Payload: types.AgentTextDeltaPayload{Delta: p.Delta}}}, nil
}

func mapCommandOutputDelta(msg notification) ([]adapter.Event, error) {
	var p deltaParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil, err
	}
	if p.Delta == "" {
		return nil, nil
	}
	return []adapter.Event{{Type: types.EventAgentTextDelta, Payload: types.AgentTextDeltaPayload{Delta: p.Delta}}}, nil
}

func mapTurnCompleted(msg notification) ([]adapter.Event, error) {
	var p turnCompletedParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil, err
	}
	usage := []types.ModelUsage{{
		Model:        p.Model,
		InputTokens:  p.Usage.InputTokens,
		OutputTokens: p.Usage.OutputTokens,
		CostUsd:      p.Usage.CostUSD,
	}}
	return []adapter.Event{{Type: types.EventAgentResult, Payload: types.AgentResultPayload{
		CostUsd:    p.Usage.CostUSD,
		DurationMs: p.Duration,
		IsError:    false,
		ModelUsage: usage,
	}}}, nil
}

func mapTurnFailed(msg notification) ([]adapter.Event, error) {
	var p turnFailedParams
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		return nil, err
	}
	return []adapter.Event{
		{Type: types.EventSystemError, Payload: types.SystemErrorPayload{Message: p.Error}},
		{Type: types.EventAgentResult, Payload: types.AgentResultPayload{IsError: true}},
	}, nil
}
