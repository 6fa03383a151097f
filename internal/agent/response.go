package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Response is the structured result emitted by `claude --output-format json`.
type Response struct {
	// Result is the free-text final answer.
	Result string

	// Model is the id of the model that served the request.
	Model string

	// StopReason tags how the run terminated (e.g. "success", "end_turn").
	StopReason string

	// IsError mirrors the is_error flag of the result message.
	IsError bool

	Usage TokenUsage

	SessionID  string
	NumTurns   int
	CostUSD    float64
	DurationMS int
}

// TokenUsage is the token breakdown of a response.
type TokenUsage struct {
	InputTokens         int
	OutputTokens        int
	CacheCreationTokens int
	CacheReadTokens     int
}

// message is any object in claude's json/stream-json output.
type message struct {
	Type         string                    `json:"type"`
	Subtype      string                    `json:"subtype"`
	IsError      bool                      `json:"is_error"`
	Result       *string                   `json:"result"`
	Model        string                    `json:"model"`
	StopReason   string                    `json:"stop_reason"`
	SessionID    string                    `json:"session_id"`
	NumTurns     int                       `json:"num_turns"`
	TotalCostUSD float64                   `json:"total_cost_usd"`
	DurationMS   int                       `json:"duration_ms"`
	Usage        *usage                    `json:"usage"`
	ModelUsage   map[string]modelUsageItem `json:"modelUsage"`
}

type usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
}

type modelUsageItem struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ParseResponse parses agent stdout. It accepts a single result object,
// a JSON array of messages (--verbose), or JSON Lines (stream-json); in
// the latter two the last "result" message wins. Anything else is
// reported as ErrMalformedResponse.
func ParseResponse(data []byte) (*Response, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrMalformedResponse)
	}

	msgs, err := decodeMessages(data)
	if err != nil {
		return nil, err
	}

	var result, init *message
	for i := range msgs {
		m := &msgs[i]
		switch m.Type {
		case "result":
			result = m
		case "system":
			if m.Subtype == "init" && init == nil {
				init = m
			}
		}
	}
	if result == nil && len(msgs) == 1 && msgs[0].Type == "" {
		// Older CLIs omit the type on the single result object.
		result = &msgs[0]
	}
	if result == nil {
		return nil, fmt.Errorf("%w: no result message", ErrMalformedResponse)
	}
	if result.Result == nil {
		return nil, fmt.Errorf("%w: result field missing", ErrMalformedResponse)
	}
	if result.Usage == nil {
		return nil, fmt.Errorf("%w: usage field missing", ErrMalformedResponse)
	}

	resp := &Response{
		Result:     *result.Result,
		Model:      result.Model,
		StopReason: result.StopReason,
		IsError:    result.IsError,
		Usage: TokenUsage{
			InputTokens:         result.Usage.InputTokens,
			OutputTokens:        result.Usage.OutputTokens,
			CacheCreationTokens: result.Usage.CacheCreationInputTokens,
			CacheReadTokens:     result.Usage.CacheReadInputTokens,
		},
		SessionID:  result.SessionID,
		NumTurns:   result.NumTurns,
		CostUSD:    result.TotalCostUSD,
		DurationMS: result.DurationMS,
	}
	if resp.Model == "" {
		resp.Model = dominantModel(result.ModelUsage)
	}
	if resp.Model == "" && init != nil {
		resp.Model = init.Model
	}
	if resp.Model == "" {
		resp.Model = "unknown"
	}
	if resp.StopReason == "" {
		resp.StopReason = result.Subtype
	}
	if resp.StopReason == "" {
		resp.StopReason = "unknown"
	}
	return resp, nil
}

func decodeMessages(data []byte) ([]message, error) {
	switch data[0] {
	case '{':
		var m message
		if err := json.Unmarshal(data, &m); err == nil {
			return []message{m}, nil
		}
		return decodeLines(data)
	case '[':
		var msgs []message
		if err := json.Unmarshal(data, &msgs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		return msgs, nil
	default:
		return nil, fmt.Errorf("%w: output is not JSON", ErrMalformedResponse)
	}
}

func decodeLines(data []byte) ([]message, error) {
	var msgs []message
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var m message
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		msgs = append(msgs, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return msgs, nil
}

// dominantModel picks the model with the most output tokens. Ties go to
// the lexically smallest id so the choice is stable.
func dominantModel(usage map[string]modelUsageItem) string {
	if len(usage) == 0 {
		return ""
	}
	ids := make([]string, 0, len(usage))
	for id := range usage {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := ids[0]
	for _, id := range ids[1:] {
		if usage[id].OutputTokens > usage[best].OutputTokens {
			best = id
		}
	}
	return best
}
