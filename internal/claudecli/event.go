package claudecli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a stream-json line.
type Kind int

const (
	KindOther Kind = iota
	KindAssistant
	KindResult
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindAssistant:
		return "assistant"
	case KindResult:
		return "result"
	case KindSystem:
		return "system"
	default:
		return "other"
	}
}

const subtypeExecutionError = "error_during_execution"

// Event is one parsed line of claude stream-json output. Exactly one of
// Assistant and Result is set, matching Kind.
type Event struct {
	Kind    Kind
	Type    string
	Subtype string

	Assistant *AssistantStep
	Result    *ResultEvent

	// Raw is the original line. Empty for synthetic events.
	Raw json.RawMessage
}

// AssistantStep holds the content blocks of one assistant message, in order.
type AssistantStep struct {
	Blocks []ContentBlock
}

// ContentBlock is a tool invocation (Type "tool_use") or a text block.
type ContentBlock struct {
	Type  string
	Name  string
	Input json.RawMessage // object with keys in emitted order
	Text  string
}

func (b ContentBlock) IsToolUse() bool { return b.Type == "tool_use" }
func (b ContentBlock) IsText() bool    { return b.Type == "text" }

// ResultEvent is the terminal outcome of one claude run.
type ResultEvent struct {
	Text         string
	IsError      bool
	Subtype      string
	DurationMS   int64
	NumTurns     int
	TotalCostUSD float64
	SessionID    string
	Synthetic    bool
}

// IsResult reports whether e is a result event.
func (e Event) IsResult() bool { return e.Kind == KindResult && e.Result != nil }

type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

type assistantLine struct {
	Message struct {
		Content []json.RawMessage `json:"content"`
	} `json:"message"`
}

type blockLine struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
	Text  string          `json:"text"`
}

type resultLine struct {
	Result       string  `json:"result"`
	IsError      bool    `json:"is_error"`
	DurationMS   int64   `json:"duration_ms"`
	NumTurns     int     `json:"num_turns"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
}

var errNotObject = errors.New("event is not a JSON object")

// ParseEvent decodes one stream-json line. Lines that are not JSON objects
// return an error; malformed optional fields are tolerated.
func ParseEvent(line []byte) (Event, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{}, errNotObject
	}
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Event{}, fmt.Errorf("decode event envelope: %w", err)
	}
	ev := Event{
		Type:    env.Type,
		Subtype: env.Subtype,
		Raw:     append(json.RawMessage(nil), line...),
	}

	switch env.Type {
	case "assistant":
		ev.Kind = KindAssistant
		ev.Assistant = parseAssistant(line)
	case "result":
		ev.Kind = KindResult
		var r resultLine
		// Fields with unexpected types leave the zero value.
		_ = json.Unmarshal(line, &r)
		ev.Result = &ResultEvent{
			Text:         r.Result,
			IsError:      r.IsError || env.Subtype == subtypeExecutionError,
			Subtype:      env.Subtype,
			DurationMS:   r.DurationMS,
			NumTurns:     r.NumTurns,
			TotalCostUSD: r.TotalCostUSD,
			SessionID:    r.SessionID,
		}
	case "system":
		ev.Kind = KindSystem
	default:
		ev.Kind = KindOther
	}
	return ev, nil
}

func parseAssistant(line []byte) *AssistantStep {
	step := &AssistantStep{}
	var a assistantLine
	if err := json.Unmarshal(line, &a); err != nil {
		return step
	}
	for _, raw := range a.Message.Content {
		var b blockLine
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		step.Blocks = append(step.Blocks, ContentBlock{
			Type:  b.Type,
			Name:  b.Name,
			Input: b.Input,
			Text:  b.Text,
		})
	}
	return step
}

// SyntheticResult builds an error result that did not come from the process.
func SyntheticResult(text string) Event {
	return Event{
		Kind: KindResult,
		Type: "result",
		Result: &ResultEvent{
			Text:      text,
			IsError:   true,
			Synthetic: true,
		},
	}
}
