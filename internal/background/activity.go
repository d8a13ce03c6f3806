package background

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/clawtask/internal/claudecli"
	"github.com/basket/clawtask/internal/shared"
)

const (
	initialActivity      = "starting…"
	toolArgMaxRunes      = 300
	defaultActivityRunes = 80
	ellipsis             = "…"
)

// activityLabel summarizes an assistant step: the first tool call or
// non-blank text block decides. ok is false when the step has neither.
func activityLabel(step *claudecli.AssistantStep, maxText int) (string, bool) {
	if step == nil {
		return "", false
	}
	if maxText <= 0 {
		maxText = defaultActivityRunes
	}
	for _, b := range step.Blocks {
		switch {
		case b.IsToolUse():
			name := b.Name
			if name == "" {
				name = "tool"
			}
			if v := firstInputValue(b.Input); v != "" {
				return fmt.Sprintf("%s(\"%s\")", name, v), true
			}
			return name, true
		case b.IsText():
			text := strings.TrimSpace(b.Text)
			if text != "" {
				return shared.Truncate(text, maxText, ellipsis), true
			}
		}
	}
	return "", false
}

// firstInputValue returns the first non-empty value of a tool input object,
// walking keys in the order the agent emitted them. Strings are returned
// as-is, other values as compact JSON.
func firstInputValue(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return ""
	}
	for dec.More() {
		if _, err := dec.Token(); err != nil {
			return ""
		}
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return ""
		}
		if s, ok := renderValue(v); ok {
			return shared.Truncate(s, toolArgMaxRunes, "")
		}
	}
	return ""
}

func renderValue(v json.RawMessage) (string, bool) {
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return "", false
	}
	switch x := decoded.(type) {
	case nil:
		return "", false
	case string:
		return x, x != ""
	case bool:
		if !x {
			return "", false
		}
		return "true", true
	case json.Number:
		if f, err := x.Float64(); err == nil && f == 0 {
			return "", false
		}
		return x.String(), true
	case []any:
		if len(x) == 0 {
			return "", false
		}
	case map[string]any:
		if len(x) == 0 {
			return "", false
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return "", false
	}
	return buf.String(), true
}
