package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// inboundSchema describes a chat message sent by a /ws client.
const inboundSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "chat_id":    {"type": "string", "minLength": 1, "maxLength": 128},
    "content":    {"type": "string", "minLength": 1, "maxLength": 32768},
    "message_id": {"type": "string", "maxLength": 128}
  },
  "required": ["content"],
  "additionalProperties": false
}`

// wsInbound is a validated client frame.
type wsInbound struct {
	ChatID    string `json:"chat_id"`
	Content   string `json:"content"`
	MessageID string `json:"message_id"`
}

// InboundValidator checks client frames against inboundSchema.
type InboundValidator struct {
	schema *jsonschema.Schema
}

func NewInboundValidator() (*InboundValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(inboundSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal inbound schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("inbound.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("inbound.json")
	if err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	return &InboundValidator{schema: schema}, nil
}

// Decode validates raw and decodes it.
func (v *InboundValidator) Decode(raw []byte) (wsInbound, error) {
	var msg wsInbound
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which Validate requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return msg, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return msg, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return msg, fmt.Errorf("content is blank")
	}
	return msg, nil
}
