package claudecli

import "strings"

// modelAliases maps shorthand names to claude CLI model ids.
var modelAliases = map[string]string{
	"haiku-4.5":  "claude-haiku-4-5-20251001",
	"haiku-4-5":  "claude-haiku-4-5-20251001",
	"sonnet-4.5": "claude-sonnet-4-5",
	"sonnet-4-5": "claude-sonnet-4-5",
	"opus-4.5":   "claude-opus-4-5",
	"opus-4-5":   "claude-opus-4-5",
	"opus-4.6":   "claude-opus-4-6",
	"opus-4-6":   "claude-opus-4-6",
	"sonnet-4.6": "claude-sonnet-4-6",
	"sonnet-4-6": "claude-sonnet-4-6",
}

// ResolveModel strips a "provider/" prefix and expands shorthand aliases.
// An empty model falls back to def. Unknown names pass through.
func ResolveModel(model, def string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = strings.TrimSpace(def)
	}
	if _, rest, ok := strings.Cut(model, "/"); ok {
		model = rest
	}
	if full, ok := modelAliases[model]; ok {
		return full
	}
	return model
}
