package providers

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var errModelName = errors.New("model must be a string or a table with a name")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is the provider-agnostic chat message handed to a Dialect.
// CacheControl is only honoured by dialects that support prompt caching.
type Message struct {
	Role         Role
	Content      string
	CacheControl string
}

// ModelSpec names a model and carries the user-supplied sampling params.
// Bare is set when the model was configured as a plain string; bare models
// skip parameter resolution entirely.
type ModelSpec struct {
	Name   string
	Params map[string]any
	Bare   bool
}

// UnmarshalTOML accepts either `model = "name"` or an inline table
// `model = { name = "...", temperature = 0.7 }`.
func (m *ModelSpec) UnmarshalTOML(v any) error {
	switch t := v.(type) {
	case string:
		m.Name = t
		m.Bare = true
		m.Params = nil
		return nil
	case map[string]any:
		m.Params = map[string]any{}
		for k, val := range t {
			if k == "name" || k == "model" {
				if s, ok := val.(string); ok {
					m.Name = s
				}
				continue
			}
			m.Params[k] = val
		}
		if m.Name == "" {
			return errModelName
		}
		return nil
	default:
		return errModelName
	}
}

// Clone returns a copy whose Params map can be mutated independently.
func (m ModelSpec) Clone() ModelSpec {
	out := ModelSpec{Name: m.Name, Bare: m.Bare}
	if m.Params != nil {
		out.Params = make(map[string]any, len(m.Params))
		for k, v := range m.Params {
			out.Params[k] = v
		}
	}
	return out
}

// Usage is token telemetry reported by a provider. Nil fields mean the
// provider never reported them, which is distinct from a reported zero.
type Usage struct {
	InputTokens         *int `json:"input_tokens,omitempty"`
	OutputTokens        *int `json:"output_tokens,omitempty"`
	CachedTokens        *int `json:"cached_tokens,omitempty"`
	CacheCreationTokens *int `json:"cache_creation_tokens,omitempty"`
}

func (u Usage) IsSet() bool {
	return u.InputTokens != nil || u.OutputTokens != nil || u.CachedTokens != nil || u.CacheCreationTokens != nil
}

// Merge overwrites fields of u with the non-nil fields of other.
func (u *Usage) Merge(other Usage) {
	if other.InputTokens != nil {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens != nil {
		u.OutputTokens = other.OutputTokens
	}
	if other.CachedTokens != nil {
		u.CachedTokens = other.CachedTokens
	}
	if other.CacheCreationTokens != nil {
		u.CacheCreationTokens = other.CacheCreationTokens
	}
}

// Frame is what a single decoded stream line yields.
type Frame struct {
	Content string
	Usage   *Usage
}

// Dialect encodes request bodies for, and decodes stream output from, one
// wire format.
type Dialect interface {
	Name() string
	Encode(messages []Message, model ModelSpec, params map[string]any) (map[string]any, error)
	DecodeLine(line string) Frame
	ExtractUsage(raw string) (Usage, bool)
	FallbackContent(raw string) string
}

type AuthStyle string

const (
	AuthBearer    AuthStyle = "bearer"
	AuthAPIKey    AuthStyle = "api-key"
	AuthAnthropic AuthStyle = "x-api-key"
	AuthURL       AuthStyle = "url"
	AuthNone      AuthStyle = "none"
)

// ProviderSpec is the static description of a provider endpoint.
type ProviderSpec struct {
	Name         string            `toml:"name"`
	Endpoint     string            `toml:"endpoint"`
	Dialect      string            `toml:"dialect"`
	SecretRef    string            `toml:"secret"`
	Auth         AuthStyle         `toml:"auth"`
	Headers      map[string]string `toml:"headers"`
	BodyTemplate string            `toml:"body_template"`
	Disabled     bool              `toml:"disabled"`
}

// ReasoningModelPattern matches model names that take a reasoning effort
// instead of sampling parameters and reject system messages.
const ReasoningModelPattern = `^(o[1-9]|gpt-5)`

var reasoningModel = regexp.MustCompile(ReasoningModelPattern)

func IsReasoningModel(name string) bool {
	return reasoningModel.MatchString(strings.TrimSpace(name))
}

// StripSSE removes the `data:` prefix server-sent-event transports add.
func StripSSE(line string) string {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "data:") {
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	}
	return line
}

// ErrorMessage extracts a provider error message from a raw response body,
// or returns "" when the body carries none.
func ErrorMessage(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "[") {
		var arr []json.RawMessage
		if err := json.Unmarshal([]byte(raw), &arr); err == nil && len(arr) > 0 {
			return ErrorMessage(string(arr[0]))
		}
	}
	var body struct {
		Error any `json:"error"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return ""
	}
	switch e := body.Error.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// AnyToText flattens string or content-part array values into text.
func AnyToText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				if txt, ok := m["text"].(string); ok {
					parts = append(parts, txt)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// IntPtr is a small helper for building Usage values.
func IntPtr(v int) *int { return &v }

// WireMessages renders messages in the common {role, content} shape.
func WireMessages(messages []Message) []map[string]any {
	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		out = append(out, map[string]any{"role": string(m.Role), "content": m.Content})
	}
	return out
}
