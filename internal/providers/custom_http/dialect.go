package custom_http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"parley/internal/providers"
)

// Dialect speaks the minimal {model, stream, messages} shape. A provider
// may supply a body template instead; it is rendered with Model, Messages
// (JSON encoded) and Params.
type Dialect struct {
	tpl *template.Template
}

func New(bodyTemplate string) (*Dialect, error) {
	d := &Dialect{}
	if strings.TrimSpace(bodyTemplate) == "" {
		return d, nil
	}
	tpl, err := template.New("custom_http_body").Option("missingkey=zero").Parse(bodyTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	d.tpl = tpl
	return d, nil
}

var _ providers.Dialect = (*Dialect)(nil)

func (d *Dialect) Name() string { return "generic" }

func (d *Dialect) Encode(messages []providers.Message, model providers.ModelSpec, params map[string]any) (map[string]any, error) {
	wire := providers.WireMessages(messages)
	if d.tpl == nil {
		return map[string]any{
			"model":    model.Name,
			"stream":   true,
			"messages": wire,
		}, nil
	}

	encoded, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal messages: %w", err)
	}
	var buf bytes.Buffer
	if err := d.tpl.Execute(&buf, map[string]any{
		"Model":    model.Name,
		"Messages": string(encoded),
		"Params":   params,
	}); err != nil {
		return nil, fmt.Errorf("execute body template: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("body template did not render a json object: %w", err)
	}
	return out, nil
}

// DecodeLine understands the common streaming shapes: OpenAI-style deltas,
// Ollama chat and generate frames, and a bare text field.
func (d *Dialect) DecodeLine(line string) providers.Frame {
	line = providers.StripSSE(line)
	if !strings.HasPrefix(line, "{") {
		return providers.Frame{}
	}
	var frame map[string]any
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return providers.Frame{}
	}

	out := providers.Frame{}
	if choices, ok := frame["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if delta, ok := c0["delta"].(map[string]any); ok {
				out.Content, _ = delta["content"].(string)
			}
		}
	} else if msg, ok := frame["message"].(map[string]any); ok {
		out.Content, _ = msg["content"].(string)
	} else if s, ok := frame["response"].(string); ok {
		out.Content = s
	} else if s, ok := frame["text"].(string); ok {
		out.Content = s
	}

	if u, ok := ollamaUsage(frame); ok {
		out.Usage = &u
	}
	return out
}

func (d *Dialect) ExtractUsage(raw string) (providers.Usage, bool) {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if f := d.DecodeLine(lines[i]); f.Usage != nil {
			return *f.Usage, true
		}
	}
	return providers.Usage{}, false
}

func (d *Dialect) FallbackContent(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || providers.ErrorMessage(raw) != "" {
		return ""
	}
	if !strings.HasPrefix(raw, "{") {
		return ""
	}
	text, err := extractText([]byte(raw))
	if err != nil {
		return ""
	}
	return text
}

func ollamaUsage(frame map[string]any) (providers.Usage, bool) {
	if done, _ := frame["done"].(bool); !done {
		return providers.Usage{}, false
	}
	u := providers.Usage{}
	if n, ok := frame["prompt_eval_count"].(float64); ok {
		u.InputTokens = providers.IntPtr(int(n))
	}
	if n, ok := frame["eval_count"].(float64); ok {
		u.OutputTokens = providers.IntPtr(int(n))
	}
	return u, u.IsSet()
}

func extractText(body []byte) (string, error) {
	var simple map[string]any
	if err := json.Unmarshal(body, &simple); err != nil {
		return "", fmt.Errorf("decode custom response: %w", err)
	}

	for _, key := range []string{"text", "response", "answer", "output_text"} {
		if v, ok := simple[key].(string); ok && strings.TrimSpace(v) != "" {
			return v, nil
		}
	}

	if msg, ok := simple["message"].(map[string]any); ok {
		if content := providers.AnyToText(msg["content"]); strings.TrimSpace(content) != "" {
			return content, nil
		}
	}

	if choices, ok := simple["choices"].([]any); ok && len(choices) > 0 {
		if c0, ok := choices[0].(map[string]any); ok {
			if msg, ok := c0["message"].(map[string]any); ok {
				if content, ok := msg["content"].(string); ok && strings.TrimSpace(content) != "" {
					return content, nil
				}
			}
			if text, ok := c0["text"].(string); ok && strings.TrimSpace(text) != "" {
				return text, nil
			}
		}
	}

	if out, ok := simple["output"].([]any); ok && len(out) > 0 {
		if o0, ok := out[0].(map[string]any); ok {
			if content, ok := o0["content"].([]any); ok && len(content) > 0 {
				if text := providers.AnyToText(content); strings.TrimSpace(text) != "" {
					return text, nil
				}
			}
		}
	}

	return "", fmt.Errorf("custom response does not contain text field")
}
