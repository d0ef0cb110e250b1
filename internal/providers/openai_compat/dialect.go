package openai_compat

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"parley/internal/providers"
)

type Dialect struct{}

func New() *Dialect { return &Dialect{} }

var _ providers.Dialect = (*Dialect)(nil)

func (d *Dialect) Name() string { return "openai" }

// Encode builds a streaming chat completion body. Reasoning models get no
// system messages; their sampling params were already dropped by the schema.
func (d *Dialect) Encode(messages []providers.Message, model providers.ModelSpec, params map[string]any) (map[string]any, error) {
	if strings.TrimSpace(model.Name) == "" {
		return nil, fmt.Errorf("model name is empty")
	}
	reasoning := providers.IsReasoningModel(model.Name)
	kept := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		if reasoning && m.Role == providers.RoleSystem {
			continue
		}
		kept = append(kept, m)
	}

	payload := map[string]any{
		"model":          model.Name,
		"stream":         true,
		"messages":       providers.WireMessages(kept),
		"stream_options": map[string]any{"include_usage": true},
	}
	for k, v := range params {
		payload[k] = v
	}
	return payload, nil
}

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens        *int `json:"prompt_tokens"`
		CompletionTokens    *int `json:"completion_tokens"`
		PromptTokensDetails *struct {
			CachedTokens *int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

func (d *Dialect) DecodeLine(line string) providers.Frame {
	frame, ok := parseFrame(line)
	if !ok {
		return providers.Frame{}
	}
	out := providers.Frame{}
	if len(frame.Choices) > 0 && frame.Choices[0].Delta.Content != nil {
		out.Content = *frame.Choices[0].Delta.Content
	}
	if u, ok := usageOf(frame); ok {
		out.Usage = &u
	}
	return out
}

// ExtractUsage returns the usage of the last terminal frame in raw: the one
// carrying usage with an empty choices array.
func (d *Dialect) ExtractUsage(raw string) (providers.Usage, bool) {
	lines := strings.Split(raw, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		frame, ok := parseFrame(lines[i])
		if !ok {
			continue
		}
		if u, ok := usageOf(frame); ok {
			return u, true
		}
	}
	return providers.Usage{}, false
}

func (d *Dialect) FallbackContent(raw string) string {
	if !strings.Contains(raw, `"content"`) && !strings.Contains(raw, `"text"`) {
		return ""
	}
	text, err := parseChatCompletions([]byte(strings.TrimSpace(raw)))
	if err != nil {
		return ""
	}
	return text
}

func parseFrame(line string) (streamFrame, bool) {
	line = providers.StripSSE(line)
	if line == "" || line == "[DONE]" || !strings.HasPrefix(line, "{") {
		return streamFrame{}, false
	}
	var frame streamFrame
	if err := json.Unmarshal([]byte(line), &frame); err != nil {
		return streamFrame{}, false
	}
	return frame, true
}

func usageOf(frame streamFrame) (providers.Usage, bool) {
	if frame.Usage == nil || len(frame.Choices) > 0 {
		return providers.Usage{}, false
	}
	u := providers.Usage{
		InputTokens:  frame.Usage.PromptTokens,
		OutputTokens: frame.Usage.CompletionTokens,
	}
	if frame.Usage.PromptTokensDetails != nil {
		u.CachedTokens = frame.Usage.PromptTokensDetails.CachedTokens
	}
	return u, u.IsSet()
}

func parseChatCompletions(body []byte) (string, error) {
	var resp struct {
		Choices []struct {
			Message struct {
				Content any `json:"content"`
			} `json:"message"`
			Text string `json:"text"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode chat completion response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in chat completion response")
	}
	if resp.Choices[0].Text != "" {
		return resp.Choices[0].Text, nil
	}
	if content := providers.AnyToText(resp.Choices[0].Message.Content); strings.TrimSpace(content) != "" {
		return content, nil
	}
	return "", fmt.Errorf("missing message content in chat completion response")
}

// EndpointURL completes a bare base URL with the chat completions path.
func EndpointURL(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") || strings.Contains(base, "{{") || strings.Contains(base, "?") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}
