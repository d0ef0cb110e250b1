package anthropic_messages

import (
	"encoding/json"
	"fmt"
	"strings"

	"parley/internal/providers"
)

// APIVersion is sent as the anthropic-version header.
const APIVersion = "2023-06-01"

type Dialect struct{}

func New() *Dialect { return &Dialect{} }

var _ providers.Dialect = (*Dialect)(nil)

func (d *Dialect) Name() string { return "anthropic" }

// Encode lifts every system message into the top-level system block array,
// keeping cache_control annotations, and leaves user/assistant turns in
// messages.
func (d *Dialect) Encode(messages []providers.Message, model providers.ModelSpec, params map[string]any) (map[string]any, error) {
	if strings.TrimSpace(model.Name) == "" {
		return nil, fmt.Errorf("model name is empty")
	}
	system := make([]map[string]any, 0, 2)
	turns := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != providers.RoleSystem {
			turns = append(turns, m)
			continue
		}
		block := map[string]any{"type": "text", "text": m.Content}
		if m.CacheControl != "" {
			block["cache_control"] = map[string]any{"type": m.CacheControl}
		}
		system = append(system, block)
	}

	payload := map[string]any{
		"model":    model.Name,
		"stream":   true,
		"messages": providers.WireMessages(turns),
	}
	if len(system) > 0 {
		payload["system"] = system
	}
	for k, v := range params {
		payload[k] = v
	}
	return payload, nil
}

type event struct {
	Type  string `json:"type"`
	Delta *struct {
		Text string `json:"text"`
	} `json:"delta"`
	ContentBlock *struct {
		Text string `json:"text"`
	} `json:"content_block"`
	Message *struct {
		Usage *usage `json:"usage"`
	} `json:"message"`
	Usage *usage `json:"usage"`
}

type usage struct {
	InputTokens              *int `json:"input_tokens"`
	OutputTokens             *int `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens"`
}

func (u *usage) toUsage() providers.Usage {
	if u == nil {
		return providers.Usage{}
	}
	return providers.Usage{
		InputTokens:         u.InputTokens,
		OutputTokens:        u.OutputTokens,
		CachedTokens:        u.CacheReadInputTokens,
		CacheCreationTokens: u.CacheCreationInputTokens,
	}
}

func (d *Dialect) DecodeLine(line string) providers.Frame {
	ev, ok := parseEvent(line)
	if !ok {
		return providers.Frame{}
	}
	out := providers.Frame{}
	if ev.Type == "content_block_start" || ev.Type == "content_block_delta" {
		switch {
		case ev.Delta != nil && ev.Delta.Text != "":
			out.Content = ev.Delta.Text
		case ev.ContentBlock != nil:
			out.Content = ev.ContentBlock.Text
		}
	}
	if u := eventUsage(ev); u.IsSet() {
		out.Usage = &u
	}
	return out
}

// ExtractUsage merges usage from message_start and message_delta frames;
// the former carries input and cache counts, the latter output counts.
func (d *Dialect) ExtractUsage(raw string) (providers.Usage, bool) {
	var total providers.Usage
	for _, line := range strings.Split(raw, "\n") {
		ev, ok := parseEvent(line)
		if !ok {
			continue
		}
		total.Merge(eventUsage(ev))
	}
	return total, total.IsSet()
}

func (d *Dialect) FallbackContent(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, `"text"`) {
		return ""
	}
	var msg struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return ""
	}
	parts := make([]string, 0, len(msg.Content))
	for _, c := range msg.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "")
}

func parseEvent(line string) (event, bool) {
	line = providers.StripSSE(line)
	if !strings.HasPrefix(line, "{") {
		return event{}, false
	}
	var ev event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return event{}, false
	}
	return ev, true
}

func eventUsage(ev event) providers.Usage {
	u := ev.Usage.toUsage()
	if ev.Message != nil {
		u.Merge(ev.Message.Usage.toUsage())
	}
	return u
}
