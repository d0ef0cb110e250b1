package anthropic_messages

import (
	"testing"

	"parley/internal/providers"
)

func TestEncodeLiftsSystemBlocks(t *testing.T) {
	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: "persona"},
		{Role: providers.RoleSystem, Content: "file body", CacheControl: "ephemeral"},
		{Role: providers.RoleUser, Content: "@@ notes.txt\nwhat is this?"},
	}
	body, err := New().Encode(msgs, providers.ModelSpec{Name: "claude-sonnet-4"}, map[string]any{"max_tokens": 4096})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	system := body["system"].([]map[string]any)
	if len(system) != 2 {
		t.Fatalf("expected 2 system blocks, got %d", len(system))
	}
	if system[0]["text"] != "persona" || system[0]["cache_control"] != nil {
		t.Fatalf("unexpected persona block: %#v", system[0])
	}
	cc, ok := system[1]["cache_control"].(map[string]any)
	if !ok || cc["type"] != "ephemeral" {
		t.Fatalf("expected cache_control on file block, got %#v", system[1])
	}

	wire := body["messages"].([]map[string]any)
	if len(wire) != 1 || wire[0]["content"] != "@@ notes.txt\nwhat is this?" {
		t.Fatalf("unexpected messages: %#v", wire)
	}
	if body["max_tokens"] != 4096 {
		t.Fatalf("expected params merged, got %#v", body)
	}
}

func TestDecodeLineOnlyContentEvents(t *testing.T) {
	d := New()
	if f := d.DecodeLine(`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`); f.Content != "Hi" {
		t.Fatalf("expected delta text, got %#v", f)
	}
	if f := d.DecodeLine(`data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":"A"}}`); f.Content != "A" {
		t.Fatalf("expected block start text, got %#v", f)
	}
	if f := d.DecodeLine(`data: {"type":"ping","delta":{"text":"nope"}}`); f.Content != "" {
		t.Fatalf("expected no content from ping, got %#v", f)
	}
	if f := d.DecodeLine(`event: content_block_delta`); f.Content != "" || f.Usage != nil {
		t.Fatalf("expected empty frame for event line, got %#v", f)
	}
}

func TestExtractUsageMergesFrames(t *testing.T) {
	raw := `event: message_start
data: {"type":"message_start","message":{"usage":{"input_tokens":20,"cache_creation_input_tokens":5,"cache_read_input_tokens":100,"output_tokens":1}}}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":42}}
`
	u, ok := New().ExtractUsage(raw)
	if !ok {
		t.Fatalf("expected usage")
	}
	if *u.InputTokens != 20 || *u.OutputTokens != 42 || *u.CachedTokens != 100 || *u.CacheCreationTokens != 5 {
		t.Fatalf("unexpected usage: in=%d out=%d cached=%d created=%d", *u.InputTokens, *u.OutputTokens, *u.CachedTokens, *u.CacheCreationTokens)
	}
}

func TestFallbackContent(t *testing.T) {
	raw := `{"type":"message","content":[{"type":"text","text":"full "},{"type":"text","text":"reply"}]}`
	if got := New().FallbackContent(raw); got != "full reply" {
		t.Fatalf("unexpected fallback: %q", got)
	}
}
