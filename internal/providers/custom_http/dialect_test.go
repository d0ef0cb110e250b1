package custom_http

import (
	"testing"

	"parley/internal/providers"
)

func TestEncodeMinimal(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	body, err := d.Encode([]providers.Message{{Role: providers.RoleUser, Content: "hi"}}, providers.ModelSpec{Name: "llama3", Bare: true}, map[string]any{"ignored": 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(body) != 3 || body["model"] != "llama3" || body["stream"] != true {
		t.Fatalf("unexpected body: %#v", body)
	}
}

func TestEncodeTemplate(t *testing.T) {
	d, err := New(`{"m":"{{.Model}}","history":{{.Messages}},"t":{{index .Params "temperature"}}}`)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	body, err := d.Encode([]providers.Message{{Role: providers.RoleUser, Content: "hi"}}, providers.ModelSpec{Name: "x"}, map[string]any{"temperature": 0.5})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	hist, ok := body["history"].([]any)
	if body["m"] != "x" || !ok || len(hist) != 1 || body["t"] != 0.5 {
		t.Fatalf("unexpected body: %#v", body)
	}

	if _, err := New(`{{.Broken`); err == nil {
		t.Fatalf("expected template parse error")
	}
}

func TestDecodeLineShapes(t *testing.T) {
	d, _ := New("")
	cases := map[string]string{
		`data: {"choices":[{"delta":{"content":"a"}}]}`:          "a",
		`{"message":{"role":"assistant","content":"b"},"done":false}`: "b",
		`{"response":"c","done":false}`:                           "c",
		`not json`:                                                "",
	}
	for line, want := range cases {
		if got := d.DecodeLine(line).Content; got != want {
			t.Fatalf("line %q: expected %q, got %q", line, want, got)
		}
	}

	f := d.DecodeLine(`{"message":{"content":""},"done":true,"prompt_eval_count":26,"eval_count":290}`)
	if f.Usage == nil || *f.Usage.InputTokens != 26 || *f.Usage.OutputTokens != 290 {
		t.Fatalf("expected ollama usage, got %#v", f)
	}
}

func TestFallbackContent(t *testing.T) {
	d, _ := New("")
	if got := d.FallbackContent(`{"answer":"42"}`); got != "42" {
		t.Fatalf("unexpected fallback: %q", got)
	}
	if got := d.FallbackContent(`{"error":"unauthorized"}`); got != "" {
		t.Fatalf("expected no fallback for error, got %q", got)
	}
}
