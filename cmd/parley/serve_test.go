package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"parley/internal/chat"
	"parley/internal/dispatch"
	"parley/internal/params"
	"parley/internal/providers"
	"parley/internal/providers/registry"
	"parley/internal/supervisor"
	"parley/internal/vault"
)

const sseAnswer = `data: {"choices":[{"delta":{"content":"Hi"}}]}

data: {"choices":[{"delta":{"content":" there"}}]}

data: [DONE]
`

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) replies(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func newTestServer(t *testing.T, out *lockedBuffer) (*server, *dispatch.Service) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "response"), []byte(sseAnswer), 0o644))
	curl := filepath.Join(dir, "curl")
	require.NoError(t, os.WriteFile(curl, []byte("#!/bin/sh\ncat '"+dir+"/response'\n"), 0o755))
	t.Setenv("PARLEY_TEST_KEY", "sk-test")

	reg := registry.New([]providers.ProviderSpec{
		{Name: "openai", Endpoint: "https://api.example.test/v1", Dialect: "openai", SecretRef: "env:PARLEY_TEST_KEY"},
	}, params.Builtin())
	svc := dispatch.New(dispatch.Config{
		Registry:   reg,
		Secrets:    vault.New(vault.Config{Logger: zerolog.Nop()}),
		Supervisor: supervisor.New(supervisor.Config{Logger: zerolog.Nop()}),
		CurlPath:   curl,
		CacheDir:   t.TempDir(),
		Logger:     zerolog.Nop(),
	})
	t.Cleanup(func() { svc.Stop() })

	responder := chat.NewResponder(chat.Config{
		Dispatcher: svc,
		Payloads:   reg,
		Logger:     zerolog.Nop(),
	})
	agents := map[string]chat.Agent{
		"coder": {Name: "coder", Provider: "openai", Model: providers.ModelSpec{Name: "gpt-4o"}, SystemPrompt: "Be brief."},
	}
	lookup := func(name string) (chat.Agent, error) {
		a, ok := agents[name]
		if !ok {
			return chat.Agent{}, fmt.Errorf("unknown agent %q", name)
		}
		return a, nil
	}
	return newServer(responder, svc, lookup, "coder", []string{"coder"}, out, zerolog.Nop()), svc
}

func byRequest(replies []map[string]any, id string) []map[string]any {
	var out []map[string]any
	for _, r := range replies {
		if r["request_id"] == id {
			out = append(out, r)
		}
	}
	return out
}

func ofType(replies []map[string]any, typ string) []map[string]any {
	var out []map[string]any
	for _, r := range replies {
		if r["type"] == typ {
			out = append(out, r)
		}
	}
	return out
}

func TestServeRespondStreamsEdits(t *testing.T) {
	out := &lockedBuffer{}
	srv, _ := newTestServer(t, out)

	input := strings.Join([]string{
		`{"request_id":"p","action":"ping"}`,
		`{"request_id":"a","action":"agents"}`,
		`{"request_id":"r1","action":"respond","owner":"buf:1","text":"💬: Hello?"}`,
	}, "\n")
	require.NoError(t, srv.Run(context.Background(), strings.NewReader(input)))
	srv.turns.Wait()

	replies := out.replies(t)
	require.Equal(t, "pong", byRequest(replies, "p")[0]["type"])
	require.Equal(t, []any{"coder"}, byRequest(replies, "a")[0]["agents"])

	r1 := byRequest(replies, "r1")
	accepted := ofType(r1, "accepted")
	require.Len(t, accepted, 1)
	require.Equal(t, "gpt-4o", accepted[0]["model"])
	firstAppend := -1
	for i, r := range r1 {
		if r["type"] == "append" {
			firstAppend = i
			break
		}
	}
	require.Greater(t, firstAppend, 0)
	require.Equal(t, "accepted", r1[firstAppend-1]["type"], "accepted precedes streamed text")
	last := r1[len(r1)-1]
	require.Equal(t, "done", last["type"])
	require.Equal(t, "Hi there", last["text"])
	require.Equal(t, false, last["aborted"])
	require.NotEmpty(t, last["query_id"])

	// Replaying the edits on the request text reproduces the transcript.
	mirror := chat.NewMemorySink("💬: Hello?")
	for _, r := range r1 {
		switch r["type"] {
		case "append":
			require.NoError(t, mirror.Append(r["text"].(string)))
		case "move":
			require.NoError(t, mirror.MoveTo(int(r["line"].(float64))))
		case "replace":
			var lines []string
			for _, l := range r["lines"].([]any) {
				lines = append(lines, l.(string))
			}
			require.NoError(t, mirror.ReplaceRange(int(r["start"].(float64)), int(r["end"].(float64)), lines))
		}
	}
	require.Equal(t, "💬: Hello?\n\n🤖:[coder] Hi there\n\n💬: ", mirror.String())
}

func TestServeErrors(t *testing.T) {
	out := &lockedBuffer{}
	srv, _ := newTestServer(t, out)

	input := strings.Join([]string{
		`not json`,
		`{"request_id":"u","action":"launch"}`,
		`{"request_id":"n","action":"respond","text":"just notes"}`,
		`{"request_id":"g","action":"respond","text":"💬: hi","agent":"ghost"}`,
		`{"request_id":"b","action":"busy","owner":"buf:9"}`,
		`{"request_id":"d","action":"detach","target":"missing"}`,
	}, "\n")
	require.NoError(t, srv.Run(context.Background(), strings.NewReader(input)))

	replies := out.replies(t)
	require.Equal(t, "error", replies[0]["type"])
	require.Contains(t, replies[0]["error"], "invalid request")
	require.Equal(t, "bad_request", byRequest(replies, "u")[0]["code"])
	require.Equal(t, "no_question", byRequest(replies, "n")[0]["code"])
	require.Equal(t, "bad_request", byRequest(replies, "g")[0]["code"])
	require.Equal(t, false, byRequest(replies, "b")[0]["busy"])
	require.Equal(t, false, byRequest(replies, "d")[0]["found"])
}

func TestErrorCodes(t *testing.T) {
	require.Equal(t, "busy", errorCode(fmt.Errorf("wrapped: %w", dispatch.ErrBusy)))
	require.Equal(t, "invalid_params", errorCode(params.Report{Errors: []string{"x"}}.Err()))
	require.Equal(t, "rate_limited", errorCode(dispatch.ErrRateLimited))
	require.Equal(t, "detached", errorCode(chat.ErrSinkInvalid))
	require.Equal(t, "failed", errorCode(os.ErrNotExist))
}
