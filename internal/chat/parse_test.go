package chat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleChat = `- topic: ?
- model: gpt-4o
# config_temperature: 0.3
- tags: go, llm
---

💬: Hello there
🤖:[coder] Hi! How can I help?
📝: greeting
🧠: the user greets

💬: Explain refs
@@ main.go
🔒: private note
not sent
🤖: Sure.`

func TestParseHeaderAndExchanges(t *testing.T) {
	chat := ParseText(sampleChat, DefaultMarkers())

	require.Equal(t, 4, chat.HeaderEnd)
	require.Equal(t, []string{"topic", "model", "config_temperature", "tags"}, chat.Header.Keys)
	require.Equal(t, "?", chat.Header.Get("topic"))
	require.Equal(t, 0, chat.Header.Lines["topic"])
	require.Equal(t, "#", chat.Header.Prefixes["config_temperature"])
	require.Equal(t, []string{"go", "llm"}, chat.Header.Tags)
	require.Equal(t, map[string]string{"temperature": "0.3"}, chat.Header.Config())

	require.Len(t, chat.Exchanges, 2)

	first := chat.Exchanges[0]
	require.Equal(t, "Hello there", first.Question.Content)
	require.Equal(t, 6, first.Question.LineStart)
	require.Equal(t, 6, first.Question.LineEnd)
	require.NotNil(t, first.Answer)
	require.Equal(t, "coder", first.Answer.Agent)
	require.Equal(t, "Hi! How can I help?", first.Answer.Content)
	require.Equal(t, 7, first.Answer.LineStart)
	require.Equal(t, 10, first.Answer.LineEnd)
	require.Equal(t, "greeting", first.Summary)
	require.Equal(t, "the user greets", first.Reasoning)

	second := chat.Exchanges[1]
	require.Equal(t, "Explain refs\n@@ main.go", second.Question.Content)
	require.Equal(t, []string{"main.go"}, second.Question.FileRefs)
	require.Equal(t, 14, second.Question.LineEnd)
	require.Equal(t, "Sure.", second.Answer.Content)
	require.Empty(t, second.Answer.Agent)
}

func TestParseReservedKeysStayOutOfConfig(t *testing.T) {
	chat := ParseText("- config_model: x\n- config_top_p: 0.5\n- author: me\n---\n💬: hi", DefaultMarkers())
	require.Equal(t, map[string]string{"top_p": "0.5"}, chat.Header.Config())
	require.Equal(t, "me", chat.Header.Get("author"))
}

func TestParseWithoutHeader(t *testing.T) {
	chat := ParseText("💬: question\n---\nstill the question", DefaultMarkers())
	require.Equal(t, -1, chat.HeaderEnd)
	require.Len(t, chat.Exchanges, 1)
	require.Equal(t, "question\n---\nstill the question", chat.Exchanges[0].Question.Content)
	require.Nil(t, chat.Exchanges[0].Answer)
}

func TestParseSyntheticQuestions(t *testing.T) {
	chat := ParseText("💬: q\n🤖: a\n🤖: b", DefaultMarkers())
	require.Len(t, chat.Exchanges, 2)
	require.False(t, chat.Exchanges[0].Question.Synthetic)
	require.True(t, chat.Exchanges[1].Question.Synthetic)
	require.Equal(t, 1, chat.Exchanges[1].Question.LineStart)
	require.Equal(t, "b", chat.Exchanges[1].Answer.Content)

	orphan := ParseText("🤖: orphan", DefaultMarkers())
	require.Len(t, orphan.Exchanges, 1)
	require.True(t, orphan.Exchanges[0].Question.Synthetic)
	require.Equal(t, "orphan", orphan.Exchanges[0].Answer.Content)
}

func TestParseSummaryOnlyInsideAnswers(t *testing.T) {
	chat := ParseText("💬: q\n📝: not a summary\n🤖: a\n🔒:\n📝: hidden", DefaultMarkers())
	require.Len(t, chat.Exchanges, 1)
	ex := chat.Exchanges[0]
	require.Equal(t, "q\n📝: not a summary", ex.Question.Content)
	require.Empty(t, ex.Summary)
	require.Equal(t, "a", ex.Answer.Content)
	require.Equal(t, 4, ex.Answer.LineEnd)
}

func TestParseCustomMarkers(t *testing.T) {
	m := Markers{User: "Q:", Assistant: "A:"}
	chat := ParseText("Q: one\nA: two\n📝: sum", m)
	require.Len(t, chat.Exchanges, 1)
	require.Equal(t, "one", chat.Exchanges[0].Question.Content)
	require.Equal(t, "sum", chat.Exchanges[0].Summary)
}

func TestExchangeAt(t *testing.T) {
	chat := ParseText(sampleChat, DefaultMarkers())
	require.Equal(t, -1, chat.ExchangeAt(2), "header line")
	require.Equal(t, -1, chat.ExchangeAt(5), "blank line after separator")
	require.Equal(t, 0, chat.ExchangeAt(6))
	require.Equal(t, 0, chat.ExchangeAt(8))
	require.Equal(t, 1, chat.ExchangeAt(11))
	require.Equal(t, 1, chat.ExchangeAt(15))
	require.Equal(t, 1, chat.ExchangeAt(-1))

	require.Equal(t, -1, ParseText("just text", DefaultMarkers()).ExchangeAt(0))
}

func TestRenderRoundTrip(t *testing.T) {
	m := DefaultMarkers()
	chat := ParseText(sampleChat, m)
	again := ParseText(Render(chat, m), m)

	require.Equal(t, chat.Header.Keys, again.Header.Keys)
	require.Equal(t, chat.Header.Values, again.Header.Values)
	require.Equal(t, chat.Header.Prefixes, again.Header.Prefixes)
	require.Len(t, again.Exchanges, len(chat.Exchanges))
	for i := range chat.Exchanges {
		want, got := chat.Exchanges[i], again.Exchanges[i]
		require.Equal(t, want.Question.Content, got.Question.Content)
		require.Equal(t, want.Question.FileRefs, got.Question.FileRefs)
		require.Equal(t, want.Answer.Content, got.Answer.Content)
		require.Equal(t, want.Answer.Agent, got.Answer.Agent)
		require.Equal(t, want.Summary, got.Summary)
		require.Equal(t, want.Reasoning, got.Reasoning)
	}
}
