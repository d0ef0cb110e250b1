package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"parley/internal/providers"
)

func transcript(n int, refAt int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "💬: question %d", i)
		if i == refAt {
			b.WriteString("\n@@ notes.txt")
		}
		fmt.Fprintf(&b, "\n🤖: answer %d\n📝: summary %d", i, i)
	}
	return b.String()
}

func roles(msgs []providers.Message) []providers.Role {
	out := make([]providers.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestBuildMessagesCollapsesOldExchanges(t *testing.T) {
	chat := ParseText(transcript(5, -1), DefaultMarkers())
	msgs := BuildMessages(chat, WindowOptions{SystemPrompt: "be brief", MaxFullExchanges: 2, Target: -1})

	require.Len(t, msgs, 8)
	require.Equal(t, []providers.Role{
		providers.RoleSystem,
		providers.RoleUser, providers.RoleAssistant,
		providers.RoleUser, providers.RoleAssistant,
		providers.RoleUser, providers.RoleAssistant,
		providers.RoleUser,
	}, roles(msgs))
	require.Equal(t, SummaryPlaceholder, msgs[1].Content)
	require.Equal(t, "summary 0\nsummary 1", msgs[2].Content)
	require.Equal(t, "question 2", msgs[3].Content)
	require.Equal(t, "answer 3", msgs[6].Content)
	require.Equal(t, "question 4", msgs[7].Content)
}

func TestBuildMessagesKeepsFileReferences(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("one\ntwo\n"), 0o644))

	chat := ParseText(transcript(15, 2), DefaultMarkers())
	msgs := BuildMessages(chat, WindowOptions{
		SystemPrompt:     "sys",
		MaxFullExchanges: 2,
		Target:           -1,
		Files:            NewFileResolver(dir),
	})

	require.Len(t, msgs, 13)
	require.Equal(t, SummaryPlaceholder, msgs[1].Content)
	require.Equal(t, "summary 0\nsummary 1", msgs[2].Content)

	file := msgs[3]
	require.Equal(t, providers.RoleSystem, file.Role)
	require.Equal(t, "ephemeral", file.CacheControl)
	require.Equal(t, "File: notes.txt\n```\none\ntwo\n```", file.Content)
	require.Equal(t, "question 2\n@@ notes.txt", msgs[4].Content)
	require.Equal(t, "answer 2", msgs[5].Content)

	require.Equal(t, SummaryPlaceholder, msgs[6].Content)
	require.Contains(t, msgs[7].Content, "summary 3\n")
	require.True(t, strings.HasSuffix(msgs[7].Content, "summary 11"))
	require.Equal(t, "question 14", msgs[12].Content)
}

func TestBuildMessagesZeroWindowSummarizesUnpinned(t *testing.T) {
	chat := ParseText(transcript(5, 1), DefaultMarkers())
	msgs := BuildMessages(chat, WindowOptions{MaxFullExchanges: 0, Target: -1})

	require.Equal(t, []providers.Message{
		{Role: providers.RoleUser, Content: SummaryPlaceholder},
		{Role: providers.RoleAssistant, Content: "summary 0"},
		{Role: providers.RoleUser, Content: "question 1\n@@ notes.txt"},
		{Role: providers.RoleAssistant, Content: "answer 1"},
		{Role: providers.RoleUser, Content: SummaryPlaceholder},
		{Role: providers.RoleAssistant, Content: "summary 2\nsummary 3"},
		{Role: providers.RoleUser, Content: "question 4"},
	}, msgs)
}

func TestBuildMessagesUnboundedKeepsEverything(t *testing.T) {
	chat := ParseText(transcript(3, -1), DefaultMarkers())
	msgs := BuildMessages(chat, WindowOptions{MaxFullExchanges: Unbounded, Target: -1})

	require.Equal(t, []providers.Message{
		{Role: providers.RoleUser, Content: "question 0"},
		{Role: providers.RoleAssistant, Content: "answer 0"},
		{Role: providers.RoleUser, Content: "question 1"},
		{Role: providers.RoleAssistant, Content: "answer 1"},
		{Role: providers.RoleUser, Content: "question 2"},
	}, msgs)
}

func TestBuildMessagesStopsAtTarget(t *testing.T) {
	chat := ParseText(transcript(4, -1), DefaultMarkers())
	msgs := BuildMessages(chat, WindowOptions{MaxFullExchanges: Unbounded, Target: 1})

	require.Equal(t, []providers.Message{
		{Role: providers.RoleUser, Content: "question 0"},
		{Role: providers.RoleAssistant, Content: "answer 0"},
		{Role: providers.RoleUser, Content: "question 1"},
	}, msgs)
}

func TestBuildMessagesRoleHeaderWins(t *testing.T) {
	chat := ParseText("- role: You are a pirate.\n---\n💬: ahoy", DefaultMarkers())
	msgs := BuildMessages(chat, WindowOptions{SystemPrompt: "default persona", Target: -1})
	require.Equal(t, []providers.Message{
		{Role: providers.RoleSystem, Content: "You are a pirate."},
		{Role: providers.RoleUser, Content: "ahoy"},
	}, msgs)
}

func TestBuildMessagesSummaryFallsBackToAnswer(t *testing.T) {
	chat := ParseText("💬: a\n🤖: first answer\n\n💬: b\n🤖: second\n\n💬: c", DefaultMarkers())
	msgs := BuildMessages(chat, WindowOptions{MaxFullExchanges: 1, Target: -1})
	require.Equal(t, []providers.Message{
		{Role: providers.RoleUser, Content: SummaryPlaceholder},
		{Role: providers.RoleAssistant, Content: "first answer"},
		{Role: providers.RoleUser, Content: "b"},
		{Role: providers.RoleAssistant, Content: "second"},
		{Role: providers.RoleUser, Content: "c"},
	}, msgs)
}

func TestFileResolverInline(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "a.go"), []byte("package pkg\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "b.md"), []byte("# B"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "sub", "c.go"), []byte("package sub"), 0o644))

	r := NewFileResolver(dir)

	t.Run("directory lists direct files", func(t *testing.T) {
		out := r.Inline([]string{"pkg"})
		require.Equal(t, "File: pkg/a.go\n```go\npackage pkg\n```\n\nFile: pkg/b.md\n```markdown\n# B\n```", out)
	})

	t.Run("recursive glob", func(t *testing.T) {
		out := r.Inline([]string{"pkg/**/*.go"})
		require.Contains(t, out, "File: pkg/a.go")
		require.Contains(t, out, "File: pkg/sub/c.go\n```go\npackage sub\n```")
		require.NotContains(t, out, "b.md")
	})

	t.Run("missing file", func(t *testing.T) {
		require.Equal(t, "File: nope.txt (file not found)", r.Inline([]string{"nope.txt"}))
	})

	t.Run("too large", func(t *testing.T) {
		small := &FileResolver{BaseDir: dir, MaxFileSize: 4}
		require.Equal(t, "File: pkg/a.go (file too large)", small.Inline([]string{"pkg/a.go"}))
	})
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink("one\ntwo")
	require.NoError(t, s.Append(" more\nthree"))
	require.Equal(t, "one\ntwo more\nthree", s.String())

	require.NoError(t, s.MoveTo(0))
	require.NoError(t, s.ReplaceRange(1, 2, []string{"2a", "2b"}))
	require.NoError(t, s.Append("!"))
	require.Equal(t, []string{"one!", "2a", "2b", "three"}, s.Lines())

	require.NoError(t, s.MoveTo(3))
	require.NoError(t, s.ReplaceRange(0, 1, nil))
	require.NoError(t, s.Append("?"))
	require.Equal(t, []string{"2a", "2b", "three?"}, s.Lines())

	require.Error(t, s.ReplaceRange(2, 9, nil))
	require.Error(t, s.MoveTo(5))

	s.Invalidate()
	require.False(t, s.Valid())
	require.ErrorIs(t, s.Append("x"), ErrSinkInvalid)
	require.ErrorIs(t, s.ReplaceRange(0, 0, nil), ErrSinkInvalid)
}
