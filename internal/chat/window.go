package chat

import (
	"strings"

	"parley/internal/providers"
)

// SummaryPlaceholder stands in for the questions of summarized exchanges.
const SummaryPlaceholder = "Summarize the previous chat exchanges."

// Unbounded disables the window: every exchange is sent in full.
const Unbounded = -1

type WindowOptions struct {
	SystemPrompt string
	// MaxFullExchanges bounds how many exchanges besides the target are
	// sent verbatim. Zero summarizes every unpinned exchange; a negative
	// value (Unbounded) keeps everything.
	MaxFullExchanges int
	// Target is the exchange being answered; -1 selects the last one.
	Target int
	Files  *FileResolver
}

// BuildMessages turns the exchanges up to the target into the outbound
// message list. The target question, the most recent exchanges counted from
// the end of the chat, and every question with file references are sent in
// full. Runs of other exchanges collapse into one placeholder question and
// their summaries.
func BuildMessages(chat *ParsedChat, opts WindowOptions) []providers.Message {
	var msgs []providers.Message
	system := opts.SystemPrompt
	if role := strings.TrimSpace(chat.Header.Get("role")); role != "" {
		system = role
	}
	if system != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: system})
	}

	n := len(chat.Exchanges)
	target := opts.Target
	if target < 0 || target >= n {
		target = n - 1
	}
	if target < 0 {
		return msgs
	}
	recent := recentSet(n, target, opts.MaxFullExchanges)

	var summaries []string
	flushSummaries := func() {
		if len(summaries) == 0 {
			return
		}
		msgs = append(msgs,
			providers.Message{Role: providers.RoleUser, Content: SummaryPlaceholder},
			providers.Message{Role: providers.RoleAssistant, Content: strings.Join(summaries, "\n")},
		)
		summaries = nil
	}

	for i := 0; i <= target; i++ {
		ex := chat.Exchanges[i]
		keep := i == target || recent[i] || len(ex.Question.FileRefs) > 0
		if !keep {
			if s := summaryOf(ex); s != "" {
				summaries = append(summaries, s)
			}
			continue
		}
		flushSummaries()

		if len(ex.Question.FileRefs) > 0 && opts.Files != nil {
			msgs = append(msgs, providers.Message{
				Role:         providers.RoleSystem,
				Content:      opts.Files.Inline(ex.Question.FileRefs),
				CacheControl: "ephemeral",
			})
		}
		if !ex.Question.Synthetic && ex.Question.Content != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: ex.Question.Content})
		}
		if i != target && ex.Answer != nil && ex.Answer.Content != "" {
			msgs = append(msgs, providers.Message{Role: providers.RoleAssistant, Content: ex.Answer.Content})
		}
	}
	flushSummaries()
	return msgs
}

// recentSet marks the limit most recent exchanges other than the target,
// counting back from the end of the whole chat.
func recentSet(n, target, limit int) map[int]bool {
	out := make(map[int]bool, n)
	if limit < 0 {
		for i := 0; i < n; i++ {
			out[i] = true
		}
		return out
	}
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		if i != target {
			out[i] = true
		}
	}
	return out
}

func summaryOf(ex Exchange) string {
	if ex.Summary != "" {
		return ex.Summary
	}
	if ex.Answer != nil {
		return ex.Answer.Content
	}
	return ""
}
