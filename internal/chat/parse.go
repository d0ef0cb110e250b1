package chat

import (
	"regexp"
	"strings"
)

// Markers are the line prefixes of the transcript grammar.
type Markers struct {
	User      string `toml:"user"`
	Assistant string `toml:"assistant"`
	Summary   string `toml:"summary"`
	Reasoning string `toml:"reasoning"`
	Local     string `toml:"local"`
	FileRef   string `toml:"file_ref"`
	Separator string `toml:"separator"`
}

func DefaultMarkers() Markers {
	return Markers{
		User:      "💬:",
		Assistant: "🤖:",
		Summary:   "📝:",
		Reasoning: "🧠:",
		Local:     "🔒:",
		FileRef:   "@@",
		Separator: "---",
	}
}

// withDefaults fills empty markers from DefaultMarkers.
func (m Markers) withDefaults() Markers {
	d := DefaultMarkers()
	if m.User == "" {
		m.User = d.User
	}
	if m.Assistant == "" {
		m.Assistant = d.Assistant
	}
	if m.Summary == "" {
		m.Summary = d.Summary
	}
	if m.Reasoning == "" {
		m.Reasoning = d.Reasoning
	}
	if m.Local == "" {
		m.Local = d.Local
	}
	if m.FileRef == "" {
		m.FileRef = d.FileRef
	}
	if m.Separator == "" {
		m.Separator = d.Separator
	}
	return m
}

// TopicPlaceholder marks a transcript whose title has not been generated.
const TopicPlaceholder = "?"

var (
	headerLine = regexp.MustCompile(`^[-#]\s*([\w_]+):\s*(.*)$`)
	agentTag   = regexp.MustCompile(`^\[([^\]]*)\]\s?`)
	tagSplit   = regexp.MustCompile(`[,\s]+`)
)

var reservedKeys = map[string]bool{
	"file":     true,
	"model":    true,
	"provider": true,
	"role":     true,
	"topic":    true,
	"tags":     true,
}

type Header struct {
	Keys   []string
	Values map[string]string
	// Lines maps each key to the transcript line it was read from.
	Lines map[string]int
	// Prefixes keeps the "-" or "#" each key was written with.
	Prefixes map[string]string
	Tags     []string
}

func newHeader() Header {
	return Header{Values: map[string]string{}, Lines: map[string]int{}, Prefixes: map[string]string{}}
}

func (h Header) Get(key string) string { return h.Values[key] }

// Config returns the config_* overrides with the prefix removed. Reserved
// keys never appear there, even when spelled with the prefix.
func (h Header) Config() map[string]string {
	out := map[string]string{}
	for _, k := range h.Keys {
		name, ok := strings.CutPrefix(k, "config_")
		if !ok || name == "" || reservedKeys[name] {
			continue
		}
		out[name] = h.Values[k]
	}
	return out
}

type Question struct {
	Content   string
	LineStart int
	LineEnd   int
	FileRefs  []string
	// Synthetic is set when an answer had no question before it.
	Synthetic bool
}

type Answer struct {
	Content   string
	Agent     string
	LineStart int
	LineEnd   int
}

type Exchange struct {
	Question  Question
	Answer    *Answer
	Summary   string
	Reasoning string
}

// End is the last transcript line belonging to the exchange.
func (e Exchange) End() int {
	if e.Answer != nil {
		return e.Answer.LineEnd
	}
	return e.Question.LineEnd
}

type ParsedChat struct {
	Header    Header
	Exchanges []Exchange
	// HeaderEnd is the separator line index, or -1 without a header.
	HeaderEnd int
}

// ExchangeAt returns the index of the exchange containing line, or of the
// last exchange starting before it. A negative line selects the last
// exchange; lines before the first exchange and empty chats yield -1.
func (c *ParsedChat) ExchangeAt(line int) int {
	if len(c.Exchanges) == 0 {
		return -1
	}
	if line < 0 {
		return len(c.Exchanges) - 1
	}
	idx := -1
	for i, ex := range c.Exchanges {
		start := ex.Question.LineStart
		if ex.Question.Synthetic && ex.Answer != nil {
			start = ex.Answer.LineStart
		}
		if start > line {
			break
		}
		idx = i
	}
	return idx
}

// ParseText parses a whole transcript.
func ParseText(text string, m Markers) *ParsedChat {
	return Parse(strings.Split(text, "\n"), m)
}

type component int

const (
	compNone component = iota
	compQuestion
	compAnswer
)

// Parse splits lines into the header and the exchange sequence.
func Parse(lines []string, m Markers) *ParsedChat {
	m = m.withDefaults()
	chat := &ParsedChat{Header: newHeader(), HeaderEnd: -1}

	for i, line := range lines {
		if strings.HasPrefix(line, m.User) || strings.HasPrefix(line, m.Assistant) {
			break
		}
		if strings.TrimRight(line, " \t\r") == m.Separator {
			chat.HeaderEnd = i
			break
		}
	}
	if chat.HeaderEnd >= 0 {
		parseHeader(&chat.Header, lines[:chat.HeaderEnd])
	}

	var (
		cur     *Exchange
		comp    = compNone
		local   bool
		content []string
	)
	flush := func() {
		if cur == nil {
			return
		}
		text := strings.TrimSpace(strings.Join(content, "\n"))
		switch comp {
		case compQuestion:
			cur.Question.Content = text
		case compAnswer:
			cur.Answer.Content = text
		}
		content = nil
	}
	extend := func(i int) {
		switch comp {
		case compQuestion:
			cur.Question.LineEnd = i
		case compAnswer:
			cur.Answer.LineEnd = i
		}
	}

	for i := chat.HeaderEnd + 1; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		switch {
		case strings.HasPrefix(line, m.User):
			flush()
			chat.Exchanges = append(chat.Exchanges, Exchange{Question: Question{LineStart: i, LineEnd: i}})
			cur = &chat.Exchanges[len(chat.Exchanges)-1]
			comp, local = compQuestion, false
			content = append(content, markerRest(line, m.User))

		case strings.HasPrefix(line, m.Assistant):
			flush()
			if cur == nil || cur.Answer != nil {
				chat.Exchanges = append(chat.Exchanges, Exchange{Question: Question{LineStart: i - 1, LineEnd: i - 1, Synthetic: true}})
				cur = &chat.Exchanges[len(chat.Exchanges)-1]
			}
			rest := markerRest(line, m.Assistant)
			ans := &Answer{LineStart: i, LineEnd: i}
			if tag := agentTag.FindStringSubmatch(rest); tag != nil {
				ans.Agent = tag[1]
				rest = rest[len(tag[0]):]
			}
			cur.Answer = ans
			comp, local = compAnswer, false
			content = append(content, rest)

		case cur == nil:
			// body text before the first marker is not part of any exchange

		case comp == compAnswer && !local && strings.HasPrefix(line, m.Summary):
			cur.Summary = markerRest(line, m.Summary)
			extend(i)

		case comp == compAnswer && !local && strings.HasPrefix(line, m.Reasoning):
			cur.Reasoning = markerRest(line, m.Reasoning)
			extend(i)

		case strings.HasPrefix(line, m.Local):
			local = true
			extend(i)

		case local:
			extend(i)

		default:
			if comp == compQuestion && strings.HasPrefix(line, m.FileRef) {
				if ref := strings.TrimSpace(strings.TrimPrefix(line, m.FileRef)); ref != "" {
					cur.Question.FileRefs = append(cur.Question.FileRefs, ref)
				}
			}
			content = append(content, line)
			extend(i)
		}
	}
	flush()
	return chat
}

func parseHeader(h *Header, lines []string) {
	for i, line := range lines {
		match := headerLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if match == nil {
			continue
		}
		key, value := match[1], strings.TrimSpace(match[2])
		if _, seen := h.Values[key]; !seen {
			h.Keys = append(h.Keys, key)
		}
		h.Values[key] = value
		h.Lines[key] = i
		h.Prefixes[key] = line[:1]
		if key == "tags" {
			h.Tags = splitTags(value)
		}
	}
}

func splitTags(value string) []string {
	var out []string
	for _, t := range tagSplit.Split(value, -1) {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func markerRest(line, marker string) string {
	return strings.TrimPrefix(strings.TrimPrefix(line, marker), " ")
}
