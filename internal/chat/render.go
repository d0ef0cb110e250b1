package chat

import "strings"

// Render writes chat back in the transcript grammar. Line positions are
// not preserved; parsing the output yields the same header and exchanges
// with positions matching the rendered text.
func Render(chat *ParsedChat, m Markers) string {
	m = m.withDefaults()
	var out []string

	if chat.HeaderEnd >= 0 || len(chat.Header.Keys) > 0 {
		for _, k := range chat.Header.Keys {
			prefix := chat.Header.Prefixes[k]
			if prefix == "" {
				prefix = "-"
			}
			out = append(out, strings.TrimRight(prefix+" "+k+": "+chat.Header.Values[k], " "))
		}
		out = append(out, m.Separator, "")
	}

	for i, ex := range chat.Exchanges {
		if !ex.Question.Synthetic {
			out = append(out, markerLine(m.User, ex.Question.Content))
		}
		if ex.Answer != nil {
			head := m.Assistant
			if ex.Answer.Agent != "" {
				head += "[" + ex.Answer.Agent + "]"
			}
			out = append(out, markerLine(head, ex.Answer.Content))
			if ex.Summary != "" {
				out = append(out, markerLine(m.Summary, ex.Summary))
			}
			if ex.Reasoning != "" {
				out = append(out, markerLine(m.Reasoning, ex.Reasoning))
			}
		}
		if i < len(chat.Exchanges)-1 {
			out = append(out, "")
		}
	}
	return strings.Join(out, "\n")
}

func markerLine(marker, content string) string {
	if content == "" {
		return marker
	}
	return marker + " " + content
}
