package googleai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"parley/internal/providers"
)

var safetyCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

type Dialect struct{}

func New() *Dialect { return &Dialect{} }

var _ providers.Dialect = (*Dialect)(nil)

func (d *Dialect) Name() string { return "googleai" }

// Encode maps system and user turns to "user", assistant turns to "model",
// and merges consecutive turns of the same role since the API rejects them.
func (d *Dialect) Encode(messages []providers.Message, model providers.ModelSpec, params map[string]any) (map[string]any, error) {
	if strings.TrimSpace(model.Name) == "" {
		return nil, fmt.Errorf("model name is empty")
	}
	type turn struct {
		role  string
		texts []string
	}
	var turns []turn
	for _, m := range messages {
		role := "user"
		if m.Role == providers.RoleAssistant {
			role = "model"
		}
		if n := len(turns); n > 0 && turns[n-1].role == role {
			turns[n-1].texts = append(turns[n-1].texts, m.Content)
			continue
		}
		turns = append(turns, turn{role: role, texts: []string{m.Content}})
	}

	contents := make([]map[string]any, 0, len(turns))
	for _, t := range turns {
		contents = append(contents, map[string]any{
			"role":  t.role,
			"parts": []map[string]any{{"text": strings.Join(t.texts, "\n")}},
		})
	}

	safety := make([]map[string]any, 0, len(safetyCategories))
	for _, c := range safetyCategories {
		safety = append(safety, map[string]any{"category": c, "threshold": "BLOCK_NONE"})
	}

	payload := map[string]any{
		"contents":       contents,
		"safetySettings": safety,
	}
	if len(params) > 0 {
		gen := make(map[string]any, len(params))
		for k, v := range params {
			gen[k] = v
		}
		payload["generationConfig"] = gen
	}
	return payload, nil
}

var textLine = regexp.MustCompile(`^\s*"text"\s*:`)

// DecodeLine handles the pretty-printed JSON array stream, where content
// arrives as bare `"text": "..."` lines, and the SSE variant with one
// complete response object per data line.
func (d *Dialect) DecodeLine(line string) providers.Frame {
	trimmed := strings.TrimSpace(line)
	if textLine.MatchString(trimmed) {
		var frag struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte("{"+strings.TrimSuffix(trimmed, ",")+"}"), &frag); err != nil {
			return providers.Frame{}
		}
		return providers.Frame{Content: frag.Text}
	}

	data := providers.StripSSE(trimmed)
	if !strings.HasPrefix(data, "{") {
		return providers.Frame{}
	}
	var resp response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return providers.Frame{}
	}
	out := providers.Frame{Content: resp.text()}
	if u, ok := resp.usage(); ok {
		out.Usage = &u
	}
	return out
}

var (
	promptCount    = regexp.MustCompile(`"promptTokenCount"\s*:\s*(\d+)`)
	candidateCount = regexp.MustCompile(`"candidatesTokenCount"\s*:\s*(\d+)`)
	cachedCount    = regexp.MustCompile(`"cachedContentTokenCount"\s*:\s*(\d+)`)
)

// ExtractUsage scans the last usageMetadata object in raw. Some transports
// escape the payload, so an unescaped copy is tried when nothing matches.
func (d *Dialect) ExtractUsage(raw string) (providers.Usage, bool) {
	if u, ok := scanUsage(raw); ok {
		return u, true
	}
	return scanUsage(strings.ReplaceAll(raw, `\"`, `"`))
}

func scanUsage(raw string) (providers.Usage, bool) {
	idx := strings.LastIndex(raw, `"usageMetadata"`)
	if idx < 0 {
		return providers.Usage{}, false
	}
	tail := raw[idx:]
	if end := strings.Index(tail, "}"); end >= 0 {
		tail = tail[:end+1]
	}
	u := providers.Usage{
		InputTokens:  firstInt(promptCount, tail),
		OutputTokens: firstInt(candidateCount, tail),
		CachedTokens: firstInt(cachedCount, tail),
	}
	return u, u.IsSet()
}

func firstInt(re *regexp.Regexp, s string) *int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

func (d *Dialect) FallbackContent(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, `"text"`) {
		return ""
	}
	var many []response
	if err := json.Unmarshal([]byte(raw), &many); err == nil {
		var b strings.Builder
		for _, r := range many {
			b.WriteString(r.text())
		}
		return b.String()
	}
	var one response
	if err := json.Unmarshal([]byte(raw), &one); err != nil {
		return ""
	}
	return one.text()
}

type response struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount        *int `json:"promptTokenCount"`
		CandidatesTokenCount    *int `json:"candidatesTokenCount"`
		CachedContentTokenCount *int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}

func (r response) text() string {
	var b strings.Builder
	for _, c := range r.Candidates {
		for _, p := range c.Content.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

func (r response) usage() (providers.Usage, bool) {
	if r.UsageMetadata == nil {
		return providers.Usage{}, false
	}
	u := providers.Usage{
		InputTokens:  r.UsageMetadata.PromptTokenCount,
		OutputTokens: r.UsageMetadata.CandidatesTokenCount,
		CachedTokens: r.UsageMetadata.CachedContentTokenCount,
	}
	return u, u.IsSet()
}
