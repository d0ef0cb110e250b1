package params

import "parley/internal/providers"

// Builtin returns the schemas shipped for the known providers. Config files
// may replace any entry by key.
func Builtin() Catalog {
	return Catalog{
		"openai": {
			Params: map[string]Param{
				"temperature":       {Range: &Range{0, 2}},
				"top_p":             {Range: &Range{0, 1}},
				"max_tokens":        {Range: &Range{1, 128000}},
				"presence_penalty":  {Range: &Range{-2, 2}},
				"frequency_penalty": {Range: &Range{-2, 2}},
				"seed":              {},
			},
			Overrides: []Override{{
				Pattern: providers.ReasoningModelPattern,
				Delete:  []string{"temperature", "top_p", "max_tokens"},
				Params: map[string]Param{
					"reasoning_effort":      {Enum: []string{"low", "medium", "high"}, Default: "medium"},
					"max_completion_tokens": {Range: &Range{1, 128000}},
				},
			}},
		},
		"anthropic": {
			Params: map[string]Param{
				"max_tokens":  {Range: &Range{1, 64000}, Default: 4096},
				"temperature": {Range: &Range{0, 1}},
				"top_p":       {Range: &Range{0, 1}},
				"top_k":       {Range: &Range{1, 500}},
			},
			Groups: []Group{
				{Kind: AtMostOne, Params: []string{"temperature", "top_p"}},
				{Kind: RequireOne, Params: []string{"max_tokens"}},
			},
			Overrides: []Override{{
				Pattern: `^claude-3-haiku`,
				Params: map[string]Param{
					"max_tokens": {Range: &Range{1, 4096}, Default: 4096},
				},
			}},
		},
		"googleai": {
			Params: map[string]Param{
				"temperature":     {Range: &Range{0, 2}},
				"top_p":           {Range: &Range{0, 1}, WireName: "topP"},
				"top_k":           {Range: &Range{1, 100}, WireName: "topK"},
				"max_tokens":      {Range: &Range{1, 65536}, WireName: "maxOutputTokens"},
				"candidate_count": {Range: &Range{1, 8}, WireName: "candidateCount"},
			},
		},
		"ollama": {
			Params: map[string]Param{
				"temperature": {Range: &Range{0, 2}},
				"top_p":       {Range: &Range{0, 1}},
				"max_tokens":  {Range: &Range{1, 131072}},
				"seed":        {},
			},
		},
	}
}
