package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/BurntSushi/toml"

	"parley/internal/chat"
	"parley/internal/params"
	"parley/internal/providers"
)

var (
	ErrUnknownAgent    = errors.New("unknown agent")
	ErrAgentProvider   = errors.New("agent references an unknown provider")
	ErrDuplicateName   = errors.New("duplicate name")
	ErrMissingProvider = errors.New("provider name is empty")
)

// Persona is the default system prompt. It asks for the summary line that
// the conversation window relies on once older exchanges are collapsed.
const Persona = "You are a versatile AI assistant with capabilities extending to general knowledge and coding support. " +
	"Be concise. When the answer involves code, show complete, working snippets. " +
	"After every answer, add one final line that starts with \"📝: \" and summarizes the exchange " +
	"(the question and your answer) in a single sentence, for example " +
	"\"📝: you asked how to reverse a list in Go and I explained slices.Reverse\"."

// File is the provider, agent and schema catalogue. Entries override the
// built-ins by name.
type File struct {
	DefaultAgent string                   `toml:"default_agent"`
	TopicAgent   string                   `toml:"topic_agent"`
	TopicPrompt  string                   `toml:"topic_prompt"`
	Markers      chat.Markers             `toml:"markers"`
	Providers    []providers.ProviderSpec `toml:"providers"`
	Agents       []chat.Agent             `toml:"agents"`
	Schemas      params.Catalog           `toml:"schemas"`
}

// LoadFile reads path on top of Defaults. An empty path yields the defaults.
func LoadFile(path string) (*File, error) {
	f := Defaults()
	if path == "" {
		return f, f.Validate()
	}
	var user File
	if _, err := toml.DecodeFile(path, &user); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	f.merge(user)
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return f, nil
}

func (f *File) merge(user File) {
	if user.DefaultAgent != "" {
		f.DefaultAgent = user.DefaultAgent
	}
	if user.TopicAgent != "" {
		f.TopicAgent = user.TopicAgent
	}
	if user.TopicPrompt != "" {
		f.TopicPrompt = user.TopicPrompt
	}
	m := user.Markers
	for _, pair := range []struct{ dst, src *string }{
		{&f.Markers.User, &m.User},
		{&f.Markers.Assistant, &m.Assistant},
		{&f.Markers.Summary, &m.Summary},
		{&f.Markers.Reasoning, &m.Reasoning},
		{&f.Markers.Local, &m.Local},
		{&f.Markers.FileRef, &m.FileRef},
		{&f.Markers.Separator, &m.Separator},
	} {
		if *pair.src != "" {
			*pair.dst = *pair.src
		}
	}

	for _, p := range user.Providers {
		if i := slices.IndexFunc(f.Providers, func(b providers.ProviderSpec) bool { return b.Name == p.Name }); i >= 0 {
			f.Providers[i] = p
			continue
		}
		f.Providers = append(f.Providers, p)
	}
	for _, a := range user.Agents {
		if i := slices.IndexFunc(f.Agents, func(b chat.Agent) bool { return b.Name == a.Name }); i >= 0 {
			f.Agents[i] = a
			continue
		}
		f.Agents = append(f.Agents, a)
	}
	f.Schemas = f.Schemas.With(user.Schemas)
}

// Validate checks names are unique and agents point at known providers.
func (f *File) Validate() error {
	seen := map[string]bool{}
	for _, p := range f.Providers {
		if p.Name == "" {
			return ErrMissingProvider
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: provider %q", ErrDuplicateName, p.Name)
		}
		seen[p.Name] = true
	}
	agents := map[string]bool{}
	for _, a := range f.Agents {
		if agents[a.Name] {
			return fmt.Errorf("%w: agent %q", ErrDuplicateName, a.Name)
		}
		agents[a.Name] = true
		if !seen[a.Provider] {
			return fmt.Errorf("%w: %s uses %q", ErrAgentProvider, a.Name, a.Provider)
		}
	}
	if f.DefaultAgent != "" && !agents[f.DefaultAgent] {
		return fmt.Errorf("%w: default_agent %q", ErrUnknownAgent, f.DefaultAgent)
	}
	if f.TopicAgent != "" && !agents[f.TopicAgent] {
		return fmt.Errorf("%w: topic_agent %q", ErrUnknownAgent, f.TopicAgent)
	}
	return nil
}

// Agent returns the named agent, or the default one for an empty name.
// Agents without a system prompt get the default persona.
func (f *File) Agent(name string) (chat.Agent, error) {
	if name == "" {
		name = f.DefaultAgent
	}
	for _, a := range f.Agents {
		if a.Name == name {
			if a.SystemPrompt == "" {
				a.SystemPrompt = Persona
			}
			a.Model = a.Model.Clone()
			return a, nil
		}
	}
	return chat.Agent{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
}

func (f *File) AgentNames() []string {
	names := make([]string, 0, len(f.Agents))
	for _, a := range f.Agents {
		names = append(names, a.Name)
	}
	return names
}

// Defaults returns the built-in providers, agents and schemas.
func Defaults() *File {
	return &File{
		DefaultAgent: "ChatClaude-Sonnet",
		TopicPrompt:  chat.DefaultTopicPrompt,
		Markers:      chat.DefaultMarkers(),
		Providers: []providers.ProviderSpec{
			{
				Name:      "openai",
				Endpoint:  "https://api.openai.com/v1",
				Dialect:   "openai",
				SecretRef: "env:OPENAI_API_KEY",
			},
			{
				Name:      "anthropic",
				Endpoint:  "https://api.anthropic.com/v1/messages",
				Dialect:   "anthropic",
				SecretRef: "env:ANTHROPIC_API_KEY",
			},
			{
				Name:      "googleai",
				Endpoint:  "https://generativelanguage.googleapis.com/v1beta/models/{{model}}:streamGenerateContent?key={{secret}}",
				Dialect:   "googleai",
				SecretRef: "env:GOOGLEAI_API_KEY",
				Auth:      providers.AuthURL,
			},
			{
				Name:     "ollama",
				Endpoint: "http://localhost:11434/v1",
				Dialect:  "openai",
				Auth:     providers.AuthNone,
			},
			{
				Name:      "azure",
				Endpoint:  "https://your-resource.openai.azure.com/openai/deployments/{{model}}/chat/completions?api-version=2024-06-01",
				Dialect:   "openai",
				SecretRef: "env:AZURE_API_KEY",
				Auth:      providers.AuthAPIKey,
				Disabled:  true,
			},
		},
		Agents: []chat.Agent{
			{
				Name:     "ChatGPT4o",
				Provider: "openai",
				Model:    providers.ModelSpec{Name: "gpt-4o", Params: map[string]any{"temperature": 0.7, "top_p": 1}},
			},
			{
				Name:     "ChatO3-mini",
				Provider: "openai",
				Model:    providers.ModelSpec{Name: "o3-mini", Params: map[string]any{"reasoning_effort": "medium"}},
			},
			{
				Name:     "ChatClaude-Sonnet",
				Provider: "anthropic",
				Model:    providers.ModelSpec{Name: "claude-sonnet-4-20250514", Params: map[string]any{"temperature": 0.7, "max_tokens": 8192}},
			},
			{
				Name:     "ChatClaude-Haiku",
				Provider: "anthropic",
				Model:    providers.ModelSpec{Name: "claude-3-haiku-20240307", Params: map[string]any{"temperature": 0.5}},
			},
			{
				Name:     "ChatGemini",
				Provider: "googleai",
				Model:    providers.ModelSpec{Name: "gemini-2.5-flash", Params: map[string]any{"temperature": 0.7, "top_p": 1}},
			},
			{
				Name:     "ChatOllama",
				Provider: "ollama",
				Model:    providers.ModelSpec{Name: "llama3.1", Bare: true},
			},
		},
		Schemas: params.Builtin(),
	}
}
