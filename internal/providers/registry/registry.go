package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"parley/internal/params"
	"parley/internal/providers"
	"parley/internal/providers/anthropic_messages"
	"parley/internal/providers/custom_http"
	"parley/internal/providers/googleai"
	"parley/internal/providers/openai_compat"
)

var (
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrProviderDisabled = errors.New("provider is disabled")
	ErrMissingEndpoint  = errors.New("provider endpoint is empty")
	ErrMissingSecret    = errors.New("provider secret is empty")
)

type Registry struct {
	providers map[string]providers.ProviderSpec
	catalog   params.Catalog
}

func New(specs []providers.ProviderSpec, catalog params.Catalog) *Registry {
	r := &Registry{
		providers: make(map[string]providers.ProviderSpec, len(specs)),
		catalog:   catalog,
	}
	for _, s := range specs {
		r.providers[s.Name] = s
	}
	return r
}

func (r *Registry) Lookup(name string) (providers.ProviderSpec, error) {
	spec, ok := r.providers[name]
	if !ok {
		return providers.ProviderSpec{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if spec.Disabled {
		return providers.ProviderSpec{}, fmt.Errorf("%w: %q", ErrProviderDisabled, name)
	}
	if strings.TrimSpace(spec.Endpoint) == "" {
		return providers.ProviderSpec{}, fmt.Errorf("%w: %q", ErrMissingEndpoint, name)
	}
	return spec, nil
}

// Names lists every configured provider, disabled ones included.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for k := range r.providers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// DialectFor selects the wire dialect implementation for a provider.
func DialectFor(spec providers.ProviderSpec) (providers.Dialect, error) {
	switch dialectTag(spec) {
	case "openai":
		return openai_compat.New(), nil
	case "anthropic":
		return anthropic_messages.New(), nil
	case "googleai":
		return googleai.New(), nil
	case "generic":
		return custom_http.New(spec.BodyTemplate)
	default:
		return nil, fmt.Errorf("unsupported dialect %q for provider %q", spec.Dialect, spec.Name)
	}
}

func dialectTag(spec providers.ProviderSpec) string {
	switch spec.Dialect {
	case "openai", "openai-compatible", "openai_compat", "":
		return "openai"
	case "anthropic", "anthropic_messages":
		return "anthropic"
	case "googleai", "google", "gemini":
		return "googleai"
	case "generic", "custom_http", "custom-http":
		return "generic"
	default:
		return spec.Dialect
	}
}

// Schema returns the merged parameter schema for a provider and model. The
// boolean is false when no schema is registered for the provider.
func (r *Registry) Schema(provider, model string) (params.Schema, bool, error) {
	spec, err := r.Lookup(provider)
	if err != nil {
		return params.Schema{}, false, err
	}
	ps, ok := r.catalog.Lookup(spec.Name, dialectTag(spec))
	if !ok {
		return params.Schema{}, false, nil
	}
	schema, err := ps.For(model)
	if err != nil {
		return params.Schema{}, false, err
	}
	return schema, true, nil
}

// ResolveParams returns the wire params for model. Bare models and the
// generic dialect send none; providers without a schema get the user
// values unchanged.
func (r *Registry) ResolveParams(provider string, model providers.ModelSpec) (map[string]any, error) {
	spec, err := r.Lookup(provider)
	if err != nil {
		return nil, err
	}
	if model.Bare || dialectTag(spec) == "generic" {
		return nil, nil
	}
	schema, ok, err := r.Schema(provider, model.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return model.Clone().Params, nil
	}
	return params.Resolve(schema, model.Params), nil
}

func (r *Registry) Validate(provider string, model providers.ModelSpec) (params.Report, error) {
	if model.Bare {
		return params.Report{}, nil
	}
	schema, ok, err := r.Schema(provider, model.Name)
	if err != nil || !ok {
		return params.Report{}, err
	}
	return params.Validate(schema, model.Params), nil
}

// PreparePayload builds the full request body. Group violations abort with
// an error wrapping params.ErrValidation.
func (r *Registry) PreparePayload(messages []providers.Message, model providers.ModelSpec, provider string) (map[string]any, error) {
	spec, err := r.Lookup(provider)
	if err != nil {
		return nil, err
	}
	report, err := r.Validate(provider, model)
	if err != nil {
		return nil, err
	}
	if err := report.Err(); err != nil {
		return nil, err
	}
	wireParams, err := r.ResolveParams(provider, model)
	if err != nil {
		return nil, err
	}
	dialect, err := DialectFor(spec)
	if err != nil {
		return nil, err
	}
	body, err := dialect.Encode(messages, model, wireParams)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", dialect.Name(), err)
	}
	return body, nil
}

// Endpoint renders the {{model}} and {{secret}} placeholders. Bare
// OpenAI-style base URLs get the chat completions path appended.
func Endpoint(spec providers.ProviderSpec, model, secret string) (string, error) {
	if strings.TrimSpace(spec.Endpoint) == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingEndpoint, spec.Name)
	}
	if strings.Contains(spec.Endpoint, "{{secret}}") && secret == "" {
		return "", fmt.Errorf("%w: %q", ErrMissingSecret, spec.Name)
	}
	endpoint := spec.Endpoint
	if dialectTag(spec) == "openai" {
		var err error
		if endpoint, err = openai_compat.EndpointURL(endpoint); err != nil {
			return "", err
		}
	}
	endpoint = strings.ReplaceAll(endpoint, "{{model}}", model)
	endpoint = strings.ReplaceAll(endpoint, "{{secret}}", secret)
	return endpoint, nil
}

// AuthStyle returns the configured auth style or the dialect's usual one.
func AuthStyle(spec providers.ProviderSpec) providers.AuthStyle {
	if spec.Auth != "" {
		return spec.Auth
	}
	switch dialectTag(spec) {
	case "anthropic":
		return providers.AuthAnthropic
	case "googleai":
		return providers.AuthURL
	default:
		return providers.AuthBearer
	}
}

// AuthHeaders returns `Name: value` header lines for the request, extra
// provider headers included, in stable order.
func AuthHeaders(spec providers.ProviderSpec, secret string) []string {
	var out []string
	if secret != "" {
		switch AuthStyle(spec) {
		case providers.AuthBearer:
			out = append(out, "Authorization: Bearer "+secret)
		case providers.AuthAnthropic:
			out = append(out, "x-api-key: "+secret, "anthropic-version: "+anthropic_messages.APIVersion)
		case providers.AuthAPIKey:
			out = append(out, "api-key: "+secret)
		}
	}

	keys := make([]string, 0, len(spec.Headers))
	for k := range spec.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+": "+strings.ReplaceAll(spec.Headers[k], "{{secret}}", secret))
	}
	return out
}
