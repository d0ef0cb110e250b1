package params

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var errRange = errors.New("range must be a two element numeric array")

type Range struct {
	Min float64
	Max float64
}

// UnmarshalTOML accepts `range = [0, 2]`.
func (r *Range) UnmarshalTOML(v any) error {
	arr, ok := v.([]any)
	if !ok || len(arr) != 2 {
		return errRange
	}
	lo, ok1 := toFloat(arr[0])
	hi, ok2 := toFloat(arr[1])
	if !ok1 || !ok2 || lo > hi {
		return errRange
	}
	r.Min, r.Max = lo, hi
	return nil
}

func (r Range) clamp(v float64) float64 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

type Param struct {
	Range    *Range   `toml:"range"`
	Enum     []string `toml:"enum"`
	Default  any      `toml:"default"`
	WireName string   `toml:"wire_name"`
}

func (p Param) wire(name string) string {
	if p.WireName != "" {
		return p.WireName
	}
	return name
}

type GroupKind string

const (
	AtMostOne  GroupKind = "at_most_one"
	RequireOne GroupKind = "require_one"
)

type Group struct {
	Kind   GroupKind `toml:"kind"`
	Params []string  `toml:"params"`
}

// Schema is the merged parameter set for one provider and model.
type Schema struct {
	Params map[string]Param
	Groups []Group
}

// Override adjusts a provider schema for model names matching Pattern.
type Override struct {
	Pattern     string           `toml:"pattern"`
	Delete      []string         `toml:"delete"`
	Params      map[string]Param `toml:"params"`
	Groups      []Group          `toml:"groups"`
	ClearGroups bool             `toml:"clear_groups"`
}

type ProviderSchema struct {
	Params    map[string]Param `toml:"params"`
	Groups    []Group          `toml:"groups"`
	Overrides []Override       `toml:"overrides"`
}

// For merges the base schema with every override whose pattern matches
// model, in declaration order.
func (ps ProviderSchema) For(model string) (Schema, error) {
	out := Schema{Params: make(map[string]Param, len(ps.Params))}
	for k, v := range ps.Params {
		out.Params[k] = v
	}
	out.Groups = cloneGroups(ps.Groups)

	for _, o := range ps.Overrides {
		re, err := regexp.Compile(o.Pattern)
		if err != nil {
			return Schema{}, fmt.Errorf("override pattern %q: %w", o.Pattern, err)
		}
		if !re.MatchString(model) {
			continue
		}
		for _, name := range o.Delete {
			delete(out.Params, name)
			out.Groups = pruneGroups(out.Groups, name)
		}
		if o.ClearGroups {
			out.Groups = nil
		}
		for k, v := range o.Params {
			out.Params[k] = v
		}
		out.Groups = append(out.Groups, cloneGroups(o.Groups)...)
	}
	return out, nil
}

// Names returns the schema's parameter names in stable order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.Params))
	for k := range s.Params {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Catalog holds provider schemas keyed by provider name or dialect tag.
type Catalog map[string]ProviderSchema

// Lookup prefers a schema registered under the provider's own name and
// falls back to its dialect.
func (c Catalog) Lookup(provider, dialect string) (ProviderSchema, bool) {
	if ps, ok := c[provider]; ok {
		return ps, true
	}
	ps, ok := c[dialect]
	return ps, ok
}

// With returns a copy of c with extra layered on top, key by key.
func (c Catalog) With(extra Catalog) Catalog {
	out := make(Catalog, len(c)+len(extra))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func cloneGroups(in []Group) []Group {
	if len(in) == 0 {
		return nil
	}
	out := make([]Group, 0, len(in))
	for _, g := range in {
		out = append(out, Group{Kind: g.Kind, Params: append([]string(nil), g.Params...)})
	}
	return out
}

func pruneGroups(groups []Group, name string) []Group {
	out := groups[:0]
	for _, g := range groups {
		kept := g.Params[:0]
		for _, p := range g.Params {
			if p != name {
				kept = append(kept, p)
			}
		}
		g.Params = kept
		if len(g.Params) > 0 {
			out = append(out, g)
		}
	}
	return out
}
