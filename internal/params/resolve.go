package params

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

var ErrValidation = errors.New("parameter validation failed")

// Resolve turns user-supplied values into wire params. Params with neither
// a value nor a default are omitted so providers apply their own defaults.
func Resolve(schema Schema, user map[string]any) map[string]any {
	out := make(map[string]any, len(schema.Params))
	for name, p := range schema.Params {
		v, ok := user[name]
		if !ok {
			if p.Default == nil {
				continue
			}
			v = p.Default
		}
		v, keep := normalize(p, v)
		if !keep {
			continue
		}
		out[p.wire(name)] = v
	}
	return out
}

func normalize(p Param, v any) (any, bool) {
	if len(p.Enum) > 0 {
		s := fmt.Sprint(v)
		if slices.Contains(p.Enum, s) {
			return s, true
		}
		if p.Default == nil {
			return nil, false
		}
		return p.Default, true
	}
	if p.Range == nil {
		return v, true
	}
	f, ok := toFloat(v)
	if !ok {
		return v, true
	}
	clamped := p.Range.clamp(f)
	if isInteger(v) && clamped == math.Trunc(clamped) {
		return int(clamped), true
	}
	return clamped, true
}

type Report struct {
	Errors   []string
	Warnings []string
}

func (r Report) OK() bool { return len(r.Errors) == 0 }

// Err wraps ErrValidation with every error message, or returns nil.
func (r Report) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(r.Errors, "; "))
}

// Validate checks user values against schema. Unknown and out-of-range
// values only warn because Resolve drops or clamps them; group violations
// are errors.
func Validate(schema Schema, user map[string]any) Report {
	var r Report
	for _, name := range sortedKeys(user) {
		p, ok := schema.Params[name]
		if !ok {
			r.Warnings = append(r.Warnings, fmt.Sprintf("unknown parameter %q", name))
			continue
		}
		v := user[name]
		if len(p.Enum) > 0 {
			if !slices.Contains(p.Enum, fmt.Sprint(v)) {
				r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v is not one of %s", name, v, strings.Join(p.Enum, ", ")))
			}
			continue
		}
		if p.Range == nil {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v is not numeric", name, v))
			continue
		}
		if f < p.Range.Min || f > p.Range.Max {
			r.Warnings = append(r.Warnings, fmt.Sprintf("%s: %v outside [%g, %g], will be clamped", name, v, p.Range.Min, p.Range.Max))
		}
	}

	for _, g := range schema.Groups {
		present := make([]string, 0, len(g.Params))
		for _, name := range g.Params {
			p, known := schema.Params[name]
			if !known {
				continue
			}
			if _, set := user[name]; set || p.Default != nil {
				present = append(present, name)
			}
		}
		switch g.Kind {
		case AtMostOne:
			if len(present) > 1 {
				r.Errors = append(r.Errors, fmt.Sprintf("only one of %s may be set, got %s", strings.Join(g.Params, ", "), strings.Join(present, ", ")))
			}
		case RequireOne:
			if len(present) == 0 {
				r.Errors = append(r.Errors, fmt.Sprintf("one of %s must be set", strings.Join(g.Params, ", ")))
			}
		default:
			r.Errors = append(r.Errors, fmt.Sprintf("unknown group kind %q", g.Kind))
		}
	}
	return r
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func isInteger(v any) bool {
	switch t := v.(type) {
	case int, int64, int32:
		return true
	case string:
		_, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return err == nil
	default:
		return false
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
