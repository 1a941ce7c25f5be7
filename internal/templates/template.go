package templates

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Parameter roles understood by threshold adaptation.
const (
	RoleOversold   = "oversold"
	RoleOverbought = "overbought"
	RoleBreakout   = "breakout"
)

// ParamSpec bounds one tunable parameter.
type ParamSpec struct {
	Default float64 `yaml:"default" json:"default"`
	Min     float64 `yaml:"min" json:"min"`
	Max     float64 `yaml:"max" json:"max"`
	Role    string  `yaml:"role,omitempty" json:"role,omitempty"`
	// Fixed parameters are never optimized.
	Fixed bool `yaml:"fixed,omitempty" json:"fixed,omitempty"`
}

// Clamp keeps v inside [Min, Max].
func (p ParamSpec) Clamp(v float64) float64 {
	if math.IsNaN(v) {
		return p.Default
	}
	return math.Max(p.Min, math.Min(p.Max, v))
}

// ConditionSpec is one entry condition. The right-hand side is Threshold, or
// the Param value when Param is set, optionally negated; when Reference names
// another series the right-hand side becomes reference + rhs·ATR.
type ConditionSpec struct {
	Indicator  string  `yaml:"indicator" json:"indicator"`
	Comparator string  `yaml:"comparator" json:"comparator"`
	Threshold  float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Param      string  `yaml:"param,omitempty" json:"param,omitempty"`
	Negate     bool    `yaml:"negate,omitempty" json:"negate,omitempty"`
	Reference  string  `yaml:"reference,omitempty" json:"reference,omitempty"`
	Timeframe  string  `yaml:"timeframe,omitempty" json:"timeframe,omitempty"`
}

// Template describes how one strategy family builds its entry conditions.
type Template struct {
	ID          string               `yaml:"id" json:"id"`
	Description string               `yaml:"description" json:"description"`
	Version     int                  `yaml:"version" json:"version"`
	Logic       string               `yaml:"logic" json:"logic"`
	OrderType   string               `yaml:"order_type" json:"order_type"`
	Regimes     []string             `yaml:"regimes" json:"regimes"`
	Long        []ConditionSpec      `yaml:"long" json:"long"`
	Short       []ConditionSpec      `yaml:"short" json:"short"`
	Params      map[string]ParamSpec `yaml:"params" json:"params"`
	Schema      map[string]any       `yaml:"schema,omitempty" json:"schema,omitempty"`

	schemaCompiled *jsonschema.Schema
}

var comparators = map[string]bool{
	"<": true, "<=": true, ">": true, ">=": true,
	"crosses_above": true, "crosses_below": true,
}

// ValidComparator reports whether c is a known comparator.
func ValidComparator(c string) bool { return comparators[c] }

func normalizeTemplate(name string, tpl Template) (Template, error) {
	tpl.ID = strings.TrimSpace(tpl.ID)
	if tpl.ID == "" {
		tpl.ID = strings.TrimSpace(name)
	}
	tpl.ID = strings.ToLower(tpl.ID)
	if tpl.Version <= 0 {
		tpl.Version = 1
	}
	tpl.Description = strings.TrimSpace(tpl.Description)
	tpl.Logic = strings.ToLower(strings.TrimSpace(tpl.Logic))
	if tpl.Logic == "" {
		tpl.Logic = "all"
	}
	if tpl.Logic != "all" && tpl.Logic != "any" {
		return tpl, fmt.Errorf("template %s: logic must be all or any", tpl.ID)
	}
	if tpl.OrderType == "" {
		tpl.OrderType = "market"
	}
	if len(tpl.Long) == 0 && len(tpl.Short) == 0 {
		return tpl, fmt.Errorf("template %s: no conditions", tpl.ID)
	}
	for key, p := range tpl.Params {
		if p.Min > p.Max || p.Default < p.Min || p.Default > p.Max {
			return tpl, fmt.Errorf("template %s: param %s default %.4g outside [%.4g, %.4g]", tpl.ID, key, p.Default, p.Min, p.Max)
		}
	}
	for _, side := range [][]ConditionSpec{tpl.Long, tpl.Short} {
		for _, c := range side {
			if strings.TrimSpace(c.Indicator) == "" {
				return tpl, fmt.Errorf("template %s: condition without indicator", tpl.ID)
			}
			if !ValidComparator(c.Comparator) {
				return tpl, fmt.Errorf("template %s: unknown comparator %q", tpl.ID, c.Comparator)
			}
			if c.Param != "" {
				if _, ok := tpl.Params[c.Param]; !ok {
					return tpl, fmt.Errorf("template %s: condition references unknown param %s", tpl.ID, c.Param)
				}
			}
		}
	}
	if len(tpl.Schema) > 0 {
		compiled, err := compileSchema(tpl.ID, tpl.Schema)
		if err != nil {
			return tpl, fmt.Errorf("template %s: schema: %w", tpl.ID, err)
		}
		tpl.schemaCompiled = compiled
	}
	return tpl, nil
}

// DefaultParams returns every parameter at its default.
func (t Template) DefaultParams() map[string]float64 {
	out := make(map[string]float64, len(t.Params))
	for k, p := range t.Params {
		out[k] = p.Default
	}
	return out
}

// ParamKeys lists parameter names, sorted.
func (t Template) ParamKeys() []string {
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clamp bounds every known parameter and fills missing ones with defaults.
func (t Template) Clamp(params map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(t.Params))
	for k, p := range t.Params {
		v, ok := params[k]
		if !ok {
			v = p.Default
		}
		out[k] = p.Clamp(v)
	}
	return out
}

// SupportsRegime reports whether label is listed. An empty list means every
// regime.
func (t Template) SupportsRegime(label string) bool {
	if len(t.Regimes) == 0 {
		return true
	}
	for _, r := range t.Regimes {
		if strings.EqualFold(strings.TrimSpace(r), label) {
			return true
		}
	}
	return false
}

// Validate checks params against the declared bounds and the JSON schema.
func (t Template) Validate(params map[string]float64) error {
	doc := make(map[string]any, len(params))
	for k, v := range params {
		spec, ok := t.Params[k]
		if !ok {
			return fmt.Errorf("template %s: unknown param %s", t.ID, k)
		}
		if math.IsNaN(v) || v < spec.Min || v > spec.Max {
			return fmt.Errorf("template %s: param %s=%.6g outside [%.6g, %.6g]", t.ID, k, v, spec.Min, spec.Max)
		}
		doc[k] = v
	}
	if t.schemaCompiled == nil {
		return nil
	}
	return t.schemaCompiled.Validate(sanitizeParams(doc))
}

func compileSchema(id string, data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(normalizeYAML(data))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	name := id + ".schema.json"
	if err := compiler.AddResource(name, strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

// normalizeYAML converts yaml.v3 map[any]any leftovers into JSON-friendly maps.
func normalizeYAML(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = normalizeYAML(child)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[fmt.Sprint(k)] = normalizeYAML(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = normalizeYAML(child)
		}
		return out
	default:
		return val
	}
}

// sanitizeParams turns numeric strings into numbers before schema validation.
func sanitizeParams(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = sanitizeParams(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = sanitizeParams(child)
		}
		return out
	case string:
		s := strings.TrimSpace(val)
		if num, err := strconv.ParseFloat(s, 64); err == nil {
			return num
		}
		return val
	default:
		return val
	}
}
