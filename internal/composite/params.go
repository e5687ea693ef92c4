package composite

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind is the value type of a parameter.
type Kind string

const (
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindString Kind = "string"
)

// Param declares one user-settable algorithm parameter.
type Param struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Kind    Kind   `json:"kind"`
	Default any    `json:"default"`
	// Band marks a 1-based band number; it must be at least 1 and is
	// range-checked against the reference raster in Prepare.
	Band bool `json:"band,omitempty"`
}

// Descriptor is the catalog entry of an algorithm.
type Descriptor struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Extends     string  `json:"extends,omitempty"`
	Params      []Param `json:"params"`
}

// Param returns the declaration of name.
func (d Descriptor) Param(name string) (Param, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

func (d Descriptor) clone() Descriptor {
	d.Params = append([]Param(nil), d.Params...)
	return d
}

// Values are resolved parameter values keyed by parameter name; every
// declared parameter is present with its declared kind.
type Values map[string]any

func (v Values) Int(name string) int {
	i, _ := v[name].(int)
	return i
}

func (v Values) Float(name string) float64 {
	f, _ := v[name].(float64)
	return f
}

func (v Values) Text(name string) string {
	s, _ := v[name].(string)
	return s
}

// Resolve merges raw over the declared defaults of d, coercing each value
// to its declared kind. Unknown names and values of the wrong kind are
// reported as *ConfigError.
func Resolve(d Descriptor, raw map[string]any) (Values, error) {
	vals := make(Values, len(d.Params))
	for _, p := range d.Params {
		v, err := coerce(p, p.Default)
		if err != nil {
			return nil, &ConfigError{Algorithm: d.Name, Param: p.Name, Err: fmt.Errorf("bad default: %w", err)}
		}
		vals[p.Name] = v
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := d.Param(name)
		if !ok {
			return nil, &ConfigError{Algorithm: d.Name, Param: name, Err: errors.New("unknown parameter")}
		}
		v, err := coerce(p, raw[name])
		if err != nil {
			return nil, &ConfigError{Algorithm: d.Name, Param: name, Err: err}
		}
		vals[name] = v
	}
	return vals, nil
}

func coerce(p Param, raw any) (any, error) {
	switch p.Kind {
	case KindInt:
		i, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		if p.Band && i < 1 {
			return nil, fmt.Errorf("band numbers start at 1, got %d", i)
		}
		return i, nil
	case KindFloat:
		return toFloat(raw)
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return fmt.Sprint(raw), nil
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported kind %q", p.Kind)
	}
}

func toInt(raw any) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("expected an integer, got %v", v)
		}
		return int(v), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("expected an integer, got %q", v)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", raw)
	}
}

func toFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected a number, got %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}
