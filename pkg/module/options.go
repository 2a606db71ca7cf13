package module

import (
	"fmt"
	"strconv"
	"time"
)

// OptionType is the declared type of a module option value.
type OptionType string

const (
	OptionString   OptionType = "string"
	OptionInt      OptionType = "int"
	OptionBool     OptionType = "bool"
	OptionDuration OptionType = "duration"
)

// Option describes one recognized configuration key of a module:
// its name, type, default and whether Setup must fail without it.
type Option struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Type        OptionType `json:"type"`
	Default     string     `json:"default,omitempty"`
	Required    bool       `json:"required,omitempty"`
}

// ResolveOptions validates opts against the declared option set,
// applies defaults, and rejects unknown keys, missing required keys and
// values that do not parse as their declared type. All failures wrap
// ErrConfig so Setup callers can classify them.
func ResolveOptions(decl []Option, opts map[string]string) (map[string]string, error) {
	byName := make(map[string]Option, len(decl))
	for _, o := range decl {
		byName[o.Name] = o
	}

	for k := range opts {
		if _, ok := byName[k]; !ok {
			return nil, fmt.Errorf("%w: unknown option %q", ErrConfig, k)
		}
	}

	resolved := make(map[string]string, len(decl))
	for _, o := range decl {
		v, set := opts[o.Name]
		if !set || v == "" {
			if o.Required {
				return nil, fmt.Errorf("%w: missing required option %q", ErrConfig, o.Name)
			}
			v = o.Default
		}
		if v != "" {
			if err := checkType(o, v); err != nil {
				return nil, err
			}
		}
		resolved[o.Name] = v
	}
	return resolved, nil
}

func checkType(o Option, v string) error {
	switch o.Type {
	case OptionInt:
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("%w: option %q: %q is not an int", ErrConfig, o.Name, v)
		}
	case OptionBool:
		if _, err := strconv.ParseBool(v); err != nil {
			return fmt.Errorf("%w: option %q: %q is not a bool", ErrConfig, o.Name, v)
		}
	case OptionDuration:
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%w: option %q: %q is not a duration", ErrConfig, o.Name, v)
		}
	}
	return nil
}

// OptInt reads a resolved int option. Defaults have already been
// applied and type-checked by ResolveOptions.
func OptInt(opts map[string]string, name string) int {
	n, _ := strconv.Atoi(opts[name])
	return n
}

// OptBool reads a resolved bool option.
func OptBool(opts map[string]string, name string) bool {
	b, _ := strconv.ParseBool(opts[name])
	return b
}

// OptDuration reads a resolved duration option.
func OptDuration(opts map[string]string, name string) time.Duration {
	d, _ := time.ParseDuration(opts[name])
	return d
}
