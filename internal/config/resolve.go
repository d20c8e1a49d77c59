package config

import (
	"fmt"
	"time"

	"github.com/joomcode/errorx"
	"github.com/spf13/viper"
)

// Key names a configuration value.
type Key string

// Source provides configuration values. Lookup reports false when the source
// does not define key.
type Source interface {
	Name() string
	Lookup(key Key) (any, bool)
}

// MapSource is a Source backed by a map, used for defaults and command line
// overrides.
type MapSource struct {
	SourceName string
	Values     map[Key]any
}

// Name implements Source.
func (s MapSource) Name() string {
	return s.SourceName
}

// Lookup implements Source.
func (s MapSource) Lookup(key Key) (any, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// viperSource reads keys below a prefix of the loaded file.
type viperSource struct {
	name   string
	prefix string
	v      *viper.Viper
}

func (s viperSource) Name() string {
	return s.name
}

func (s viperSource) Lookup(key Key) (any, bool) {
	path := s.prefix + "." + string(key)
	if !s.v.IsSet(path) {
		return nil, false
	}
	return s.v.Get(path), true
}

// Resolve returns the value of key from the first source defining it.
func Resolve(key Key, sources ...Source) (any, Source, error) {
	for _, s := range sources {
		if v, ok := s.Lookup(key); ok {
			return v, s, nil
		}
	}
	return nil, nil, MissingKey.New("config key %q not found", key)
}

// resolver resolves typed values for one scope such as a repository. Values
// are never coerced: a quoted number is not an integer.
type resolver struct {
	scope   string
	sources []Source
}

func (r resolver) invalid(key Key, src Source, format string, args ...any) error {
	return InvalidValue.New("%s: %s (from %s): %s", r.scope, key, src.Name(), fmt.Sprintf(format, args...))
}

func (r resolver) lookup(key Key) (any, Source, error) {
	v, src, err := Resolve(key, r.sources...)
	if err != nil {
		return nil, nil, errorx.Decorate(err, "%s", r.scope)
	}
	return v, src, nil
}

func (r resolver) Int(key Key) (int, error) {
	v, src, err := r.lookup(key)
	if err != nil {
		return 0, err
	}
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	default:
		return 0, r.invalid(key, src, "expected an integer, got %T", v)
	}
	if n < 0 {
		return 0, r.invalid(key, src, "must not be negative, got %d", n)
	}
	return int(n), nil
}

func (r resolver) Bool(key Key) (bool, error) {
	v, src, err := r.lookup(key)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, r.invalid(key, src, "expected a boolean, got %T", v)
	}
	return b, nil
}

func (r resolver) String(key Key) (string, error) {
	v, src, err := r.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", r.invalid(key, src, "expected a string, got %T", v)
	}
	return s, nil
}

// OptionalString returns "" without error when no source defines key.
func (r resolver) OptionalString(key Key) (string, error) {
	if _, _, err := Resolve(key, r.sources...); err != nil {
		return "", nil
	}
	return r.String(key)
}

func (r resolver) Strings(key Key) ([]string, error) {
	v, src, err := r.lookup(key)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case []string:
		return append([]string{}, x...), nil
	case []any:
		out := make([]string, 0, len(x))
		for i, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, r.invalid(key, src, "item %d: expected a string, got %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, r.invalid(key, src, "expected a list of strings, got %T", v)
}

func (r resolver) Duration(key Key) (time.Duration, error) {
	s, err := r.String(key)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		_, src, _ := r.lookup(key)
		return 0, r.invalid(key, src, "expected a positive duration such as \"30s\", got %q", s)
	}
	return d, nil
}
