package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"strings"

	"gopkg.in/yaml.v2"
)

// ErrConfiguration is returned (wrapped) for any missing, mistyped or
// invalid configuration value.
var ErrConfiguration = errors.New("configuration error")

// Config is a hierarchical key-value tree addressed by dotted paths
// such as "nonlocal.downsample".
//
// A Config is populated once (Load, New, Set) before a model is built and
// must not be changed afterwards.
type Config struct {
	root map[string]interface{}
}

// New creates a Config from a nested map.
func New(values map[string]interface{}) *Config {
	c := &Config{root: make(map[string]interface{})}
	for k, v := range values {
		c.root[k] = normalize(v)
	}
	return c
}

// Load reads a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses YAML bytes into a Config.
func Parse(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return New(raw), nil
}

// normalize converts yaml.v2 map[interface{}]interface{} nodes into
// map[string]interface{} so that lookups only deal with one map type.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, val := range t {
			s[i] = normalize(val)
		}
		return s
	default:
		return v
	}
}

// keyPath joins key parts and splits them on dots.
// Get("a.b", "c") and Get("a", "b", "c") address the same value.
func keyPath(keys ...string) []string {
	var parts []string
	for _, k := range keys {
		for _, p := range strings.Split(k, ".") {
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	return parts
}

// Get returns the raw value at the given path.
func (c *Config) Get(keys ...string) (interface{}, bool) {
	parts := keyPath(keys...)
	if len(parts) == 0 {
		return nil, false
	}

	var node interface{} = c.root
	for _, p := range parts {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		node, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Has reports whether a value exists at the given path.
func (c *Config) Has(keys ...string) bool {
	_, ok := c.Get(keys...)
	return ok
}

// Set stores a value at the given path, creating intermediate maps.
// It is meant for command-line overrides applied before model construction.
func (c *Config) Set(path string, value interface{}) {
	parts := keyPath(path)
	if len(parts) == 0 {
		return
	}
	node := c.root
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			node[p] = next
		}
		node = next
	}
	node[parts[len(parts)-1]] = normalize(value)
}

func missing(keys []string) error {
	return fmt.Errorf("%w: missing key %q", ErrConfiguration, strings.Join(keyPath(keys...), "."))
}

func mistyped(keys []string, want string, got interface{}) error {
	return fmt.Errorf("%w: key %q: expected %s, got %T", ErrConfiguration, strings.Join(keyPath(keys...), "."), want, got)
}

// String returns a string value.
func (c *Config) String(keys ...string) (string, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return "", missing(keys)
	}
	s, ok := v.(string)
	if !ok {
		return "", mistyped(keys, "string", v)
	}
	return s, nil
}

// StringOr returns a string value or def when the key is absent.
func (c *Config) StringOr(def string, keys ...string) (string, error) {
	if !c.Has(keys...) {
		return def, nil
	}
	return c.String(keys...)
}

// Bool returns a bool value.
func (c *Config) Bool(keys ...string) (bool, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return false, missing(keys)
	}
	b, ok := v.(bool)
	if !ok {
		return false, mistyped(keys, "bool", v)
	}
	return b, nil
}

// BoolOr returns a bool value or def when the key is absent.
func (c *Config) BoolOr(def bool, keys ...string) (bool, error) {
	if !c.Has(keys...) {
		return def, nil
	}
	return c.Bool(keys...)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Int returns an integer value.
func (c *Config) Int(keys ...string) (int, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return 0, missing(keys)
	}
	n, ok := toInt(v)
	if !ok {
		return 0, mistyped(keys, "int", v)
	}
	return n, nil
}

// IntOr returns an integer value or def when the key is absent.
func (c *Config) IntOr(def int, keys ...string) (int, error) {
	if !c.Has(keys...) {
		return def, nil
	}
	return c.Int(keys...)
}

// Float returns a float value. Integers are accepted.
func (c *Config) Float(keys ...string) (float64, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return 0, missing(keys)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, mistyped(keys, "float", v)
	}
	return f, nil
}

// FloatOr returns a float value or def when the key is absent.
func (c *Config) FloatOr(def float64, keys ...string) (float64, error) {
	if !c.Has(keys...) {
		return def, nil
	}
	return c.Float(keys...)
}

// Ints returns a list of integers.
func (c *Config) Ints(keys ...string) ([]int, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return nil, missing(keys)
	}
	switch t := v.(type) {
	case []int:
		return t, nil
	case []interface{}:
		out := make([]int, len(t))
		for i, e := range t {
			n, ok := toInt(e)
			if !ok {
				return nil, mistyped(keys, "list of int", v)
			}
			out[i] = n
		}
		return out, nil
	}
	return nil, mistyped(keys, "list of int", v)
}

// Floats returns a list of floats.
func (c *Config) Floats(keys ...string) ([]float64, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return nil, missing(keys)
	}
	switch t := v.(type) {
	case []float64:
		return t, nil
	case []interface{}:
		out := make([]float64, len(t))
		for i, e := range t {
			f, ok := toFloat(e)
			if !ok {
				return nil, mistyped(keys, "list of float", v)
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, mistyped(keys, "list of float", v)
}

// Strings returns a list of strings. A single string is returned as a
// one-element list.
func (c *Config) Strings(keys ...string) ([]string, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return nil, missing(keys)
	}
	switch t := v.(type) {
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []interface{}:
		out := make([]string, len(t))
		for i, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, mistyped(keys, "list of string", v)
			}
			out[i] = s
		}
		return out, nil
	}
	return nil, mistyped(keys, "list of string", v)
}

// FloatMap returns a mapping of names to float values, e.g. a loss weight table.
func (c *Config) FloatMap(keys ...string) (map[string]float64, error) {
	v, ok := c.Get(keys...)
	if !ok {
		return nil, missing(keys)
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, mistyped(keys, "mapping", v)
	}
	out := make(map[string]float64, len(m))
	for k, e := range m {
		f, ok := toFloat(e)
		if !ok {
			return nil, mistyped(append(keys, k), "float", e)
		}
		out[k] = f
	}
	return out, nil
}
