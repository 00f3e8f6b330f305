package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Paths address config values by their JSON names joined with dots, for
// example "webhook.dmEnabled" or "providers.openai.apiKey".

// ErrUnknownPath is returned when a path names no config field.
var ErrUnknownPath = errors.New("unknown config path")

// GetByPath returns the value at path. Sections are returned as structs or maps.
func GetByPath(cfg *Config, path string) (any, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	v := reflect.ValueOf(cfg).Elem()
	for _, key := range parts {
		switch v.Kind() {
		case reflect.Struct:
			f, ok := fieldByName(v, key)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
			}
			v = f
		case reflect.Map:
			e := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
			if !e.IsValid() {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
			}
			v = e
		case reflect.Slice:
			idx, err := sliceIndex(v, key)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			v = v.Index(idx)
		default:
			return nil, fmt.Errorf("%w: %s (%s is a value, not a section)", ErrUnknownPath, path, key)
		}
	}
	return v.Interface(), nil
}

// SetByPath converts value to the type of the field at path and stores it.
// String values are parsed according to the field: booleans, integers and
// floats with strconv, string lists as comma-separated items, sections as
// JSON. The updated config must pass Validate; otherwise cfg is unchanged.
func SetByPath(cfg *Config, path string, value any) error {
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	next, err := clone(cfg)
	if err != nil {
		return err
	}
	if err := assign(reflect.ValueOf(next).Elem(), parts, path, value); err != nil {
		return err
	}
	if err := Validate(next); err != nil {
		return err
	}
	*cfg = *next
	return nil
}

// ListPaths returns every leaf path with its current value. Map entries such
// as providers are expanded by key.
func ListPaths(cfg *Config) map[string]any {
	out := make(map[string]any)
	collectPaths("", reflect.ValueOf(cfg).Elem(), out)
	return out
}

func collectPaths(prefix string, v reflect.Value, out map[string]any) {
	switch v.Kind() {
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			collectPaths(joinPath(prefix, jsonName(t.Field(i))), v.Field(i), out)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			collectPaths(joinPath(prefix, fmt.Sprint(iter.Key().Interface())), iter.Value(), out)
		}
	default:
		out[prefix] = v.Interface()
	}
}

func assign(v reflect.Value, parts []string, path string, value any) error {
	key, rest := parts[0], parts[1:]
	switch v.Kind() {
	case reflect.Struct:
		f, ok := fieldByName(v, key)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
		return assignOrRecurse(f, rest, path, value)
	case reflect.Map:
		if v.IsNil() {
			v.Set(reflect.MakeMap(v.Type()))
		}
		// Map elements are not addressable: edit a copy and store it back.
		k := reflect.ValueOf(key).Convert(v.Type().Key())
		elem := reflect.New(v.Type().Elem()).Elem()
		if cur := v.MapIndex(k); cur.IsValid() {
			elem.Set(cur)
		}
		if err := assignOrRecurse(elem, rest, path, value); err != nil {
			return err
		}
		v.SetMapIndex(k, elem)
		return nil
	case reflect.Slice:
		idx, err := sliceIndex(v, key)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		return assignOrRecurse(v.Index(idx), rest, path, value)
	default:
		return fmt.Errorf("%w: %s (%s is a value, not a section)", ErrUnknownPath, path, key)
	}
}

func assignOrRecurse(v reflect.Value, rest []string, path string, value any) error {
	if len(rest) > 0 {
		return assign(v, rest, path, value)
	}
	converted, err := convertValue(value, v.Type())
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	v.Set(converted)
	return nil
}

func convertValue(value any, t reflect.Type) (reflect.Value, error) {
	if rv := reflect.ValueOf(value); rv.IsValid() && rv.Type().AssignableTo(t) {
		return rv, nil
	}
	s, ok := value.(string)
	if !ok {
		return reflect.Value{}, fmt.Errorf("cannot use %T as %s", value, t)
	}

	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.String:
		out.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return reflect.Value{}, fmt.Errorf("expected true or false, got %q", s)
		}
		out.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, t.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("expected an integer, got %q", s)
		}
		out.SetInt(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), t.Bits())
		if err != nil {
			return reflect.Value{}, fmt.Errorf("expected a number, got %q", s)
		}
		out.SetFloat(f)
	case reflect.Slice:
		if t.Elem().Kind() == reflect.String && !strings.HasPrefix(strings.TrimSpace(s), "[") {
			var items []string
			for _, item := range strings.Split(s, ",") {
				if item = strings.TrimSpace(item); item != "" {
					items = append(items, item)
				}
			}
			out.Set(reflect.ValueOf(items).Convert(t))
			break
		}
		fallthrough
	default:
		if err := json.Unmarshal([]byte(s), out.Addr().Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("expected JSON for %s: %w", t, err)
		}
	}
	return out, nil
}

func fieldByName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).IsExported() && jsonName(t.Field(i)) == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func sliceIndex(v reflect.Value, key string) (int, error) {
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 || idx >= v.Len() {
		return 0, fmt.Errorf("invalid index %q (length %d)", key, v.Len())
	}
	return idx, nil
}

func splitPath(path string) ([]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("empty config path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
		}
	}
	return parts, nil
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}

// clone deep-copies cfg through its JSON form.
func clone(cfg *Config) (*Config, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var out Config
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sanitize returns a copy of the config with secrets masked.
func Sanitize(cfg *Config) *Config {
	out, err := clone(cfg)
	if err != nil {
		return &Config{}
	}
	for name, prov := range out.Providers {
		prov.APIKey = maskSecret(prov.APIKey)
		out.Providers[name] = prov
	}
	out.Slack.BotToken = maskSecret(out.Slack.BotToken)
	out.Slack.SigningSecret = maskSecret(out.Slack.SigningSecret)
	out.Server.APIKey = maskSecret(out.Server.APIKey)
	return out
}

// maskSecret keeps the first and last four characters of long secrets.
// Empty stays empty so "not configured" remains visible.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "***"
	default:
		return s[:4] + "****" + s[len(s)-4:]
	}
}
