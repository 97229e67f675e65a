package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Manager is the untyped key/value layer beneath Config: JSON and
// environment sources write into it, Unmarshal projects it onto a struct.
// Keys are lowercase with underscores, matching the `config` struct tags.
type Manager struct {
	mu       sync.RWMutex
	values   map[string]any
	watchers []func()
}

func NewManager() *Manager {
	return &Manager{values: make(map[string]any)}
}

// Set stores a value and notifies watchers.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	watchers := m.watchers
	m.mu.Unlock()

	for _, w := range watchers {
		w()
	}
}

func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Watch registers a callback invoked after any value changes, used by the
// file watcher to push reloads.
func (m *Manager) Watch(fn func()) {
	m.mu.Lock()
	m.watchers = append(m.watchers, fn)
	m.mu.Unlock()
}

// LoadFromJSON merges a JSON object into the manager. Nested objects are
// flattened with underscores.
func (m *Manager) LoadFromJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	m.merge("", values)
	return nil
}

func (m *Manager) merge(prefix string, values map[string]any) {
	for key, value := range values {
		full := strings.ToLower(key)
		if prefix != "" {
			full = prefix + "_" + full
		}
		if nested, ok := value.(map[string]any); ok {
			m.merge(full, nested)
			continue
		}
		m.Set(full, value)
	}
}

// LoadFromEnv merges environment variables carrying the prefix, so
// PREFIX_MAX_BODY_SIZE becomes max_body_size.
func (m *Manager) LoadFromEnv(prefix string) {
	prefix = prefix + "_"
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		m.Set(key, value)
	}
}

// Unmarshal projects the stored values onto target, a pointer to a struct
// with `config` tags. Fields without a stored value keep what they have,
// which is how defaults survive.
func (m *Manager) Unmarshal(target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: unmarshal target must be a struct pointer")
	}
	rv = rv.Elem()
	rt := rv.Type()

	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		key := field.Tag.Get("config")
		if key == "" {
			key = strings.ToLower(field.Name)
		}
		value, ok := m.values[key]
		if !ok {
			continue
		}
		if err := setField(rv.Field(i), value); err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return nil
}

func setField(field reflect.Value, value any) error {
	// Durations accept "90s" strings or plain seconds.
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := toDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(fmt.Sprintf("%v", value))
	case reflect.Int, reflect.Int64:
		n, err := toInt(value)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Bool:
		b, err := toBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Float64:
		f, err := toFloat(value)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func toInt(value any) (int64, error) {
	switch v := value.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("cannot convert %T to int", value)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(v))
	case float64:
		return v != 0, nil
	}
	return false, fmt.Errorf("cannot convert %T to bool", value)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	}
	return 0, fmt.Errorf("cannot convert %T to float", value)
}

func toDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(n * float64(time.Second)), nil
		}
		return time.ParseDuration(s)
	}
	return 0, fmt.Errorf("cannot convert %T to duration", value)
}
