package engine

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/flow"
)

// VariableStore is the conversation-scoped variable map. Values are kept in
// JSON shape: string, float64, bool, nil, []any and map[string]any.
type VariableStore map[string]any

// Get resolves a dotted path. Numeric segments index into lists.
func (v VariableStore) Get(path string) (any, bool) {
	return lookupPath(map[string]any(v), path)
}

// Set stores value under name after normalizing it.
func (v VariableStore) Set(name string, value any) error {
	if !flow.ValidVariableName(name) {
		return errx.New("invalid variable name", errx.TypeValidation).WithDetail("variable", name)
	}
	v[name] = Normalize(value)
	return nil
}

// Apply sets every update. Invalid names are reported, valid ones still land.
func (v VariableStore) Apply(updates map[string]any) []string {
	var rejected []string
	for _, name := range sortedKeys(updates) {
		if err := v.Set(name, updates[name]); err != nil {
			rejected = append(rejected, name)
		}
	}
	return rejected
}

// Clone returns a deep copy.
func (v VariableStore) Clone() VariableStore {
	out := make(VariableStore, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

// Snapshot returns a deep copy as a plain map for audit records.
func (v VariableStore) Snapshot() map[string]any {
	return map[string]any(v.Clone())
}

func lookupPath(root map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	var cur any = root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Normalize converts any Go value into the JSON shapes the store keeps.
func Normalize(value any) any {
	switch t := value.(type) {
	case nil, string, bool, float64:
		return t
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Normalize(item)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = Normalize(iter.Value().Interface())
			}
			return out
		}
	}

	// structs and anything else go through their JSON form
	data, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil
	}
	return decoded
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = cloneValue(item)
		}
		return out
	}
	return v
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
