package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Abraxas-365/relayflow/flow"
)

// ============================================================================
// Scope
// ============================================================================

// Scope exposes conversation variables plus the system variables
// (contact.*, conversation.id, now, today) to templates and predicates.
// User variables shadow system ones.
type Scope struct {
	vars   VariableStore
	system map[string]any
}

var _ flow.Scope = (*Scope)(nil)

// NewScope builds the scope seen by the node about to run.
func NewScope(state *ConversationState, now time.Time) *Scope {
	contact := map[string]any{
		"phone": state.Contact.Phone,
		"name":  state.Contact.Name,
	}
	for k, v := range state.Contact.Fields {
		if _, taken := contact[k]; !taken {
			contact[k] = v
		}
	}
	return &Scope{
		vars: state.Variables,
		system: map[string]any{
			"contact":      contact,
			"conversation": map[string]any{"id": state.ConversationID.String()},
			"now":          now.UTC().Format(time.RFC3339),
			"today":        now.UTC().Format("2006-01-02"),
		},
	}
}

// ScopeOf wraps a bare variable map, without system variables.
func ScopeOf(vars map[string]any) *Scope {
	return &Scope{vars: VariableStore(vars), system: map[string]any{}}
}

func (s *Scope) Lookup(path string) (any, bool) {
	if v, ok := s.vars.Get(path); ok {
		return v, true
	}
	return lookupPath(s.system, path)
}

// Env is the flat map handed to expression programs.
func (s *Scope) Env() map[string]any {
	env := make(map[string]any, len(s.system)+len(s.vars))
	for k, v := range s.system {
		env[k] = v
	}
	for k, v := range s.vars {
		env[k] = v
	}
	return env
}

// Variables returns a deep copy of the user variables only.
func (s *Scope) Variables() map[string]any {
	return s.vars.Snapshot()
}

// ============================================================================
// Resolver
// ============================================================================

var (
	placeholderPattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	pathPattern        = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z0-9_]+)*$`)
)

// Resolve replaces every {{ path }} in template with the stringified value.
// Unknown paths become "" and are reported as warnings. Substituted text is
// never scanned again, so values cannot inject placeholders.
func Resolve(template string, scope flow.Scope) (string, []string) {
	if !strings.Contains(template, "{{") {
		return template, nil
	}
	var warnings []string
	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		path := strings.TrimSpace(m[2 : len(m)-2])
		if !pathPattern.MatchString(path) {
			warnings = append(warnings, fmt.Sprintf("invalid placeholder %q", m))
			return ""
		}
		v, ok := scope.Lookup(path)
		if !ok {
			warnings = append(warnings, fmt.Sprintf("unresolved variable %q", path))
			return ""
		}
		return sanitize(Stringify(v))
	})
	return out, warnings
}

// ResolveValue walks a JSON-shaped value and resolves every string in it. A
// string that is exactly one placeholder keeps the referenced value's type.
func ResolveValue(value any, scope flow.Scope) (any, []string) {
	switch t := value.(type) {
	case string:
		if path, ok := singlePlaceholder(t); ok {
			v, found := scope.Lookup(path)
			if !found {
				return "", []string{fmt.Sprintf("unresolved variable %q", path)}
			}
			if s, isString := v.(string); isString {
				return sanitize(s), nil
			}
			return cloneValue(v), nil
		}
		return Resolve(t, scope)
	case []any:
		var warnings []string
		out := make([]any, len(t))
		for i, item := range t {
			var w []string
			out[i], w = ResolveValue(item, scope)
			warnings = append(warnings, w...)
		}
		return out, warnings
	case map[string]any:
		var warnings []string
		out := make(map[string]any, len(t))
		for _, k := range sortedKeys(t) {
			var w []string
			out[k], w = ResolveValue(t[k], scope)
			warnings = append(warnings, w...)
		}
		return out, warnings
	case map[string]string:
		var warnings []string
		out := make(map[string]string, len(t))
		for k, v := range t {
			var w []string
			out[k], w = Resolve(v, scope)
			warnings = append(warnings, w...)
		}
		return out, warnings
	}
	return value, nil
}

// ResolveStrings resolves every element of list.
func ResolveStrings(list []string, scope flow.Scope) ([]string, []string) {
	if len(list) == 0 {
		return nil, nil
	}
	var warnings []string
	out := make([]string, len(list))
	for i, s := range list {
		var w []string
		out[i], w = Resolve(s, scope)
		warnings = append(warnings, w...)
	}
	return out, warnings
}

func singlePlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	loc := placeholderPattern.FindStringIndex(trimmed)
	if loc == nil || loc[0] != 0 || loc[1] != len(trimmed) {
		return "", false
	}
	path := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
	return path, pathPattern.MatchString(path)
}

// Stringify renders a variable value the way it appears in messages.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// sanitize drops control characters except newline and tab.
func sanitize(s string) string {
	clean := true
	for _, r := range s {
		if isStripped(r) {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, s)
}

func isStripped(r rune) bool {
	if r == '\n' || r == '\t' {
		return false
	}
	return r < 0x20 || r == 0x7f || (r >= 0x80 && r < 0xa0)
}
