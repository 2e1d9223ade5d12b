// Package sandbox runs user scripts that transform conversation variables.
// Every call gets its own interpreter; variables are copied in as read-only
// globals and the only output is the returned value.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/Abraxas-365/relayflow/pkg/metrics"
)

type Language string

const (
	JavaScript Language = "javascript"
	Starlark   Language = "starlark"
)

// DefaultTimeout applies when a Script has no timeout.
const DefaultTimeout = 5 * time.Second

// Script is one sandbox invocation.
type Script struct {
	Language Language
	Source   string
	Vars     map[string]any
	Timeout  time.Duration
}

// Runner executes scripts.
type Runner interface {
	Run(ctx context.Context, s Script) (any, error)
}

type engine interface {
	run(ctx context.Context, s Script) (any, error)
}

// Sandbox dispatches scripts to the interpreter for their language.
type Sandbox struct {
	engines map[Language]engine
}

var _ Runner = (*Sandbox)(nil)

// Options configures a Sandbox.
type Options struct {
	// StarlarkThreads bounds concurrent Starlark executions.
	StarlarkThreads int
}

func New(opts Options) *Sandbox {
	return &Sandbox{
		engines: map[Language]engine{
			JavaScript: newJSEngine(),
			Starlark:   newStarlarkEngine(opts.StarlarkThreads),
		},
	}
}

// Run executes s and returns its value in JSON shape. Script failures are
// *ScriptError; anything else is a caller error.
func (sb *Sandbox) Run(ctx context.Context, s Script) (any, error) {
	eng, ok := sb.engines[s.Language]
	if !ok {
		return nil, ErrUnsupportedLanguage().WithDetail("language", string(s.Language))
	}
	if s.Source == "" {
		return nil, ErrEmptySource()
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}

	start := time.Now()
	value, err := eng.run(ctx, s)
	if err == nil {
		value, err = toJSONShape(s.Language, value)
	}

	result := "ok"
	if se, ok := err.(*ScriptError); ok {
		result = string(se.Kind)
		log.Printf("⚠️  %s script failed after %v: %s", s.Language, time.Since(start), se.Message)
	} else if err != nil {
		result = "error"
	}
	metrics.ScriptRuns.WithLabelValues(string(s.Language), result).Inc()
	return value, err
}

// toJSONShape rejects non-finite numbers and values that have no JSON form,
// then normalizes through encoding/json.
func toJSONShape(lang Language, v any) (any, error) {
	if err := checkFinite(v); err != nil {
		return nil, runtimeError(lang, err.Error())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, runtimeError(lang, "result is not serializable: "+err.Error())
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, runtimeError(lang, err.Error())
	}
	return out, nil
}

func checkFinite(v any) error {
	switch t := v.(type) {
	case float64:
		if math.IsInf(t, 0) || math.IsNaN(t) {
			return fmt.Errorf("result is not a finite number: %v", t)
		}
	case float32:
		return checkFinite(float64(t))
	case []any:
		for _, item := range t {
			if err := checkFinite(item); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, item := range t {
			if err := checkFinite(item); err != nil {
				return err
			}
		}
	}
	return nil
}

// inputJSON copies vars through JSON so the interpreter never sees host memory.
func inputJSON(vars map[string]any) (string, error) {
	if vars == nil {
		return "{}", nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
