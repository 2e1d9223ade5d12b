package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
)

const maxStarlarkSteps = 50_000_000

var (
	universeOnce sync.Once
	universe     starlark.StringDict
)

// warmUniverse builds the frozen predeclared modules once per process.
func warmUniverse() starlark.StringDict {
	universeOnce.Do(func() {
		universe = starlark.StringDict{
			"math": starlarkmath.Module,
			"json": starlarkjson.Module,
		}
		universe.Freeze()
	})
	return universe
}

// threadPool loans Starlark threads to one script at a time.
type threadPool struct {
	threads chan *starlark.Thread
}

func newThreadPool(size int) *threadPool {
	if size <= 0 {
		size = 4
	}
	p := &threadPool{threads: make(chan *starlark.Thread, size)}
	for i := 0; i < size; i++ {
		p.threads <- newThread()
	}
	return p
}

func newThread() *starlark.Thread {
	return &starlark.Thread{
		Name:  "sandbox",
		Print: func(*starlark.Thread, string) {},
		Load: func(*starlark.Thread, string) (starlark.StringDict, error) {
			return nil, errors.New("load is disabled")
		},
	}
}

func (p *threadPool) get(ctx context.Context) (*starlark.Thread, error) {
	select {
	case t := <-p.threads:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// put returns a thread. A thread that failed may carry a cancellation and is
// replaced.
func (p *threadPool) put(t *starlark.Thread, failed bool) {
	if failed {
		t = newThread()
	}
	p.threads <- t
}

type starlarkEngine struct {
	pool *threadPool
}

func newStarlarkEngine(threads int) *starlarkEngine {
	return &starlarkEngine{pool: newThreadPool(threads)}
}

func (e *starlarkEngine) run(ctx context.Context, s Script) (value any, err error) {
	predeclared := make(starlark.StringDict, len(s.Vars)+2)
	for k, v := range warmUniverse() {
		predeclared[k] = v
	}
	for k, v := range s.Vars {
		if _, taken := predeclared[k]; taken {
			continue
		}
		sv, convErr := toStarlark(v)
		if convErr != nil {
			return nil, runtimeError(Starlark, fmt.Sprintf("variable %s: %v", k, convErr))
		}
		sv.Freeze()
		predeclared[k] = sv
	}

	thread, err := e.pool.get(ctx)
	if err != nil {
		return nil, timeoutError(Starlark, "waiting for an interpreter")
	}
	var timedOut atomic.Bool
	defer func() { e.pool.put(thread, err != nil || timedOut.Load()) }()

	thread.SetMaxExecutionSteps(thread.ExecutionSteps() + maxStarlarkSteps)

	timer := time.AfterFunc(s.Timeout, func() {
		timedOut.Store(true)
		thread.Cancel("timeout")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		timedOut.Store(true)
		thread.Cancel("context done")
	})
	defer stop()

	globals, execErr := starlark.ExecFile(thread, "script.star", wrapStarlark(s.Source), predeclared)
	if execErr != nil {
		if timedOut.Load() {
			return nil, timeoutError(Starlark, s.Timeout.String())
		}
		var evalErr *starlark.EvalError
		if errors.As(execErr, &evalErr) {
			return nil, runtimeError(Starlark, evalErr.Msg)
		}
		return nil, runtimeError(Starlark, execErr.Error())
	}

	out, convErr := fromStarlark(globals["_sandbox_value"])
	if convErr != nil {
		return nil, runtimeError(Starlark, convErr.Error())
	}
	return out, nil
}

// wrapStarlark puts the source in a function so it can return a value; a
// script that does not return yields its result variable. Lines that start
// inside a triple-quoted string are left as they are.
func wrapStarlark(src string) string {
	var b strings.Builder
	b.WriteString("def _sandbox_main():\n    result = None\n")
	for _, line := range starlarkLines(src) {
		if !line.continued {
			b.WriteString("    ")
		}
		b.WriteString(line.text)
		b.WriteString("\n")
	}
	b.WriteString("    return result\n\n_sandbox_value = _sandbox_main()\n")
	return b.String()
}

type starlarkLine struct {
	text      string
	continued bool // starts inside a triple-quoted string
}

// starlarkLines splits src into lines and marks the ones that begin inside a
// triple-quoted string literal.
func starlarkLines(src string) []starlarkLine {
	var (
		lines  []starlarkLine
		start  int
		triple string // closing delimiter of the open triple-quoted string
		quote  byte   // open single-line string
		inside bool
	)
	for i := 0; i < len(src); i++ {
		ch := src[i]
		switch {
		case ch == '\n':
			lines = append(lines, starlarkLine{text: src[start:i], continued: inside})
			start = i + 1
			quote = 0
			inside = triple != ""
		case triple != "":
			if ch == '\\' {
				i++
			} else if strings.HasPrefix(src[i:], triple) {
				i += len(triple) - 1
				triple = ""
			}
		case quote != 0:
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '#':
			for i+1 < len(src) && src[i+1] != '\n' {
				i++
			}
		case ch == '"' || ch == '\'':
			if delim := strings.Repeat(string(ch), 3); strings.HasPrefix(src[i:], delim) {
				triple = delim
				i += 2
			} else {
				quote = ch
			}
		}
	}
	return append(lines, starlarkLine{text: src[start:], continued: inside})
}

func toStarlark(v any) (starlark.Value, error) {
	switch t := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(t), nil
	case string:
		return starlark.String(t), nil
	case int:
		return starlark.MakeInt(t), nil
	case int64:
		return starlark.MakeInt64(t), nil
	case float64:
		if t >= -1<<53 && t <= 1<<53 && t == math.Trunc(t) {
			return starlark.MakeInt64(int64(t)), nil
		}
		return starlark.Float(t), nil
	case []any:
		elems := make([]starlark.Value, 0, len(t))
		for _, item := range t {
			sv, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			elems = append(elems, sv)
		}
		return starlark.NewList(elems), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := starlark.NewDict(len(t))
		for _, k := range keys {
			sv, err := toStarlark(t[k])
			if err != nil {
				return nil, err
			}
			if err := d.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

func fromStarlark(v starlark.Value) (any, error) {
	switch t := v.(type) {
	case nil, starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(t), nil
	case starlark.Int:
		if i, ok := t.Int64(); ok {
			return i, nil
		}
		return float64(t.Float()), nil
	case starlark.Float:
		return float64(t), nil
	case starlark.String:
		return string(t), nil
	case *starlark.List:
		return fromIterable(t, t.Len())
	case starlark.Tuple:
		return fromIterable(t, t.Len())
	case *starlark.Dict:
		out := make(map[string]any, t.Len())
		for _, item := range t.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict keys must be strings, got %s", item[0].Type())
			}
			val, err := fromStarlark(item[1])
			if err != nil {
				return nil, err
			}
			out[string(key)] = val
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported result type %s", v.Type())
}

func fromIterable(it starlark.Indexable, n int) (any, error) {
	out := make([]any, 0, n)
	for i := 0; i < n; i++ {
		val, err := fromStarlark(it.Index(i))
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}
