package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var vars = map[string]any{
	"name":  "Ana",
	"qty":   3.0,
	"price": 2.5,
	"items": []any{map[string]any{"sku": "a", "n": 2.0}, map[string]any{"sku": "b", "n": 1.0}},
}

func TestJavaScript(t *testing.T) {
	sb := New(Options{})
	scenarios := map[string]struct {
		src  string
		want any
	}{
		"return value":     {`return qty * price;`, 7.5},
		"result binding":   {`result = name.toUpperCase();`, "ANA"},
		"vars object":      {`return vars.items.length;`, 2.0},
		"object result":    {`return {total: qty * 2, who: name};`, map[string]any{"total": 6.0, "who": "Ana"}},
		"map over list":    {`return items.map(function (i) { return i.sku; });`, []any{"a", "b"}},
		"undefined is nil": {`var x = 1;`, nil},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			got, err := sb.Run(context.Background(), Script{Language: JavaScript, Source: sc.src, Vars: vars})
			require.NoError(t, err)
			assert.Equal(t, sc.want, got)
		})
	}
}

func TestJavaScriptFailures(t *testing.T) {
	sb := New(Options{})
	scenarios := map[string]string{
		"division by zero":    `return 1/0;`,
		"nan":                 `return 0/0;`,
		"throw":               `throw new Error("boom");`,
		"syntax":              `return (;`,
		"reference error":     `return nope.x;`,
		"inputs are readonly": `name = "Bob"; return name;`,
		"nested frozen":       `items[0].sku = "z"; return 1;`,
		"function result":     `return function () {};`,
		"no require":          `return require("fs");`,
	}
	for name, src := range scenarios {
		t.Run(name, func(t *testing.T) {
			_, err := sb.Run(context.Background(), Script{Language: JavaScript, Source: src, Vars: vars})
			require.Error(t, err)
			assert.True(t, IsRuntime(err), err.Error())
		})
	}
}

func TestJavaScriptTimeout(t *testing.T) {
	sb := New(Options{})
	start := time.Now()
	_, err := sb.Run(context.Background(), Script{
		Language: JavaScript,
		Source:   `while (true) {}`,
		Timeout:  50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestJavaScriptIsolatedBetweenCalls(t *testing.T) {
	sb := New(Options{})
	_, err := sb.Run(context.Background(), Script{Language: JavaScript, Source: `globalThis.leak = 42; return 1;`})
	require.NoError(t, err)
	got, err := sb.Run(context.Background(), Script{Language: JavaScript, Source: `return typeof leak;`})
	require.NoError(t, err)
	assert.Equal(t, "undefined", got)
}

func TestStarlark(t *testing.T) {
	sb := New(Options{StarlarkThreads: 2})
	scenarios := map[string]struct {
		src  string
		want any
	}{
		"return value":   {"return qty * price", 7.5},
		"int arithmetic": {"return qty + 1", 4.0},
		"result binding": {"result = name.upper()", "ANA"},
		"comprehension":  {"return [i[\"sku\"] for i in items]", []any{"a", "b"}},
		"dict result":    {"total = 0\nfor i in items:\n    total += i[\"n\"]\nreturn {\"total\": total}", map[string]any{"total": 3.0}},
		"math module":    {"return math.floor(price)", 2.0},
		"json module":    {"return json.decode('{\"a\": 1}')[\"a\"]", 1.0},
		"multi-line str": {"text = \"\"\"first\n  second\n\"\"\"\nreturn text", "first\n  second\n"},
		"quotes in str":  {"if True:\n    s = '''it's\n# kept'''\nreturn s", "it's\n# kept"},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			got, err := sb.Run(context.Background(), Script{Language: Starlark, Source: sc.src, Vars: vars})
			require.NoError(t, err)
			assert.Equal(t, sc.want, got)
		})
	}
}

func TestWrapStarlarkLeavesStringLinesAlone(t *testing.T) {
	src := "msg = \"\"\"Olá\n  {name}\"\"\" # greeting\nreturn msg.format(name = name)"
	want := "def _sandbox_main():\n" +
		"    result = None\n" +
		"    msg = \"\"\"Olá\n" +
		"  {name}\"\"\" # greeting\n" +
		"    return msg.format(name = name)\n" +
		"    return result\n\n_sandbox_value = _sandbox_main()\n"
	assert.Equal(t, want, wrapStarlark(src))
}

func TestStarlarkFailures(t *testing.T) {
	sb := New(Options{StarlarkThreads: 1})
	scenarios := map[string]string{
		"division by zero": "return 1 / 0",
		"inputs frozen":    "items.append(1)\nreturn 1",
		"syntax":           "return (",
		"no load":          "load('x.star', 'y')\nreturn 1",
		"unknown name":     "return nope",
	}
	for name, src := range scenarios {
		t.Run(name, func(t *testing.T) {
			_, err := sb.Run(context.Background(), Script{Language: Starlark, Source: src, Vars: vars})
			require.Error(t, err)
			assert.True(t, IsRuntime(err), err.Error())
		})
	}

	// the single pooled thread must still be usable after failures
	got, err := sb.Run(context.Background(), Script{Language: Starlark, Source: "return 2"})
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)
}

func TestStarlarkTimeoutReleasesThread(t *testing.T) {
	sb := New(Options{StarlarkThreads: 1})
	_, err := sb.Run(context.Background(), Script{
		Language: Starlark,
		Source:   "x = 0\nfor i in range(1000000000):\n    x += i\nreturn x",
		Timeout:  50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))

	got, err := sb.Run(context.Background(), Script{Language: Starlark, Source: "return 'ok'"})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestStarlarkConcurrentLoans(t *testing.T) {
	sb := New(Options{StarlarkThreads: 2})
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n float64) {
			defer wg.Done()
			got, err := sb.Run(context.Background(), Script{
				Language: Starlark,
				Source:   "return qty * 2",
				Vars:     map[string]any{"qty": n},
			})
			if err == nil && got != n*2 {
				err = assert.AnError
			}
			errs <- err
		}(float64(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestUnsupportedLanguage(t *testing.T) {
	sb := New(Options{})
	_, err := sb.Run(context.Background(), Script{Language: "lua", Source: "return 1"})
	require.Error(t, err)
	assert.False(t, IsRuntime(err))
}
