package flow

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetingFlow = `{
  "id": "greeting",
  "version": 1,
  "name": "Greeting",
  "nodes": [
    {"id": "start", "kind": "start", "next": "ask_name"},
    {"id": "ask_name", "kind": "question", "next": "greet",
     "config": {"prompt": "qual seu nome?", "variable": "name"}},
    {"id": "greet", "kind": "message", "next": "end",
     "config": {"text": "Olá {{name}}!"}},
    {"id": "end", "kind": "end"}
  ]
}`

type mapScope map[string]any

func (m mapScope) Lookup(path string) (any, bool) {
	var cur any = map[string]any(m)
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (m mapScope) Env() map[string]any { return m }

func TestParseGreetingFlow(t *testing.T) {
	g, err := Parse([]byte(greetingFlow))
	require.NoError(t, err)

	assert.Equal(t, "greeting", g.ID.String())
	assert.Equal(t, "start", g.StartNodeID().String())
	assert.Equal(t, "greeting@1", g.Key())

	ask, ok := g.Node("ask_name")
	require.True(t, ok)
	q, ok := ask.Config.(*QuestionConfig)
	require.True(t, ok)
	assert.Equal(t, "name", q.Variable)
	assert.Equal(t, time.Duration(0), q.GetTimeout())
	assert.Equal(t, 3, q.GetMaxAttempts())
}

func TestMarshalRoundTrip(t *testing.T) {
	g, err := Parse([]byte(greetingFlow))
	require.NoError(t, err)

	out, err := Marshal(g)
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)

	var a, b any
	require.NoError(t, json.Unmarshal(out, &a))
	out2, err := Marshal(again)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out2, &b))
	assert.Equal(t, a, b)
}

func TestParseYAML(t *testing.T) {
	doc := `
id: survey
version: 2
nodes:
  - id: start
    kind: start
    next: check
  - id: check
    kind: condition
    next: fallback
    branches:
      - label: vip
        when: {expr: "score >= 90"}
        next: vip
  - id: vip
    kind: handoff
    config: {queue: vip}
  - id: fallback
    kind: end
`
	g, err := ParseYAML([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, 2, g.Version)

	check, _ := g.Node("check")
	ok, err := check.Branches[0].When.Eval(mapScope{"score": 95.0})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidationErrors(t *testing.T) {
	scenarios := map[string]struct {
		doc  string
		want string
	}{
		"two starts": {
			doc:  `{"id":"f","nodes":[{"id":"a","kind":"start","next":"b"},{"id":"b","kind":"start","next":"c"},{"id":"c","kind":"end"}]}`,
			want: "exactly one start",
		},
		"unreachable node": {
			doc:  `{"id":"f","nodes":[{"id":"a","kind":"start","next":"c"},{"id":"b","kind":"end"},{"id":"c","kind":"end"}]}`,
			want: "not reachable",
		},
		"dangling edge": {
			doc:  `{"id":"f","nodes":[{"id":"a","kind":"start","next":"zzz"}]}`,
			want: "unknown node",
		},
		"missing output variable": {
			doc:  `{"id":"f","nodes":[{"id":"a","kind":"start","next":"s"},{"id":"s","kind":"script","next":"e","config":{"language":"javascript","source":"return 1"}},{"id":"e","kind":"end"}]}`,
			want: "output_variable",
		},
		"bad variable name": {
			doc:  `{"id":"f","nodes":[{"id":"a","kind":"start","next":"q"},{"id":"q","kind":"question","next":"e","config":{"prompt":"?","variable":"Name"}},{"id":"e","kind":"end"}]}`,
			want: "variable",
		},
		"empty entry": {
			doc:  `{"id":"f","entry":{},"nodes":[{"id":"a","kind":"start","next":"e"},{"id":"e","kind":"end"}]}`,
			want: "entry needs any, keywords or pattern",
		},
		"bad entry pattern": {
			doc:  `{"id":"f","entry":{"pattern":"(pedido"},"nodes":[{"id":"a","kind":"start","next":"e"},{"id":"e","kind":"end"}]}`,
			want: "entry:",
		},
		"no outgoing edge": {
			doc:  `{"id":"f","nodes":[{"id":"a","kind":"start","next":"m"},{"id":"m","kind":"message","config":{"text":"hi"}}]}`,
			want: "no outgoing edge",
		},
	}

	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(sc.doc))
			require.Error(t, err)
			assert.True(t, errx.IsType(err, errx.TypeValidation))

			_, issues, err := Inspect([]byte(sc.doc))
			require.NoError(t, err)
			var msgs []string
			for _, is := range issues {
				msgs = append(msgs, is.String())
			}
			assert.Contains(t, strings.Join(msgs, "\n"), sc.want)
		})
	}
}

func TestMalformedPredicateRejectedAtLoad(t *testing.T) {
	doc := `{"id":"f","nodes":[
	  {"id":"a","kind":"start","next":"c"},
	  {"id":"c","kind":"condition","next":"e","branches":[{"when":{"expr":"score >>> 3"},"next":"e"}]},
	  {"id":"e","kind":"end"}]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, errx.IsType(err, errx.TypeValidation))
}

func TestSchemaRejectsUnknownFields(t *testing.T) {
	doc := `{"id":"f","colour":"red","nodes":[{"id":"a","kind":"start","next":"e"},{"id":"e","kind":"end"}]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, errx.IsType(err, errx.TypeValidation))
	assert.Error(t, ValidateSchema([]byte(doc)))
	assert.NoError(t, ValidateSchema([]byte(greetingFlow)))
}

func TestUnknownConfigFieldRejected(t *testing.T) {
	doc := `{"id":"f","nodes":[{"id":"a","kind":"start","next":"m"},{"id":"m","kind":"message","next":"e","config":{"text":"hi","txt":"typo"}},{"id":"e","kind":"end"}]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
}

func TestStructuredPredicates(t *testing.T) {
	scope := mapScope{
		"age":    "42",
		"tags":   []any{"vip", "new"},
		"email":  "ana@example.com",
		"order":  map[string]any{"total": 120.5},
		"status": "",
	}

	scenarios := map[string]struct {
		pred Predicate
		want bool
	}{
		"equals numeric string":  {Predicate{Variable: "age", Operator: OpEquals, Value: 42.0}, true},
		"gt nested":              {Predicate{Variable: "order.total", Operator: OpGT, Value: 100.0}, true},
		"lte nested":             {Predicate{Variable: "order.total", Operator: OpLTE, Value: 100.0}, false},
		"contains list":          {Predicate{Variable: "tags", Operator: OpContains, Value: "vip"}, true},
		"contains string":        {Predicate{Variable: "email", Operator: OpContains, Value: "EXAMPLE"}, true},
		"exists empty string":    {Predicate{Variable: "status", Operator: OpExists}, false},
		"not exists missing":     {Predicate{Variable: "missing", Operator: OpNotExists}, true},
		"regex":                  {Predicate{Variable: "email", Operator: OpRegex, Value: `^[^@]+@example\.com$`}, true},
		"not equals missing var": {Predicate{Variable: "missing", Operator: OpNotEquals, Value: "x"}, true},
		"expr":                   {Predicate{Expr: `order.total > 100 && "vip" in tags`}, true},
		"expr undefined var":     {Predicate{Expr: `nope == "x"`}, false},
	}

	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			p := sc.pred
			require.NoError(t, p.Compile())
			got, err := p.Eval(scope)
			require.NoError(t, err)
			assert.Equal(t, sc.want, got)
		})
	}
}

func TestDelayDeadline(t *testing.T) {
	ms := 90_000
	d := &DelayConfig{DurationMs: &ms}
	require.NoError(t, d.Validate())
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(90*time.Second), d.Deadline(now))

	cronDelay := &DelayConfig{Until: "0 9 * * *"}
	require.NoError(t, cronDelay.Validate())
	assert.Equal(t, time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC), cronDelay.Deadline(now))

	both := &DelayConfig{DurationMs: &ms, Until: "@hourly"}
	assert.Error(t, both.Validate())
}

func TestDBQueryRequiresReadOnly(t *testing.T) {
	cfg := &DBQueryConfig{Query: "DELETE FROM contacts", Output: "rows"}
	assert.Error(t, cfg.Validate())
	cfg.AllowWrite = true
	assert.NoError(t, cfg.Validate())

	templated := &DBQueryConfig{Query: "SELECT * FROM t WHERE id = '{{id}}'", Output: "rows"}
	assert.Error(t, templated.Validate())
}

func TestEveryKindHasConfig(t *testing.T) {
	for _, k := range Kinds {
		cfg, err := newConfig(k)
		require.NoError(t, err, k)
		assert.Equal(t, k, cfg.Kind())
	}
	_, err := newConfig("teleport")
	assert.Error(t, err)
}

func TestEntryMatches(t *testing.T) {
	scenarios := map[string]struct {
		entry Entry
		text  string
		want  bool
	}{
		"any":                 {Entry{Any: true}, "qualquer coisa", true},
		"keyword":             {Entry{Keywords: []string{"oi"}}, "Oi!", true},
		"keyword inside text": {Entry{Keywords: []string{"pedido"}}, "quero ver meu PEDIDO, por favor", true},
		"keyword phrase":      {Entry{Keywords: []string{"bom dia"}}, "bom  dia!!", true},
		"partial word":        {Entry{Keywords: []string{"oi"}}, "oito", false},
		"pattern":             {Entry{Pattern: `^#\d+$`}, "#123", true},
		"pattern any case":    {Entry{Pattern: `^status`}, "STATUS do pedido", true},
		"pattern miss":        {Entry{Pattern: `^#\d+$`}, "pedido 123", false},
		"nothing declared":    {Entry{}, "oi", false},
	}
	for name, sc := range scenarios {
		t.Run(name, func(t *testing.T) {
			e := sc.entry
			require.NoError(t, e.Compile())
			assert.Equal(t, sc.want, e.Matches(sc.text))
		})
	}
}

func TestMatchEntryPrefersPriority(t *testing.T) {
	graphs := []*Graph{
		{ID: "catch_all", Entry: &Entry{Any: true}},
		{ID: "orders_b", Entry: &Entry{Keywords: []string{"pedido"}, Priority: 5}},
		{ID: "orders_a", Entry: &Entry{Keywords: []string{"pedido"}, Priority: 5}},
		{ID: "manual"},
	}

	got := MatchEntry(graphs, "meu pedido")
	require.NotNil(t, got)
	assert.Equal(t, "orders_a", got.ID.String())

	got = MatchEntry(graphs, "olá")
	require.NotNil(t, got)
	assert.Equal(t, "catch_all", got.ID.String())

	assert.Nil(t, MatchEntry(graphs[1:], "olá"))
}

func TestParseFlowWithEntry(t *testing.T) {
	doc := `{"id":"orders","version":1,
	  "entry":{"keywords":["pedido"],"pattern":"^#\\d+$","priority":3},
	  "nodes":[{"id":"a","kind":"start","next":"e"},{"id":"e","kind":"end"}]}`
	require.NoError(t, ValidateSchema([]byte(doc)))
	g, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.NotNil(t, g.Entry)
	assert.Equal(t, 3, g.Entry.Priority)
	assert.True(t, g.Entry.Matches("#42"))

	bad := `{"id":"orders","entry":{"keywords":["pedido"],"when":"x"},"nodes":[{"id":"a","kind":"start","next":"e"},{"id":"e","kind":"end"}]}`
	assert.Error(t, ValidateSchema([]byte(bad)))
}
