package flowinfra

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const v1 = `{"id":"promo","version":1,"nodes":[
  {"id":"start","kind":"start","next":"hello"},
  {"id":"hello","kind":"message","next":"end","config":{"text":"v1"}},
  {"id":"end","kind":"end"}]}`

const v2YAML = `
id: promo
version: 2
nodes:
  - {id: start, kind: start, next: hello}
  - {id: hello, kind: message, next: end, config: {text: v2}}
  - {id: end, kind: end}
`

type countingLoader struct {
	inner flow.Loader
	calls int32
}

func (c *countingLoader) Load(ctx context.Context, id kernel.FlowID, version int) (*flow.Graph, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.inner.Load(ctx, id, version)
}

func TestLoadDirResolvesLatest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "promo_v1.json"), []byte(v1), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "promo_v2.yaml"), []byte(v2YAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("ignored"), 0o644))

	repo, err := LoadDir(dir)
	require.NoError(t, err)

	latest, err := repo.Load(context.Background(), "promo", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)

	first, err := repo.Load(context.Background(), "promo", 1)
	require.NoError(t, err)
	hello, _ := first.Node("hello")
	assert.Equal(t, "v1", hello.Config.(*flow.MessageConfig).Text)

	versions, err := repo.ListVersions(context.Background(), "promo")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	_, err = repo.Load(context.Background(), "missing", 0)
	assert.True(t, errx.IsType(err, errx.TypeNotFound))
}

func TestCachedLoaderHitsInnerOnce(t *testing.T) {
	g, err := flow.Parse([]byte(v1))
	require.NoError(t, err)

	inner := &countingLoader{inner: NewMemoryFlowRepository(g)}
	loader := NewCachedLoader(inner, 0)

	for i := 0; i < 5; i++ {
		got, err := loader.Load(context.Background(), "promo", 1)
		require.NoError(t, err)
		assert.Same(t, g, got)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))

	_, err = loader.Load(context.Background(), "promo", 0)
	require.NoError(t, err)
	_, err = loader.Load(context.Background(), "promo", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))

	loader.Invalidate("promo")
	_, err = loader.Load(context.Background(), "promo", 0)
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&inner.calls))
}

func TestMemoryRepositorySaveValidates(t *testing.T) {
	repo := NewMemoryFlowRepository()
	bad := &flow.Graph{ID: "x", Version: 1, Nodes: []*flow.Node{
		{ID: "a", Kind: flow.KindMessage, Config: &flow.MessageConfig{Text: "hi"}},
	}}
	err := repo.Save(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, errx.IsType(err, errx.TypeValidation))
}

type countingFinder struct {
	*MemoryFlowRepository
	calls int32
}

func (c *countingFinder) FindActiveByEntry(ctx context.Context) ([]*flow.Graph, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.MemoryFlowRepository.FindActiveByEntry(ctx)
}

func entryFlow(t *testing.T, id string, version int, keyword string) *flow.Graph {
	t.Helper()
	g := &flow.Graph{ID: kernel.FlowID(id), Version: version,
		Entry: &flow.Entry{Keywords: []string{keyword}},
		Nodes: []*flow.Node{
			{ID: "start", Kind: flow.KindStart, Next: "end", Config: &flow.StartConfig{}},
			{ID: "end", Kind: flow.KindEnd, Config: &flow.EndConfig{}},
		}}
	require.NoError(t, flow.Build(g))
	return g
}

func TestMemoryRepositoryFindsLatestEntryFlows(t *testing.T) {
	plain, err := flow.Parse([]byte(v1))
	require.NoError(t, err)
	repo := NewMemoryFlowRepository(plain, entryFlow(t, "orders", 1, "pedido"), entryFlow(t, "orders", 2, "compra"), entryFlow(t, "hello", 1, "oi"))

	graphs, err := repo.FindActiveByEntry(context.Background())
	require.NoError(t, err)
	require.Len(t, graphs, 2)
	assert.Equal(t, kernel.FlowID("hello"), graphs[0].ID)
	assert.Equal(t, kernel.FlowID("orders"), graphs[1].ID)
	assert.Equal(t, 2, graphs[1].Version)

	assert.Equal(t, kernel.FlowID("orders"), flow.MatchEntry(graphs, "nova compra").ID)
	assert.Nil(t, flow.MatchEntry(graphs, "meu pedido"))
}

func TestCachedLoaderCachesEntryFlows(t *testing.T) {
	inner := &countingFinder{MemoryFlowRepository: NewMemoryFlowRepository(entryFlow(t, "hello", 1, "oi"))}
	loader := NewCachedLoader(inner, 0)

	for i := 0; i < 3; i++ {
		graphs, err := loader.FindActiveByEntry(context.Background())
		require.NoError(t, err)
		assert.Len(t, graphs, 1)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&inner.calls))

	require.NoError(t, inner.Save(context.Background(), entryFlow(t, "orders", 1, "pedido")))
	loader.Invalidate("orders")
	graphs, err := loader.FindActiveByEntry(context.Background())
	require.NoError(t, err)
	assert.Len(t, graphs, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&inner.calls))

	none, err := NewCachedLoader(&countingLoader{inner: inner}, 0).FindActiveByEntry(context.Background())
	require.NoError(t, err)
	assert.Empty(t, none)
}
