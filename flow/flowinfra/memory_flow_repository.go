package flowinfra

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// MemoryFlowRepository keeps graphs in process. Used by flowctl and tests.
type MemoryFlowRepository struct {
	mu     sync.RWMutex
	graphs map[string]*flow.Graph
	latest map[kernel.FlowID]int
}

var (
	_ flow.Repository  = (*MemoryFlowRepository)(nil)
	_ flow.EntryFinder = (*MemoryFlowRepository)(nil)
)

func NewMemoryFlowRepository(graphs ...*flow.Graph) *MemoryFlowRepository {
	r := &MemoryFlowRepository{
		graphs: make(map[string]*flow.Graph),
		latest: make(map[kernel.FlowID]int),
	}
	for _, g := range graphs {
		r.put(g)
	}
	return r
}

func (r *MemoryFlowRepository) put(g *flow.Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.Key()] = g
	if g.Version >= r.latest[g.ID] {
		r.latest[g.ID] = g.Version
	}
}

func (r *MemoryFlowRepository) Load(_ context.Context, id kernel.FlowID, version int) (*flow.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if version <= 0 {
		v, ok := r.latest[id]
		if !ok {
			return nil, flow.ErrFlowNotFound().WithDetail("flow_id", id.String())
		}
		version = v
	}
	g, ok := r.graphs[flow.CacheKey(id, version)]
	if !ok {
		return nil, flow.ErrFlowNotFound().
			WithDetail("flow_id", id.String()).
			WithDetail("version", version)
	}
	return g, nil
}

func (r *MemoryFlowRepository) Save(_ context.Context, g *flow.Graph) error {
	if err := flow.Build(g); err != nil {
		return err
	}
	r.put(g)
	return nil
}

func (r *MemoryFlowRepository) ListVersions(_ context.Context, id kernel.FlowID) ([]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var versions []int
	for _, g := range r.graphs {
		if g.ID == id {
			versions = append(versions, g.Version)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

func (r *MemoryFlowRepository) FindActiveByEntry(_ context.Context) ([]*flow.Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*flow.Graph
	for id, v := range r.latest {
		if g, ok := r.graphs[flow.CacheKey(id, v)]; ok && g.Entry != nil {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadFile parses a single JSON or YAML definition from disk.
func LoadFile(path string) (*flow.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.Wrap(err, "failed to read flow file", errx.TypeInternal).
			WithDetail("path", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return flow.ParseYAML(data)
	default:
		return flow.Parse(data)
	}
}

// LoadDir parses every *.json, *.yaml and *.yml file in dir.
func LoadDir(dir string) (*MemoryFlowRepository, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errx.Wrap(err, "failed to read flow directory", errx.TypeInternal).
			WithDetail("dir", dir)
	}
	repo := NewMemoryFlowRepository()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		g, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			if ex, ok := err.(*errx.Error); ok {
				return nil, ex.WithDetail("file", e.Name())
			}
			return nil, err
		}
		repo.put(g)
	}
	return repo, nil
}
