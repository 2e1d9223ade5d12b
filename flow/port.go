package flow

import (
	"context"

	"github.com/Abraxas-365/relayflow/pkg/kernel"
)

// Loader returns validated graphs. Version 0 means the latest active version.
type Loader interface {
	Load(ctx context.Context, id kernel.FlowID, version int) (*Graph, error)
}

// Repository stores flow definitions.
type Repository interface {
	Loader
	Save(ctx context.Context, g *Graph) error
	ListVersions(ctx context.Context, id kernel.FlowID) ([]int, error)
}
