package flowinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type PostgresFlowRepository struct {
	db *sqlx.DB
}

var (
	_ flow.Repository  = (*PostgresFlowRepository)(nil)
	_ flow.EntryFinder = (*PostgresFlowRepository)(nil)
)

func NewPostgresFlowRepository(db *sqlx.DB) *PostgresFlowRepository {
	return &PostgresFlowRepository{db: db}
}

// dbFlow is an intermediate struct for database operations
type dbFlow struct {
	ID         string          `db:"id"`
	Version    int             `db:"version"`
	Name       string          `db:"name"`
	Definition json.RawMessage `db:"definition"`
	IsActive   bool            `db:"is_active"`
}

func (r *PostgresFlowRepository) Load(ctx context.Context, id kernel.FlowID, version int) (*flow.Graph, error) {
	var row dbFlow
	var err error
	if version > 0 {
		err = r.db.GetContext(ctx, &row, `
			SELECT id, version, name, definition, is_active
			FROM flows WHERE id = $1 AND version = $2`, id.String(), version)
	} else {
		err = r.db.GetContext(ctx, &row, `
			SELECT id, version, name, definition, is_active
			FROM flows WHERE id = $1 AND is_active = TRUE
			ORDER BY version DESC LIMIT 1`, id.String())
	}
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, flow.ErrFlowNotFound().
				WithDetail("flow_id", id.String()).
				WithDetail("version", version)
		}
		return nil, errx.Wrap(err, "failed to load flow", errx.TypeInternal).
			WithDetail("flow_id", id.String())
	}

	g, err := flow.Parse(row.Definition)
	if err != nil {
		return nil, err
	}
	// the row is authoritative for identity
	g.ID = kernel.FlowID(row.ID)
	g.Version = row.Version
	return g, nil
}

func (r *PostgresFlowRepository) Save(ctx context.Context, g *flow.Graph) error {
	if err := flow.Validate(g); err != nil {
		return err
	}
	def, err := flow.Marshal(g)
	if err != nil {
		return errx.Wrap(err, "failed to marshal flow", errx.TypeInternal).
			WithDetail("flow_id", g.ID.String())
	}

	row := dbFlow{
		ID:         g.ID.String(),
		Version:    g.Version,
		Name:       g.Name,
		Definition: def,
		IsActive:   true,
	}

	query := `
		INSERT INTO flows (id, version, name, definition, is_active)
		VALUES (:id, :version, :name, :definition, :is_active)`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return errx.New(fmt.Sprintf("flow %s version %d already exists", g.ID, g.Version), errx.TypeConflict).
				WithDetail("flow_id", g.ID.String())
		}
		return errx.Wrap(err, "failed to save flow", errx.TypeInternal).
			WithDetail("flow_id", g.ID.String())
	}
	return nil
}

func (r *PostgresFlowRepository) ListVersions(ctx context.Context, id kernel.FlowID) ([]int, error) {
	var versions []int
	err := r.db.SelectContext(ctx, &versions,
		`SELECT version FROM flows WHERE id = $1 ORDER BY version`, id.String())
	if err != nil {
		return nil, errx.Wrap(err, "failed to list flow versions", errx.TypeInternal).
			WithDetail("flow_id", id.String())
	}
	return versions, nil
}

// FindActiveByEntry loads the newest active version of every flow whose
// definition declares an entry.
func (r *PostgresFlowRepository) FindActiveByEntry(ctx context.Context) ([]*flow.Graph, error) {
	var rows []dbFlow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT DISTINCT ON (id) id, version, name, definition, is_active
		FROM flows
		WHERE is_active = TRUE
		ORDER BY id, version DESC`)
	if err != nil {
		return nil, errx.Wrap(err, "failed to list entry flows", errx.TypeInternal)
	}

	var out []*flow.Graph
	for _, row := range rows {
		g, err := flow.Parse(row.Definition)
		if err != nil {
			log.Printf("⚠️  Skipping flow %s v%d with invalid definition: %v", row.ID, row.Version, err)
			continue
		}
		if g.Entry == nil {
			continue
		}
		g.ID = kernel.FlowID(row.ID)
		g.Version = row.Version
		out = append(out, g)
	}
	return out, nil
}
