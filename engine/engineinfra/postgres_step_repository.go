package engineinfra

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/craftable/storex"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/flow"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/jmoiron/sqlx"
)

type PostgresStepRepository struct {
	db *sqlx.DB
}

var _ engine.StepRepository = (*PostgresStepRepository)(nil)

func NewPostgresStepRepository(db *sqlx.DB) *PostgresStepRepository {
	return &PostgresStepRepository{db: db}
}

type dbStep struct {
	ID             string    `db:"id"`
	ConversationID string    `db:"conversation_id"`
	FlowID         string    `db:"flow_id"`
	NodeID         string    `db:"node_id"`
	NodeKind       string    `db:"node_kind"`
	Attempt        int       `db:"attempt"`
	Outcome        string    `db:"outcome"`
	ErrorKind      string    `db:"error_kind"`
	Error          string    `db:"error"`
	Snapshot       []byte    `db:"snapshot"`
	EnteredAt      time.Time `db:"entered_at"`
	ExitedAt       time.Time `db:"exited_at"`
}

func toDBStep(step engine.ExecutionStep) (*dbStep, error) {
	var snapshot []byte
	if step.Snapshot != nil {
		var err error
		snapshot, err = json.Marshal(step.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
		}
	}
	return &dbStep{
		ID:             step.ID.String(),
		ConversationID: step.ConversationID.String(),
		FlowID:         step.FlowID.String(),
		NodeID:         step.NodeID.String(),
		NodeKind:       string(step.NodeKind),
		Attempt:        step.Attempt,
		Outcome:        string(step.Outcome),
		ErrorKind:      string(step.ErrorKind),
		Error:          step.Error,
		Snapshot:       snapshot,
		EnteredAt:      step.EnteredAt,
		ExitedAt:       step.ExitedAt,
	}, nil
}

func toDomainStep(row *dbStep) (engine.ExecutionStep, error) {
	step := engine.ExecutionStep{
		ID:             kernel.StepID(row.ID),
		ConversationID: kernel.ConversationID(row.ConversationID),
		FlowID:         kernel.FlowID(row.FlowID),
		NodeID:         kernel.NodeID(row.NodeID),
		NodeKind:       flow.Kind(row.NodeKind),
		Attempt:        row.Attempt,
		Outcome:        engine.StepOutcome(row.Outcome),
		ErrorKind:      engine.ErrorKind(row.ErrorKind),
		Error:          row.Error,
		EnteredAt:      row.EnteredAt,
		ExitedAt:       row.ExitedAt,
	}
	if len(row.Snapshot) > 0 && string(row.Snapshot) != "null" {
		if err := json.Unmarshal(row.Snapshot, &step.Snapshot); err != nil {
			return step, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
	}
	return step, nil
}

// Append writes the steps of one Advance in a single transaction. Step ids
// are derived, so re-appending the same batch is a no-op.
func (r *PostgresStepRepository) Append(ctx context.Context, steps []engine.ExecutionStep) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO execution_steps (
			id, conversation_id, flow_id, node_id, node_kind, attempt,
			outcome, error_kind, error, snapshot, entered_at, exited_at
		) VALUES (
			:id, :conversation_id, :flow_id, :node_id, :node_kind, :attempt,
			:outcome, :error_kind, :error, :snapshot, :entered_at, :exited_at
		)
		ON CONFLICT (id) DO NOTHING`

	for _, step := range steps {
		row, err := toDBStep(step)
		if err != nil {
			return errx.Wrap(err, "failed to convert step", errx.TypeInternal).
				WithDetail("step_id", step.ID.String())
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return errx.Wrap(err, "failed to insert step", errx.TypeInternal).
				WithDetail("step_id", step.ID.String())
		}
	}

	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit steps", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresStepRepository) List(ctx context.Context, id kernel.ConversationID, opts storex.PaginationOptions) (engine.StepListResponse, error) {
	opts = normalizePage(opts)

	var total int
	err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM execution_steps WHERE conversation_id = $1`, id.String())
	if err != nil {
		return engine.StepListResponse{}, errx.Wrap(err, "failed to count steps", errx.TypeInternal)
	}

	query := `
		SELECT
			id, conversation_id, flow_id, node_id, node_kind, attempt,
			outcome, error_kind, error, snapshot, entered_at, exited_at
		FROM execution_steps
		WHERE conversation_id = $1
		ORDER BY entered_at ASC, id ASC
		LIMIT $2 OFFSET $3`

	var rows []dbStep
	if err := r.db.SelectContext(ctx, &rows, query, id.String(), opts.PageSize, pageOffset(opts)); err != nil {
		return engine.StepListResponse{}, errx.Wrap(err, "failed to list steps", errx.TypeInternal)
	}

	steps := make([]engine.ExecutionStep, 0, len(rows))
	for i := range rows {
		step, err := toDomainStep(&rows[i])
		if err != nil {
			return engine.StepListResponse{}, errx.Wrap(err, "failed to convert step", errx.TypeInternal)
		}
		steps = append(steps, step)
	}

	return storex.NewPaginated(steps, total, opts.Page, opts.PageSize), nil
}
