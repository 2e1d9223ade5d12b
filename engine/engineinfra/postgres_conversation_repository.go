package engineinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/relayflow/engine"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/jmoiron/sqlx"
)

type PostgresConversationRepository struct {
	db *sqlx.DB
}

var _ engine.ConversationRepository = (*PostgresConversationRepository)(nil)

func NewPostgresConversationRepository(db *sqlx.DB) *PostgresConversationRepository {
	return &PostgresConversationRepository{db: db}
}

// dbConversation is an intermediate struct for database operations
type dbConversation struct {
	ID                    string          `db:"id"`
	FlowID                string          `db:"flow_id"`
	FlowVersion           int             `db:"flow_version"`
	CurrentNodeID         string          `db:"current_node_id"`
	Status                string          `db:"status"`
	Variables             json.RawMessage `db:"variables"`
	Contact               json.RawMessage `db:"contact"`
	Awaiting              []byte          `db:"awaiting"`
	Pending               json.RawMessage `db:"pending"`
	LastCustomerMessageAt *time.Time      `db:"last_customer_message_at"`
	Version               int64           `db:"version"`
	UpdatedAt             time.Time       `db:"updated_at"`
}

func toDBConversation(state *engine.ConversationState) (*dbConversation, error) {
	variablesJSON := []byte("{}")
	if len(state.Variables) > 0 {
		var err error
		variablesJSON, err = json.Marshal(state.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal variables: %w", err)
		}
	}

	contactJSON, err := json.Marshal(state.Contact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal contact: %w", err)
	}

	var awaitingJSON []byte
	if state.Awaiting != nil {
		awaitingJSON, err = json.Marshal(state.Awaiting)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal awaiting: %w", err)
		}
	}

	pendingJSON := []byte("[]")
	if len(state.Pending) > 0 {
		pendingJSON, err = json.Marshal(state.Pending)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending: %w", err)
		}
	}

	return &dbConversation{
		ID:                    state.ConversationID.String(),
		FlowID:                state.FlowID.String(),
		FlowVersion:           state.FlowVersion,
		CurrentNodeID:         state.CurrentNodeID.String(),
		Status:                string(state.Status),
		Variables:             variablesJSON,
		Contact:               contactJSON,
		Awaiting:              awaitingJSON,
		Pending:               pendingJSON,
		LastCustomerMessageAt: state.LastCustomerMessageAt,
		Version:               state.Version,
		UpdatedAt:             state.UpdatedAt,
	}, nil
}

func toDomainConversation(row *dbConversation) (*engine.ConversationState, error) {
	state := engine.NewConversationState(kernel.ConversationID(row.ID))
	state.FlowID = kernel.FlowID(row.FlowID)
	state.FlowVersion = row.FlowVersion
	state.CurrentNodeID = kernel.NodeID(row.CurrentNodeID)
	state.Status = engine.Status(row.Status)
	state.LastCustomerMessageAt = row.LastCustomerMessageAt
	state.Version = row.Version
	state.UpdatedAt = row.UpdatedAt

	if len(row.Variables) > 0 && string(row.Variables) != "null" {
		if err := json.Unmarshal(row.Variables, &state.Variables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}
	if len(row.Contact) > 0 && string(row.Contact) != "null" {
		if err := json.Unmarshal(row.Contact, &state.Contact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal contact: %w", err)
		}
	}
	if len(row.Awaiting) > 0 && string(row.Awaiting) != "null" {
		var aw engine.Awaiting
		if err := json.Unmarshal(row.Awaiting, &aw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal awaiting: %w", err)
		}
		state.Awaiting = &aw
	}
	if len(row.Pending) > 0 && string(row.Pending) != "null" {
		if err := json.Unmarshal(row.Pending, &state.Pending); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending: %w", err)
		}
	}
	if state.Variables == nil {
		state.Variables = engine.VariableStore{}
	}
	return state, nil
}

func (r *PostgresConversationRepository) Load(ctx context.Context, id kernel.ConversationID) (*engine.ConversationState, error) {
	query := `
		SELECT
			id, flow_id, flow_version, current_node_id, status, variables,
			contact, awaiting, pending, last_customer_message_at, version, updated_at
		FROM conversations
		WHERE id = $1`

	var row dbConversation
	if err := r.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, engine.ErrConversationNotFound().WithDetail("conversation_id", id.String())
		}
		return nil, errx.Wrap(err, "failed to get conversation", errx.TypeInternal).
			WithDetail("conversation_id", id.String())
	}

	state, err := toDomainConversation(&row)
	if err != nil {
		return nil, errx.Wrap(err, "failed to convert conversation", errx.TypeInternal).
			WithDetail("conversation_id", id.String())
	}
	return state, nil
}

// Save inserts version 1 for a new conversation or updates the row only while
// its version still equals state.Version.
func (r *PostgresConversationRepository) Save(ctx context.Context, state *engine.ConversationState) error {
	row, err := toDBConversation(state)
	if err != nil {
		return errx.Wrap(err, "failed to convert conversation", errx.TypeInternal).
			WithDetail("conversation_id", state.ConversationID.String())
	}

	var query string
	if state.Version == 0 {
		query = `
			INSERT INTO conversations (
				id, flow_id, flow_version, current_node_id, status, variables,
				contact, awaiting, pending, last_customer_message_at, version, updated_at
			) VALUES (
				:id, :flow_id, :flow_version, :current_node_id, :status, :variables,
				:contact, :awaiting, :pending, :last_customer_message_at, 1, :updated_at
			)
			ON CONFLICT (id) DO NOTHING`
	} else {
		query = `
			UPDATE conversations SET
				flow_id = :flow_id,
				flow_version = :flow_version,
				current_node_id = :current_node_id,
				status = :status,
				variables = :variables,
				contact = :contact,
				awaiting = :awaiting,
				pending = :pending,
				last_customer_message_at = :last_customer_message_at,
				version = version + 1,
				updated_at = :updated_at
			WHERE id = :id AND version = :version`
	}

	result, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return errx.Wrap(err, "failed to save conversation", errx.TypeInternal).
			WithDetail("conversation_id", state.ConversationID.String())
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errx.Wrap(err, "failed to get rows affected", errx.TypeInternal)
	}
	if rows == 0 {
		return engine.ErrStaleConversation().
			WithDetail("conversation_id", state.ConversationID.String()).
			WithDetail("expected_version", state.Version)
	}

	state.Version++
	return nil
}
