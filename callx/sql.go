package callx

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Query is a parameterized statement with already resolved args.
type Query struct {
	SQL      string
	Args     []any
	ReadOnly bool
	Timeout  time.Duration
	Policy   *RetryPolicy
}

// SQLClient runs Database Query nodes.
type SQLClient struct {
	db      *sqlx.DB
	invoker Invoker
}

func NewSQLClient(db *sqlx.DB, invoker Invoker) *SQLClient {
	return &SQLClient{db: db, invoker: invoker}
}

// Query returns every row as a column -> value map. Read-only statements run
// inside a read-only transaction.
func (c *SQLClient) Query(ctx context.Context, q Query) ([]map[string]any, error) {
	if c == nil || c.db == nil {
		return nil, &CallError{Kind: KindPermanent, Backend: "sql", Cause: ErrNoBackend().WithDetail("backend", "sql")}
	}
	out, err := c.invoker.Invoke(ctx, Call{
		Backend: "sql",
		Name:    firstWord(q.SQL),
		Timeout: q.Timeout,
		Policy:  q.Policy,
		Do: func(ctx context.Context) (any, error) {
			rows, err := c.run(ctx, q)
			if err != nil {
				return nil, classifySQL(err)
			}
			return rows, nil
		},
	})
	if err != nil {
		return nil, err
	}
	return out.([]map[string]any), nil
}

func (c *SQLClient) run(ctx context.Context, q Query) ([]map[string]any, error) {
	tx, err := c.db.BeginTxx(ctx, &sql.TxOptions{ReadOnly: q.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryxContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []map[string]any{}
	for rows.Next() {
		row := make(map[string]any)
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		for k, v := range row {
			row[k] = sqlValue(v)
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !q.ReadOnly {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// classifySQL keeps connection-level failures transient. Postgres errors of
// class 08 (connection), 40 (serialization/deadlock) and 57 (shutdown) are
// retried; the rest are statement errors.
func classifySQL(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return Transient(err)
		}
		return Permanent(err)
	}
	return err
}

func sqlValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case int64:
		return float64(t)
	case int32:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			return s[:i]
		}
	}
	return s
}
