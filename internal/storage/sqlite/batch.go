package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// defaultBatchSize is the maximum number of IDs per IN clause. Oversized IN
// clauses produce queries SQLite plans poorly.
const defaultBatchSize = 500

// batchIN executes a batched SELECT with an IN clause, splitting the input IDs
// into chunks of batchSize.
//
// queryTemplate must contain exactly one %s placeholder for the IN clause
// (e.g. "SELECT vulnerability_id, uuid FROM findings WHERE vulnerability_id IN (%s)").
//
// scanRow is called for each result row and returns a key and value to
// accumulate into the result map.
func batchIN[K comparable, V any](
	ctx context.Context,
	q queryer,
	ids []int64,
	batchSize int,
	queryTemplate string,
	scanRow func(*sql.Rows) (K, V, error),
) (map[K][]V, error) {
	result := make(map[K][]V)
	if len(ids) == 0 {
		return result, nil
	}

	for i := 0; i < len(ids); i += batchSize {
		end := min(i+batchSize, len(ids))
		batch := ids[i:end]

		placeholders := make([]string, len(batch))
		args := make([]any, len(batch))
		for j, id := range batch {
			placeholders[j] = "?"
			args[j] = id
		}

		query := fmt.Sprintf(queryTemplate, strings.Join(placeholders, ","))

		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}

		for rows.Next() {
			key, val, scanErr := scanRow(rows)
			if scanErr != nil {
				_ = rows.Close()
				return nil, scanErr
			}
			result[key] = append(result[key], val)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, err
		}
		_ = rows.Close()
	}

	return result, nil
}

// queryer abstracts *sql.DB and *sql.Conn for read helpers shared between
// the store and its transactions.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
