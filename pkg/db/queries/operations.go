package queries

import (
	"database/sql"
	"time"
)

// Operation is one journaled engine mutation.
type Operation struct {
	ID         int64
	PoolID     sql.NullString
	PoolName   sql.NullString
	Op         string
	Target     sql.NullString
	Result     string // ok | partial | error
	ErrorKind  sql.NullString
	Error      sql.NullString
	StartedAt  time.Time
	FinishedAt time.Time
}

func InsertOperation(db *sql.DB, o *Operation) error {
	result, err := db.Exec(`
		INSERT INTO operations (pool_id, pool_name, op, target, result, error_kind, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.PoolID, o.PoolName, o.Op, o.Target, o.Result, o.ErrorKind, o.Error,
		o.StartedAt.Unix(), o.FinishedAt.Unix())
	if err != nil {
		return err
	}
	o.ID, err = result.LastInsertId()
	return err
}

func ListOperations(db *sql.DB, poolID string, since time.Time, limit int) ([]*Operation, error) {
	query := `
		SELECT id, pool_id, pool_name, op, target, result, error_kind, error, started_at, finished_at
		FROM operations
		WHERE 1=1
	`
	args := []interface{}{}

	if poolID != "" {
		query += " AND pool_id = ?"
		args = append(args, poolID)
	}

	if !since.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, since.Unix())
	}

	query += " ORDER BY started_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var o Operation
		var started, finished int64
		err := rows.Scan(&o.ID, &o.PoolID, &o.PoolName, &o.Op, &o.Target, &o.Result,
			&o.ErrorKind, &o.Error, &started, &finished)
		if err != nil {
			return nil, err
		}
		o.StartedAt = time.Unix(started, 0)
		o.FinishedAt = time.Unix(finished, 0)
		ops = append(ops, &o)
	}

	return ops, rows.Err()
}

func CountOperations(db *sql.DB, result string) (int64, error) {
	query := "SELECT COUNT(*) FROM operations WHERE 1=1"
	args := []interface{}{}

	if result != "" {
		query += " AND result = ?"
		args = append(args, result)
	}

	var count int64
	err := db.QueryRow(query, args...).Scan(&count)
	return count, err
}
