package queries

import (
	"database/sql"
	"time"
)

// DeviceEvent is one recorded device appearance or disappearance.
type DeviceEvent struct {
	ID        int64
	Action    string // added | removed
	Path      string
	PoolID    sql.NullString
	Outcome   string
	CreatedAt time.Time
}

func InsertDeviceEvent(db *sql.DB, e *DeviceEvent) error {
	result, err := db.Exec(`
		INSERT INTO device_events (action, path, pool_id, outcome, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, e.Action, e.Path, e.PoolID, e.Outcome, e.CreatedAt.Unix())
	if err != nil {
		return err
	}
	e.ID, err = result.LastInsertId()
	return err
}

func ListDeviceEvents(db *sql.DB, path string, limit int) ([]*DeviceEvent, error) {
	query := `
		SELECT id, action, path, pool_id, outcome, created_at
		FROM device_events
		WHERE 1=1
	`
	args := []interface{}{}

	if path != "" {
		query += " AND path = ?"
		args = append(args, path)
	}

	query += " ORDER BY created_at DESC, id DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*DeviceEvent
	for rows.Next() {
		var e DeviceEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.Action, &e.Path, &e.PoolID, &e.Outcome, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.Unix(created, 0)
		events = append(events, &e)
	}

	return events, rows.Err()
}
