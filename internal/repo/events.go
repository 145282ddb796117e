package repo

import (
	"context"
	"database/sql"

	"bountyline/internal/domain"
)

// LatestEvents returns the most recent events, newest first. Empty filter
// values match everything.
func (r Repo) LatestEvents(ctx context.Context, limit int, installationID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, ts, type, installation_id, entity_kind, entity_id, actor_id, payload_json FROM events WHERE 1=1`
	args := []any{}
	if installationID != "" {
		query += ` AND installation_id = ?`
		args = append(args, installationID)
	}
	if evtType != "" {
		query += ` AND type = ?`
		args = append(args, evtType)
	}
	if entityKind != "" {
		query += ` AND entity_kind = ?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []domain.Event
	for rows.Next() {
		var e domain.Event
		var instID, entID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &instID, &e.EntityKind, &entID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.InstallationID = instID.String
		e.EntityID = entID.String
		events = append(events, e)
	}
	return events, rows.Err()
}
