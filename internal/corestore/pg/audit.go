package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/lavente/identity-core/internal/corestore"
)

// InsertAuditEvents writes the whole batch in one transaction.
func (s *Store) InsertAuditEvents(ctx context.Context, events []corestore.AuditEvent) error {
	return s.WithTx(ctx, func(tx corestore.Store) error {
		return tx.(*Store).insertAuditEvents(ctx, events)
	})
}

func (s *Store) insertAuditEvents(ctx context.Context, events []corestore.AuditEvent) error {
	for _, e := range events {
		meta, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal audit metadata: %w", err)
		}
		_, err = s.db.Exec(ctx, `
			INSERT INTO audit_events (id, event_type, timestamp, actor_id, actor_type, target_id, target_type,
				result, metadata, realm, session_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			toUUID(e.ID), e.EventType, toTime(e.Timestamp), toUUIDPtr(e.ActorID), string(e.ActorType),
			toUUIDPtr(e.TargetID), toTextPtr(e.TargetType), string(e.Result), meta, e.Realm, toUUIDPtr(e.SessionID))
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
	}
	return nil
}

// buildAuditWhere renders f into a WHERE clause and positional args, starting
// the placeholder numbering at 1. Returns an empty clause ("") when f has no
// constraints, so callers can append it directly after the base query.
func buildAuditWhere(f corestore.AuditFilter) (string, []interface{}) {
	var clauses []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Realm != "" {
		clauses = append(clauses, "realm = "+arg(f.Realm))
	}
	if len(f.EventTypes) > 0 {
		placeholders := make([]string, len(f.EventTypes))
		for i, et := range f.EventTypes {
			placeholders[i] = arg(et)
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.ActorID != nil {
		clauses = append(clauses, "actor_id = "+arg(toUUID(*f.ActorID)))
	}
	if f.TargetID != nil {
		clauses = append(clauses, "target_id = "+arg(toUUID(*f.TargetID)))
	}
	if f.Result != nil {
		clauses = append(clauses, "result = "+arg(string(*f.Result)))
	}
	if f.From != nil {
		clauses = append(clauses, "timestamp >= "+arg(toTime(*f.From)))
	}
	if f.To != nil {
		clauses = append(clauses, "timestamp <= "+arg(toTime(*f.To)))
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

const auditColumns = `id, event_type, timestamp, actor_id, actor_type, target_id, target_type, result, metadata, realm, session_id`

func (s *Store) QueryAuditEvents(ctx context.Context, f corestore.AuditFilter) ([]corestore.AuditEvent, error) {
	where, args := buildAuditWhere(f)
	query := `SELECT ` + auditColumns + ` FROM audit_events` + where + ` ORDER BY timestamp DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []corestore.AuditEvent
	for rows.Next() {
		var e corestore.AuditEvent
		var id, actorID, targetID, sessionID pgtype.UUID
		var targetType pgtype.Text
		var actorType, result string
		var ts pgtype.Timestamptz
		var meta []byte

		if err := rows.Scan(&id, &e.EventType, &ts, &actorID, &actorType, &targetID, &targetType,
			&result, &meta, &e.Realm, &sessionID); err != nil {
			return nil, err
		}
		e.ID = fromUUID(id)
		e.Timestamp = ts.Time.UTC()
		e.ActorID = fromUUIDPtr(actorID)
		e.ActorType = corestore.ActorType(actorType)
		e.TargetID = fromUUIDPtr(targetID)
		e.TargetType = fromTextPtr(targetType)
		e.Result = corestore.AuditResult(result)
		e.SessionID = fromUUIDPtr(sessionID)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountAuditEvents(ctx context.Context, f corestore.AuditFilter) (int, error) {
	where, args := buildAuditWhere(f)
	var n int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM audit_events`+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteAuditEventsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM audit_events WHERE timestamp < $1`, toTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("delete old audit events: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
