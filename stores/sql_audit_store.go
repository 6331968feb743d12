package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/raillogistic/guard"
)

var _ guard.AuditStore = (*SQLAuditStore)(nil)

// SQLAuditStore persists audit entries in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) *SQLAuditStore {
	return &SQLAuditStore{db: db}
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *guard.AuditEntry) error {
	if entry == nil {
		return nil
	}
	roles, err := json.Marshal(entry.Roles)
	if err != nil {
		return fmt.Errorf("encode roles: %w", err)
	}
	q := `INSERT INTO guard_audit_log(id, timestamp, kind, user_id, permission, entity, field, object_id, operation, allowed, reason, matched_policy, roles_json)
		VALUES(:id, :timestamp, :kind, :user_id, :permission, :entity, :field, :object_id, :operation, :allowed, :reason, :matched_policy, :roles_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":             entry.ID,
		"timestamp":      entry.Timestamp,
		"kind":           entry.Kind,
		"user_id":        entry.UserID,
		"permission":     entry.Permission,
		"entity":         entry.Entity,
		"field":          entry.Field,
		"object_id":      entry.ObjectID,
		"operation":      string(entry.Operation),
		"allowed":        boolToInt(entry.Allowed),
		"reason":         entry.Reason,
		"matched_policy": entry.MatchedPolicy,
		"roles_json":     string(roles),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter guard.AuditFilter) ([]*guard.AuditEntry, error) {
	q := `SELECT id, timestamp, kind, user_id, permission, entity, field, object_id, operation, allowed, reason, matched_policy, roles_json FROM guard_audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.UserID != "" {
		q += " AND user_id = :user_id"
		params["user_id"] = filter.UserID
	}
	if filter.Permission != "" {
		q += " AND permission = :permission"
		params["permission"] = filter.Permission
	}
	if filter.Entity != "" {
		q += " AND entity = :entity"
		params["entity"] = filter.Entity
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = filter.StartTime
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = filter.EndTime
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*guard.AuditEntry, 0)
	for r.Next() {
		var (
			e             guard.AuditEntry
			tsRaw         any
			op, rolesJSON string
			allowed       int
		)
		if err := r.Scan(&e.ID, &tsRaw, &e.Kind, &e.UserID, &e.Permission, &e.Entity, &e.Field, &e.ObjectID, &op, &allowed, &e.Reason, &e.MatchedPolicy, &rolesJSON); err != nil {
			return nil, err
		}
		e.Timestamp = scanTime(tsRaw)
		e.Operation = guard.Operation(op)
		e.Allowed = allowed != 0
		_ = json.Unmarshal([]byte(rolesJSON), &e.Roles)
		out = append(out, &e)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read audit rows: %w", err)
	}
	return out, nil
}
