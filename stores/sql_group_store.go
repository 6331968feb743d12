package stores

import (
	"context"
	"fmt"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/raillogistic/guard"
)

var _ guard.GroupStore = (*SQLGroupStore)(nil)

// SQLGroupStore keeps role groups and their members in SQL (squealx).
type SQLGroupStore struct {
	db *squealx.DB
}

func NewSQLGroupStore(db *squealx.DB) *SQLGroupStore {
	return &SQLGroupStore{db: db}
}

func (s *SQLGroupStore) EnsureGroup(ctx context.Context, name string) error {
	q := `INSERT OR IGNORE INTO guard_groups(name, created_at) VALUES(:name, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, map[string]any{"name": name, "created_at": time.Now().UTC()}); err != nil {
		return fmt.Errorf("ensure group %s: %w", name, err)
	}
	return nil
}

func (s *SQLGroupStore) AddMember(ctx context.Context, group, userID string) error {
	if err := s.EnsureGroup(ctx, group); err != nil {
		return err
	}
	q := `INSERT OR IGNORE INTO guard_group_members(group_name, user_id, created_at) VALUES(:group_name, :user_id, :created_at)`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"group_name": group, "user_id": userID, "created_at": time.Now().UTC()})
	return err
}

func (s *SQLGroupStore) RemoveMember(ctx context.Context, group, userID string) error {
	q := `DELETE FROM guard_group_members WHERE group_name = :group_name AND user_id = :user_id`
	_, err := s.db.NamedExecContext(ctx, q, map[string]any{"group_name": group, "user_id": userID})
	return err
}

func (s *SQLGroupStore) ListMembers(ctx context.Context, group string) ([]string, error) {
	q := `SELECT user_id FROM guard_group_members WHERE group_name = :group_name ORDER BY user_id`
	return s.column(ctx, q, map[string]any{"group_name": group})
}

func (s *SQLGroupStore) ListGroups(ctx context.Context, userID string) ([]string, error) {
	q := `SELECT group_name FROM guard_group_members WHERE user_id = :user_id ORDER BY group_name`
	return s.column(ctx, q, map[string]any{"user_id": userID})
}

func (s *SQLGroupStore) column(ctx context.Context, q string, args map[string]any) ([]string, error) {
	r, err := s.db.NamedQueryContext(ctx, q, args)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return scanStrings(r)
}

// rowIter is the part of a result set scanStrings reads.
type rowIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanStrings(r rowIter) ([]string, error) {
	out := make([]string, 0)
	for r.Next() {
		var v string
		if err := r.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return out, nil
}
