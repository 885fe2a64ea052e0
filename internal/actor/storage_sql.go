package actor

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLStorage is a durable Storage backed by a single shared actor_storage
// table, scoped to one actor instance by (bindingName, instanceNameOrId).
// Any database/sql driver works; the server wires it to Postgres via
// jackc/pgx's stdlib adapter.
type SQLStorage struct {
	db               *sql.DB
	bindingName      string
	instanceNameOrId string
}

// NewSQLStorage scopes storage to one actor instance. Construct one per
// actor — the scope is baked in at construction, not passed per call.
func NewSQLStorage(db *sql.DB, bindingName, instanceNameOrId string) *SQLStorage {
	return &SQLStorage{db: db, bindingName: bindingName, instanceNameOrId: instanceNameOrId}
}

func (s *SQLStorage) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM actor_storage WHERE binding_name = $1 AND instance_name_or_id = $2 AND key = $3`,
		s.bindingName, s.instanceNameOrId, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("actor: sql storage get: %w", err)
	}
	return value, true, nil
}

func (s *SQLStorage) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actor_storage (binding_name, instance_name_or_id, key, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (binding_name, instance_name_or_id, key) DO UPDATE SET value = EXCLUDED.value`,
		s.bindingName, s.instanceNameOrId, key, value)
	if err != nil {
		return fmt.Errorf("actor: sql storage put: %w", err)
	}
	return nil
}

func (s *SQLStorage) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM actor_storage WHERE binding_name = $1 AND instance_name_or_id = $2 AND key = $3`,
		s.bindingName, s.instanceNameOrId, key)
	if err != nil {
		return fmt.Errorf("actor: sql storage delete: %w", err)
	}
	return nil
}

func (s *SQLStorage) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM actor_storage WHERE binding_name = $1 AND instance_name_or_id = $2 AND key LIKE $3 || '%' ORDER BY key ASC`,
		s.bindingName, s.instanceNameOrId, prefix)
	if err != nil {
		return nil, fmt.Errorf("actor: sql storage list keys: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("actor: sql storage scan key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
