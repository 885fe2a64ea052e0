// Package registry implements the tool registry and the entity-type
// definition registry consulted by internal/store and internal/mcp.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
)

var entityTypeNameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// EntityTypeDefinition is one (name, version) entry.
type EntityTypeDefinition struct {
	Name        string
	Version     int
	JSONSchema  json.RawMessage
	Description string
}

// EntityTypeRegistry persists entity-type definitions to the entity_types
// SQL table.
type EntityTypeRegistry struct {
	db *sql.DB
}

func NewEntityTypeRegistry(db *sql.DB) *EntityTypeRegistry {
	return &EntityTypeRegistry{db: db}
}

// AddEntityTypeDefinition rejects an existing (name, version) pair.
func (r *EntityTypeRegistry) AddEntityTypeDefinition(ctx context.Context, def EntityTypeDefinition) error {
	if !entityTypeNameRe.MatchString(def.Name) {
		return apperr.New(apperr.KindParameterValidation, fmt.Sprintf("invalid entity type name: %s", def.Name))
	}
	if def.Version < 1 {
		return apperr.New(apperr.KindParameterValidation, "entity type version must be >= 1")
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM entity_types WHERE name = $1 AND version = $2)`,
		def.Name, def.Version).Scan(&exists); err != nil {
		return fmt.Errorf("registry: check existing entity type: %w", err)
	}
	if exists {
		return apperr.New(apperr.KindEntityTypeAlreadyExists, fmt.Sprintf("entity type %s v%d already exists", def.Name, def.Version))
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO entity_types (name, version, json_schema, description) VALUES ($1,$2,$3,$4)`,
		def.Name, def.Version, def.JSONSchema, def.Description); err != nil {
		return fmt.Errorf("registry: insert entity type: %w", err)
	}
	return nil
}

// GetLatestEntityTypeDefinition returns the highest-version entry for name.
func (r *EntityTypeRegistry) GetLatestEntityTypeDefinition(ctx context.Context, name string) (*EntityTypeDefinition, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT name, version, json_schema, description FROM entity_types WHERE name = $1 ORDER BY version DESC LIMIT 1`,
		name)
	var def EntityTypeDefinition
	if err := row.Scan(&def.Name, &def.Version, &def.JSONSchema, &def.Description); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("registry: load latest entity type: %w", err)
	}
	return &def, true, nil
}

// ListEntityTypeDefinitions returns every registered (name, version) entry,
// newest version first within a name, for the REGISTRY resource uri.
func (r *EntityTypeRegistry) ListEntityTypeDefinitions(ctx context.Context) ([]EntityTypeDefinition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, version, json_schema, description FROM entity_types ORDER BY name ASC, version DESC`)
	if err != nil {
		return nil, fmt.Errorf("registry: list entity types: %w", err)
	}
	defer rows.Close()

	var out []EntityTypeDefinition
	for rows.Next() {
		var def EntityTypeDefinition
		if err := rows.Scan(&def.Name, &def.Version, &def.JSONSchema, &def.Description); err != nil {
			return nil, fmt.Errorf("registry: scan entity type row: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: iterate entity type rows: %w", err)
	}
	return out, nil
}

// LatestEntityTypeDefinition implements store.EntityTypeResolver.
func (r *EntityTypeRegistry) LatestEntityTypeDefinition(ctx context.Context, name string) (json.RawMessage, int, bool, error) {
	def, ok, err := r.GetLatestEntityTypeDefinition(ctx, name)
	if err != nil || !ok {
		return nil, 0, ok, err
	}
	return def.JSONSchema, def.Version, true, nil
}
