// Package store implements bitemporal entity snapshots (Snodgrass
// valid-time model) backed by Postgres through database/sql, with RFC 7396
// merge-patch diff/apply via github.com/evanphx/json-patch/v5.
//
// The database/sql + pgx stdlib driver wiring style follows the same
// connection-pool conventions used for the queue transport clients in this
// module; the schema and query shapes are specific to the temporal store.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
)

// SentinelValidTo marks the current snapshot for an entity.
var SentinelValidTo = mustParseTime("9999-01-01T00:00:00.000Z")

func mustParseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

// Snapshot is one bitemporal row for an entity.
type Snapshot struct {
	EntityID          string
	ValidFrom         time.Time
	ValidTo           time.Time
	ChangedBy         json.RawMessage
	PreviousValues    json.RawMessage
	Value             json.RawMessage
	Deleted           bool
	ParentID          string
	EntityTypeName    string
	EntityTypeVersion int
}

// SchemaValidator is the external JSON-Schema validator collaborator.
type SchemaValidator interface {
	Validate(schema json.RawMessage, value json.RawMessage) error
}

// EntityTypeResolver looks up the latest registered entity-type schema; the
// entity-type registry implements it.
type EntityTypeResolver interface {
	LatestEntityTypeDefinition(ctx context.Context, name string) (schema json.RawMessage, version int, found bool, err error)
}

// ChangeNotifier is the fanout hook, called after a snapshot write returns
// to notify subscribers of the change.
type ChangeNotifier interface {
	NotifyEntityChanged(ctx context.Context, newSnapshot Snapshot, oldValue json.RawMessage, oldValidFrom *time.Time)
}

// Store is the temporal entity store.
type Store struct {
	db        *sql.DB
	validator SchemaValidator
	types     EntityTypeResolver
	notifier  ChangeNotifier
	now       func() time.Time
}

// New constructs a Store whose clock is time.Now.
func New(db *sql.DB, validator SchemaValidator, types EntityTypeResolver, notifier ChangeNotifier) *Store {
	return &Store{db: db, validator: validator, types: types, notifier: notifier, now: time.Now}
}

func deepEqualJSON(a, b json.RawMessage) (bool, error) {
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false, err
	}
	na, err := json.Marshal(va)
	if err != nil {
		return false, err
	}
	nb, err := json.Marshal(vb)
	if err != nil {
		return false, err
	}
	return bytes.Equal(na, nb), nil
}

func applyMergePatch(original, patch json.RawMessage) (json.RawMessage, error) {
	out, err := jsonpatch.MergePatch(original, patch)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParameterValidation, "apply merge patch", err)
	}
	return out, nil
}

func diffMergePatch(from, to json.RawMessage) (json.RawMessage, error) {
	out, err := jsonpatch.CreateMergePatch(from, to)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParameterValidation, "create merge patch", err)
	}
	return out, nil
}

func isEmptyPatch(patch json.RawMessage) bool {
	var m map[string]any
	if err := json.Unmarshal(patch, &m); err != nil {
		return false
	}
	return len(m) == 0
}
