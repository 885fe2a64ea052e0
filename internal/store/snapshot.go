package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
)

// UpsertParams is the full argument set for Upsert. Exactly
// one of Value or Patch must be set.
type UpsertParams struct {
	EntityID          string
	EntityTypeName    string
	EntityTypeVersion int
	Value             json.RawMessage
	Patch             json.RawMessage
	ChangedBy         json.RawMessage
	ParentID          *string
	ValidFrom         *time.Time
	ValidTo           *time.Time
	Baseline          *time.Time
}

// Upsert creates or updates an entity snapshot
func (s *Store) Upsert(ctx context.Context, p UpsertParams) (*Snapshot, error) {
	if (p.Value == nil) == (p.Patch == nil) {
		return nil, apperr.New(apperr.KindParameterValidation, "upsert requires exactly one of value or patch")
	}
	if p.Patch != nil && p.Baseline == nil {
		return nil, apperr.New(apperr.KindParameterValidation, "patch upsert requires baseline")
	}
	if (p.ValidFrom == nil) != (p.ValidTo == nil) {
		return nil, apperr.New(apperr.KindParameterValidation, "validFrom and validTo must both be set or both be absent")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin upsert transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.currentForUpdate(ctx, tx, p.EntityID)
	if err != nil && !apperr.Is(err, apperr.KindEntityNotFound) {
		return nil, err
	}

	validFrom, validTo := p.ValidFrom, p.ValidTo
	if validFrom == nil {
		now := s.now()
		validFrom, validTo = &now, &SentinelValidTo
	}
	nf, nt := *validFrom, *validTo

	if current != nil {
		for !nf.After(current.ValidFrom) {
			nf = nf.Add(time.Millisecond)
		}
	}
	if !nf.Before(nt) {
		return nil, apperr.New(apperr.KindParameterValidation, "validFrom must be strictly before validTo")
	}

	var finalValue json.RawMessage
	var parentID string
	entityTypeVersion := p.EntityTypeVersion

	switch {
	case current == nil:
		if p.Patch != nil {
			return nil, apperr.New(apperr.KindEntityNotFound, "cannot patch a nonexistent entity")
		}
		if p.ParentID == nil || *p.ParentID == "" {
			return nil, apperr.New(apperr.KindParameterValidation, "parentId is required when creating an entity")
		}
		finalValue = p.Value
		parentID = *p.ParentID
	default:
		if p.Patch != nil {
			if !p.Baseline.Equal(current.ValidFrom) {
				return nil, apperr.New(apperr.KindBaselineStale, "baseline does not match the current snapshot's validFrom")
			}
			finalValue, err = applyMergePatch(current.Value, p.Patch)
			if err != nil {
				return nil, err
			}
		} else {
			finalValue = p.Value
		}
		parentID = current.ParentID
		if p.ParentID != nil {
			parentID = *p.ParentID
		}
	}

	var previousValues json.RawMessage
	var oldValue json.RawMessage
	var oldValidFrom *time.Time
	if current == nil {
		previousValues = json.RawMessage(`{}`)
	} else {
		previousValues, err = diffMergePatch(finalValue, current.Value)
		if err != nil {
			return nil, err
		}
		if isEmptyPatch(previousValues) {
			unchanged := *current
			return &unchanged, nil
		}
		oldValue = current.Value
		oldValidFrom = &current.ValidFrom
	}

	schema, latestVersion, found, err := s.types.LatestEntityTypeDefinition(ctx, p.EntityTypeName)
	if err != nil {
		return nil, fmt.Errorf("store: resolve entity type: %w", err)
	}
	if !found {
		return nil, apperr.New(apperr.KindEntityTypeNotFound, fmt.Sprintf("entity type %q is not registered", p.EntityTypeName))
	}
	if entityTypeVersion != latestVersion {
		return nil, apperr.New(apperr.KindEntityTypeNotFound, fmt.Sprintf("entity type %q version %d is not the latest (%d)", p.EntityTypeName, entityTypeVersion, latestVersion))
	}
	if err := s.validator.Validate(schema, finalValue); err != nil {
		return nil, apperr.Wrap(apperr.KindParameterValidation, "entity value failed schema validation", err)
	}

	if current != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE snapshots SET valid_to = $1 WHERE entity_id = $2 AND valid_from = $3`,
			nf, p.EntityID, current.ValidFrom); err != nil {
			return nil, fmt.Errorf("store: close current snapshot: %w", err)
		}
	}

	changedBy := p.ChangedBy
	if changedBy == nil {
		changedBy = json.RawMessage(`null`)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (entity_id, valid_from, valid_to, changed_by, previous_values, value, deleted, parent_id, entity_type_name, entity_type_version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.EntityID, nf, nt, changedBy, previousValues, finalValue, false, parentID, p.EntityTypeName, entityTypeVersion); err != nil {
		return nil, fmt.Errorf("store: insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit upsert: %w", err)
	}

	newSnapshot := Snapshot{
		EntityID: p.EntityID, ValidFrom: nf, ValidTo: nt, ChangedBy: changedBy,
		PreviousValues: previousValues, Value: finalValue, Deleted: false,
		ParentID: parentID, EntityTypeName: p.EntityTypeName, EntityTypeVersion: entityTypeVersion,
	}
	if s.notifier != nil {
		s.notifier.NotifyEntityChanged(ctx, newSnapshot, oldValue, oldValidFrom)
	}
	return &newSnapshot, nil
}

// setDeleted appends a new snapshot flipping the deleted flag, reusing the
// current value unchanged. Repeating a delete/undelete already in effect is
// an idempotent no-op.
func (s *Store) setDeleted(ctx context.Context, entityID string, deleted bool, changedBy json.RawMessage) (*Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := s.currentForUpdate(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}
	if current.Deleted == deleted {
		unchanged := *current
		return &unchanged, nil
	}

	nf := s.now()
	for !nf.After(current.ValidFrom) {
		nf = nf.Add(time.Millisecond)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE snapshots SET valid_to = $1 WHERE entity_id = $2 AND valid_from = $3`,
		nf, entityID, current.ValidFrom); err != nil {
		return nil, fmt.Errorf("store: close current snapshot: %w", err)
	}

	if changedBy == nil {
		changedBy = json.RawMessage(`null`)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (entity_id, valid_from, valid_to, changed_by, previous_values, value, deleted, parent_id, entity_type_name, entity_type_version)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		entityID, nf, SentinelValidTo, changedBy, json.RawMessage(`{}`), current.Value, deleted,
		current.ParentID, current.EntityTypeName, current.EntityTypeVersion); err != nil {
		return nil, fmt.Errorf("store: insert snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}

	newSnapshot := Snapshot{
		EntityID: entityID, ValidFrom: nf, ValidTo: SentinelValidTo, ChangedBy: changedBy,
		PreviousValues: json.RawMessage(`{}`), Value: current.Value, Deleted: deleted,
		ParentID: current.ParentID, EntityTypeName: current.EntityTypeName, EntityTypeVersion: current.EntityTypeVersion,
	}
	if s.notifier != nil {
		s.notifier.NotifyEntityChanged(ctx, newSnapshot, current.Value, &current.ValidFrom)
	}
	return &newSnapshot, nil
}

// Delete marks entityID deleted. Undelete clears it. Both append a new
// snapshot rather than mutating an existing row.
func (s *Store) Delete(ctx context.Context, entityID string, changedBy json.RawMessage) (*Snapshot, error) {
	return s.setDeleted(ctx, entityID, true, changedBy)
}

func (s *Store) Undelete(ctx context.Context, entityID string, changedBy json.RawMessage) (*Snapshot, error) {
	return s.setDeleted(ctx, entityID, false, changedBy)
}

func (s *Store) currentForUpdate(ctx context.Context, tx *sql.Tx, entityID string) (*Snapshot, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT entity_id, valid_from, valid_to, changed_by, previous_values, value, deleted, parent_id, entity_type_name, entity_type_version
		 FROM snapshots WHERE entity_id = $1 AND valid_to = $2 FOR UPDATE`,
		entityID, SentinelValidTo)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindEntityNotFound, fmt.Sprintf("entity %q not found", entityID))
	}
	if err != nil {
		return nil, fmt.Errorf("store: load current snapshot: %w", err)
	}
	return snap, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*Snapshot, error) {
	var snap Snapshot
	if err := row.Scan(&snap.EntityID, &snap.ValidFrom, &snap.ValidTo, &snap.ChangedBy, &snap.PreviousValues,
		&snap.Value, &snap.Deleted, &snap.ParentID, &snap.EntityTypeName, &snap.EntityTypeVersion); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Current implements the CURRENT read variant.
func (s *Store) Current(ctx context.Context, entityID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, valid_from, valid_to, changed_by, previous_values, value, deleted, parent_id, entity_type_name, entity_type_version
		 FROM snapshots WHERE entity_id = $1 AND valid_to = $2`,
		entityID, SentinelValidTo)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindEntityNotFound, fmt.Sprintf("entity %q not found", entityID))
	}
	if err != nil {
		return nil, fmt.Errorf("store: read current snapshot: %w", err)
	}
	if snap.Deleted {
		return nil, apperr.New(apperr.KindEntityDeleted, fmt.Sprintf("entity %q is deleted", entityID))
	}
	return snap, nil
}

// Historical implements the HISTORICAL(timestamp) read variant.
func (s *Store) Historical(ctx context.Context, entityID string, at time.Time) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, valid_from, valid_to, changed_by, previous_values, value, deleted, parent_id, entity_type_name, entity_type_version
		 FROM snapshots WHERE entity_id = $1 AND valid_from <= $2 AND $2 <= valid_to`,
		entityID, at)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindSnapshotNotFound, fmt.Sprintf("no snapshot of %q at %s", entityID, at))
	}
	if err != nil {
		return nil, fmt.Errorf("store: read historical snapshot: %w", err)
	}
	if snap.Deleted {
		return nil, apperr.New(apperr.KindEntityDeleted, fmt.Sprintf("entity %q is deleted", entityID))
	}
	return snap, nil
}

// SnapshotAtValidFrom finds the snapshot whose validFrom exactly equals at,
// failing SnapshotNotFound if there is none. Used both by PatchRead and by
// the subscription engine to validate a patch subscription's initial
// baseline before accepting it.
func (s *Store) SnapshotAtValidFrom(ctx context.Context, entityID string, at time.Time) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entity_id, valid_from, valid_to, changed_by, previous_values, value, deleted, parent_id, entity_type_name, entity_type_version
		 FROM snapshots WHERE entity_id = $1 AND valid_from = $2`,
		entityID, at)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindSnapshotNotFound, fmt.Sprintf("no snapshot of %q at baseline %s", entityID, at))
	}
	if err != nil {
		return nil, fmt.Errorf("store: read baseline snapshot: %w", err)
	}
	return snap, nil
}

// PatchRead implements the PATCH_READ(baseline) read variant: the merge
// patch that transforms the baseline snapshot's value into the current
// value, plus the baseline used.
func (s *Store) PatchRead(ctx context.Context, entityID string, baseline time.Time) (patch json.RawMessage, current *Snapshot, err error) {
	fromSnap, err := s.SnapshotAtValidFrom(ctx, entityID, baseline)
	if err != nil {
		return nil, nil, err
	}

	current, err = s.Current(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}

	patch, err = diffMergePatch(fromSnap.Value, current.Value)
	if err != nil {
		return nil, nil, err
	}
	return patch, current, nil
}
