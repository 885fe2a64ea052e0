package store_test

import (
	"context"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/store"
)

type passValidator struct{}

func (passValidator) Validate(schema, value json.RawMessage) error { return nil }

type fixedTypeResolver struct {
	schema  json.RawMessage
	version int
	found   bool
}

func (r fixedTypeResolver) LatestEntityTypeDefinition(ctx context.Context, name string) (json.RawMessage, int, bool, error) {
	return r.schema, r.version, r.found, nil
}

type recordingNotifier struct {
	calls int
}

func (n *recordingNotifier) NotifyEntityChanged(ctx context.Context, newSnap store.Snapshot, oldValue json.RawMessage, oldValidFrom *time.Time) {
	n.calls++
}

func rows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"entity_id", "valid_from", "valid_to", "changed_by", "previous_values", "value", "deleted", "parent_id", "entity_type_name", "entity_type_version"})
}

func TestUpsertCreatesEntityWhenNoneExists(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notifier := &recordingNotifier{}
	s := store.New(db, passValidator{}, fixedTypeResolver{schema: json.RawMessage(`{}`), version: 1, found: true}, notifier)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WillReturnRows(rows())
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO snapshots`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	parentID := "root"
	snap, err := s.Upsert(context.Background(), store.UpsertParams{
		EntityID:          "e1",
		EntityTypeName:    "widget",
		EntityTypeVersion: 1,
		Value:             json.RawMessage(`{"name":"a"}`),
		ParentID:          &parentID,
	})
	require.NoError(t, err)
	require.Equal(t, "e1", snap.EntityID)
	require.Equal(t, 1, notifier.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRejectsBothValueAndPatch(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.New(db, passValidator{}, fixedTypeResolver{}, nil)
	_, err = s.Upsert(context.Background(), store.UpsertParams{
		EntityID: "e1", Value: json.RawMessage(`{}`), Patch: json.RawMessage(`{}`),
	})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindParameterValidation))
}

func TestUpsertNoopWhenPatchProducesNoChange(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	notifier := &recordingNotifier{}
	s := store.New(db, passValidator{}, fixedTypeResolver{schema: json.RawMessage(`{}`), version: 1, found: true}, notifier)

	baseline := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WillReturnRows(
		rows().AddRow("e1", baseline, store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))

	snap, err := s.Upsert(context.Background(), store.UpsertParams{
		EntityID: "e1", EntityTypeName: "widget", EntityTypeVersion: 1,
		Patch: json.RawMessage(`{"name":"a"}`), Baseline: &baseline,
	})
	require.NoError(t, err)
	require.Equal(t, "e1", snap.EntityID)
	require.Equal(t, 0, notifier.calls)
}

func TestUpsertRejectsStaleBaseline(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.New(db, passValidator{}, fixedTypeResolver{schema: json.RawMessage(`{}`), version: 1, found: true}, nil)

	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stale := current.Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WillReturnRows(
		rows().AddRow("e1", current, store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))

	_, err = s.Upsert(context.Background(), store.UpsertParams{
		EntityID: "e1", EntityTypeName: "widget", EntityTypeVersion: 1,
		Patch: json.RawMessage(`{"name":"b"}`), Baseline: &stale,
	})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindBaselineStale))
}

func TestUpsertAdvancesCollidingValidFrom(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.New(db, passValidator{}, fixedTypeResolver{schema: json.RawMessage(`{}`), version: 1, found: true}, nil)

	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WillReturnRows(
		rows().AddRow("e1", current, store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE snapshots SET valid_to`)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO snapshots`)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	vf, vt := current, store.SentinelValidTo
	snap, err := s.Upsert(context.Background(), store.UpsertParams{
		EntityID: "e1", EntityTypeName: "widget", EntityTypeVersion: 1,
		Value: json.RawMessage(`{"name":"b"}`), ValidFrom: &vf, ValidTo: &vt,
	})
	require.NoError(t, err)
	require.True(t, snap.ValidFrom.Equal(current.Add(time.Millisecond)))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentFailsWhenDeleted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.New(db, passValidator{}, fixedTypeResolver{}, nil)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(
		rows().AddRow("e1", time.Now(), store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{}`), true, "root", "widget", 1))

	_, err = s.Current(context.Background(), "e1")
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindEntityDeleted))
}

func TestPatchReadComputesForwardPatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := store.New(db, passValidator{}, fixedTypeResolver{}, nil)

	baseline := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_from = $2`)).WillReturnRows(
		rows().AddRow("e1", baseline, store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(
		rows().AddRow("e1", baseline, store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"b"}`), false, "root", "widget", 1))

	patch, current, err := s.PatchRead(context.Background(), "e1", baseline)
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"b"}`, string(patch))
	require.Equal(t, "e1", current.EntityID)
}
