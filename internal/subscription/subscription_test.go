package subscription_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/store"
	"github.com/lumenize/lumenize-sub005/internal/subscription"
)

type passValidator struct{}

func (passValidator) Validate(schema, value json.RawMessage) error { return nil }

type fixedTypes struct{}

func (fixedTypes) LatestEntityTypeDefinition(ctx context.Context, name string) (json.RawMessage, int, bool, error) {
	return json.RawMessage(`{}`), 1, true, nil
}

type recordingConn struct {
	notified []string
}

func (c *recordingConn) Notify(ctx context.Context, method string, params any) {
	c.notified = append(c.notified, method)
}

type fixedConnIndex struct{ conns []subscription.Connection }

func (f fixedConnIndex) ConnectionsFor(subscriberID string) []subscription.Connection { return f.conns }

func newStore(t *testing.T) (*store.Store, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.New(db, passValidator{}, fixedTypes{}, nil), mock, db
}

func snapRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"entity_id", "valid_from", "valid_to", "changed_by", "previous_values", "value", "deleted", "parent_id", "entity_type_name", "entity_type_version"})
}

func TestSubscribeCurrentEmitsFullValue(t *testing.T) {
	s, mock, _ := newStore(t)
	conn := &recordingConn{}
	engine := subscription.New(s, fixedConnIndex{conns: []subscription.Connection{conn}})

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(
		snapRows().AddRow("u/g/st/e1", time.Now(), store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))

	result, err := engine.Subscribe(context.Background(), "sub-1", "https://example.com/universe/u/galaxy/g/star/st/entity/e1", nil)
	require.NoError(t, err)
	require.Len(t, result.Contents, 1)
}

func TestSubscribeRejectsPatchReadURI(t *testing.T) {
	s, _, _ := newStore(t)
	engine := subscription.New(s, fixedConnIndex{})

	_, err := engine.Subscribe(context.Background(), "sub-1",
		"https://example.com/universe/u/galaxy/g/star/st/entity/e1/patch/2026-01-01T00:00:00.000Z", nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindInvalidURI))
}

func TestSubscribePatchRequiresInitialBaseline(t *testing.T) {
	s, _, _ := newStore(t)
	engine := subscription.New(s, fixedConnIndex{})

	_, err := engine.Subscribe(context.Background(), "sub-1", "https://example.com/universe/u/galaxy/g/star/st/entity/e1/patch", nil)
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.KindParameterValidation))
}

func TestNotifyEntityChangedFansOutToSubscriber(t *testing.T) {
	s, mock, _ := newStore(t)
	conn := &recordingConn{}
	engine := subscription.New(s, fixedConnIndex{conns: []subscription.Connection{conn}})

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(
		snapRows().AddRow("u/g/st/e1", time.Now(), store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))
	_, err := engine.Subscribe(context.Background(), "sub-1", "https://example.com/universe/u/galaxy/g/star/st/entity/e1", nil)
	require.NoError(t, err)

	engine.NotifyEntityChanged(context.Background(), store.Snapshot{
		EntityID: "u/g/st/e1", Value: json.RawMessage(`{"name":"b"}`),
	}, json.RawMessage(`{"name":"a"}`), nil)

	require.Equal(t, []string{"notifications/resources/updated"}, conn.notified)
}

func TestUnsubscribeStopsFurtherFanout(t *testing.T) {
	s, mock, _ := newStore(t)
	conn := &recordingConn{}
	engine := subscription.New(s, fixedConnIndex{conns: []subscription.Connection{conn}})

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(
		snapRows().AddRow("u/g/st/e1", time.Now(), store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))
	uri := "https://example.com/universe/u/galaxy/g/star/st/entity/e1"
	_, err := engine.Subscribe(context.Background(), "sub-1", uri, nil)
	require.NoError(t, err)

	engine.Unsubscribe("sub-1", uri)
	engine.NotifyEntityChanged(context.Background(), store.Snapshot{EntityID: "u/g/st/e1", Value: json.RawMessage(`{}`)}, nil, nil)

	require.Empty(t, conn.notified)
}

func TestSubscribePatchEmitsCatchUpPatchFromBaseline(t *testing.T) {
	s, mock, _ := newStore(t)
	engine := subscription.New(s, fixedConnIndex{})

	baseline := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Subscribe's own baseline-existence check.
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_from = $2`)).WillReturnRows(
		snapRows().AddRow("u/g/st/e1", baseline, baseline, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))
	// store.PatchRead: re-fetch the baseline snapshot, then the current one.
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_from = $2`)).WillReturnRows(
		snapRows().AddRow("u/g/st/e1", baseline, baseline, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(
		snapRows().AddRow("u/g/st/e1", baseline, store.SentinelValidTo, []byte(`{"name":"a"}`), []byte(`{}`), []byte(`{"name":"b"}`), false, "root", "widget", 1))

	uri := "https://example.com/universe/u/galaxy/g/star/st/entity/e1/patch"
	result, err := engine.Subscribe(context.Background(), "sub-1", uri, &baseline)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, result.Contents, 1)

	var payload struct {
		Patch    json.RawMessage `json:"patch"`
		Baseline time.Time       `json:"baseline"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Contents[0].Text), &payload))
	require.JSONEq(t, `{"name":"b"}`, string(payload.Patch))
	require.True(t, baseline.Equal(payload.Baseline))
}

func TestNewWithDBMirrorsSubscribeAndUnsubscribe(t *testing.T) {
	s, storeMock, _ := newStore(t)
	subsDB, subsMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { subsDB.Close() })

	engine := subscription.NewWithDB(s, fixedConnIndex{}, subsDB)

	storeMock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(
		snapRows().AddRow("u/g/st/e1", time.Now(), store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1))
	subsMock.ExpectExec(regexp.QuoteMeta(`INSERT INTO subscriptions`)).WillReturnResult(sqlmock.NewResult(0, 1))

	uri := "https://example.com/universe/u/galaxy/g/star/st/entity/e1"
	_, err = engine.Subscribe(context.Background(), "sub-1", uri, nil)
	require.NoError(t, err)
	require.NoError(t, storeMock.ExpectationsWereMet())
	require.NoError(t, subsMock.ExpectationsWereMet())

	subsMock.ExpectExec(regexp.QuoteMeta(`DELETE FROM subscriptions WHERE subscriber_id = $1 AND uri = $2`)).WillReturnResult(sqlmock.NewResult(0, 1))
	engine.Unsubscribe("sub-1", uri)
	require.NoError(t, subsMock.ExpectationsWereMet())
}
