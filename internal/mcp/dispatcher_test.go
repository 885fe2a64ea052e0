package mcp_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/lumenize/lumenize-sub005/internal/mcp"
	"github.com/lumenize/lumenize-sub005/internal/registry"
	"github.com/lumenize/lumenize-sub005/internal/store"
	"github.com/lumenize/lumenize-sub005/internal/subscription"
)

type passValidator struct{}

func (passValidator) Validate(schema, value json.RawMessage) error { return nil }

type fixedTypes struct{}

func (fixedTypes) LatestEntityTypeDefinition(ctx context.Context, name string) (json.RawMessage, int, bool, error) {
	return json.RawMessage(`{}`), 1, true, nil
}

type noConns struct{}

func (noConns) ConnectionsFor(subscriberID string) []subscription.Connection { return nil }

func newDispatcher(t *testing.T) (*mcp.Dispatcher, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	tools := registry.NewToolRegistry(passValidator{})
	require.NoError(t, tools.Register(registry.Tool{
		Name:        "echo",
		InputSchema: json.RawMessage(`{}`),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}))
	types := registry.NewEntityTypeRegistry(db)
	s := store.New(db, passValidator{}, fixedTypes{}, nil)
	subs := subscription.New(s, noConns{})

	return mcp.New(tools, types, s, subs), mock
}

func rpcRequest(id any, method string, params any) json.RawMessage {
	encodedParams, _ := json.Marshal(params)
	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}{JSONRPC: "2.0", ID: id, Method: method, Params: encodedParams}
	raw, _ := json.Marshal(req)
	return raw
}

func decodeResponse(t *testing.T, raw json.RawMessage) mcp.JSONRPCResponse {
	var resp mcp.JSONRPCResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	return resp
}

func initializedConn(t *testing.T, d *mcp.Dispatcher) *mcp.ConnState {
	conn := mcp.NewConnState("sub-1")
	raw, err := d.Handle(context.Background(), conn, rpcRequest(1, "initialize", mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion}))
	require.NoError(t, err)
	resp := decodeResponse(t, raw)
	require.Nil(t, resp.Error)

	notif := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}{JSONRPC: "2.0", Method: "notifications/initialized"}
	notifRaw, _ := json.Marshal(notif)
	out, err := d.Handle(context.Background(), conn, notifRaw)
	require.NoError(t, err)
	require.Nil(t, out)
	require.True(t, conn.Initialized())
	return conn
}

func TestRejectsNonInitializeMethodBeforeHandshake(t *testing.T) {
	d, _ := newDispatcher(t)
	conn := mcp.NewConnState("sub-1")

	raw, err := d.Handle(context.Background(), conn, rpcRequest(1, "tools/list", nil))
	require.NoError(t, err)
	resp := decodeResponse(t, raw)
	require.NotNil(t, resp.Error)
	require.Equal(t, mcp.CodeInvalidRequest, resp.Error.Code)
}

func TestInitializeRejectsMismatchedProtocolVersion(t *testing.T) {
	d, _ := newDispatcher(t)
	conn := mcp.NewConnState("sub-1")

	raw, err := d.Handle(context.Background(), conn, rpcRequest(1, "initialize", mcp.InitializeParams{ProtocolVersion: "1999-01-01"}))
	require.NoError(t, err)
	resp := decodeResponse(t, raw)
	require.NotNil(t, resp.Error)
	require.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
	require.True(t, conn.ProtocolMismatched())
}

func TestInitializeHandshakeThenToolsListAndCall(t *testing.T) {
	d, _ := newDispatcher(t)
	conn := initializedConn(t, d)

	raw, err := d.Handle(context.Background(), conn, rpcRequest(2, "tools/list", nil))
	require.NoError(t, err)
	resp := decodeResponse(t, raw)
	require.Nil(t, resp.Error)

	resultBytes, _ := json.Marshal(resp.Result)
	var listResult mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(resultBytes, &listResult))
	require.Len(t, listResult.Tools, 1)
	require.Equal(t, "echo", listResult.Tools[0].Name)

	raw, err = d.Handle(context.Background(), conn, rpcRequest(3, "tools/call", mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"x": 1.0}}))
	require.NoError(t, err)
	resp = decodeResponse(t, raw)
	require.Nil(t, resp.Error)
}

func TestToolsCallUnknownToolMapsToMethodNotFound(t *testing.T) {
	d, _ := newDispatcher(t)
	conn := initializedConn(t, d)

	raw, err := d.Handle(context.Background(), conn, rpcRequest(4, "tools/call", mcp.CallToolParams{Name: "missing"}))
	require.NoError(t, err)
	resp := decodeResponse(t, raw)
	require.NotNil(t, resp.Error)
	require.Equal(t, mcp.CodeMethodNotFound, resp.Error.Code)
}

func TestResourcesReadCurrentMapsNotFoundToInvalidParams(t *testing.T) {
	d, mock := newDispatcher(t)
	conn := initializedConn(t, d)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnError(sql.ErrNoRows)

	raw, err := d.Handle(context.Background(), conn, rpcRequest(5, "resources/read",
		mcp.ReadResourceParams{URI: "https://example.com/universe/u/galaxy/g/star/s/entity/e1"}))
	require.NoError(t, err)
	resp := decodeResponse(t, raw)
	require.NotNil(t, resp.Error)
	require.Equal(t, mcp.CodeInvalidParams, resp.Error.Code)
}

func TestResourcesReadCurrentSucceeds(t *testing.T) {
	d, mock := newDispatcher(t)
	conn := initializedConn(t, d)

	rows := sqlmock.NewRows([]string{"entity_id", "valid_from", "valid_to", "changed_by", "previous_values", "value", "deleted", "parent_id", "entity_type_name", "entity_type_version"}).
		AddRow("u/g/s/e1", time.Now(), store.SentinelValidTo, []byte(`null`), []byte(`{}`), []byte(`{"name":"a"}`), false, "root", "widget", 1)
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE entity_id = $1 AND valid_to = $2`)).WillReturnRows(rows)

	raw, err := d.Handle(context.Background(), conn, rpcRequest(6, "resources/read",
		mcp.ReadResourceParams{URI: "https://example.com/universe/u/galaxy/g/star/s/entity/e1"}))
	require.NoError(t, err)
	resp := decodeResponse(t, raw)
	require.Nil(t, resp.Error)
}

func TestEnvelopeWrappedRequestYieldsWrappedResponse(t *testing.T) {
	d, _ := newDispatcher(t)
	conn := mcp.NewConnState("sub-1")

	payload := rpcRequest(1, "initialize", mcp.InitializeParams{ProtocolVersion: mcp.ProtocolVersion})
	envelope, _ := json.Marshal(mcp.Envelope{Type: "mcp", Payload: payload})

	raw, err := d.Handle(context.Background(), conn, envelope)
	require.NoError(t, err)

	var env mcp.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	require.Equal(t, "mcp", env.Type)
	resp := decodeResponse(t, env.Payload)
	require.Nil(t, resp.Error)
}

func TestNotificationReturnsNoResponse(t *testing.T) {
	d, _ := newDispatcher(t)
	conn := mcp.NewConnState("sub-1")

	notif := struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
	}{JSONRPC: "2.0", Method: "notifications/initialized"}
	raw, _ := json.Marshal(notif)

	out, err := d.Handle(context.Background(), conn, raw)
	require.NoError(t, err)
	require.Nil(t, out)
}
