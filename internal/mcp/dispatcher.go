// Package mcp implements the JSON-RPC dispatcher that ties together
// internal/registry (tools and entity types), internal/store (temporal
// snapshots), and internal/subscription (patch fanout). The per-connection
// synchronous/serialized dispatch loop mirrors a consumer message-handling
// pattern: receive, route by method, reply, one request at a time per
// connection.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/registry"
	"github.com/lumenize/lumenize-sub005/internal/store"
	"github.com/lumenize/lumenize-sub005/internal/subscription"
)

// DefaultInitializationTimeout is the global handshake deadline.
const DefaultInitializationTimeout = 10 * time.Second

// Dispatcher is the JSON-RPC method router.
type Dispatcher struct {
	tools *registry.ToolRegistry
	types *registry.EntityTypeRegistry
	store *store.Store
	subs  *subscription.Engine
	log   *slog.Logger

	InitializationTimeout time.Duration
}

func New(tools *registry.ToolRegistry, types *registry.EntityTypeRegistry, st *store.Store, subs *subscription.Engine) *Dispatcher {
	return &Dispatcher{
		tools: tools, types: types, store: st, subs: subs,
		log: slog.Default(), InitializationTimeout: DefaultInitializationTimeout,
	}
}

// UnwrapEnvelope strips the transport-level `{type:'mcp', payload}` wrapper
// if present; a bare JSON-RPC message passes through unchanged.
func UnwrapEnvelope(raw json.RawMessage) (json.RawMessage, bool, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Type == "mcp" && env.Payload != nil {
		return env.Payload, true, nil
	}
	return raw, false, nil
}

// wrapEnvelope re-applies the `{type:'mcp', payload}` wrapper to a response
// when the inbound message arrived wrapped, so responses mirror the
// envelope shape.
func wrapEnvelope(resp JSONRPCResponse, wrapped bool) (json.RawMessage, error) {
	if !wrapped {
		return json.Marshal(resp)
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: "mcp", Payload: payload})
}

// Handle processes one inbound transport message for conn and returns the
// wire bytes to send back, or nil for a notification (no response is sent).
func (d *Dispatcher) Handle(ctx context.Context, conn *ConnState, raw json.RawMessage) (json.RawMessage, error) {
	payload, wrapped, err := UnwrapEnvelope(raw)
	if err != nil {
		return nil, err
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(payload, &generic); err != nil {
		resp := errorResponse(nil, CodeParseError, "parse error")
		return wrapEnvelope(resp, wrapped)
	}

	var method string
	if m, ok := generic["method"]; ok {
		_ = json.Unmarshal(m, &method)
	}
	var params json.RawMessage
	if p, ok := generic["params"]; ok {
		params = p
	}

	idRaw, hasID := generic["id"]
	if !hasID {
		d.handleNotification(conn, method, params)
		return nil, nil
	}

	var id any
	_ = json.Unmarshal(idRaw, &id)

	resp := d.handleRequest(ctx, conn, id, method, params)
	return wrapEnvelope(resp, wrapped)
}

func (d *Dispatcher) handleNotification(conn *ConnState, method string, params json.RawMessage) {
	switch method {
	case "notifications/initialized":
		conn.markInitialized()
	default:
		d.log.Debug("mcp: unhandled notification", "method", method)
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, conn *ConnState, id any, method string, params json.RawMessage) JSONRPCResponse {
	if method != "initialize" && !conn.Initialized() {
		return d.errorToResponse(id, apperr.New(apperr.KindInitializationRequired, fmt.Sprintf("method %q called before mcp initialization completed", method)))
	}

	switch method {
	case "initialize":
		return d.handleInitialize(conn, id, params)
	case "tools/list":
		return d.handleListTools(id)
	case "tools/call":
		return d.handleCallTool(ctx, id, params)
	case "resources/templates/list":
		return resultResponse(id, ListResourceTemplatesResult{ResourceTemplates: resourceTemplates})
	case "resources/read":
		return d.handleReadResource(ctx, id, params)
	case "resources/subscribe":
		return d.handleSubscribe(ctx, conn, id, params)
	case "resources/unsubscribe":
		return d.handleUnsubscribe(conn, id, params)
	default:
		return errorResponse(id, CodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
	}
}

func (d *Dispatcher) handleInitialize(conn *ConnState, id any, params json.RawMessage) JSONRPCResponse {
	conn.markInitializeReceived()

	var p InitializeParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResponse(id, CodeInvalidParams, "invalid initialize params")
	}
	if p.ProtocolVersion != ProtocolVersion {
		conn.markProtocolMismatch()
		return errorResponse(id, CodeInvalidParams, fmt.Sprintf("unsupported protocol version %q, server supports %q", p.ProtocolVersion, ProtocolVersion))
	}

	return resultResponse(id, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"subscribe": true, "listChanged": false},
		},
		ServerInfo: map[string]any{"name": "ocan", "version": "1.0.0"},
	})
}

func (d *Dispatcher) handleListTools(id any) JSONRPCResponse {
	tools := d.tools.List()
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{
			Name: t.Name, Description: t.Description,
			InputSchema: t.InputSchema, OutputSchema: t.OutputSchema, Annotations: t.Annotations,
		})
	}
	return resultResponse(id, ListToolsResult{Tools: out})
}

func (d *Dispatcher) handleCallTool(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResponse(id, CodeInvalidParams, "invalid tools/call params")
	}

	result, err := d.tools.Call(ctx, p.Name, p.Arguments)
	if err != nil {
		return d.errorToResponse(id, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, CodeInternalError, "encode tool result")
	}
	return resultResponse(id, CallToolResult{Content: []ToolContent{{Type: "text", Text: string(encoded)}}})
}

func (d *Dispatcher) handleReadResource(ctx context.Context, id any, params json.RawMessage) JSONRPCResponse {
	var p ReadResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResponse(id, CodeInvalidParams, "invalid resources/read params")
	}

	result, err := d.readResource(ctx, p.URI)
	if err != nil {
		return d.errorToResponse(id, err)
	}
	return resultResponse(id, result)
}

func (d *Dispatcher) handleSubscribe(ctx context.Context, conn *ConnState, id any, params json.RawMessage) JSONRPCResponse {
	var p SubscribeResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResponse(id, CodeInvalidParams, "invalid resources/subscribe params")
	}

	var baseline *time.Time
	if p.InitialBaseline != nil {
		parsed, err := time.Parse(time.RFC3339Nano, *p.InitialBaseline)
		if err != nil {
			return d.errorToResponse(id, apperr.Wrap(apperr.KindParameterValidation, "parse initialBaseline", err))
		}
		baseline = &parsed
	}

	result, err := d.subs.Subscribe(ctx, conn.SubscriberID(), p.URI, baseline)
	if err != nil {
		return d.errorToResponse(id, err)
	}
	return resultResponse(id, result)
}

func (d *Dispatcher) handleUnsubscribe(conn *ConnState, id any, params json.RawMessage) JSONRPCResponse {
	var p UnsubscribeResourceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return errorResponse(id, CodeInvalidParams, "invalid resources/unsubscribe params")
	}

	d.subs.Unsubscribe(conn.SubscriberID(), p.URI)
	return resultResponse(id, UnsubscribeResourceResult{Unsubscribed: true, URI: p.URI})
}
