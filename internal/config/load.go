package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lumenize/lumenize-sub005/internal/actor"
	"github.com/lumenize/lumenize-sub005/internal/apperr"
	"github.com/lumenize/lumenize-sub005/internal/registry"
	"github.com/lumenize/lumenize-sub005/pkg/chain"
	"github.com/lumenize/lumenize-sub005/pkg/envelope"
)

// Load reads and validates the tool-route configuration at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return &c, nil
}

// dispatcherCaller is the IdentityProvider a forwarded tool call presents
// as its caller: the MCP server itself, not an actor instance.
type dispatcherCaller struct{}

func (dispatcherCaller) CallerIdentity() envelope.Identity {
	return envelope.Identity{Kind: envelope.KindWorker, BindingName: "mcp-dispatcher"}
}

// RegisterTools builds a registry.Tool for every entry in c and registers
// it with reg. A tool's handler forwards its arguments through the tool's
// resolved route: a single-actor route calls straight through; a
// multi-actor route pipelines, feeding each actor's result as the next
// actor's sole argument.
func (c *Config) RegisterTools(reg *registry.ToolRegistry, resolve envelope.StubResolver) error {
	for _, tool := range c.Tools {
		actors, err := tool.Route.GetActors(c.Routes)
		if err != nil {
			return fmt.Errorf("config: tool %q: %w", tool.Name, err)
		}

		schema, err := tool.inputSchema()
		if err != nil {
			return fmt.Errorf("config: tool %q: build input schema: %w", tool.Name, err)
		}

		t := registry.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schema,
			Handler:     pipelineHandler(tool.Name, actors, resolve),
		}
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// pipelineHandler closes over the resolved route so each invocation builds
// a fresh call chain per actor and threads the previous actor's result
// into the next as its sole "input" argument.
func pipelineHandler(toolName string, actors []string, resolve envelope.StubResolver) registry.ToolHandler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		caller := dispatcherCaller{}
		var result any = args

		for i, binding := range actors {
			remote := chain.New().Call(toolName, result)
			handler := chain.New().Call("identity", chain.Result())

			out, err := actor.CallWorker(ctx, caller, &passthroughTarget{}, binding, remote, handler, resolve)
			if err != nil {
				return nil, apperr.Wrap(apperr.KindToolExecution, fmt.Sprintf("tool %q: hop %d (%s) failed", toolName, i, binding), err)
			}
			result = out
		}
		return result, nil
	}
}

// passthroughTarget is CallWorker's handlerContinuation target: the
// handler chain here is always a single identity() call that returns its
// argument unchanged, so the target only needs that one method.
type passthroughTarget struct{}

func (passthroughTarget) Identity(v any) any { return v }

func (t *Parameter) toJSONSchema() map[string]any {
	node := map[string]any{"type": jsonSchemaType(t.Type)}
	if t.Description != "" {
		node["description"] = t.Description
	}
	if t.Default != nil {
		node["default"] = t.Default
	}
	if len(t.Options) > 0 {
		opts := make([]any, len(t.Options))
		for i, o := range t.Options {
			opts[i] = o
		}
		node["enum"] = opts
	}
	if t.Type == "object" && len(t.Properties) > 0 {
		props := map[string]any{}
		var required []string
		for name, prop := range t.Properties {
			props[name] = prop.toJSONSchema()
			if prop.Required {
				required = append(required, name)
			}
		}
		node["properties"] = props
		if len(required) > 0 {
			node["required"] = required
		}
	}
	if t.Type == "array" && t.Items != nil {
		node["items"] = t.Items.toJSONSchema()
	}
	return node
}

func jsonSchemaType(t string) string {
	if t == "integer" {
		return "integer"
	}
	return t
}

// inputSchema renders a tool's Parameters map as a single JSON-Schema
// object document, the shape registry.Tool.InputSchema expects.
func (t *Tool) inputSchema() (json.RawMessage, error) {
	props := map[string]any{}
	var required []string
	for name, p := range t.Parameters {
		props[name] = p.toJSONSchema()
		if p.Required {
			required = append(required, name)
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}

	return json.Marshal(schema)
}
