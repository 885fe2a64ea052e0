package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"

	"github.com/lumenize/lumenize-sub005/internal/apperr"
)

var toolNameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ToolHandler executes a registered tool's body against validated args.
type ToolHandler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered tool.
type Tool struct {
	Name         string
	Description  string
	InputSchema  json.RawMessage
	OutputSchema json.RawMessage
	Annotations  map[string]any
	Handler      ToolHandler
}

// ToolRegistry is the process-wide tool registry consulted by the
// dispatcher's tools/list and tools/call handlers.
type ToolRegistry struct {
	validator SchemaValidator

	mu    sync.RWMutex
	tools map[string]Tool
}

// SchemaValidator is the external JSON-Schema validator collaborator used
// to check tool call arguments against inputSchema.
type SchemaValidator interface {
	Validate(schema json.RawMessage, value json.RawMessage) error
}

func NewToolRegistry(validator SchemaValidator) *ToolRegistry {
	return &ToolRegistry{validator: validator, tools: map[string]Tool{}}
}

// Register adds t to the registry. Duplicate names are rejected.
func (r *ToolRegistry) Register(t Tool) error {
	if !toolNameRe.MatchString(t.Name) {
		return apperr.New(apperr.KindParameterValidation, fmt.Sprintf("invalid tool name: %s", t.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return apperr.New(apperr.KindToolExecution, fmt.Sprintf("tool %q already registered", t.Name))
	}
	r.tools[t.Name] = t
	return nil
}

// List returns every registered tool, for tools/list.
func (r *ToolRegistry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Call validates args against the tool's inputSchema and invokes its
// handler. A domain error (*apperr.Error) from the handler propagates
// unchanged; any other error is wrapped as a generic execution error.
func (r *ToolRegistry) Call(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindToolNotFound, fmt.Sprintf("tool %q not found", name))
	}

	if t.InputSchema != nil && r.validator != nil {
		encodedArgs, err := json.Marshal(args)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParameterValidation, "encode tool args", err)
		}
		if err := r.validator.Validate(t.InputSchema, encodedArgs); err != nil {
			return nil, apperr.Wrap(apperr.KindParameterValidation, "tool args failed schema validation", err)
		}
	}

	result, err := t.Handler(ctx, args)
	if err != nil {
		if domainErr, ok := apperr.As(err); ok {
			return nil, domainErr
		}
		return nil, apperr.Wrap(apperr.KindToolExecution, fmt.Sprintf("tool %q execution failed", name), err)
	}
	return result, nil
}
