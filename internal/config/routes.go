// Package config loads the YAML tool-route configuration that drives
// tools/list and tools/call: each entry names a tool, its parameter
// schema, and the actor (or actor pipeline) its call forwards to.
package config

import (
	"fmt"
	"time"
)

// Config represents the complete tool routes configuration.
type Config struct {
	Tools    []Tool              `yaml:"tools"`
	Routes   map[string][]string `yaml:"routes,omitempty"`   // Named route templates
	Defaults *ToolDefaults       `yaml:"defaults,omitempty"` // Global defaults
}

// Tool represents a single MCP tool definition.
type Tool struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Parameters  map[string]Parameter `yaml:"parameters"`
	Route       RouteSpec            `yaml:"route"` // Can be array or string (template)
	Progress    *bool                `yaml:"progress,omitempty"`
	Timeout     *int                 `yaml:"timeout,omitempty"` // seconds
	Metadata    map[string]string    `yaml:"metadata,omitempty"`
}

// Parameter represents a tool parameter definition.
type Parameter struct {
	Type        string               `yaml:"type"` // string, number, boolean, object, array
	Description string               `yaml:"description,omitempty"`
	Required    bool                 `yaml:"required,omitempty"`
	Default     interface{}          `yaml:"default,omitempty"`
	Options     []string             `yaml:"options,omitempty"`    // enum values
	Properties  map[string]Parameter `yaml:"properties,omitempty"` // for object type
	Items       *Parameter           `yaml:"items,omitempty"`      // for array type
}

// RouteSpec can be either a string (template reference) or array of strings
// naming the actor bindings a tool call is forwarded through, in order.
type RouteSpec struct {
	Actors   []string // Resolved route actors
	Template string   // Template name (if used)
}

// ToolDefaults represents global default settings.
type ToolDefaults struct {
	Progress  *bool `yaml:"progress,omitempty"`
	Timeout   *int  `yaml:"timeout,omitempty"`   // seconds
	ResultTTL *int  `yaml:"resultTTL,omitempty"` // seconds; actor result-mailbox idempotency marker lifetime
}

// ResultTTL resolves the actor result-mailbox idempotency marker lifetime
// from defaults.resultTTL. It returns 0 when the configuration sets no
// value, which actor.NewBase treats as actor.DefaultResultTTL.
func (c *Config) ResultTTL() time.Duration {
	if c.Defaults != nil && c.Defaults.ResultTTL != nil {
		return time.Duration(*c.Defaults.ResultTTL) * time.Second
	}
	return 0
}

// UnmarshalYAML implements custom unmarshaling for RouteSpec. Allows route
// to be either: route: [actor1, actor2] OR route: template-name.
func (r *RouteSpec) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var actors []string
	if err := unmarshal(&actors); err == nil {
		r.Actors = actors
		return nil
	}

	var template string
	if err := unmarshal(&template); err == nil {
		r.Template = template
		return nil
	}

	return fmt.Errorf("route must be either an array of strings or a template name")
}

// MarshalYAML implements custom marshaling for RouteSpec.
func (r RouteSpec) MarshalYAML() (interface{}, error) {
	if r.Template != "" {
		return r.Template, nil
	}
	return r.Actors, nil
}

// GetActors resolves the route actors, using templates if specified.
func (r *RouteSpec) GetActors(templates map[string][]string) ([]string, error) {
	if len(r.Actors) > 0 {
		return r.Actors, nil
	}

	if r.Template != "" {
		actors, ok := templates[r.Template]
		if !ok {
			return nil, fmt.Errorf("route template %q not found", r.Template)
		}
		return actors, nil
	}

	return nil, fmt.Errorf("route has no actors or template")
}

// ToolOptions represents runtime options for a tool.
type ToolOptions struct {
	Progress bool
	Timeout  time.Duration
	Metadata map[string]string
}

// GetOptions returns the resolved tool options (merging with defaults).
func (t *Tool) GetOptions(defaults *ToolDefaults) ToolOptions {
	opts := ToolOptions{
		Progress: false,
		Timeout:  5 * time.Minute,
		Metadata: t.Metadata,
	}

	if defaults != nil {
		if defaults.Progress != nil {
			opts.Progress = *defaults.Progress
		}
		if defaults.Timeout != nil {
			opts.Timeout = time.Duration(*defaults.Timeout) * time.Second
		}
	}

	if t.Progress != nil {
		opts.Progress = *t.Progress
	}
	if t.Timeout != nil {
		opts.Timeout = time.Duration(*t.Timeout) * time.Second
	}

	return opts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if len(c.Tools) == 0 {
		return fmt.Errorf("no tools defined")
	}

	seen := make(map[string]bool)
	for _, tool := range c.Tools {
		if tool.Name == "" {
			return fmt.Errorf("tool name cannot be empty")
		}
		if seen[tool.Name] {
			return fmt.Errorf("duplicate tool name: %q", tool.Name)
		}
		seen[tool.Name] = true

		if err := tool.Validate(c.Routes); err != nil {
			return fmt.Errorf("tool %q: %w", tool.Name, err)
		}
	}

	return nil
}

// Validate validates a single tool definition.
func (t *Tool) Validate(templates map[string][]string) error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}

	actors, err := t.Route.GetActors(templates)
	if err != nil {
		return fmt.Errorf("invalid route: %w", err)
	}
	if len(actors) == 0 {
		return fmt.Errorf("route cannot be empty")
	}

	for name, param := range t.Parameters {
		if err := param.Validate(name); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
	}

	if t.Timeout != nil && *t.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	return nil
}

// Validate validates a parameter definition.
func (p *Parameter) Validate(name string) error {
	if name == "" {
		return fmt.Errorf("parameter name cannot be empty")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	if !validTypes[p.Type] {
		return fmt.Errorf("invalid type %q (must be string, number, integer, boolean, object, or array)", p.Type)
	}

	if p.Type == "object" && len(p.Properties) > 0 {
		for propName, prop := range p.Properties {
			if err := prop.Validate(propName); err != nil {
				return fmt.Errorf("property %q: %w", propName, err)
			}
		}
	}

	if p.Type == "array" && p.Items != nil {
		if err := p.Items.Validate("items"); err != nil {
			return fmt.Errorf("items: %w", err)
		}
	}

	return nil
}
