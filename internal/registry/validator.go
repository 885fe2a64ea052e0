package registry

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// JSONSchemaValidator is the production SchemaValidator: a thin adapter
// over gojsonschema, the draft-07 validator the rest of the retrieved
// corpus reaches for wherever a tool's inputSchema needs enforcing before
// a handler ever sees the arguments.
type JSONSchemaValidator struct{}

func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{}
}

// Validate reports every schema violation in value, joined into a single
// error so the caller can surface them all in one parameterValidation
// response instead of one-at-a-time.
func (JSONSchemaValidator) Validate(schema json.RawMessage, value json.RawMessage) error {
	schemaLoader := gojsonschema.NewBytesLoader(schema)
	documentLoader := gojsonschema.NewBytesLoader(value)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("invalid json schema: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
