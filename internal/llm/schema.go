package llm

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ParseAgainstSchema parses content as JSON and validates it against a JSON
// Schema (Draft 2020-12). Returns ErrResponseSchema with the validator's
// message on any parse or validation failure, so callers can feed the
// details back into a retry prompt.
func ParseAgainstSchema(content string, schema map[string]any) (map[string]any, error) {
	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: response is not valid JSON: %w", ErrResponseSchema, err)
	}

	if err := ValidateAgainstSchema(parsed, schema); err != nil {
		return nil, err
	}

	return parsed, nil
}

// ValidateAgainstSchema validates an already-parsed document against a JSON
// Schema (Draft 2020-12).
func ValidateAgainstSchema(document any, schema map[string]any) error {
	// Round-trip the schema through encoding/json so the compiler sees the
	// plain decoded shapes it expects.
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("%w: unmarshalable schema: %w", ErrResponseSchema, err)
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaBytes, &schemaDoc); err != nil {
		return fmt.Errorf("%w: invalid schema document: %w", ErrResponseSchema, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return fmt.Errorf("%w: add schema resource: %w", ErrResponseSchema, err)
	}

	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("%w: compile schema: %w", ErrResponseSchema, err)
	}

	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("%w: %w", ErrResponseSchema, err)
	}

	return nil
}
