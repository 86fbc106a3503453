package artifact

import (
	"bytes"
	_ "embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed artifact_schema.json
var schemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse artifact schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("artifact.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add artifact schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("artifact.schema.json")
	})
	return schema, schemaErr
}

// ValidateDocument checks that data is well-formed JSON conforming to the
// artifact schema. Violations are reported as ErrArtifactInvalid.
func ValidateDocument(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactInvalid, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s", ErrArtifactInvalid, err)
	}
	return nil
}
