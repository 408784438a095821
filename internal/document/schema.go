package document

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed document_schema.json
var documentSchemaJSON string

var (
	compileOnce    sync.Once
	documentSchema *jsonschema.Schema
	compileErr     error
)

// SchemaJSON returns the raw schema text, used as the response-shape hint for generation.
func SchemaJSON() string { return documentSchemaJSON }

// Schema returns the compiled JSON Schema for specification documents.
func Schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("document_schema.json", strings.NewReader(documentSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("document_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile document schema: %w", err)
			return
		}
		documentSchema = schema
	})
	return documentSchema, compileErr
}

// Validate checks raw JSON bytes against the document schema.
func Validate(data []byte) error {
	schema, err := Schema()
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("document is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("document does not match schema: %w", err)
	}
	return nil
}
