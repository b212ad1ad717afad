package blackboard

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaRegistry holds optional JSON Schemas per artifact type. When a type
// has a registered schema, Write validates the payload against it before
// storing. Types without a schema are accepted as-is.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[ArtifactType]*jsonschema.Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[ArtifactType]*jsonschema.Schema)}
}

// Register compiles the given JSON Schema document and associates it with an
// artifact type, replacing any earlier registration.
func (r *SchemaRegistry) Register(typ ArtifactType, schemaBytes []byte) error {
	if !typ.Valid() {
		return fmt.Errorf("unknown artifact type %q", typ)
	}
	var doc any
	if err := json.Unmarshal(schemaBytes, &doc); err != nil {
		return fmt.Errorf("unmarshal schema for %q: %w", typ, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("add schema resource for %q: %w", typ, err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema for %q: %w", typ, err)
	}
	r.mu.Lock()
	r.schemas[typ] = schema
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for typ, if any.
func (r *SchemaRegistry) Validate(typ ArtifactType, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[typ]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return schema.Validate(doc)
}
