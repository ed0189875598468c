package chittysync

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Record payloads are opaque to the sync layer except for the minimal shape
// each record type must carry. Structurally invalid payloads are permanent
// failures: retrying them can never succeed.
var payloadSchemas = map[RecordType]string{
	RecordEntity: `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"entityType": {"type": "string"},
			"tags": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	RecordInformation: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title": {"type": "string", "minLength": 1},
			"body": {"type": "string"},
			"sourceUrl": {"type": "string"}
		}
	}`,
	RecordFact: `{
		"type": "object",
		"required": ["statement"],
		"properties": {
			"statement": {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"subjectId": {"type": "string"}
		}
	}`,
	RecordContext: `{
		"type": "object",
		"required": ["label"],
		"properties": {
			"label": {"type": "string", "minLength": 1},
			"caseId": {"type": "string"}
		}
	}`,
}

// PayloadValidator checks operation payloads against the per-record-type
// schemas before any token is spent on them.
type PayloadValidator struct {
	schemas map[RecordType]*jsonschema.Schema
}

func NewPayloadValidator() (*PayloadValidator, error) {
	compiler := jsonschema.NewCompiler()
	for recordType, source := range payloadSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("parse %s payload schema: %w", recordType, err)
		}
		if err := compiler.AddResource(string(recordType)+".json", doc); err != nil {
			return nil, fmt.Errorf("register %s payload schema: %w", recordType, err)
		}
	}
	schemas := make(map[RecordType]*jsonschema.Schema, len(payloadSchemas))
	for recordType := range payloadSchemas {
		schema, err := compiler.Compile(string(recordType) + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile %s payload schema: %w", recordType, err)
		}
		schemas[recordType] = schema
	}
	return &PayloadValidator{schemas: schemas}, nil
}

func (v *PayloadValidator) Validate(op Operation) error {
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: operation kind %q", ErrValidationFailed, op.Kind)
	}
	if op.Kind.Verb == VerbDelete {
		// Deletes carry no payload shape requirements beyond the key.
		return nil
	}
	schema, ok := v.schemas[op.Kind.Record]
	if !ok {
		return fmt.Errorf("%w: no schema for record type %q", ErrValidationFailed, op.Kind.Record)
	}
	instance := any(op.Payload)
	if op.Payload == nil {
		instance = nil
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrValidationFailed, op.Kind.Record, err)
	}
	return nil
}
