package chittysync

import (
	"errors"
	"testing"
)

func TestValidateAcceptsWellFormedPayloads(t *testing.T) {
	validator, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	cases := []Operation{
		{Kind: Kind{VerbCreate, RecordEntity}, Payload: map[string]any{"name": "Acme", "entityType": "corporation"}},
		{Kind: Kind{VerbUpdate, RecordInformation}, Payload: map[string]any{"title": "Filing deadline", "body": "due 2026-09-15"}},
		{Kind: Kind{VerbCreate, RecordFact}, Payload: map[string]any{"statement": "payment received", "confidence": 0.9}},
		{Kind: Kind{VerbCreate, RecordContext}, Payload: map[string]any{"label": "schatz-v-acme", "caseId": "case_81"}},
		{Kind: Kind{VerbDelete, RecordEntity}, Key: "k1"},
	}
	for _, op := range cases {
		if err := validator.Validate(op); err != nil {
			t.Fatalf("valid %s payload rejected: %v", op.Kind, err)
		}
	}
}

func TestValidateRejectsMalformedPayloads(t *testing.T) {
	validator, err := NewPayloadValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	cases := []Operation{
		{Kind: Kind{VerbCreate, RecordEntity}, Payload: map[string]any{"entityType": "corporation"}},
		{Kind: Kind{VerbCreate, RecordEntity}, Payload: map[string]any{"name": ""}},
		{Kind: Kind{VerbCreate, RecordEntity}},
		{Kind: Kind{VerbCreate, RecordFact}, Payload: map[string]any{"statement": "x", "confidence": 1.5}},
		{Kind: Kind{VerbUpdate, RecordInformation}, Payload: map[string]any{"body": "missing title"}},
	}
	for i, op := range cases {
		if err := validator.Validate(op); !errors.Is(err, ErrValidationFailed) {
			t.Fatalf("case %d: expected validation failure, got: %v", i, err)
		}
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("create-entity")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if kind.Verb != VerbCreate || kind.Record != RecordEntity {
		t.Fatalf("unexpected kind: %+v", kind)
	}
	if kind.String() != "create-entity" {
		t.Fatalf("round trip: %s", kind.String())
	}

	for _, raw := range []string{"", "create", "create-case", "smite-entity", "create_entity"} {
		if _, err := ParseKind(raw); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected parse failure for %q, got: %v", raw, err)
		}
	}
}

func TestIdempotencyKeyStableAndOverridable(t *testing.T) {
	op := testOperation("s1", "Acme")
	other := testOperation("s1", "Acme")
	if op.IdempotencyKey() != other.IdempotencyKey() {
		t.Fatalf("same logical operation must derive the same key")
	}

	changed := testOperation("s1", "Beta")
	if op.IdempotencyKey() == changed.IdempotencyKey() {
		t.Fatalf("different payloads must derive different keys")
	}

	op.Key = "explicit"
	if op.IdempotencyKey() != "explicit" {
		t.Fatalf("explicit key must win")
	}
}
