package chittysync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Verb string

const (
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

type RecordType string

const (
	RecordEntity      RecordType = "entity"
	RecordInformation RecordType = "information"
	RecordFact        RecordType = "fact"
	RecordContext     RecordType = "context"
)

// Kind identifies one of the twelve operation variants, e.g. "create-entity".
type Kind struct {
	Verb   Verb
	Record RecordType
}

func (k Kind) String() string {
	return string(k.Verb) + "-" + string(k.Record)
}

func (k Kind) IsZero() bool {
	return k.Verb == "" && k.Record == ""
}

func (k Kind) Valid() bool {
	switch k.Verb {
	case VerbCreate, VerbUpdate, VerbDelete:
	default:
		return false
	}
	switch k.Record {
	case RecordEntity, RecordInformation, RecordFact, RecordContext:
		return true
	default:
		return false
	}
}

func ParseKind(raw string) (Kind, error) {
	verb, record, ok := strings.Cut(strings.TrimSpace(raw), "-")
	if !ok {
		return Kind{}, fmt.Errorf("%w: malformed operation kind %q", ErrInvalidInput, raw)
	}
	kind := Kind{Verb: Verb(verb), Record: RecordType(record)}
	if !kind.Valid() {
		return Kind{}, fmt.Errorf("%w: unknown operation kind %q", ErrInvalidInput, raw)
	}
	return kind, nil
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type RetryState struct {
	Attempt     uint   `json:"attempt"`
	MaxAttempts uint   `json:"maxAttempts"`
	LastError   string `json:"lastError,omitempty"`
}

// Operation is one attempted write against the external record store. The
// Clock snapshot is captured at submission and immutable afterwards; only the
// Retry field is mutated once the operation is in flight.
type Operation struct {
	ID            string         `json:"id"`
	Kind          Kind           `json:"kind"`
	Payload       map[string]any `json:"payload"`
	SessionID     string         `json:"sessionId"`
	CorrelationID string         `json:"correlationId"`
	Clock         VectorClock    `json:"vectorClock,omitempty"`
	SubmittedAt   time.Time      `json:"submittedAt"`
	Retry         RetryState     `json:"retry"`

	// Key overrides the derived idempotency key when set by the caller.
	Key string `json:"key,omitempty"`
}

// IdempotencyKey returns the stable identity used to detect duplicate writes.
// Map payloads marshal with sorted keys, so the digest is deterministic.
func (op Operation) IdempotencyKey() string {
	if strings.TrimSpace(op.Key) != "" {
		return op.Key
	}
	payload, _ := json.Marshal(op.Payload)
	sum := sha256.Sum256([]byte(op.Kind.String() + "|" + op.SessionID + "|" + string(payload)))
	return hex.EncodeToString(sum[:16])
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
