package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownTable is returned when a payload is tagged with a table that
	// is not part of the synced set.
	ErrUnknownTable = errors.New("unknown table")

	// ErrInvalidPayload is returned when a payload does not decode into the
	// record type its table tag demands.
	ErrInvalidPayload = errors.New("invalid mutation payload")
)

// DecodePayload decodes a mutation payload into the record type tagged by its
// table. Queue payloads are typed per table so a queued blob can always be
// checked against the schema it claims to target.
func DecodePayload(table Table, payload json.RawMessage) (any, error) {
	switch table {
	case TableAnimals:
		var a Animal
		if err := strictUnmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, table, err)
		}
		return &a, nil
	case TableMilkLogs:
		var m MilkLog
		if err := strictUnmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, table, err)
		}
		return &m, nil
	case TableHealthRecords:
		var h HealthRecord
		if err := strictUnmarshal(payload, &h); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, table, err)
		}
		return &h, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
}

// ValidatePayload checks that a payload decodes for its table without
// returning the decoded value.
func ValidatePayload(table Table, payload json.RawMessage) error {
	_, err := DecodePayload(table, payload)
	return err
}

func strictUnmarshal(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(data, v)
}

// MergePatch overlays the top-level fields of patch onto base and returns the
// merged document. Offline edits are stored as full top-level merges; deeper
// structure is replaced wholesale, matching last-write-wins replay semantics.
func MergePatch(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := map[string]any{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("decode base: %w", err)
		}
	}
	overlay := map[string]any{}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	for k, v := range overlay {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode merged payload: %w", err)
	}
	return out, nil
}
