package sdk

import (
	"encoding/json"
	"fmt"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
)

// --- Generics Support ---

// Decode views a record as a typed value using its JSON field names.
func Decode[T any](rec schema.Record) (T, error) {
	var target T
	raw, err := json.Marshal(rec)
	if err != nil {
		return target, err
	}
	if err := json.Unmarshal(raw, &target); err != nil {
		return target, fmt.Errorf("decode record: %w", err)
	}
	return target, nil
}

// Encode turns a typed value into a record. Fields keep their struct order.
func Encode[T any](val T) (schema.Record, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return schema.Record{}, err
	}
	var rec schema.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return schema.Record{}, fmt.Errorf("encode record: %w", err)
	}
	return rec, nil
}
