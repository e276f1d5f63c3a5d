package indexingstore

import (
	"encoding/json"
	"fmt"

	"github.com/ponder-go/ponder/internal/schema"
)

// Row is one logical (tableName, id) record: its current data, the
// checkpoint of the write that produced it, and whether it has been
// deleted (a tombstone revision rather than a physically removed row, so
// Revert can resurrect it if the delete is undone).
type Row struct {
	ID         string
	Data       map[string]schema.Value
	Checkpoint string
	Deleted    bool
}

// encodeData serializes a row's column values to the JSON blob stored in
// the `data` column.
func encodeData(data map[string]schema.Value) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("indexingstore: encode row data: %w", err)
	}
	return string(b), nil
}

func decodeData(raw string) (map[string]schema.Value, error) {
	var data map[string]schema.Value
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("indexingstore: decode row data: %w", err)
	}
	return data, nil
}

// merge applies patch on top of base, used by update/upsert's partial
// data semantics (spec.md's `data(row) -> data` callback form is the
// caller's responsibility; Store only ever receives the final map).
func merge(base, patch map[string]schema.Value) map[string]schema.Value {
	out := make(map[string]schema.Value, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
