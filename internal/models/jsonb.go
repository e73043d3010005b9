package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/url"
)

// JSONB maps a Postgres jsonb column onto map[string]any for sqlx.
type JSONB map[string]any

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	b, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (j *JSONB) Scan(value any) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		*j = nil
		return nil
	}
	return json.Unmarshal(b, j)
}

// JSONBFromQuery flattens query parameters: single values become strings,
// repeated ones stay lists. Empty queries map to nil.
func JSONBFromQuery(values url.Values) JSONB {
	if len(values) == 0 {
		return nil
	}
	out := make(JSONB, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
			continue
		}
		list := make([]any, len(v))
		for i, s := range v {
			list[i] = s
		}
		out[k] = list
	}
	return out
}
