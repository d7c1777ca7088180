package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
)

// WriteOutput writes v as indented JSON, or as one JSON value per line when
// --jsonl is set and v is a slice.
func WriteOutput(out io.Writer, v any) error {
	if IsJSONLOutput() {
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Slice {
			enc := json.NewEncoder(out)
			for i := 0; i < rv.Len(); i++ {
				if err := enc.Encode(rv.Index(i).Interface()); err != nil {
					return fmt.Errorf("encode output: %w", err)
				}
			}
			return nil
		}
		return json.NewEncoder(out).Encode(v)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
