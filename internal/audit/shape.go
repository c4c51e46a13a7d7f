package audit

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Size bounds applied to verbose-level payloads before dispatch.
const (
	maxArrayItems      = 10
	maxSerializedChars = 10_000
	previewChars       = 1_000
)

// boundValue size-bounds one verbose payload value. Arrays longer than
// maxArrayItems are replaced by a summary carrying the first items; any
// value whose serialized form exceeds maxSerializedChars is replaced by a
// summary carrying a preview.
func boundValue(v any) any {
	if v == nil {
		return nil
	}

	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Len() > maxArrayItems {
		items := make([]any, maxArrayItems)
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		v = map[string]any{
			"truncated":  true,
			"totalCount": rv.Len(),
			"items":      items,
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		// Non-serializable values cannot reach a wire format anyway;
		// fall back to their string rendering.
		return fmt.Sprintf("%v", v)
	}
	if len(raw) > maxSerializedChars {
		return map[string]any{
			"truncated":    true,
			"originalSize": len(raw),
			"preview":      string(raw[:previewChars]) + "...",
		}
	}
	return v
}
