package services

import (
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OverlayDelta sets every top-level key of the sparse delta document into the
// baseline document, returning the merged result. Untouched baseline fields
// are carried through as raw bytes, so the cost is proportional to the size
// of the delta, not the baseline. A pure function of its inputs: the overlay
// order cannot matter because delta keys are disjoint allow-listed fields.
func OverlayDelta(baseline, delta []byte) ([]byte, error) {
	if len(delta) == 0 {
		return baseline, nil
	}
	merged := baseline
	var overlayErr error
	gjson.ParseBytes(delta).ForEach(func(key, value gjson.Result) bool {
		out, err := sjson.SetRawBytes(merged, key.String(), []byte(value.Raw))
		if err != nil {
			overlayErr = err
			return false
		}
		merged = out
		return true
	})
	if overlayErr != nil {
		return nil, overlayErr
	}
	return merged, nil
}

// deltaKeys lists the top-level keys present in a sparse delta document.
func deltaKeys(delta []byte) []string {
	var keys []string
	gjson.ParseBytes(delta).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	return keys
}

// unionFields merges two key lists preserving first-seen order.
func unionFields(existing, added []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(added))
	out := make([]string, 0, len(existing)+len(added))
	for _, lists := range [][]string{existing, added} {
		for _, k := range lists {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
