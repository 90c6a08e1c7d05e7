package governor

import "encoding/json"

// stringParam extracts a string field from a raw params object without
// requiring a target struct; malformed or missing fields yield "".
func stringParam(params json.RawMessage, field string) string {
	if len(params) == 0 {
		return ""
	}
	var m map[string]interface{}
	if err := json.Unmarshal(params, &m); err != nil {
		return ""
	}
	v, _ := m[field].(string)
	return v
}

// recipientCount extracts params.recipients, accepting either a JSON
// array or a single comma-separated string, matching how agents send it
// in practice.
func recipientCount(params json.RawMessage) int {
	if len(params) == 0 {
		return 0
	}
	var m map[string]interface{}
	if err := json.Unmarshal(params, &m); err != nil {
		return 0
	}
	switch v := m["recipients"].(type) {
	case []interface{}:
		return len(v)
	case string:
		if v == "" {
			return 0
		}
		count := 1
		for _, c := range v {
			if c == ',' {
				count++
			}
		}
		return count
	default:
		return 0
	}
}
