package persistence

import (
	"encoding/json"
	"reflect"
)

// decodeWithExtra unmarshals data into v, then returns every top-level
// JSON field that empty, versioned readers running an older binary would
// not recognize as a field of v — so a round-trip (read, modify a known
// field, write) preserves fields a newer writer added, per the
// schema-evolution requirement on plans and snapshots.
func decodeWithExtra(data []byte, v any) (map[string]json.RawMessage, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for _, key := range jsonFieldNames(v) {
		delete(raw, key)
	}
	return raw, nil
}

// encodeWithExtra marshals v to its JSON object form, merges in extra
// (without overwriting any field v itself defines), and returns the
// combined, indented JSON.
func encodeWithExtra(v any, extra map[string]json.RawMessage) ([]byte, error) {
	own, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(own, &merged); err != nil {
		return nil, err
	}
	for k, val := range extra {
		if _, exists := merged[k]; !exists {
			merged[k] = val
		}
	}
	return json.MarshalIndent(merged, "", "  ")
}

// jsonFieldNames returns the explicit `json:"..."` tag names of v's
// exported struct fields. Fields without a tag are not considered known
// and so would be treated as extra — every persisted struct in this
// package tags its fields explicitly.
func jsonFieldNames(v any) []string {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name := tag
		for i := 0; i < len(tag); i++ {
			if tag[i] == ',' {
				name = tag[:i]
				break
			}
		}
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
