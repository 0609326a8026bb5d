package workflow

import (
	"encoding/json"
	"maps"
)

// Extra holds object members a type does not model. They are written back
// on marshal unless a modelled field with the same name is present.
type Extra map[string]json.RawMessage

// splitExtra decodes data as an object and returns the members not named
// in known.
func splitExtra(data []byte, known ...string) (Extra, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	for _, k := range known {
		delete(all, k)
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all, nil
}

// mergeExtra marshals v (an alias type without custom methods) and adds
// the extra members to the resulting object.
func mergeExtra(v any, extra Extra) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil || len(extra) == 0 {
		return b, err
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, err
	}
	out := maps.Clone(extra)
	maps.Copy(out, obj)
	return json.Marshal(out)
}
