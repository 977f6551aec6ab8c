package activity

import (
	"strconv"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// IndexKey is the metadata key under which the profiler stores an event's position in its result list.
const IndexKey = "Profiler Event Index"

// SetIndex records idx in the activity's metadata.
func SetIndex(a *Activity, idx int) {
	AddMetadata(a, IndexKey, strconv.Itoa(idx))
}

// Index extracts the value stored by SetIndex. It returns false if the metadata doesn't contain a well-formed index.
func Index(metadata string) (int, bool) {
	if metadata == "" {
		return 0, false
	}
	fields, err := ParseMetadata(metadata)
	if err != nil {
		return 0, false
	}
	raw, ok := fields[IndexKey]
	if !ok {
		return 0, false
	}
	var idx int
	if err := json.Unmarshal(raw, &idx); err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}

// ParseMetadata decodes a metadata fragment into its raw values.
func ParseMetadata(metadata string) (map[string]jsontext.Value, error) {
	var out map[string]jsontext.Value
	if err := json.Unmarshal([]byte("{"+metadata+"}"), &out); err != nil {
		return nil, err
	}
	return out, nil
}
