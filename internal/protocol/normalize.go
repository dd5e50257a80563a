package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Shape classifies a script result
type Shape int

const (
	// ShapeUnrecognized carries no actions; callers treat it as nothing to do
	ShapeUnrecognized Shape = iota
	// ShapeActionList is a JSON array, or an object with an "actions" array
	ShapeActionList
	// ShapeSingleAction is an object that has a "type" key
	ShapeSingleAction
)

func (s Shape) String() string {
	switch s {
	case ShapeActionList:
		return "action-list"
	case ShapeSingleAction:
		return "single-action"
	default:
		return "unrecognized"
	}
}

// Classify converts an arbitrary script result into candidate action objects.
// Strings and raw bytes are read as JSON text; any other value is serialized
// to JSON first. Array elements that aren't objects are dropped.
func Classify(result any) (Shape, []Fields) {
	text, ok := jsonText(result)
	if !ok {
		return ShapeUnrecognized, nil
	}

	switch {
	case strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]"):
		var list []any
		if err := decode(text, &list); err != nil {
			return ShapeUnrecognized, nil
		}
		return ShapeActionList, objects(list)

	case strings.HasPrefix(text, "{") && strings.HasSuffix(text, "}"):
		var root map[string]any
		if err := decode(text, &root); err != nil || root == nil {
			return ShapeUnrecognized, nil
		}
		fields := Fields(root)
		if v, ok := fields.Lookup("actions"); ok {
			if list, isList := v.([]any); isList {
				return ShapeActionList, objects(list)
			}
		}
		if fields.Has("type") {
			return ShapeSingleAction, []Fields{fields}
		}
		return ShapeUnrecognized, nil

	default:
		return ShapeUnrecognized, nil
	}
}

func jsonText(result any) (string, bool) {
	switch v := result.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(v), true
	case []byte:
		return strings.TrimSpace(string(v)), true
	case json.RawMessage:
		return strings.TrimSpace(string(v)), true
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return strings.TrimSpace(string(data)), true
	}
}

func decode(text string, v any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	return dec.Decode(v)
}

func objects(list []any) []Fields {
	out := make([]Fields, 0, len(list))
	for _, item := range list {
		if f, ok := asFields(item); ok {
			out = append(out, f)
		}
	}
	return out
}
