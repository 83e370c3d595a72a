package chatproto

import (
	"encoding/json"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DecodeLoose unmarshals data into v, swallowing the error. Callers pass a zero-valued v and inspect it
// afterwards; fields left at their zero value are treated as absent.
func DecodeLoose(data string, v any) {
	if data == "" {
		return
	}
	_ = json.Unmarshal([]byte(data), v)
}

// LooseObject parses data as a JSON object into a map, returning an empty
// (non-nil) map on any decode failure rather than erroring.
func LooseObject(data string) map[string]any {
	if data == "" || !gjson.Valid(data) {
		return map[string]any{}
	}
	result := gjson.Parse(data)
	if !result.IsObject() {
		return map[string]any{}
	}
	out := map[string]any{}
	result.ForEach(func(key, value gjson.Result) bool {
		out[key.String()] = value.Value()
		return true
	})
	return out
}

// LooseField reads a single field from a possibly-malformed JSON body,
// returning ("", false) when the body is not valid JSON or lacks the
// field — never erroring.
func LooseField(data, path string) (gjson.Result, bool) {
	if data == "" || !gjson.Valid(data) {
		return gjson.Result{}, false
	}
	r := gjson.Get(data, path)
	return r, r.Exists()
}

// MarshalLoose encodes v to a JSON string, falling back to "{}" if v can't
// be marshaled (this should only happen for caller programming errors,
// never for data received off the wire).
func MarshalLoose(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// SetField sets a single field in a JSON document, creating the document
// if raw is empty. Used to build update bodies incrementally (e.g. a
// tool-output body that layers "output" alongside optional metadata).
func SetField(raw, path string, value any) string {
	if raw == "" {
		raw = "{}"
	}
	out, err := sjson.Set(raw, path, value)
	if err != nil {
		return raw
	}
	return out
}
