package pipeline

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// PayloadKind tags the normalised shape of a response body.
type PayloadKind int

const (
	KindEmpty PayloadKind = iota
	KindList
	KindObject
	KindValue
)

func (k PayloadKind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindList:
		return "list"
	case KindObject:
		return "object"
	case KindValue:
		return "value"
	default:
		return "unknown"
	}
}

// Payload is the one shape every consumer sees, regardless of how the
// server wrapped the body.
type Payload struct {
	Kind  PayloadKind
	Items []json.RawMessage
	Raw   json.RawMessage
	// Source names the wrapper the items were taken from ("", "data", ...).
	Source string
}

// EmptyList is a list payload with no items.
func EmptyList() Payload { return Payload{Kind: KindList, Items: []json.RawMessage{}} }

// ObjectPayload wraps raw JSON as an object payload.
func ObjectPayload(raw []byte) Payload {
	return Payload{Kind: KindObject, Raw: json.RawMessage(raw)}
}

// ListPayload wraps a raw JSON array; anything else yields an empty list.
func ListPayload(raw []byte) Payload {
	r := gjson.ParseBytes(raw)
	if !r.IsArray() {
		return EmptyList()
	}
	return Payload{Kind: KindList, Items: items(r), Raw: json.RawMessage(raw)}
}

// ErrMalformedBody is returned by Normalize for non-JSON bodies.
var ErrMalformedBody = errors.New("body is not valid JSON")

// listKeys are the wrapper fields probed for a list, in precedence order.
var listKeys = []string{"data", "notifications", "content", "items"}

// Normalize converts a body into a Payload.
//
// Precedence: empty body; bare array; the first of data, notifications,
// content or items holding an array; data holding an object; the object
// itself; a scalar value.
func Normalize(body []byte) (Payload, error) {
	if strings.TrimSpace(string(body)) == "" {
		return Payload{Kind: KindEmpty}, nil
	}
	if !gjson.ValidBytes(body) {
		return Payload{}, ErrMalformedBody
	}

	root := gjson.ParseBytes(body)
	switch {
	case root.IsArray():
		return Payload{Kind: KindList, Items: items(root), Raw: json.RawMessage(root.Raw)}, nil
	case root.IsObject():
		for _, k := range listKeys {
			if v := root.Get(k); v.IsArray() {
				return Payload{Kind: KindList, Items: items(v), Raw: json.RawMessage(v.Raw), Source: k}, nil
			}
		}
		if v := root.Get("data"); v.IsObject() {
			return Payload{Kind: KindObject, Raw: json.RawMessage(v.Raw), Source: "data"}, nil
		}
		return Payload{Kind: KindObject, Raw: json.RawMessage(root.Raw)}, nil
	default:
		return Payload{Kind: KindValue, Raw: json.RawMessage(root.Raw)}, nil
	}
}

func items(arr gjson.Result) []json.RawMessage {
	out := make([]json.RawMessage, 0)
	arr.ForEach(func(_, v gjson.Result) bool {
		out = append(out, json.RawMessage(v.Raw))
		return true
	})
	return out
}

// Decode unmarshals an object or value payload into dst. An empty payload
// leaves dst untouched.
func (p Payload) Decode(dst any) error {
	if p.Kind == KindEmpty || len(p.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(p.Raw, dst)
}

// DecodeList unmarshals each list item into a T, skipping items that do not
// decode. A non-list payload yields an empty slice.
func DecodeList[T any](p Payload) []T {
	out := make([]T, 0, len(p.Items))
	if p.Kind != KindList {
		return out
	}
	for _, raw := range p.Items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// serverMessage extracts a human message from a JSON error body.
func serverMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	r := gjson.ParseBytes(body)
	for _, k := range []string{"message", "error", "detail"} {
		if v := r.Get(k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
