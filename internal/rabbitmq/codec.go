package rabbitmq

import (
	jsoniter "github.com/json-iterator/go"
)

// ContentTypeJSON is set on every published message.
const ContentTypeJSON = "application/json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes a message body to JSON.
func Encode(message any) ([]byte, error) {
	return json.Marshal(message)
}

// Decode parses a delivery body as JSON into a generic value
// (map[string]any, []any, string, float64, bool or nil).
func Decode(contentType string, body []byte) (any, error) {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, &DecodeError{ContentType: contentType, Err: err}
	}
	return v, nil
}

// DecodeInto parses a delivery body as JSON into dst.
func DecodeInto(contentType string, body []byte, dst any) error {
	if err := json.Unmarshal(body, dst); err != nil {
		return &DecodeError{ContentType: contentType, Err: err}
	}
	return nil
}
