package broker

import (
	"encoding/json"
)

const (
	ContentTypeText = "text/plain; charset=utf-8"
	ContentTypeJSON = "application/json"
)

// JsonMarshaler passes strings and byte slices through untouched and encodes
// every other value as JSON.
type JsonMarshaler struct{}

func (j JsonMarshaler) Marshal(v any) ([]byte, error) {
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(v)
	}
}

func (j JsonMarshaler) Unmarshal(d []byte, v any) error {
	return json.Unmarshal(d, v)
}

// ContentType returns the content type Marshal produces for v.
func (j JsonMarshaler) ContentType(v any) string {
	switch v.(type) {
	case []byte, string:
		return ContentTypeText
	default:
		return ContentTypeJSON
	}
}

func (j JsonMarshaler) String() string {
	return "json"
}
