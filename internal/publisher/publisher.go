// Package publisher holds the encoding shared by completion event publishers.
package publisher

import (
	"encoding/json"
	"fmt"
	"maps"
)

// Attributer is implemented by payloads that carry message attributes, such
// as a task id used for subscription filtering.
type Attributer interface {
	Attributes() map[string]string
}

// Encode marshals payload to JSON and collects its attributes.
func Encode(payload any) ([]byte, map[string]string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"content_type": "application/json"}
	if a, ok := payload.(Attributer); ok {
		maps.Copy(attrs, a.Attributes())
	}
	return data, attrs, nil
}
