// Package events defines the notifications exchanged between enrichment stages.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Default topics.
const (
	InputTopic  = "graphproperty.in"
	OutputTopic = "graphproperty.out"
)

// ErrInvalidNotification is returned when a payload is not a valid notification.
var ErrInvalidNotification = errors.New("invalid notification")

const notificationSchema = `{
  "type": "object",
  "required": ["graphVertexId", "propertyName"],
  "properties": {
    "graphVertexId": {
      "anyOf": [
        {"type": "string", "minLength": 1},
        {"type": "number"}
      ]
    },
    "propertyKey": {"type": ["string", "null"]},
    "propertyName": {"type": "string", "minLength": 1}
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(notificationSchema)

// VertexID is an opaque vertex identifier. Upstream stages may send it as a
// JSON string or number; both decode to the same textual form.
type VertexID string

// UnmarshalJSON accepts a string or a number.
func (id *VertexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = VertexID(s)

		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return fmt.Errorf("graphVertexId must be a string or number: %w", err)
	}

	*id = VertexID(n.String())

	return nil
}

func (id VertexID) String() string {
	return string(id)
}

// Notification announces that a property was written to a vertex.
type Notification struct {
	GraphVertexID VertexID `json:"graphVertexId"`
	// PropertyKey is nil when the notification addresses the property by name only.
	PropertyKey  *string `json:"propertyKey,omitempty"`
	PropertyName string  `json:"propertyName"`
}

// NewNotification builds a notification addressing (key, name) on a vertex.
// An empty key addresses the property by name only.
func NewNotification(vertexID, key, name string) Notification {
	n := Notification{GraphVertexID: VertexID(vertexID), PropertyName: name}
	if key != "" {
		n.PropertyKey = &key
	}

	return n
}

// Key returns the property key and whether one was given.
func (n Notification) Key() (string, bool) {
	if n.PropertyKey == nil {
		return "", false
	}

	return *n.PropertyKey, true
}

// Parse validates and decodes a notification payload. Unknown fields are ignored.
func Parse(payload []byte) (Notification, error) {
	var notification Notification

	if len(bytes.TrimSpace(payload)) == 0 {
		return notification, fmt.Errorf("%w: empty payload", ErrInvalidNotification)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return notification, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}

	if !result.Valid() {
		var errs []string
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}

		return notification, fmt.Errorf("%w: %s", ErrInvalidNotification, strings.Join(errs, "; "))
	}

	if err := json.Unmarshal(payload, &notification); err != nil {
		return notification, fmt.Errorf("%w: %w", ErrInvalidNotification, err)
	}

	return notification, nil
}

// Marshal encodes the notification as a bus payload.
func (n Notification) Marshal() ([]byte, error) {
	return json.Marshal(n)
}
