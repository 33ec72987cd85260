package events_test

import (
	"testing"

	"github.com/dukex/graphproperty/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		payload  string
		vertexID string
		key      *string
		propName string
		wantErr  bool
	}{
		{
			name:     "name only",
			payload:  `{"graphVertexId":"v1","propertyName":"title"}`,
			vertexID: "v1",
			propName: "title",
		},
		{
			name:     "key and name",
			payload:  `{"graphVertexId":"v1","propertyKey":"k1","propertyName":"raw"}`,
			vertexID: "v1",
			key:      strPtr("k1"),
			propName: "raw",
		},
		{
			name:     "numeric vertex id",
			payload:  `{"graphVertexId":12345678901234,"propertyName":"raw"}`,
			vertexID: "12345678901234",
			propName: "raw",
		},
		{
			name:     "null key is absent",
			payload:  `{"graphVertexId":"v1","propertyKey":null,"propertyName":"raw"}`,
			vertexID: "v1",
			propName: "raw",
		},
		{
			name:     "extra fields ignored",
			payload:  `{"graphVertexId":"v1","propertyName":"raw","priority":"high","workspace":"ws"}`,
			vertexID: "v1",
			propName: "raw",
		},
		{name: "missing property name", payload: `{"graphVertexId":"v1"}`, wantErr: true},
		{name: "missing vertex id", payload: `{"propertyName":"raw"}`, wantErr: true},
		{name: "empty property name", payload: `{"graphVertexId":"v1","propertyName":""}`, wantErr: true},
		{name: "vertex id wrong type", payload: `{"graphVertexId":true,"propertyName":"raw"}`, wantErr: true},
		{name: "key wrong type", payload: `{"graphVertexId":"v1","propertyKey":5,"propertyName":"raw"}`, wantErr: true},
		{name: "not json", payload: `graphVertexId=v1`, wantErr: true},
		{name: "array", payload: `[]`, wantErr: true},
		{name: "empty", payload: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n, err := events.Parse([]byte(tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, events.ErrInvalidNotification)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.vertexID, n.GraphVertexID.String())
			assert.Equal(t, tt.propName, n.PropertyName)

			key, ok := n.Key()
			if tt.key == nil {
				assert.False(t, ok)
			} else {
				assert.True(t, ok)
				assert.Equal(t, *tt.key, key)
			}
		})
	}
}

func TestNotification_Marshal(t *testing.T) {
	t.Parallel()

	t.Run("key omitted when empty", func(t *testing.T) {
		t.Parallel()

		b, err := events.NewNotification("v1", "", "mimeType").Marshal()
		require.NoError(t, err)
		assert.JSONEq(t, `{"graphVertexId":"v1","propertyName":"mimeType"}`, string(b))
	})

	t.Run("parses back", func(t *testing.T) {
		t.Parallel()

		b, err := events.NewNotification("v2", "k", "fingerprint").Marshal()
		require.NoError(t, err)

		n, err := events.Parse(b)
		require.NoError(t, err)

		key, ok := n.Key()
		assert.True(t, ok)
		assert.Equal(t, "k", key)
		assert.Equal(t, events.VertexID("v2"), n.GraphVertexID)
	})
}

func strPtr(s string) *string {
	return &s
}
