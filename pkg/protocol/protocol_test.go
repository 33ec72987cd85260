package protocol_test

import (
	"sync"
	"testing"

	"github.com/dukex/graphproperty/pkg/events"
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntOption(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  map[string]any
		want    int
		wantErr bool
	}{
		{name: "missing", config: nil, want: 7},
		{name: "int", config: map[string]any{"n": 3}, want: 3},
		{name: "float", config: map[string]any{"n": 4.0}, want: 4},
		{name: "fraction", config: map[string]any{"n": 4.5}, wantErr: true},
		{name: "negative", config: map[string]any{"n": -1}, wantErr: true},
		{name: "string", config: map[string]any{"n": "3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := protocol.IntOption(tt.config, "n", 7)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringsOption(t *testing.T) {
	t.Parallel()

	got, err := protocol.StringsOption(map[string]any{"p": []any{"a", "b"}}, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got)

	got, err = protocol.StringsOption(nil, "p", []string{"raw"})
	require.NoError(t, err)
	assert.Equal(t, []string{"raw"}, got)

	_, err = protocol.StringsOption(map[string]any{"p": []any{1}}, "p", nil)
	require.Error(t, err)

	_, err = protocol.StringsOption(map[string]any{"p": "raw"}, "p", nil)
	require.Error(t, err)
}

func TestWorkData_Write(t *testing.T) {
	t.Parallel()

	var buf graph.MutationBuffer

	outbox := &protocol.Outbox{}
	vertex := graph.NewVertex("v1", nil, &buf)

	var wg sync.WaitGroup

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			data := protocol.WorkData{Vertex: vertex, Outbox: outbox}
			data.Write("k", "mimeType", "text/plain", "")
		}()
	}

	wg.Wait()

	assert.Equal(t, 2, buf.Len())
	assert.Equal(t, []events.Notification{
		events.NewNotification("v1", "k", "mimeType"),
		events.NewNotification("v1", "k", "mimeType"),
	}, outbox.Drain())
	assert.Empty(t, outbox.Drain())

	noOutbox := protocol.WorkData{Vertex: vertex}
	noOutbox.Write("k", "other", 1, "")
	assert.Equal(t, 3, buf.Len())
}
