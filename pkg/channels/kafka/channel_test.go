package kafka_test

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/graphproperty/pkg/channels/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBrokers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: "localhost:9092", want: []string{"localhost:9092"}},
		{in: " a:9092, ,b:9092 ,", want: []string{"a:9092", "b:9092"}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, kafka.ParseBrokers(tt.in), tt.in)
	}
}

func TestCreateChannel_RequiresBrokers(t *testing.T) {
	t.Parallel()

	pub, sub, err := kafka.CreateChannel(watermill.NopLogger{}, nil, "graphproperty")
	require.ErrorIs(t, err, kafka.ErrNoBrokers)
	assert.Nil(t, pub)
	assert.Nil(t, sub)
}
