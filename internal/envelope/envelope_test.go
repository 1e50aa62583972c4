package envelope_test

import (
	"testing"

	"github.com/manasgarg/plutoid-kernel/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoundTrip(t *testing.T) {
	e := envelope.New("kernel-1", envelope.TypePingRequest, map[string]any{"reverse_path": "client-1"})

	require.True(t, e.Validate())
	assert.Equal(t, "kernel-1", e.Header.KernelID)
	assert.Equal(t, envelope.TypePingRequest, e.Header.MsgType)
	assert.NotEmpty(t, e.Header.MsgID)
	assert.NotEmpty(t, e.Header.Timestamp)

	raw, err := e.Encode()
	require.NoError(t, err)

	decoded, err := envelope.Decode(raw)
	require.NoError(t, err)
	assert.True(t, decoded.Validate())
	assert.Equal(t, e.Header.MsgID, decoded.Header.MsgID)

	path, ok := decoded.StringField("reverse_path")
	require.True(t, ok)
	assert.Equal(t, "client-1", path)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	cases := []struct {
		name string
		env  envelope.Envelope
	}{
		{"missing kernel id", envelope.Envelope{Header: envelope.Header{MsgType: "x", MsgID: "y", Timestamp: "z"}}},
		{"missing msg type", envelope.Envelope{Header: envelope.Header{KernelID: "k", MsgID: "y", Timestamp: "z"}}},
		{"missing msg id", envelope.Envelope{Header: envelope.Header{KernelID: "k", MsgType: "x", Timestamp: "z"}}},
		{"missing timestamp", envelope.Envelope{Header: envelope.Header{KernelID: "k", MsgType: "x", MsgID: "y"}}},
		{"empty envelope", envelope.Envelope{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.False(t, tc.env.Validate())
		})
	}
}

func TestDecodeInvalidJSON(t *testing.T) {
	_, err := envelope.Decode([]byte("not json"))
	require.Error(t, err)
}

func TestStringFieldMissing(t *testing.T) {
	e := envelope.New("k", envelope.TypeShutdown, nil)
	_, ok := e.StringField("reverse_path")
	assert.False(t, ok)
}
