package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antnet/antnode/pkg/types"
)

func TestEnvelopeEncodeDecodeRoundTrip(t *testing.T) {
	body := FindNodeBody{Target: types.KeyFromContent([]byte("target"))}
	payload, err := EncodeBody(body)
	require.NoError(t, err)

	env := &Envelope{
		RequestID:      "req-1",
		ProtocolString: ProtocolString("1"),
		Kind:           KindFindNode,
		Payload:        payload,
	}

	raw, err := EncodeEnvelope(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, env.RequestID, decoded.RequestID)
	require.Equal(t, env.ProtocolString, decoded.ProtocolString)
	require.Equal(t, KindFindNode, decoded.Kind)

	var decodedBody FindNodeBody
	require.NoError(t, DecodeBody(decoded.Payload, &decodedBody))
	require.Equal(t, body.Target, decodedBody.Target)
}

func TestEnvelopeRejectsOversizedPayload(t *testing.T) {
	env := &Envelope{
		RequestID:      "req-2",
		ProtocolString: ProtocolString("1"),
		Kind:           KindPutValue,
		Payload:        make([]byte, MaxPacketSize+1),
	}
	_, err := EncodeEnvelope(env)
	require.ErrorIs(t, err, ErrPacketTooLarge)
}

func TestProtocolStringEmbedsNetworkID(t *testing.T) {
	require.Contains(t, ProtocolString("42"), "42")
	require.NotEqual(t, ProtocolString("1"), ProtocolString("2"))
}
