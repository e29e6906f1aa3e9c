package payment

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antnet/antnode/pkg/types"
)

func TestVerifyAcceptsValidSignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := Receipt{ChunkKey: types.KeyFromContent([]byte("chunk")), Payer: pub, Amount: 100, Nonce: 1}
	r.Signature = ed25519.Sign(priv, r.SigningMessage())

	require.NoError(t, Verify(pub, r))
}

func TestVerifyRejectsTamperedAmount(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := Receipt{ChunkKey: types.KeyFromContent([]byte("chunk")), Payer: pub, Amount: 100, Nonce: 1}
	r.Signature = ed25519.Sign(priv, r.SigningMessage())

	r.Amount = 1_000_000
	require.ErrorIs(t, Verify(pub, r), ErrInvalidSignature)
}

func TestVerifyRejectsZeroAmount(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	r := Receipt{ChunkKey: types.KeyFromContent([]byte("chunk")), Payer: pub, Amount: 0, Nonce: 1}
	r.Signature = ed25519.Sign(priv, r.SigningMessage())

	require.ErrorIs(t, Verify(pub, r), ErrZeroAmount)
}

func TestVerifyRejectsMalformedPublicKey(t *testing.T) {
	r := Receipt{ChunkKey: types.KeyFromContent([]byte("chunk")), Amount: 1}
	require.ErrorIs(t, Verify(ed25519.PublicKey{0x01, 0x02}, r), ErrPublicKeySize)
}

func TestStripForStorageConvertsPaymentKind(t *testing.T) {
	rec := &types.Record{Kind: types.KindChunkWithPayment, Value: []byte("v")}
	stripped := StripForStorage(rec)
	require.Equal(t, types.KindChunk, stripped.Kind)
	require.False(t, stripped.Kind.HasPayment())
}
