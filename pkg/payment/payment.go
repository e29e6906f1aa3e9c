// Package payment implements the PaymentVerifier boundary: accepting
// signed receipts from the write path and handing back a payment-stripped
// record ready for RecordStore (spec.md §2, §4.11).
//
// Grounded on warren/pkg/security's signing/verification idiom (load a key,
// verify a detached proof, reject otherwise) adapted from its mTLS
// certificate-issuance shape to a single ed25519 detached-signature check;
// crypto/ed25519 is stdlib because no third-party signing library in the
// retrieved pack covers bare detached-signature verification (DESIGN.md).
package payment

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/antnet/antnode/pkg/types"
)

// Errors returned by Verify.
var (
	ErrInvalidSignature = errors.New("payment: signature does not verify")
	ErrZeroAmount        = errors.New("payment: amount must be non-zero")
	ErrPublicKeySize     = errors.New("payment: public key is not a valid ed25519 key")
)

// Receipt is the signed proof-of-payment carried alongside a *WithPayment
// record kind.
type Receipt struct {
	ChunkKey  types.ID
	Payer     ed25519.PublicKey
	Amount    uint64
	Nonce     uint64
	Signature []byte
}

// SigningMessage returns the canonical byte sequence a Receipt's Signature
// must cover: ChunkKey || Amount (big-endian) || Nonce (big-endian).
func (r Receipt) SigningMessage() []byte {
	buf := make([]byte, 0, types.IDLen+8+8)
	buf = append(buf, r.ChunkKey[:]...)
	buf = binary.BigEndian.AppendUint64(buf, r.Amount)
	buf = binary.BigEndian.AppendUint64(buf, r.Nonce)
	return buf
}

// Verify checks that r.Signature is a valid ed25519 signature by pub over
// r.SigningMessage(), and that the claimed amount is non-zero.
func Verify(pub ed25519.PublicKey, r Receipt) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrPublicKeySize
	}
	if r.Amount == 0 {
		return ErrZeroAmount
	}
	if !ed25519.Verify(pub, r.SigningMessage(), r.Signature) {
		return ErrInvalidSignature
	}
	return nil
}

// StripForStorage converts a *WithPayment record into the payment-free
// record RecordStore accepts, per the Record invariant in spec.md §3:
// *WithPayment kinds are rejected by RecordStore.Put and must be stripped
// by this boundary first.
func StripForStorage(rec *types.Record) *types.Record {
	stripped := *rec
	stripped.Kind = rec.Kind.Stripped()
	return &stripped
}
