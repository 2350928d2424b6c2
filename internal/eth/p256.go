// Package eth holds the signing primitives shared by the payment protocol
// and the ledger adapter.
package eth

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// P256SignatureType tags a P-256 signature envelope
	P256SignatureType byte = 0x01

	rawSignatureLen      = 64
	envelopeSignatureLen = 1 + 64 + 64 + 1
)

var (
	ErrInvalidPublicKey = errors.New("invalid P-256 public key")
	ErrInvalidSignature = errors.New("invalid P-256 signature")

	p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)
)

// PaymentMessage builds the text a delegate key signs for a challenge
func PaymentMessage(namespace, id, request string) string {
	return namespace + ":" + id + ":" + request
}

// HashMessage hashes msg with the EIP-191 personal message prefix
func HashMessage(msg string) []byte {
	return accounts.TextHash([]byte(msg))
}

// ParseP256PublicKey parses an uncompressed P-256 point (65 bytes, or 64 without the 0x04 prefix)
func ParseP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	if len(raw) == 64 {
		raw = append([]byte{0x04}, raw...)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, ErrInvalidPublicKey
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:65]),
	}, nil
}

// MarshalP256PublicKey returns the uncompressed 65 byte encoding of pub
func MarshalP256PublicKey(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 65)
	out[0] = 0x04
	pub.X.FillBytes(out[1:33])
	pub.Y.FillBytes(out[33:65])
	return out
}

// AddressFromP256 derives the ledger address of a P-256 key:
// the last 20 bytes of keccak256(X || Y).
func AddressFromP256(pub *ecdsa.PublicKey) common.Address {
	raw := MarshalP256PublicKey(pub)
	return common.BytesToAddress(crypto.Keccak256(raw[1:])[12:])
}

// SignP256 signs a 32 byte digest and returns r || s with a low s value
func SignP256(priv *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign digest: %w", err)
	}
	if s.Cmp(p256HalfOrder) > 0 {
		s = new(big.Int).Sub(elliptic.P256().Params().N, s)
	}

	sig := make([]byte, rawSignatureLen)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// EncodeP256Envelope wraps a raw signature together with the signing key
func EncodeP256Envelope(sig []byte, pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 0, envelopeSignatureLen)
	out = append(out, P256SignatureType)
	out = append(out, sig...)
	out = append(out, MarshalP256PublicKey(pub)[1:]...)
	return append(out, 0x00)
}

// VerifyP256 checks sig over digest against pub. Both the raw r || s form and
// the typed envelope are accepted; an envelope must embed pub itself.
func VerifyP256(pub *ecdsa.PublicKey, digest, sig []byte) error {
	switch len(sig) {
	case rawSignatureLen:
	case envelopeSignatureLen:
		if sig[0] != P256SignatureType {
			return fmt.Errorf("%w: unsupported signature type %#x", ErrInvalidSignature, sig[0])
		}
		if !bytes.Equal(sig[65:129], MarshalP256PublicKey(pub)[1:]) {
			return fmt.Errorf("%w: embedded key mismatch", ErrInvalidSignature)
		}
		sig = sig[1:65]
	default:
		return fmt.Errorf("%w: unexpected length %d", ErrInvalidSignature, len(sig))
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if !ecdsa.Verify(pub, digest, r, s) {
		return ErrInvalidSignature
	}
	return nil
}
