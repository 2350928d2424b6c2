package microslot

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-jose/go-jose/v4"
	"github.com/layer-3/microslot/adapters/tokenizer"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
)

// AccessKey is the P-256 key a payer delegates spending to
type AccessKey struct {
	key core.DelegateKey
}

// GenerateAccessKey creates a fresh access key
func GenerateAccessKey() (*AccessKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate access key: %w", err)
	}
	return NewAccessKey(priv)
}

// NewAccessKey wraps an existing P-256 private key
func NewAccessKey(priv *ecdsa.PrivateKey) (*AccessKey, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, core.ErrInvalidPrivateKey
	}
	return &AccessKey{key: core.DelegateKey{
		Address:    eth.AddressFromP256(&priv.PublicKey),
		PublicKey:  eth.MarshalP256PublicKey(&priv.PublicKey),
		PrivateKey: priv,
	}}, nil
}

// Address returns the ledger address derived from the public key
func (k *AccessKey) Address() common.Address {
	return k.key.Address
}

// PublicKeyRaw returns the uncompressed public key as hex
func (k *AccessKey) PublicKeyRaw() string {
	return hexutil.Encode(k.key.PublicKey)
}

// PrivateJWK exports the private key as a JSON Web Key
func (k *AccessKey) PrivateJWK() (json.RawMessage, error) {
	raw, err := jose.JSONWebKey{Key: k.key.PrivateKey}.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export access key: %w", err)
	}
	return raw, nil
}

// Sign answers a challenge issued under namespace
func (k *AccessKey) Sign(namespace string, challenge *core.Challenge) (string, error) {
	return tokenizer.SignChallenge(namespace, challenge, &k.key)
}
