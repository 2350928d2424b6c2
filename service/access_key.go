package service

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/go-jose/go-jose/v4"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AccessKeyRegistration is a payer's request to delegate spending to a P-256 key
type AccessKeyRegistration struct {
	Address          string
	Amount           decimal.Decimal
	AccessKeyAddress string
	PublicKeyRaw     string
	PrivateKeyJWK    json.RawMessage
	KeyAuthorization json.RawMessage
}

type keyAuthorizationWire struct {
	ChainID string `json:"chainId"`
	KeyID   string `json:"keyId"`
	KeyType string `json:"keyType"`
	Expiry  string `json:"expiry"`
	Limits  []struct {
		Token  string `json:"token"`
		Limit  string `json:"limit"`
		Amount string `json:"amount"`
	} `json:"limits"`
	Signature json.RawMessage `json:"signature"`
}

// RegisterAccessKey validates the delegate key pair and stores a fresh
// session whose mirrored balance equals the deposited amount.
func (s *PaymentService) RegisterAccessKey(ctx context.Context, reg *AccessKeyRegistration) (*core.AccessKeySession, error) {
	if !common.IsHexAddress(reg.Address) {
		return nil, core.ErrInvalidAddress
	}
	if !common.IsHexAddress(reg.AccessKeyAddress) {
		return nil, fmt.Errorf("%w: access key address", core.ErrInvalidAddress)
	}
	if !reg.Amount.IsPositive() {
		return nil, core.ErrInvalidAmount
	}

	rawPub, err := hexutil.Decode(reg.PublicKeyRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPublicKey, err)
	}
	pub, err := eth.ParseP256PublicKey(rawPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPublicKey, err)
	}

	priv, err := parsePrivateJWK(reg.PrivateKeyJWK)
	if err != nil {
		return nil, err
	}
	if priv.PublicKey.X.Cmp(pub.X) != 0 || priv.PublicKey.Y.Cmp(pub.Y) != 0 {
		return nil, fmt.Errorf("%w: private key does not match public key", core.ErrInvalidPrivateKey)
	}

	derived := eth.AddressFromP256(pub)
	if derived != common.HexToAddress(reg.AccessKeyAddress) {
		return nil, core.ErrAccessKeyMismatch
	}

	auth, err := parseKeyAuthorization(reg.KeyAuthorization)
	if err != nil {
		return nil, err
	}

	session := &core.AccessKeySession{
		Owner: common.HexToAddress(reg.Address),
		Key: core.DelegateKey{
			Address:    derived,
			PublicKey:  eth.MarshalP256PublicKey(pub),
			PrivateKey: priv,
		},
		Authorization:    auth,
		Deposited:        reg.Amount,
		RemainingBalance: reg.Amount,
		CreatedAt:        s.now(),
	}

	if err := s.store.SetAccessKey(ctx, reg.Address, session); err != nil {
		return nil, fmt.Errorf("failed to store access key: %w", err)
	}

	s.logger.Info("access key registered",
		zap.String("address", session.Owner.Hex()),
		zap.String("delegate", derived.Hex()),
		zap.String("amount", reg.Amount.String()),
		zap.Bool("authorization", auth != nil),
	)

	return session, nil
}

func parsePrivateJWK(raw json.RawMessage) (*ecdsa.PrivateKey, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: missing JWK", core.ErrInvalidPrivateKey)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidPrivateKey, err)
	}

	priv, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: expected a P-256 private key", core.ErrInvalidPrivateKey)
	}
	return priv, nil
}

func parseKeyAuthorization(raw json.RawMessage) (*core.KeyAuthorization, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var wire keyAuthorizationWire
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidKeyAuth, err)
	}

	auth := &core.KeyAuthorization{
		KeyType: wire.KeyType,
	}
	if wire.KeyID != "" {
		if !common.IsHexAddress(wire.KeyID) {
			return nil, fmt.Errorf("%w: bad keyId %q", core.ErrInvalidKeyAuth, wire.KeyID)
		}
		auth.KeyID = common.HexToAddress(wire.KeyID)
	}
	if wire.ChainID != "" {
		chainID, ok := math.ParseBig256(wire.ChainID)
		if !ok {
			return nil, fmt.Errorf("%w: bad chainId %q", core.ErrInvalidKeyAuth, wire.ChainID)
		}
		auth.ChainID = chainID
	}
	if wire.Expiry != "" {
		expiry, ok := math.ParseUint64(wire.Expiry)
		if !ok {
			return nil, fmt.Errorf("%w: bad expiry %q", core.ErrInvalidKeyAuth, wire.Expiry)
		}
		auth.Expiry = &expiry
	}

	for _, l := range wire.Limits {
		value := l.Limit
		if value == "" {
			value = l.Amount
		}
		limit, ok := math.ParseBig256(value)
		if !ok {
			return nil, fmt.Errorf("%w: bad limit %q", core.ErrInvalidKeyAuth, value)
		}
		auth.Limits = append(auth.Limits, core.SpendLimit{Token: common.HexToAddress(l.Token), Limit: limit})
	}

	sig, err := signatureBytes(wire.Signature)
	if err != nil {
		return nil, err
	}
	auth.Signature = sig

	return auth, nil
}

// signatureBytes accepts a hex string or keeps an RPC signature object as raw JSON
func signatureBytes(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var hexSig string
	if err := json.Unmarshal(trimmed, &hexSig); err == nil {
		sig, err := hexutil.Decode(strings.TrimSpace(hexSig))
		if err != nil {
			return nil, fmt.Errorf("%w: signature: %v", core.ErrInvalidKeyAuth, err)
		}
		return sig, nil
	}
	return append([]byte(nil), trimmed...), nil
}
