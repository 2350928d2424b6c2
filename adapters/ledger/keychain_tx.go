package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
)

// KeychainTxType is the typed-envelope prefix of transactions signed by a delegate key
const KeychainTxType byte = 0x76

// keychainTx is a fee-market transfer sent by a delegate key on behalf of From.
// The signing hash is keccak256(type || rlp(fields without signature)); the
// wire form appends the P-256 signature envelope as the final list element.
type keychainTx struct {
	ChainID          *big.Int
	Nonce            uint64
	GasTipCap        *big.Int
	GasFeeCap        *big.Int
	Gas              uint64
	To               common.Address
	Value            *big.Int
	Data             []byte
	From             common.Address
	KeyAuthorization []byte
}

// signedKeychainTx is the wire layout of a signed keychainTx
type signedKeychainTx struct {
	ChainID          *big.Int
	Nonce            uint64
	GasTipCap        *big.Int
	GasFeeCap        *big.Int
	Gas              uint64
	To               common.Address
	Value            *big.Int
	Data             []byte
	From             common.Address
	KeyAuthorization []byte
	Signature        []byte
}

type rlpSpendLimit struct {
	Token common.Address
	Limit *big.Int
}

type rlpKeyAuthorization struct {
	ChainID   *big.Int
	KeyType   string
	KeyID     common.Address
	Expiry    uint64
	Limits    []rlpSpendLimit
	Signature []byte
}

// setAuthorization attaches the owner's one-shot key grant, if any
func (tx *keychainTx) setAuthorization(auth *core.KeyAuthorization) error {
	if auth == nil {
		tx.KeyAuthorization = nil
		return nil
	}

	enc := rlpKeyAuthorization{
		ChainID:   new(big.Int),
		KeyType:   auth.KeyType,
		KeyID:     auth.KeyID,
		Signature: auth.Signature,
	}
	if auth.ChainID != nil {
		enc.ChainID.Set(auth.ChainID)
	}
	if auth.Expiry != nil {
		enc.Expiry = *auth.Expiry
	}
	for _, l := range auth.Limits {
		limit := new(big.Int)
		if l.Limit != nil {
			limit.Set(l.Limit)
		}
		enc.Limits = append(enc.Limits, rlpSpendLimit{Token: l.Token, Limit: limit})
	}

	raw, err := rlp.EncodeToBytes(&enc)
	if err != nil {
		return fmt.Errorf("failed to encode key authorization: %w", err)
	}
	tx.KeyAuthorization = raw
	return nil
}

func (tx *keychainTx) sigHash() ([]byte, error) {
	payload, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return crypto.Keccak256([]byte{KeychainTxType}, payload), nil
}

// sign returns the typed wire encoding signed by key
func (tx *keychainTx) sign(key *core.DelegateKey) ([]byte, error) {
	if key == nil || key.PrivateKey == nil {
		return nil, core.ErrInvalidPrivateKey
	}

	hash, err := tx.sigHash()
	if err != nil {
		return nil, err
	}
	sig, err := eth.SignP256(key.PrivateKey, hash)
	if err != nil {
		return nil, err
	}

	signed := signedKeychainTx{
		ChainID:          tx.ChainID,
		Nonce:            tx.Nonce,
		GasTipCap:        tx.GasTipCap,
		GasFeeCap:        tx.GasFeeCap,
		Gas:              tx.Gas,
		To:               tx.To,
		Value:            tx.Value,
		Data:             tx.Data,
		From:             tx.From,
		KeyAuthorization: tx.KeyAuthorization,
		Signature:        eth.EncodeP256Envelope(sig, &key.PrivateKey.PublicKey),
	}
	payload, err := rlp.EncodeToBytes(&signed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transaction: %w", err)
	}

	return append([]byte{KeychainTxType}, payload...), nil
}
