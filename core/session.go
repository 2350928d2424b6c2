package core

import (
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// DelegateKey is the P-256 key a payer delegated spending to
type DelegateKey struct {
	Address    common.Address
	PublicKey  []byte // uncompressed, 65 bytes
	PrivateKey *ecdsa.PrivateKey
}

// SpendLimit caps how much of a token a delegate key may move
type SpendLimit struct {
	Token common.Address
	Limit *big.Int
}

// KeyAuthorization is the owner's signed grant for a delegate key.
// It is consumed by the first transfer that carries it.
type KeyAuthorization struct {
	ChainID   *big.Int
	KeyID     common.Address
	KeyType   string
	Expiry    *uint64
	Limits    []SpendLimit
	Signature []byte
}

// FirstLimit returns the limit of the first entry, or nil
func (a *KeyAuthorization) FirstLimit() *big.Int {
	if a == nil || len(a.Limits) == 0 || a.Limits[0].Limit == nil {
		return nil
	}
	return new(big.Int).Set(a.Limits[0].Limit)
}

// AccessKeySession is the per-payer delegated spending state
type AccessKeySession struct {
	Owner            common.Address
	Key              DelegateKey
	Authorization    *KeyAuthorization
	Deposited        decimal.Decimal
	RemainingBalance decimal.Decimal
	CreatedAt        time.Time
}

// SessionInfo summarizes a payer's session state
type SessionInfo struct {
	Address      string
	HasAccessKey bool
	Challenges   int
	CreatedAt    time.Time
}

// PendingPrize is a reward whose credit has not settled yet
type PendingPrize struct {
	SpinReference string
	Amount        decimal.Decimal
	CreatedAt     time.Time
	LastError     string
}
