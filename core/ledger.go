package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TransferRequest describes a token transfer to submit to the ledger.
// When Key is nil the transfer is signed by the service wallet.
type TransferRequest struct {
	From          common.Address
	To            common.Address
	Token         common.Address
	Amount        *big.Int
	Gas           uint64
	Key           *DelegateKey
	Authorization *KeyAuthorization
}

// Confirmation is the final state of a submitted transfer
type Confirmation struct {
	TxHash      common.Hash
	BlockNumber *big.Int
	GasUsed     uint64
	Success     bool
}

// DelegateKeyStatus is the ledger's view of a delegate key
type DelegateKeyStatus struct {
	Registered bool
	Revoked    bool
	Expiry     uint64
}

// BalanceReading is the result of a balance lookup
type BalanceReading struct {
	Balance *decimal.Decimal
	Cached  bool
	Stale   bool
}

// SpinResult is the outcome of a paid spin
type SpinResult struct {
	Combination      []string
	IsWin            bool
	RemainingBalance decimal.Decimal
	TxHash           string
	PrizeTxHash      string
	PrizeWarning     string
	Receipt          string
}
