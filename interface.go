package microslot

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Client represents the public interface for playing against a microslot server
type Client interface {
	// RegisterAccessKey delegates amount of spending to the client's access key
	RegisterAccessKey(ctx context.Context, amount decimal.Decimal, keyAuthorization json.RawMessage) (*Registration, error)

	// Spin pays for one spin, answering the server's payment challenge
	Spin(ctx context.Context) (*SpinOutcome, error)

	// Balance reads the payer's token balance, optionally after txHash confirms
	Balance(ctx context.Context, txHash string) (*Balance, error)

	// CasinoAddress returns the address spin payments go to
	CasinoAddress(ctx context.Context) (common.Address, error)

	// ClaimPrizes retries prize credits the server still owes
	ClaimPrizes(ctx context.Context) (*PrizeClaim, error)
}
