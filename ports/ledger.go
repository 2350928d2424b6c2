package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/microslot/core"
)

// Ledger is the chain the payments settle on
type Ledger interface {
	SubmitTransfer(ctx context.Context, req *core.TransferRequest) (common.Hash, error)
	WaitForConfirmation(ctx context.Context, txHash common.Hash) (*core.Confirmation, error)
	EstimateTransferGas(ctx context.Context, req *core.TransferRequest) (uint64, error)

	ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error)
	ReadRemainingSpendLimit(ctx context.Context, owner, delegate, token common.Address) (*big.Int, error)
	ReadDelegateKeyStatus(ctx context.Context, owner, delegate common.Address) (*core.DelegateKeyStatus, error)

	// ServiceAddress is the account that receives payments and pays out prizes
	ServiceAddress() common.Address
}
