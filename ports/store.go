package ports

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/microslot/core"
	"github.com/shopspring/decimal"
)

// SessionStore keeps per-payer payment state. Every operation is scoped to
// a single address; addresses are compared case-insensitively.
type SessionStore interface {
	GetOrCreateSession(ctx context.Context, address string) (*core.SessionInfo, error)

	// Access key operations
	SetAccessKey(ctx context.Context, address string, session *core.AccessKeySession) error
	GetAccessKey(ctx context.Context, address string) (*core.AccessKeySession, error)
	UpdateBalance(ctx context.Context, address string, balance decimal.Decimal) error
	AdjustBalance(ctx context.Context, address string, fn func(decimal.Decimal) decimal.Decimal) (decimal.Decimal, error)
	// TakeKeyAuthorization returns and clears the one-shot key authorization
	TakeKeyAuthorization(ctx context.Context, address string) (*core.KeyAuthorization, error)
	RestoreKeyAuthorization(ctx context.Context, address string, delegate common.Address, auth *core.KeyAuthorization) error

	// Challenge operations
	StoreChallenge(ctx context.Context, address string, challenge *core.Challenge) error
	ReplaceChallenge(ctx context.Context, address string, challenge *core.Challenge) error
	GetChallenge(ctx context.Context, address, id string) (*core.Challenge, error)
	// TakeChallenge returns and removes an unexpired challenge in one step
	TakeChallenge(ctx context.Context, address, id string) (*core.Challenge, error)
	DeleteChallenge(ctx context.Context, address, id string) error

	// Prize bookkeeping
	AddPendingPrize(ctx context.Context, address string, prize core.PendingPrize) error
	TakePendingPrizes(ctx context.Context, address string) ([]core.PendingPrize, error)

	// Sweep drops expired challenges and empty sessions
	Sweep(now time.Time) int
}
