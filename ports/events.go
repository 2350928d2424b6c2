package ports

import (
	"context"

	"github.com/shopspring/decimal"
)

// EventPublisher publishes events to notify other services
type EventPublisher interface {
	PublishSpinSettled(ctx context.Context, event SpinSettledEvent) error
	PublishPrizeFailed(ctx context.Context, event PrizeFailedEvent) error
}

// SpinSettledEvent is emitted once a spin's debit is confirmed
type SpinSettledEvent struct {
	Reference   string          `json:"reference"`
	Payer       string          `json:"payer"`
	Cost        decimal.Decimal `json:"cost"`
	IsWin       bool            `json:"is_win"`
	PrizeTxHash string          `json:"prize_tx_hash,omitempty"`
}

// PrizeFailedEvent is emitted when a won prize could not be credited
type PrizeFailedEvent struct {
	Reference string          `json:"reference"`
	Payer     string          `json:"payer"`
	Amount    decimal.Decimal `json:"amount"`
	Error     string          `json:"error"`
}
