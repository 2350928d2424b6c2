package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/metrics"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SpinConfig holds the game economics
type SpinConfig struct {
	Cost        decimal.Decimal
	PrizeAmount decimal.Decimal
	Decimals    int32
	Method      string
}

// SpinService runs a paid spin from credential to receipt
type SpinService struct {
	payments  *PaymentService
	transfers *TransferExecutor
	store     ports.SessionStore
	events    ports.EventPublisher
	slot      *Slot
	cfg       SpinConfig
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

// NewSpinService creates a new spin service
func NewSpinService(
	payments *PaymentService,
	transfers *TransferExecutor,
	store ports.SessionStore,
	events ports.EventPublisher,
	slot *Slot,
	cfg SpinConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SpinService {
	return &SpinService{
		payments:  payments,
		transfers: transfers,
		store:     store,
		events:    events,
		slot:      slot,
		cfg:       cfg,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Perform charges the payer for one spin and plays it. Protocol failures are
// returned as *core.PaymentError; settlement failures are wrapped ledger errors.
func (s *SpinService) Perform(ctx context.Context, payer, authorization string) (*core.SpinResult, error) {
	if !common.IsHexAddress(payer) {
		return nil, core.ErrInvalidAddress
	}
	logger := s.logger.With(zap.String("payer", payer))

	session, err := s.payments.VerifyCredential(ctx, payer, authorization)
	if err != nil {
		s.observe("rejected")
		return nil, err
	}

	conf, err := s.transfers.ExecuteDelegatedTransfer(ctx, session, s.payments.Destination(), s.cfg.Cost)
	if errors.Is(err, core.ErrAccessKeyDepleted) {
		s.observe("depleted")
		return nil, s.payments.Reject(ctx, payer, http.StatusUnauthorized, core.CodePaymentRequired, "Access key balance depleted")
	}
	if err != nil {
		s.observe("failed")
		logger.Error("spin debit failed", zap.Bool("fatal", IsFatalTransferError(err)), zap.Error(err))
		return nil, fmt.Errorf("failed to deduct spin cost: %w", err)
	}

	remaining, err := s.store.AdjustBalance(ctx, payer, func(b decimal.Decimal) decimal.Decimal {
		return decimal.Max(b.Sub(s.cfg.Cost), decimal.Zero)
	})
	if err != nil {
		logger.Warn("failed to update mirrored balance", zap.Error(err))
	}

	combination, isWin := s.slot.Spin()
	result := &core.SpinResult{
		Combination:      combination,
		IsWin:            isWin,
		RemainingBalance: remaining,
		TxHash:           conf.TxHash.Hex(),
	}

	if isWin {
		s.creditPrize(ctx, payer, session.Owner, result, logger)
	}

	receipt, err := s.payments.Tokenizer().EncodeReceipt(&core.Receipt{
		Status:    "success",
		Method:    s.cfg.Method,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		Reference: result.TxHash,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt: %w", err)
	}
	result.Receipt = receipt

	if err := s.events.PublishSpinSettled(ctx, ports.SpinSettledEvent{
		Reference:   result.TxHash,
		Payer:       payer,
		Cost:        s.cfg.Cost,
		IsWin:       isWin,
		PrizeTxHash: result.PrizeTxHash,
	}); err != nil {
		logger.Warn("failed to publish spin event", zap.Error(err))
	}

	if isWin {
		s.observe("win")
	} else {
		s.observe("loss")
	}
	return result, nil
}

// creditPrize pays out a win. Failures are recorded for a later claim and
// never undo the spin.
func (s *SpinService) creditPrize(ctx context.Context, payer string, owner common.Address, result *core.SpinResult, logger *zap.Logger) {
	conf, err := s.transfers.ExecuteServiceTransfer(ctx, owner, s.cfg.PrizeAmount)
	if err == nil {
		result.PrizeTxHash = conf.TxHash.Hex()
		return
	}

	logger.Error("failed to send prize", zap.String("spin", result.TxHash), zap.Error(err))
	result.PrizeWarning = "Prize transfer failed and has been queued for a later claim"

	if err := s.store.AddPendingPrize(ctx, payer, core.PendingPrize{
		SpinReference: result.TxHash,
		Amount:        s.cfg.PrizeAmount,
		CreatedAt:     s.now(),
		LastError:     err.Error(),
	}); err != nil {
		logger.Warn("failed to record pending prize", zap.Error(err))
	}
	if s.metrics != nil {
		s.metrics.PendingPrizeTotal.Inc()
	}

	if err := s.events.PublishPrizeFailed(ctx, ports.PrizeFailedEvent{
		Reference: result.TxHash,
		Payer:     payer,
		Amount:    s.cfg.PrizeAmount,
		Error:     err.Error(),
	}); err != nil {
		logger.Warn("failed to publish prize failure", zap.Error(err))
	}
}

// PrizeClaim is the outcome of retrying a payer's pending prizes
type PrizeClaim struct {
	Credited []string
	Pending  int
}

// ClaimPendingPrizes retries every owed prize of the payer
func (s *SpinService) ClaimPendingPrizes(ctx context.Context, payer string) (*PrizeClaim, error) {
	if !common.IsHexAddress(payer) {
		return nil, core.ErrInvalidAddress
	}

	prizes, err := s.store.TakePendingPrizes(ctx, payer)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending prizes: %w", err)
	}
	if len(prizes) == 0 {
		return nil, core.ErrNoPendingPrizes
	}

	claim := &PrizeClaim{}
	owner := common.HexToAddress(payer)
	for _, prize := range prizes {
		conf, err := s.transfers.ExecuteServiceTransfer(ctx, owner, prize.Amount)
		if err != nil {
			s.logger.Warn("prize claim failed", zap.String("payer", payer), zap.String("spin", prize.SpinReference), zap.Error(err))
			prize.LastError = err.Error()
			if err := s.store.AddPendingPrize(ctx, payer, prize); err != nil {
				return nil, fmt.Errorf("failed to requeue prize: %w", err)
			}
			claim.Pending++
			continue
		}
		claim.Credited = append(claim.Credited, conf.TxHash.Hex())
	}

	return claim, nil
}

func (s *SpinService) observe(outcome string) {
	if s.metrics != nil {
		s.metrics.Spins.WithLabelValues(outcome).Inc()
	}
}
