package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/cooldown"
	"github.com/layer-3/microslot/internal/keylock"
	"github.com/layer-3/microslot/internal/metrics"
	"github.com/layer-3/microslot/internal/retry"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const serviceLockKey = "service"

// TransferConfig configures transfer execution
type TransferConfig struct {
	Token         common.Address
	Decimals      int32
	FeeBuffer     decimal.Decimal
	GasFloor      uint64
	GasMultiplier uint64
	Attempts      int
	Backoff       time.Duration
	Timeout       time.Duration
	CooldownTTL   time.Duration
}

// TransferExecutor turns verified payments into confirmed ledger transfers
type TransferExecutor struct {
	ledger   ports.Ledger
	store    ports.SessionStore
	cfg      TransferConfig
	locks    *keylock.Locker
	cooldown *cooldown.Tracker
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewTransferExecutor creates a new transfer executor
func NewTransferExecutor(ledger ports.Ledger, store ports.SessionStore, cfg TransferConfig, m *metrics.Metrics, logger *zap.Logger) *TransferExecutor {
	if cfg.GasMultiplier == 0 {
		cfg.GasMultiplier = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &TransferExecutor{
		ledger:   ledger,
		store:    store,
		cfg:      cfg,
		locks:    keylock.New(),
		cooldown: cooldown.New(cfg.CooldownTTL),
		metrics:  m,
		logger:   logger,
	}
}

// ComputeRemainingLimit returns how much the delegate key may still spend.
// An attached key authorization is authoritative; otherwise the ledger is asked.
func (e *TransferExecutor) ComputeRemainingLimit(ctx context.Context, session *core.AccessKeySession) (*big.Int, error) {
	if limit := session.Authorization.FirstLimit(); limit != nil {
		return limit, nil
	}

	limit, err := e.ledger.ReadRemainingSpendLimit(ctx, session.Owner, session.Key.Address, e.cfg.Token)
	if err != nil {
		if core.IsRateLimit(err) {
			e.cooldown.Mark(session.Owner.Hex())
		}
		return nil, fmt.Errorf("failed to read remaining limit: %w", err)
	}
	return limit, nil
}

// EnsureSpendable fails with core.ErrAccessKeyDepleted unless limit covers cost plus the fee buffer
func (e *TransferExecutor) EnsureSpendable(limit *big.Int, cost decimal.Decimal) error {
	required := core.ToBaseUnits(cost.Add(e.cfg.FeeBuffer), e.cfg.Decimals)
	if limit.Cmp(required) < 0 {
		return core.ErrAccessKeyDepleted
	}
	return nil
}

// ExecuteDelegatedTransfer moves amount from the session owner to destination
// using the delegate key. Transfers of the same owner never overlap. The
// transfer keeps running if ctx is cancelled.
//
// The stored key authorization is taken while the owner's lock is held, so
// at most one transfer carries it. It is put back when the transfer fails
// before reaching the ledger. An unspendable limit fails with
// core.ErrAccessKeyDepleted.
func (e *TransferExecutor) ExecuteDelegatedTransfer(ctx context.Context, session *core.AccessKeySession, destination common.Address, amount decimal.Decimal) (*core.Confirmation, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	payer := session.Owner.Hex()
	unlock, err := e.locks.Lock(ctx, payer)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire transfer lock: %w", err)
	}
	defer unlock()

	start := time.Now()
	logger := e.logger.With(zap.String("payer", payer), zap.String("delegate", session.Key.Address.Hex()))

	auth, err := e.store.TakeKeyAuthorization(ctx, payer)
	if err != nil {
		return nil, fmt.Errorf("failed to load key authorization: %w", err)
	}
	restore := func() {
		if auth == nil {
			return
		}
		if err := e.store.RestoreKeyAuthorization(ctx, payer, session.Key.Address, auth); err != nil {
			logger.Warn("failed to restore key authorization", zap.Error(err))
		}
	}

	current := *session
	current.Authorization = auth
	if err := e.reserve(ctx, &current, amount, logger); err != nil {
		restore()
		return nil, err
	}

	if auth == nil {
		status, err := e.ledger.ReadDelegateKeyStatus(ctx, session.Owner, session.Key.Address)
		if err != nil {
			if core.IsRateLimit(err) {
				e.cooldown.Mark(payer)
			}
			return nil, fmt.Errorf("failed to check delegate key: %w", err)
		}
		if !status.Registered || status.Revoked {
			return nil, core.ErrDelegateKeyRevoked
		}
	}

	key := session.Key
	req := &core.TransferRequest{
		From:          session.Owner,
		To:            destination,
		Token:         e.cfg.Token,
		Amount:        core.ToBaseUnits(amount, e.cfg.Decimals),
		Key:           &key,
		Authorization: auth,
	}
	req.Gas = e.gasBudget(ctx, payer, req, logger)

	hash, err := e.submit(ctx, "delegated", payer, req, logger)
	if err != nil {
		restore()
		return nil, err
	}

	conf, err := e.confirm(ctx, "delegated", hash)
	if err != nil {
		return nil, err
	}

	e.observeDuration(start)
	logger.Info("delegated transfer confirmed", zap.String("tx", conf.TxHash.Hex()), zap.String("amount", amount.String()))
	return conf, nil
}

// reserve lowers the mirrored balance to the remaining limit and checks that
// the limit covers amount. A failed lookup is not fatal since the ledger
// enforces the limit on submission.
func (e *TransferExecutor) reserve(ctx context.Context, session *core.AccessKeySession, amount decimal.Decimal, logger *zap.Logger) error {
	limit, err := e.ComputeRemainingLimit(ctx, session)
	if err != nil {
		logger.Warn("failed to load remaining access key limit", zap.Error(err))
		return nil
	}

	limitAmount := core.FromBaseUnits(limit, e.cfg.Decimals)
	if _, err := e.store.AdjustBalance(ctx, session.Owner.Hex(), func(b decimal.Decimal) decimal.Decimal {
		return decimal.Min(b, limitAmount)
	}); err != nil {
		logger.Warn("failed to reconcile mirrored balance", zap.Error(err))
	}

	return e.EnsureSpendable(limit, amount)
}

// ExecuteServiceTransfer pays amount from the service wallet to destination
func (e *TransferExecutor) ExecuteServiceTransfer(ctx context.Context, destination common.Address, amount decimal.Decimal) (*core.Confirmation, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
	defer cancel()

	start := time.Now()
	logger := e.logger.With(zap.String("recipient", destination.Hex()))

	req := &core.TransferRequest{
		From:   e.ledger.ServiceAddress(),
		To:     destination,
		Token:  e.cfg.Token,
		Amount: core.ToBaseUnits(amount, e.cfg.Decimals),
	}
	req.Gas = e.gasBudget(ctx, serviceLockKey, req, logger)

	hash, err := e.submit(ctx, "service", serviceLockKey, req, logger)
	if err != nil {
		return nil, err
	}
	conf, err := e.confirm(ctx, "service", hash)
	if err != nil {
		return nil, err
	}

	e.observeDuration(start)
	logger.Info("service transfer confirmed", zap.String("tx", conf.TxHash.Hex()), zap.String("amount", amount.String()))
	return conf, nil
}

// gasBudget pads the node's estimate, or uses the floor when the estimate
// is unavailable or the payer is backing off from a rate limit.
func (e *TransferExecutor) gasBudget(ctx context.Context, key string, req *core.TransferRequest, logger *zap.Logger) uint64 {
	if e.cooldown.Active(key) {
		logger.Debug("skipping gas estimate during cooldown")
		return e.cfg.GasFloor
	}

	estimate, err := e.ledger.EstimateTransferGas(ctx, req)
	if err != nil {
		if core.IsRateLimit(err) {
			e.cooldown.Mark(key)
		}
		logger.Warn("gas estimate failed, using fallback", zap.Uint64("gas", e.cfg.GasFloor), zap.Error(err))
		return e.cfg.GasFloor
	}

	return max(estimate*e.cfg.GasMultiplier, e.cfg.GasFloor)
}

func (e *TransferExecutor) submit(ctx context.Context, kind, key string, req *core.TransferRequest, logger *zap.Logger) (common.Hash, error) {
	policy := retry.Policy{
		MaxAttempts: e.cfg.Attempts,
		BaseDelay:   e.cfg.Backoff,
		Retryable:   core.IsTransient,
		OnRetry: func(attempt int, err error) {
			e.observeAttempt(kind, "retry")
			logger.Warn("transfer submission throttled, retrying", zap.Int("attempt", attempt), zap.Error(err))
		},
	}

	hash, err := retry.DoValue(ctx, policy, func(ctx context.Context) (common.Hash, error) {
		hash, err := e.ledger.SubmitTransfer(ctx, req)
		if err != nil && core.IsRateLimit(err) {
			e.cooldown.Mark(key)
		}
		return hash, err
	})
	if err != nil {
		e.observeAttempt(kind, "failed")
		return common.Hash{}, fmt.Errorf("failed to submit transfer: %w", err)
	}
	return hash, nil
}

func (e *TransferExecutor) confirm(ctx context.Context, kind string, hash common.Hash) (*core.Confirmation, error) {
	conf, err := e.ledger.WaitForConfirmation(ctx, hash)
	if err != nil {
		e.observeAttempt(kind, "unconfirmed")
		return nil, fmt.Errorf("failed to confirm transfer %s: %w", hash.Hex(), err)
	}
	if !conf.Success {
		e.observeAttempt(kind, "reverted")
		return nil, fmt.Errorf("%w: %s", core.ErrSettlementReverted, hash.Hex())
	}

	e.observeAttempt(kind, "success")
	return conf, nil
}

// InCooldown reports whether key recently hit a ledger rate limit
func (e *TransferExecutor) InCooldown(key string) bool {
	return e.cooldown.Active(key)
}

func (e *TransferExecutor) observeAttempt(kind, result string) {
	if e.metrics != nil {
		e.metrics.TransferAttempts.WithLabelValues(kind, result).Inc()
	}
}

func (e *TransferExecutor) observeDuration(start time.Time) {
	if e.metrics != nil {
		e.metrics.TransferDuration.Observe(time.Since(start).Seconds())
	}
}

// IsFatalTransferError reports whether err is a permanent settlement failure
func IsFatalTransferError(err error) bool {
	return errors.Is(err, core.ErrDelegateKeyRevoked) || errors.Is(err, core.ErrSettlementReverted)
}
