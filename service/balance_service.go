package service

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/cooldown"
	"github.com/layer-3/microslot/internal/metrics"
	"github.com/layer-3/microslot/internal/retry"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// BalanceConfig configures the balance cache
type BalanceConfig struct {
	Token       common.Address
	Decimals    int32
	FreshTTL    time.Duration
	CooldownTTL time.Duration
	Attempts    int
	Backoff     time.Duration
	CacheSize   int
}

type balanceEntry struct {
	value     decimal.Decimal
	updatedAt time.Time
}

// BalanceService is a read-through cache in front of ledger balance reads.
// Each address is fetched at most once per cooldown window unless the
// caller asks to wait for a transaction, and concurrent callers share a fetch.
type BalanceService struct {
	ledger   ports.Ledger
	cfg      BalanceConfig
	policy   retry.Policy
	entries  *lru.Cache[string, balanceEntry]
	cooldown *cooldown.Tracker
	group    singleflight.Group

	mu       sync.Mutex
	inflight map[string]int

	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewBalanceService creates a new balance service
func NewBalanceService(ledger ports.Ledger, cfg BalanceConfig, m *metrics.Metrics, logger *zap.Logger) (*BalanceService, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	entries, err := lru.New[string, balanceEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create balance cache: %w", err)
	}

	return &BalanceService{
		ledger: ledger,
		cfg:    cfg,
		policy: retry.Policy{
			MaxAttempts: cfg.Attempts,
			BaseDelay:   cfg.Backoff,
			Retryable:   func(err error) bool { return !core.IsRateLimit(err) },
		},
		entries:  entries,
		cooldown: cooldown.New(cfg.CooldownTTL),
		inflight: make(map[string]int),
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// GetBalance returns the token balance of address. When confirmHash is set
// the lookup waits for that transaction before reading. Upstream failures
// are reported through the Stale flag, never as an error.
func (s *BalanceService) GetBalance(ctx context.Context, address, confirmHash string) (*core.BalanceReading, error) {
	if !common.IsHexAddress(address) {
		return nil, core.ErrInvalidAddress
	}
	if confirmHash != "" && !isHash(confirmHash) {
		return nil, fmt.Errorf("%w: %s", core.ErrInvalidTxHash, confirmHash)
	}
	key := strings.ToLower(common.HexToAddress(address).Hex())

	entry, cached := s.entries.Get(key)
	if confirmHash == "" {
		if cached && s.now().Sub(entry.updatedAt) < s.cfg.FreshTTL {
			s.observe("fresh")
			return &core.BalanceReading{Balance: &entry.value, Cached: true}, nil
		}
		if !s.isInflight(key) && s.cooldown.Active(key) {
			s.observe("cooldown")
			reading := &core.BalanceReading{Cached: cached, Stale: true}
			if cached {
				reading.Balance = &entry.value
			}
			return reading, nil
		}
	}

	// a caller awaiting a transaction never joins a read that may predate it
	ch := s.group.DoChan(key+"/"+strings.ToLower(confirmHash), func() (any, error) {
		return s.fetch(context.WithoutCancel(ctx), key, confirmHash)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.Err != nil {
		s.observe("error")
		s.logger.Warn("balance lookup failed", zap.String("address", key), zap.Error(res.Err))

		if entry, ok := s.entries.Get(key); ok {
			return &core.BalanceReading{Balance: &entry.value, Cached: true, Stale: true}, nil
		}
		return &core.BalanceReading{Stale: true}, nil
	}

	value := res.Val.(decimal.Decimal)
	if res.Shared {
		s.observe("shared")
	} else {
		s.observe("upstream")
	}
	return &core.BalanceReading{Balance: &value}, nil
}

func (s *BalanceService) fetch(ctx context.Context, key, confirmHash string) (decimal.Decimal, error) {
	s.setInflight(key, true)
	defer s.setInflight(key, false)

	s.cooldown.Mark(key)

	if confirmHash != "" {
		conf, err := s.ledger.WaitForConfirmation(ctx, common.HexToHash(confirmHash))
		if err != nil {
			s.logger.Warn("confirmation wait failed", zap.String("tx", confirmHash), zap.Error(err))
		} else if !conf.Success {
			s.logger.Warn("awaited transaction reverted", zap.String("tx", confirmHash))
		}
	}

	owner := common.HexToAddress(key)
	units, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (*big.Int, error) {
		return s.ledger.ReadBalance(ctx, owner, s.cfg.Token)
	})
	if err != nil {
		return decimal.Zero, err
	}

	value := core.FromBaseUnits(units, s.cfg.Decimals)
	s.entries.Add(key, balanceEntry{value: value, updatedAt: s.now()})
	return value, nil
}

func (s *BalanceService) isInflight(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[key] > 0
}

func (s *BalanceService) setInflight(key string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.inflight[key]++
		return
	}
	s.inflight[key]--
	if s.inflight[key] <= 0 {
		delete(s.inflight, key)
	}
}

func (s *BalanceService) observe(source string) {
	if s.metrics != nil {
		s.metrics.BalanceLookups.WithLabelValues(source).Inc()
	}
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
