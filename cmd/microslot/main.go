package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/microslot/adapters/events"
	"github.com/layer-3/microslot/adapters/ledger"
	"github.com/layer-3/microslot/adapters/store"
	"github.com/layer-3/microslot/adapters/tokenizer"
	"github.com/layer-3/microslot/internal/config"
	"github.com/layer-3/microslot/internal/logging"
	"github.com/layer-3/microslot/internal/metrics"
	"github.com/layer-3/microslot/internal/ratelimit"
	"github.com/layer-3/microslot/service"
	transport "github.com/layer-3/microslot/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	casinoKey, err := loadCasinoKey(cfg.Ledger.CasinoPrivateKey, logger)
	if err != nil {
		logger.Fatal("Failed to load casino key", zap.Error(err))
	}

	chain, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, cfg.Ledger.RPCUser, cfg.Ledger.RPCPassword, ledger.Config{
		ChainID:           big.NewInt(cfg.Ledger.ChainID),
		Keychain:          common.HexToAddress(cfg.Ledger.Keychain),
		ServiceKey:        casinoKey,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		PollInterval:      cfg.Ledger.PollInterval,
		ConfirmTimeout:    cfg.Ledger.ConfirmTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to connect to ledger", zap.Error(err))
	}
	defer chain.Close()

	publisher, err := newPublisher(cfg.Events.RedisURL, logger)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer publisher.Close()

	spinCost, _ := cfg.SpinCost()
	prize, _ := cfg.PrizeAmount()
	feeBuffer, _ := cfg.FeeBuffer()
	token := common.HexToAddress(cfg.Ledger.Token)
	decimals := cfg.Ledger.TokenDecimals

	m := metrics.New(prometheus.DefaultRegisterer)
	sessions := store.NewMemoryStore(cfg.Payment.ChallengeTTL)
	go sessions.Run(ctx, cfg.Server.SweepInterval)

	payments := service.NewPaymentService(
		tokenizer.NewPaymentTokenizer(cfg.Payment.Namespace),
		sessions,
		chain.ServiceAddress(),
		service.PaymentConfig{
			Realm:        cfg.Payment.Realm,
			Method:       cfg.Payment.Method,
			Intent:       cfg.Payment.Intent,
			ChallengeTTL: cfg.Payment.ChallengeTTL,
			ValidFor:     cfg.Payment.ValidFor,
			Token:        token,
			Decimals:     decimals,
			Price:        spinCost,
		}, m, logger)

	transfers := service.NewTransferExecutor(chain, sessions, service.TransferConfig{
		Token:         token,
		Decimals:      decimals,
		FeeBuffer:     feeBuffer,
		GasFloor:      cfg.Payment.GasFloor,
		GasMultiplier: cfg.Payment.GasMultiplier,
		Attempts:      cfg.Payment.TransferAttempts,
		Backoff:       cfg.Payment.TransferBackoff,
		Timeout:       cfg.Payment.TransferTimeout,
		CooldownTTL:   cfg.Payment.CooldownTTL,
	}, m, logger)

	balances, err := service.NewBalanceService(chain, service.BalanceConfig{
		Token:       token,
		Decimals:    decimals,
		FreshTTL:    cfg.Balance.FreshTTL,
		CooldownTTL: cfg.Balance.CooldownTTL,
		Attempts:    cfg.Balance.Attempts,
		Backoff:     cfg.Balance.Backoff,
		CacheSize:   cfg.Balance.CacheSize,
	}, m, logger)
	if err != nil {
		logger.Fatal("Failed to create balance service", zap.Error(err))
	}

	spins := service.NewSpinService(payments, transfers, sessions, events.NewWatermillPublisher(publisher),
		service.NewSlot(service.DefaultSymbols, nil),
		service.SpinConfig{
			Cost:        spinCost,
			PrizeAmount: prize,
			Decimals:    decimals,
			Method:      cfg.Payment.Method,
		}, m, logger)

	limiter := ratelimit.New(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 10*time.Minute)
	router := transport.SetupRouter(transport.NewHandlers(spins, payments, balances, logger), limiter, prometheus.DefaultGatherer, logger)

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting server",
			zap.String("port", cfg.Server.Port),
			zap.String("casino", chain.ServiceAddress().Hex()),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exiting")
}

// loadCasinoKey parses the service wallet key, generating a throwaway one when unset
func loadCasinoKey(hexKey string, logger *zap.Logger) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		logger.Warn("No casino private key configured, using an ephemeral wallet")
		return crypto.GenerateKey()
	}
	return crypto.HexToECDSA(hexKey)
}

// newPublisher streams events to redis when configured and keeps them in process otherwise
func newPublisher(redisURL string, logger *zap.Logger) (message.Publisher, error) {
	adapter := logging.NewWatermillAdapter(logger)
	if redisURL == "" {
		logger.Info("No redis URL configured, publishing events in process")
		return gochannel.NewGoChannel(gochannel.Config{}, adapter), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	return redisstream.NewPublisher(
		redisstream.PublisherConfig{
			Client: redis.NewClient(opts),
		},
		adapter,
	)
}
