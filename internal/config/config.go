// Package config loads service settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Configuration stores all the configurations
type Configuration struct {
	Server  ServerConfiguration
	Log     LogConfiguration
	Ledger  LedgerConfiguration
	Payment PaymentConfiguration
	Game    GameConfiguration
	Balance BalanceConfiguration
	Events  EventsConfiguration
}

// ServerConfiguration stores the HTTP listener settings
type ServerConfiguration struct {
	Port            string
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// LogConfiguration stores logger settings
type LogConfiguration struct {
	Level string
}

// LedgerConfiguration stores the chain RPC connection and contract addresses
type LedgerConfiguration struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	RPCUser           string        `mapstructure:"rpc_user"`
	RPCPassword       string        `mapstructure:"rpc_password"`
	ChainID           int64         `mapstructure:"chain_id"`
	Token             string        `mapstructure:"token"`
	TokenDecimals     int32         `mapstructure:"token_decimals"`
	Keychain          string        `mapstructure:"keychain"`
	CasinoPrivateKey  string        `mapstructure:"casino_private_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
}

// PaymentConfiguration stores challenge and transfer settings
type PaymentConfiguration struct {
	Realm            string
	Method           string
	Intent           string
	Namespace        string
	ChallengeTTL     time.Duration `mapstructure:"challenge_ttl"`
	ValidFor         time.Duration `mapstructure:"valid_for"`
	FeeBuffer        string        `mapstructure:"fee_buffer"`
	TransferAttempts int           `mapstructure:"transfer_attempts"`
	TransferBackoff  time.Duration `mapstructure:"transfer_backoff"`
	TransferTimeout  time.Duration `mapstructure:"transfer_timeout"`
	GasFloor         uint64        `mapstructure:"gas_floor"`
	GasMultiplier    uint64        `mapstructure:"gas_multiplier"`
	CooldownTTL      time.Duration `mapstructure:"cooldown_ttl"`
}

// GameConfiguration stores the price of a spin and its reward
type GameConfiguration struct {
	SpinCost    string `mapstructure:"spin_cost"`
	PrizeAmount string `mapstructure:"prize_amount"`
}

// BalanceConfiguration stores balance cache settings
type BalanceConfiguration struct {
	FreshTTL    time.Duration `mapstructure:"fresh_ttl"`
	CooldownTTL time.Duration `mapstructure:"cooldown_ttl"`
	Attempts    int
	Backoff     time.Duration
	CacheSize   int `mapstructure:"cache_size"`
}

// EventsConfiguration stores the event transport settings
type EventsConfiguration struct {
	RedisURL string `mapstructure:"redis_url"`
}

var defaults = map[string]any{
	"server.port":             "9000",
	"server.rate_limit_rps":   5.0,
	"server.rate_limit_burst": 10,
	"server.shutdown_timeout": "10s",
	"server.sweep_interval":   "1m",

	"log.level": "info",

	"ledger.rpc_url":             "https://rpc.moderato.tempo.xyz",
	"ledger.rpc_user":            "",
	"ledger.rpc_password":        "",
	"ledger.chain_id":            42431,
	"ledger.token":               "0x20c0000000000000000000000000000000000000",
	"ledger.token_decimals":      6,
	"ledger.keychain":            "0xaAAAaaAA00000000000000000000000000000000",
	"ledger.casino_private_key":  "",
	"ledger.requests_per_second": 10.0,
	"ledger.poll_interval":       "500ms",
	"ledger.confirm_timeout":     "60s",

	"payment.realm":             "microslot-casino",
	"payment.method":            "tempo",
	"payment.intent":            "charge",
	"payment.namespace":         "microslot",
	"payment.challenge_ttl":     "5m",
	"payment.valid_for":         "120s",
	"payment.fee_buffer":        "0.01",
	"payment.transfer_attempts": 5,
	"payment.transfer_backoff":  "400ms",
	"payment.transfer_timeout":  "2m",
	"payment.gas_floor":         300000,
	"payment.gas_multiplier":    3,
	"payment.cooldown_ttl":      "30s",

	"game.spin_cost":    "1",
	"game.prize_amount": "1000",

	"balance.fresh_ttl":    "10s",
	"balance.cooldown_ttl": "30s",
	"balance.attempts":     2,
	"balance.backoff":      "300ms",
	"balance.cache_size":   4096,

	"events.redis_url": "",
}

// Load reads config/config.yaml if present, then applies MICROSLOT_* environment overrides
func Load(paths ...string) (*Configuration, error) {
	v := viper.New()
	if len(paths) == 0 {
		paths = []string{"config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("MICROSLOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	// Names used by existing deployments
	_ = v.BindEnv("ledger.rpc_user", "MICROSLOT_LEDGER_RPC_USER", "TEMPO_RPC_USER")
	_ = v.BindEnv("ledger.rpc_password", "MICROSLOT_LEDGER_RPC_PASSWORD", "TEMPO_RPC_PASSWORD")
	_ = v.BindEnv("ledger.casino_private_key", "MICROSLOT_LEDGER_CASINO_PRIVATE_KEY", "CASINO_PRIVATE_KEY")
	_ = v.BindEnv("events.redis_url", "MICROSLOT_EVENTS_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("log.level", "MICROSLOT_LOG_LEVEL", "LOG_LEVEL")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that cannot be defaulted sensibly
func (c *Configuration) Validate() error {
	if _, err := c.SpinCost(); err != nil {
		return fmt.Errorf("invalid game.spin_cost: %w", err)
	}
	if _, err := c.PrizeAmount(); err != nil {
		return fmt.Errorf("invalid game.prize_amount: %w", err)
	}
	if _, err := c.FeeBuffer(); err != nil {
		return fmt.Errorf("invalid payment.fee_buffer: %w", err)
	}
	if c.Payment.TransferAttempts < 1 {
		return errors.New("payment.transfer_attempts must be at least 1")
	}
	return nil
}

// SpinCost returns the dollar price of a spin
func (c *Configuration) SpinCost() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Game.SpinCost)
}

// PrizeAmount returns the dollar value of a win
func (c *Configuration) PrizeAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Game.PrizeAmount)
}

// FeeBuffer returns the dollar headroom kept for transfer fees
func (c *Configuration) FeeBuffer() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Payment.FeeBuffer)
}
