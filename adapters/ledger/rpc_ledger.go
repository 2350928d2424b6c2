package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
	"github.com/layer-3/microslot/ports"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds the chain parameters of the ledger
type Config struct {
	ChainID           *big.Int
	Keychain          common.Address
	ServiceKey        *ecdsa.PrivateKey
	RequestsPerSecond float64
	PollInterval      time.Duration
	ConfirmTimeout    time.Duration
}

// RPCLedger implements the Ledger interface over Ethereum JSON-RPC
type RPCLedger struct {
	rpc     *rpc.Client
	client  *ethclient.Client
	limiter *rate.Limiter
	cfg     Config
	logger  *zap.Logger

	serviceAddr common.Address
	// serializes nonce assignment for the service wallet
	serviceMu sync.Mutex
}

var _ ports.Ledger = (*RPCLedger)(nil)

// Dial connects to the RPC endpoint, sending basic auth when user is set
func Dial(ctx context.Context, url, user, password string, cfg Config, logger *zap.Logger) (*RPCLedger, error) {
	var opts []rpc.ClientOption
	if user != "" {
		token := base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
		opts = append(opts, rpc.WithHeader("Authorization", "Basic "+token))
	}

	c, err := rpc.DialOptions(ctx, url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial ledger rpc: %w", err)
	}

	return NewRPCLedger(c, cfg, logger), nil
}

// NewRPCLedger creates a ledger on top of an existing RPC client
func NewRPCLedger(c *rpc.Client, cfg Config, logger *zap.Logger) *RPCLedger {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = time.Minute
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(cfg.RequestsPerSecond) + 1
	}

	l := &RPCLedger{
		rpc:     c,
		client:  ethclient.NewClient(c),
		limiter: rate.NewLimiter(limit, burst),
		cfg:     cfg,
		logger:  logger,
	}
	if cfg.ServiceKey != nil {
		l.serviceAddr = crypto.PubkeyToAddress(cfg.ServiceKey.PublicKey)
	}
	return l
}

// Close releases the underlying connection
func (l *RPCLedger) Close() {
	l.rpc.Close()
}

// ServiceAddress returns the service wallet address
func (l *RPCLedger) ServiceAddress() common.Address {
	return l.serviceAddr
}

func (l *RPCLedger) wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ledger request not admitted: %w", err)
	}
	return nil
}

// ReadBalance returns the token balance of owner in base units
func (l *RPCLedger) ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	data, err := eth.TokenABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	out, err := l.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance: %w", err)
	}

	values, err := eth.TokenABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("failed to unpack balance: %v", err)
	}
	return values[0].(*big.Int), nil
}

// ReadRemainingSpendLimit returns how much of token the delegate may still move for owner
func (l *RPCLedger) ReadRemainingSpendLimit(ctx context.Context, owner, delegate, token common.Address) (*big.Int, error) {
	data, err := eth.KeychainABI.Pack("getRemainingLimit", owner, delegate, token)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getRemainingLimit: %w", err)
	}

	out, err := l.call(ctx, l.cfg.Keychain, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read remaining limit: %w", err)
	}

	values, err := eth.KeychainABI.Unpack("getRemainingLimit", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("failed to unpack remaining limit: %v", err)
	}
	return values[0].(*big.Int), nil
}

// ReadDelegateKeyStatus reports whether delegate is registered for owner and not revoked
func (l *RPCLedger) ReadDelegateKeyStatus(ctx context.Context, owner, delegate common.Address) (*core.DelegateKeyStatus, error) {
	data, err := eth.KeychainABI.Pack("getKey", owner, delegate)
	if err != nil {
		return nil, fmt.Errorf("failed to pack getKey: %w", err)
	}

	out, err := l.call(ctx, l.cfg.Keychain, data)
	if err != nil {
		return nil, fmt.Errorf("failed to read key status: %w", err)
	}

	values, err := eth.KeychainABI.Unpack("getKey", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("failed to unpack key status: %v", err)
	}
	info := *abi.ConvertType(values[0], new(eth.KeyInfo)).(*eth.KeyInfo)

	return &core.DelegateKeyStatus{
		Registered: info.KeyId != (common.Address{}),
		Revoked:    info.IsRevoked,
		Expiry:     info.Expiry,
	}, nil
}

// EstimateTransferGas asks the node how much gas the transfer needs
func (l *RPCLedger) EstimateTransferGas(ctx context.Context, req *core.TransferRequest) (uint64, error) {
	data, err := eth.TransferCalldata(req.To, req.Amount)
	if err != nil {
		return 0, err
	}
	if err := l.wait(ctx); err != nil {
		return 0, err
	}

	token := req.Token
	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{From: req.From, To: &token, Data: data})
	if err != nil {
		return 0, fmt.Errorf("failed to estimate gas: %w", classify(err))
	}
	return gas, nil
}

// SubmitTransfer signs and broadcasts a token transfer. Requests carrying a
// delegate key are sent as keychain transactions on behalf of req.From;
// the others are signed by the service wallet.
func (l *RPCLedger) SubmitTransfer(ctx context.Context, req *core.TransferRequest) (common.Hash, error) {
	data, err := eth.TransferCalldata(req.To, req.Amount)
	if err != nil {
		return common.Hash{}, err
	}

	if req.Key == nil {
		return l.submitServiceTransfer(ctx, req, data)
	}
	return l.submitDelegatedTransfer(ctx, req, data)
}

func (l *RPCLedger) submitServiceTransfer(ctx context.Context, req *core.TransferRequest, data []byte) (common.Hash, error) {
	if l.cfg.ServiceKey == nil {
		return common.Hash{}, errors.New("service wallet is not configured")
	}

	l.serviceMu.Lock()
	defer l.serviceMu.Unlock()

	fees, err := l.fees(ctx, l.serviceAddr)
	if err != nil {
		return common.Hash{}, err
	}

	token := req.Token
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.cfg.ChainID,
		Nonce:     fees.nonce,
		GasTipCap: fees.tip,
		GasFeeCap: fees.feeCap,
		Gas:       req.Gas,
		To:        &token,
		Value:     new(big.Int),
		Data:      data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(l.cfg.ChainID), l.cfg.ServiceKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := l.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send transaction: %w", classify(err))
	}

	return signed.Hash(), nil
}

func (l *RPCLedger) submitDelegatedTransfer(ctx context.Context, req *core.TransferRequest, data []byte) (common.Hash, error) {
	fees, err := l.fees(ctx, req.From)
	if err != nil {
		return common.Hash{}, err
	}

	tx := &keychainTx{
		ChainID:   l.cfg.ChainID,
		Nonce:     fees.nonce,
		GasTipCap: fees.tip,
		GasFeeCap: fees.feeCap,
		Gas:       req.Gas,
		To:        req.Token,
		Value:     new(big.Int),
		Data:      data,
		From:      req.From,
	}
	if err := tx.setAuthorization(req.Authorization); err != nil {
		return common.Hash{}, err
	}

	raw, err := tx.sign(req.Key)
	if err != nil {
		return common.Hash{}, err
	}

	if err := l.wait(ctx); err != nil {
		return common.Hash{}, err
	}
	var hash common.Hash
	if err := l.rpc.CallContext(ctx, &hash, "eth_sendRawTransaction", hexutil.Bytes(raw)); err != nil {
		return common.Hash{}, fmt.Errorf("failed to send keychain transaction: %w", classify(err))
	}

	return hash, nil
}

// WaitForConfirmation polls for the receipt of txHash
func (l *RPCLedger) WaitForConfirmation(ctx context.Context, txHash common.Hash) (*core.Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := l.wait(ctx); err != nil {
			return nil, core.ErrConfirmationTimeout
		}

		receipt, err := l.client.TransactionReceipt(ctx, txHash)
		if err != nil && ctx.Err() != nil {
			return nil, core.ErrConfirmationTimeout
		}
		switch {
		case err == nil:
			return &core.Confirmation{
				TxHash:      txHash,
				BlockNumber: receipt.BlockNumber,
				GasUsed:     receipt.GasUsed,
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
			}, nil
		case errors.Is(err, ethereum.NotFound):
		case core.IsTransient(classify(err)):
			l.logger.Debug("receipt poll throttled", zap.String("tx", txHash.Hex()), zap.Error(err))
		default:
			return nil, fmt.Errorf("failed to fetch receipt: %w", classify(err))
		}

		select {
		case <-ctx.Done():
			return nil, core.ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}

type feeParams struct {
	nonce  uint64
	tip    *big.Int
	feeCap *big.Int
}

func (l *RPCLedger) fees(ctx context.Context, sender common.Address) (*feeParams, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	nonce, err := l.client.PendingNonceAt(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", classify(err))
	}

	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas tip: %w", classify(err))
	}

	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	price, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas price: %w", classify(err))
	}

	feeCap := new(big.Int).Mul(price, big.NewInt(2))
	feeCap.Add(feeCap, tip)

	return &feeParams{nonce: nonce, tip: tip, feeCap: feeCap}, nil
}

func (l *RPCLedger) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if err := l.wait(ctx); err != nil {
		return nil, err
	}
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(err)
	}
	return out, nil
}

// classify maps transport failures onto the core transient errors
func classify(err error) error {
	if err == nil {
		return nil
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %v", core.ErrRateLimited, err)
	}

	switch {
	case errors.Is(err, core.ErrRateLimited), errors.Is(err, core.ErrUpstreamSaturated):
		return err
	case core.IsRateLimit(err):
		return fmt.Errorf("%w: %v", core.ErrRateLimited, err)
	case core.IsConnectionSaturated(err):
		return fmt.Errorf("%w: %v", core.ErrUpstreamSaturated, err)
	}
	return err
}
