package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handlers contains HTTP handlers for the casino endpoints
type Handlers struct {
	spins    *service.SpinService
	payments *service.PaymentService
	balances *service.BalanceService
	logger   *zap.Logger
}

// NewHandlers creates new casino handlers
func NewHandlers(spins *service.SpinService, payments *service.PaymentService, balances *service.BalanceService, logger *zap.Logger) *Handlers {
	return &Handlers{
		spins:    spins,
		payments: payments,
		balances: balances,
		logger:   logger,
	}
}

// Spin charges one spin through the payment challenge protocol and plays it
func (h *Handlers) Spin(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "User address required"})
		return
	}

	result, err := h.spins.Perform(c.Request.Context(), address, c.GetHeader("Authorization"))
	if err != nil {
		var paymentErr *core.PaymentError
		switch {
		case errors.As(err, &paymentErr):
			h.writePaymentError(c, paymentErr)
		case errors.Is(err, core.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		default:
			h.logger.Error("spin failed", zap.String("address", address), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Spin failed", "details": err.Error()})
		}
		return
	}

	body := gin.H{
		"combination":      result.Combination,
		"isWin":            result.IsWin,
		"remainingBalance": result.RemainingBalance.InexactFloat64(),
		"txHash":           result.TxHash,
	}
	if result.PrizeTxHash != "" {
		body["prizeTxHash"] = result.PrizeTxHash
	}
	if result.PrizeWarning != "" {
		body["prizeWarning"] = result.PrizeWarning
	}

	c.Header("Payment-Receipt", result.Receipt)
	c.Header("Cache-Control", "private")
	c.JSON(http.StatusOK, body)
}

func (h *Handlers) writePaymentError(c *gin.Context, err *core.PaymentError) {
	c.Header("WWW-Authenticate", h.payments.Tokenizer().FormatChallenge(err.Challenge))
	c.Header("Cache-Control", "no-store")
	c.JSON(err.Status, gin.H{"error": err.Code, "message": err.Message})
}

// Balance returns the cached token balance of an address
func (h *Handlers) Balance(c *gin.Context) {
	address := c.Query("address")
	if address == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Address required"})
		return
	}

	reading, err := h.balances.GetBalance(c.Request.Context(), address, c.Query("txHash"))
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		case errors.Is(err, core.ErrInvalidTxHash):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid transaction hash"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch balance"})
		}
		return
	}

	body := gin.H{"balance": nil}
	if reading.Balance != nil {
		body["balance"] = reading.Balance.InexactFloat64()
	}
	if reading.Cached || reading.Stale {
		body["cached"] = reading.Cached
	}
	if reading.Stale {
		body["stale"] = true
	}
	c.JSON(http.StatusOK, body)
}

// RegisterAccessKey stores a delegated P-256 access key for a payer
func (h *Handlers) RegisterAccessKey(c *gin.Context) {
	var req struct {
		Address       string          `json:"address"`
		Amount        decimal.Decimal `json:"amount"`
		AccessKeyPair struct {
			PublicKeyRaw  string          `json:"publicKeyRaw"`
			PrivateKeyJWK json.RawMessage `json:"privateKeyJwk"`
		} `json:"accessKeyPair"`
		AccessKeyAddress string          `json:"accessKeyAddress"`
		KeyAuthorization json.RawMessage `json:"keyAuthorization"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if req.Address == "" || req.Amount.IsZero() || req.AccessKeyAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Address, amount, accessKeyPair, and accessKeyAddress required"})
		return
	}
	if req.AccessKeyPair.PublicKeyRaw == "" || len(req.AccessKeyPair.PrivateKeyJWK) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Public key and private key JWK required"})
		return
	}

	session, err := h.payments.RegisterAccessKey(c.Request.Context(), &service.AccessKeyRegistration{
		Address:          req.Address,
		Amount:           req.Amount,
		AccessKeyAddress: req.AccessKeyAddress,
		PublicKeyRaw:     req.AccessKeyPair.PublicKeyRaw,
		PrivateKeyJWK:    req.AccessKeyPair.PrivateKeyJWK,
		KeyAuthorization: req.KeyAuthorization,
	})
	if err != nil {
		switch {
		case errors.Is(err, core.ErrAccessKeyMismatch):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Access key address mismatch"})
		case errors.Is(err, core.ErrInvalidAddress),
			errors.Is(err, core.ErrInvalidAmount),
			errors.Is(err, core.ErrInvalidPublicKey),
			errors.Is(err, core.ErrInvalidPrivateKey),
			errors.Is(err, core.ErrInvalidKeyAuth):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("failed to store access key", zap.String("address", req.Address), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store access key", "details": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"depositedAmount":  session.Deposited.InexactFloat64(),
		"remainingBalance": session.RemainingBalance.InexactFloat64(),
	})
}

// CasinoAddress returns the address spin payments are sent to
func (h *Handlers) CasinoAddress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"casinoAddress": h.payments.Destination().Hex()})
}

// ClaimPrizes retries prize credits that failed after a win
func (h *Handlers) ClaimPrizes(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Address required"})
		return
	}

	claim, err := h.spins.ClaimPendingPrizes(c.Request.Context(), req.Address)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidAddress):
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
		case errors.Is(err, core.ErrNoPendingPrizes):
			c.JSON(http.StatusNotFound, gin.H{"error": "No pending prizes"})
		default:
			h.logger.Error("prize claim failed", zap.String("address", req.Address), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to claim prizes", "details": err.Error()})
		}
		return
	}

	credited := claim.Credited
	if credited == nil {
		credited = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"credited": credited, "pending": claim.Pending})
}

// Health reports liveness
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
