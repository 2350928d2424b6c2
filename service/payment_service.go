package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
	"github.com/layer-3/microslot/internal/metrics"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentConfig configures the challenge protocol
type PaymentConfig struct {
	Realm        string
	Method       string
	Intent       string
	ChallengeTTL time.Duration
	ValidFor     time.Duration
	Token        common.Address
	Decimals     int32
	Price        decimal.Decimal
}

// PaymentService issues payment challenges and verifies the credentials answering them
type PaymentService struct {
	tokenizer   ports.Tokenizer
	store       ports.SessionStore
	destination common.Address
	cfg         PaymentConfig
	metrics     *metrics.Metrics
	logger      *zap.Logger
	now         func() time.Time
}

// NewPaymentService creates a new payment service. Payments are requested to destination.
func NewPaymentService(
	tokenizer ports.Tokenizer,
	store ports.SessionStore,
	destination common.Address,
	cfg PaymentConfig,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		tokenizer:   tokenizer,
		store:       store,
		destination: destination,
		cfg:         cfg,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
	}
}

// Destination returns the address payments are sent to
func (s *PaymentService) Destination() common.Address {
	return s.destination
}

// Tokenizer returns the wire codec used for challenges and receipts
func (s *PaymentService) Tokenizer() ports.Tokenizer {
	return s.tokenizer
}

// IssueChallenge creates a challenge for one payment of the configured price
// and makes it the payer's only live challenge.
func (s *PaymentService) IssueChallenge(ctx context.Context, payer string) (*core.Challenge, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, fmt.Errorf("failed to generate challenge id: %w", err)
	}

	now := s.now()
	amount := core.ToBaseUnits(s.cfg.Price, s.cfg.Decimals)
	calldata, err := eth.TransferCalldata(s.destination, amount)
	if err != nil {
		return nil, err
	}

	request, err := s.tokenizer.EncodeRequest(&core.ChallengeRequest{
		Version: core.ChallengeRequestVersion,
		Transaction: core.RequestTransaction{
			To:          s.cfg.Token.Hex(),
			Data:        hexutil.Encode(calldata),
			ValidBefore: hexutil.EncodeUint64(uint64(now.Add(s.cfg.ValidFor).Unix())),
		},
		Destination: s.destination.Hex(),
		Amount:      amount.String(),
		Token:       s.cfg.Token.Hex(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	challenge := &core.Challenge{
		ID:        base64.RawURLEncoding.EncodeToString(idBytes),
		Realm:     s.cfg.Realm,
		Method:    s.cfg.Method,
		Intent:    s.cfg.Intent,
		Request:   request,
		CreatedAt: now,
	}

	if err := s.store.ReplaceChallenge(ctx, payer, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	return challenge, nil
}

// Reject builds a payment error carrying a fresh challenge for the payer
func (s *PaymentService) Reject(ctx context.Context, payer string, status int, code, message string) error {
	s.observe(code)

	challenge, err := s.IssueChallenge(ctx, payer)
	if err != nil {
		return fmt.Errorf("failed to issue challenge: %w", err)
	}

	return &core.PaymentError{
		Code:      code,
		Message:   message,
		Status:    status,
		Challenge: challenge,
	}
}

// VerifyCredential checks the Authorization header of a paid request and
// returns the payer's access key session. Every failure is a
// *core.PaymentError carrying a fresh challenge. A challenge is consumed by
// the first credential that names it, whatever the outcome.
func (s *PaymentService) VerifyCredential(ctx context.Context, payer, authorization string) (*core.AccessKeySession, error) {
	if !s.tokenizer.HasCredential(authorization) {
		return nil, s.Reject(ctx, payer, http.StatusPaymentRequired, core.CodePaymentRequired, "Payment required to spin")
	}

	credential, err := s.tokenizer.ParseAuthorization(authorization)
	if err != nil {
		s.logger.Debug("malformed payment credential", zap.String("payer", payer), zap.Error(err))
		return nil, s.Reject(ctx, payer, http.StatusUnauthorized, core.CodeMalformedProof, "Invalid payment credential")
	}

	challenge, err := s.store.TakeChallenge(ctx, payer, credential.ID)
	if err != nil {
		if !errors.Is(err, core.ErrChallengeNotFound) {
			return nil, fmt.Errorf("failed to load challenge: %w", err)
		}
		return nil, s.Reject(ctx, payer, http.StatusUnauthorized, core.CodePaymentExpired, "Challenge not found or expired")
	}

	if credential.Payload.Signature == "" || credential.Payload.DelegateKeyAddress == "" {
		return nil, s.Reject(ctx, payer, http.StatusUnauthorized, core.CodeMalformedProof, "Payment credential missing fields")
	}

	session, err := s.store.GetAccessKey(ctx, payer)
	if err != nil && !errors.Is(err, core.ErrNoAccessKey) {
		return nil, fmt.Errorf("failed to load access key: %w", err)
	}
	if session == nil || session.RemainingBalance.LessThan(s.cfg.Price) {
		return nil, s.Reject(ctx, payer, http.StatusUnauthorized, core.CodePaymentRequired, "Access key missing or insufficient balance")
	}

	if !strings.EqualFold(session.Key.Address.Hex(), strings.TrimSpace(credential.Payload.DelegateKeyAddress)) {
		return nil, s.Reject(ctx, payer, http.StatusUnauthorized, core.CodePaymentVerificationFailed, "Access key mismatch")
	}

	if err := s.tokenizer.VerifySignature(challenge, credential.Payload.Signature, &session.Key); err != nil {
		s.logger.Info("payment signature rejected", zap.String("payer", payer), zap.Error(err))
		message := "Payment signature invalid"
		if errors.Is(err, core.ErrAccessKeyMismatch) {
			message = "Access key address mismatch"
		}
		return nil, s.Reject(ctx, payer, http.StatusUnauthorized, core.CodePaymentVerificationFailed, message)
	}

	s.observe("verified")
	return session, nil
}

func (s *PaymentService) observe(result string) {
	if s.metrics != nil {
		s.metrics.Verifications.WithLabelValues(result).Inc()
	}
}
