package core

import (
	"errors"
	"strings"
)

var (
	ErrNoAccessKey         = errors.New("no access key registered")
	ErrChallengeNotFound   = errors.New("challenge not found or expired")
	ErrAccessKeyMismatch   = errors.New("access key address mismatch")
	ErrInvalidPublicKey    = errors.New("invalid public key")
	ErrInvalidPrivateKey   = errors.New("invalid private key")
	ErrInvalidSignature    = errors.New("invalid signature")
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidAddress      = errors.New("invalid address")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidTxHash       = errors.New("invalid transaction hash")
	ErrInvalidKeyAuth      = errors.New("invalid key authorization")
	ErrAccessKeyDepleted   = errors.New("access key balance depleted")
	ErrDelegateKeyRevoked  = errors.New("delegate key not registered or revoked")
	ErrSettlementReverted  = errors.New("transfer reverted")
	ErrRateLimited         = errors.New("ledger rate limited")
	ErrUpstreamSaturated   = errors.New("ledger connection saturated")
	ErrConfirmationTimeout = errors.New("timed out waiting for confirmation")
	ErrNoPendingPrizes     = errors.New("no pending prizes")
)

// IsRateLimit reports whether err signals upstream rate limiting
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
}

// IsConnectionSaturated reports whether err signals exhausted upstream connections
func IsConnectionSaturated(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamSaturated) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "too many connections")
}

// IsTransient reports whether err is worth retrying
func IsTransient(err error) bool {
	return IsRateLimit(err) || IsConnectionSaturated(err)
}
