package core

import (
	"fmt"
	"time"
)

// ChallengeRequestVersion is the current layout of ChallengeRequest
const ChallengeRequestVersion = 1

// Challenge represents a payment challenge issued to a payer
type Challenge struct {
	ID        string    // 128-bit random identifier, base64url encoded
	Realm     string    // Protection space advertised to the client
	Method    string    // Payment method name
	Intent    string    // Payment intent, e.g. "charge"
	Request   string    // Opaque base64url blob describing the transfer
	CreatedAt time.Time // When the challenge was issued
}

// Expired reports whether the challenge is older than ttl at now
func (c *Challenge) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(c.CreatedAt) > ttl
}

// ChallengeRequest is the transfer intent a challenge commits to
type ChallengeRequest struct {
	Version     int                `json:"version"`
	Transaction RequestTransaction `json:"transaction"`
	Destination string             `json:"destination"`
	Amount      string             `json:"amount"`
	Token       string             `json:"token"`
}

// RequestTransaction is the call a payer is expected to authorize
type RequestTransaction struct {
	To          string `json:"to"`
	Data        string `json:"data"`
	ValidBefore string `json:"validBefore"`
}

// Credential is the client's proof of payment for a challenge
type Credential struct {
	ID      string            `json:"id"`
	Payload CredentialPayload `json:"payload"`
}

// CredentialPayload carries the delegate signature over the challenge
type CredentialPayload struct {
	Signature          string `json:"signature"`
	DelegateKeyAddress string `json:"accessKeyAddress"`
}

// Receipt is returned to the client after a successful settlement
type Receipt struct {
	Status    string `json:"status"`
	Method    string `json:"method"`
	Timestamp string `json:"timestamp"`
	Reference string `json:"reference"`
}

// Payment error codes reported in 401/402 responses
const (
	CodePaymentRequired           = "payment_required"
	CodeMalformedProof            = "malformed_proof"
	CodePaymentExpired            = "payment_expired"
	CodePaymentVerificationFailed = "payment_verification_failed"
)

// PaymentError is a protocol failure that is answered with a fresh challenge
type PaymentError struct {
	Code      string
	Message   string
	Status    int
	Challenge *Challenge
}

// Error implements the error interface
func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
