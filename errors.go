package microslot

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidChallenge is returned when a WWW-Authenticate header cannot be parsed
	ErrInvalidChallenge = errors.New("invalid payment challenge")

	// ErrNoChallenge is returned when a 401/402 response carries no challenge
	ErrNoChallenge = errors.New("server did not issue a payment challenge")

	// ErrNoPendingPrizes is returned when the server owes no prizes
	ErrNoPendingPrizes = errors.New("no pending prizes")
)

// PaymentRejectedError is returned when the server refuses a payment credential
type PaymentRejectedError struct {
	Status  int
	Code    string
	Message string
}

func (e *PaymentRejectedError) Error() string {
	return fmt.Sprintf("payment rejected (%d %s): %s", e.Status, e.Code, e.Message)
}

// StatusError is returned for any other non-success response
type StatusError struct {
	Status  int
	Message string
	Details string
}

func (e *StatusError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("unexpected status %d: %s: %s", e.Status, e.Message, e.Details)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
}
