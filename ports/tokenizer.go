package ports

import (
	"github.com/layer-3/microslot/core"
)

// Tokenizer converts between payment domain objects and their wire encodings
type Tokenizer interface {
	// Challenge operations
	EncodeRequest(request *core.ChallengeRequest) (string, error)
	DecodeRequest(blob string) (*core.ChallengeRequest, error)
	FormatChallenge(challenge *core.Challenge) string

	// Credential operations
	HasCredential(header string) bool
	ParseAuthorization(header string) (*core.Credential, error)
	EncodeCredential(credential *core.Credential) (string, error)

	// Receipt operations
	EncodeReceipt(receipt *core.Receipt) (string, error)
	DecodeReceipt(token string) (*core.Receipt, error)

	// Verification helpers
	VerifySignature(challenge *core.Challenge, signature string, key *core.DelegateKey) error
}
