package tokenizer

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
	"github.com/layer-3/microslot/ports"
)

// AuthScheme is the HTTP authentication scheme used for payments
const AuthScheme = "Payment"

// PaymentTokenizer implements the Tokenizer interface with base64url JSON blobs
type PaymentTokenizer struct {
	namespace string
}

// NewPaymentTokenizer creates a new tokenizer. namespace prefixes every signed message.
func NewPaymentTokenizer(namespace string) ports.Tokenizer {
	return &PaymentTokenizer{namespace: namespace}
}

// EncodeRequest converts a challenge request to its opaque blob
func (t *PaymentTokenizer) EncodeRequest(request *core.ChallengeRequest) (string, error) {
	blob, err := encodeJSON(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}
	return blob, nil
}

// DecodeRequest parses an opaque request blob
func (t *PaymentTokenizer) DecodeRequest(blob string) (*core.ChallengeRequest, error) {
	var request core.ChallengeRequest
	if err := decodeJSON(blob, &request); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &request, nil
}

// FormatChallenge renders the WWW-Authenticate header value for a challenge
func (t *PaymentTokenizer) FormatChallenge(challenge *core.Challenge) string {
	return fmt.Sprintf(`%s id="%s", realm="%s", method="%s", intent="%s", request="%s"`,
		AuthScheme, challenge.ID, challenge.Realm, challenge.Method, challenge.Intent, challenge.Request)
}

// HasCredential reports whether an Authorization header uses the payment scheme
func (t *PaymentTokenizer) HasCredential(header string) bool {
	header = strings.TrimSpace(header)
	return len(header) > len(AuthScheme) && strings.EqualFold(header[:len(AuthScheme)], AuthScheme) && header[len(AuthScheme)] == ' '
}

// ParseAuthorization extracts a credential from an Authorization header value.
// Only the id is required here; payload fields are checked against the challenge.
func (t *PaymentTokenizer) ParseAuthorization(header string) (*core.Credential, error) {
	if !t.HasCredential(header) {
		return nil, fmt.Errorf("%w: not a %s credential", core.ErrInvalidToken, AuthScheme)
	}

	header = strings.TrimSpace(header)
	var wire credentialWire
	if err := decodeJSON(header[len(AuthScheme)+1:], &wire); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	if wire.ID == "" {
		return nil, fmt.Errorf("%w: credential has no challenge id", core.ErrInvalidToken)
	}

	return wire.toCredential(), nil
}

// EncodeCredential renders a credential as an Authorization header value
func (t *PaymentTokenizer) EncodeCredential(credential *core.Credential) (string, error) {
	blob, err := encodeJSON(credential)
	if err != nil {
		return "", fmt.Errorf("failed to encode credential: %w", err)
	}
	return AuthScheme + " " + blob, nil
}

// EncodeReceipt converts a receipt to the Payment-Receipt header value
func (t *PaymentTokenizer) EncodeReceipt(receipt *core.Receipt) (string, error) {
	blob, err := encodeJSON(receipt)
	if err != nil {
		return "", fmt.Errorf("failed to encode receipt: %w", err)
	}
	return blob, nil
}

// DecodeReceipt parses a Payment-Receipt header value
func (t *PaymentTokenizer) DecodeReceipt(token string) (*core.Receipt, error) {
	var receipt core.Receipt
	if err := decodeJSON(token, &receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return &receipt, nil
}

// VerifySignature checks a delegate signature over the challenge's payment message
func (t *PaymentTokenizer) VerifySignature(challenge *core.Challenge, signature string, key *core.DelegateKey) error {
	pub, err := eth.ParseP256PublicKey(key.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidPublicKey, err)
	}
	if eth.AddressFromP256(pub) != key.Address {
		return core.ErrAccessKeyMismatch
	}

	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}

	digest := eth.HashMessage(eth.PaymentMessage(t.namespace, challenge.ID, challenge.Request))
	if err := eth.VerifyP256(pub, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	}

	return nil
}

// SignChallenge produces the signature a client holding key would send for challenge
func SignChallenge(namespace string, challenge *core.Challenge, key *core.DelegateKey) (string, error) {
	if key.PrivateKey == nil {
		return "", core.ErrInvalidPrivateKey
	}
	digest := eth.HashMessage(eth.PaymentMessage(namespace, challenge.ID, challenge.Request))
	sig, err := eth.SignP256(key.PrivateKey, digest)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}
