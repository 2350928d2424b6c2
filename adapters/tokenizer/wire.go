package tokenizer

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/layer-3/microslot/core"
)

// credentialWire accepts both names clients use for the delegate address
type credentialWire struct {
	ID      string `json:"id"`
	Payload struct {
		Signature          string `json:"signature"`
		AccessKeyAddress   string `json:"accessKeyAddress,omitempty"`
		DelegateKeyAddress string `json:"delegateKeyAddress,omitempty"`
	} `json:"payload"`
}

func (w *credentialWire) toCredential() *core.Credential {
	address := w.Payload.AccessKeyAddress
	if address == "" {
		address = w.Payload.DelegateKeyAddress
	}
	return &core.Credential{
		ID: w.ID,
		Payload: core.CredentialPayload{
			Signature:          w.Payload.Signature,
			DelegateKeyAddress: address,
		},
	}
}

// encodeJSON marshals v and encodes it as unpadded base64url
func encodeJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeJSON reverses encodeJSON. Padded input is accepted.
func decodeJSON(token string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(token), "="))
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}
	return nil
}
