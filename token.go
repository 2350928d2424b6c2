package microslot

import (
	"strings"

	"github.com/layer-3/microslot/adapters/tokenizer"
	"github.com/layer-3/microslot/core"
)

// ParseChallenge reads a payment challenge from a WWW-Authenticate header value
func ParseChallenge(header string) (*core.Challenge, error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, tokenizer.AuthScheme) {
		return nil, ErrInvalidChallenge
	}

	// values are base64url or plain words, so commas only separate parameters
	challenge := &core.Challenge{}
	for _, part := range strings.Split(params, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "id":
			challenge.ID = value
		case "realm":
			challenge.Realm = value
		case "method":
			challenge.Method = value
		case "intent":
			challenge.Intent = value
		case "request":
			challenge.Request = value
		}
	}

	if challenge.ID == "" || challenge.Request == "" {
		return nil, ErrInvalidChallenge
	}
	return challenge, nil
}
