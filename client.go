package microslot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/microslot/adapters/tokenizer"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
)

// DefaultNamespace prefixes the messages signed for a challenge
const DefaultNamespace = "microslot"

// SpinOutcome is the result of a paid spin
type SpinOutcome struct {
	Combination      []string `json:"combination"`
	IsWin            bool     `json:"isWin"`
	RemainingBalance float64  `json:"remainingBalance"`
	TxHash           string   `json:"txHash"`
	PrizeTxHash      string   `json:"prizeTxHash,omitempty"`
	PrizeWarning     string   `json:"prizeWarning,omitempty"`

	Receipt *core.Receipt `json:"-"`
}

// Balance is a token balance as reported by the server cache
type Balance struct {
	Value  *float64 `json:"balance"`
	Cached bool     `json:"cached"`
	Stale  bool     `json:"stale"`
}

// Registration confirms a stored access key
type Registration struct {
	Success          bool    `json:"success"`
	DepositedAmount  float64 `json:"depositedAmount"`
	RemainingBalance float64 `json:"remainingBalance"`
}

// PrizeClaim reports which owed prizes were credited
type PrizeClaim struct {
	Credited []string `json:"credited"`
	Pending  int      `json:"pending"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details"`
}

// Option configures an HTTPClient
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.http = hc }
}

// WithNamespace sets the namespace used when signing challenges
func WithNamespace(namespace string) Option {
	return func(c *HTTPClient) {
		c.namespace = namespace
		c.tokenizer = tokenizer.NewPaymentTokenizer(namespace)
	}
}

// HTTPClient implements Client over the server's HTTP API
type HTTPClient struct {
	baseURL   string
	payer     common.Address
	key       *AccessKey
	namespace string
	tokenizer ports.Tokenizer
	http      *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewClient creates a client paying from payer with key
func NewClient(baseURL string, payer common.Address, key *AccessKey, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		payer:     payer,
		key:       key,
		namespace: DefaultNamespace,
		tokenizer: tokenizer.NewPaymentTokenizer(DefaultNamespace),
		http:      http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAccessKey implements Client
func (c *HTTPClient) RegisterAccessKey(ctx context.Context, amount decimal.Decimal, keyAuthorization json.RawMessage) (*Registration, error) {
	jwk, err := c.key.PrivateJWK()
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"address": c.payer.Hex(),
		"amount":  amount,
		"accessKeyPair": map[string]any{
			"publicKeyRaw":  c.key.PublicKeyRaw(),
			"privateKeyJwk": jwk,
		},
		"accessKeyAddress": c.key.Address().Hex(),
	}
	if len(keyAuthorization) > 0 {
		req["keyAuthorization"] = keyAuthorization
	}

	var out Registration
	if err := c.doJSON(ctx, http.MethodPost, "/api/access-key", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Spin implements Client. A 401 or 402 answer is paid once; a second refusal
// is returned as *PaymentRejectedError.
func (c *HTTPClient) Spin(ctx context.Context) (*SpinOutcome, error) {
	path := "/api/spin?address=" + url.QueryEscape(c.payer.Hex())

	resp, body, err := c.send(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		return c.spinOutcome(resp, body)
	}
	if resp.StatusCode != http.StatusPaymentRequired && resp.StatusCode != http.StatusUnauthorized {
		return nil, statusError(resp.StatusCode, body)
	}

	credential, err := c.answer(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return nil, err
	}

	resp, body, err = c.send(ctx, http.MethodGet, path, nil, credential)
	if err != nil {
		return nil, err
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return c.spinOutcome(resp, body)
	case http.StatusPaymentRequired, http.StatusUnauthorized:
		var e errorBody
		if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
			return nil, statusError(resp.StatusCode, body)
		}
		return nil, &PaymentRejectedError{Status: resp.StatusCode, Code: e.Error, Message: e.Message}
	default:
		return nil, statusError(resp.StatusCode, body)
	}
}

func (c *HTTPClient) answer(header string) (string, error) {
	if header == "" {
		return "", ErrNoChallenge
	}
	challenge, err := ParseChallenge(header)
	if err != nil {
		return "", err
	}

	signature, err := c.key.Sign(c.namespace, challenge)
	if err != nil {
		return "", fmt.Errorf("failed to sign challenge: %w", err)
	}

	return c.tokenizer.EncodeCredential(&core.Credential{
		ID: challenge.ID,
		Payload: core.CredentialPayload{
			Signature:          signature,
			DelegateKeyAddress: c.key.Address().Hex(),
		},
	})
}

func (c *HTTPClient) spinOutcome(resp *http.Response, body []byte) (*SpinOutcome, error) {
	var out SpinOutcome
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode spin response: %w", err)
	}

	if header := resp.Header.Get("Payment-Receipt"); header != "" {
		receipt, err := c.tokenizer.DecodeReceipt(header)
		if err != nil {
			return nil, err
		}
		out.Receipt = receipt
	}
	return &out, nil
}

// Balance implements Client
func (c *HTTPClient) Balance(ctx context.Context, txHash string) (*Balance, error) {
	query := url.Values{"address": {c.payer.Hex()}}
	if txHash != "" {
		query.Set("txHash", txHash)
	}

	var out Balance
	if err := c.doJSON(ctx, http.MethodGet, "/api/balance?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CasinoAddress implements Client
func (c *HTTPClient) CasinoAddress(ctx context.Context) (common.Address, error) {
	var out struct {
		CasinoAddress string `json:"casinoAddress"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/casino-address", nil, &out); err != nil {
		return common.Address{}, err
	}
	if !common.IsHexAddress(out.CasinoAddress) {
		return common.Address{}, fmt.Errorf("server returned invalid casino address %q", out.CasinoAddress)
	}
	return common.HexToAddress(out.CasinoAddress), nil
}

// ClaimPrizes implements Client
func (c *HTTPClient) ClaimPrizes(ctx context.Context) (*PrizeClaim, error) {
	var out PrizeClaim
	err := c.doJSON(ctx, http.MethodPost, "/api/prize/claim", map[string]string{"address": c.payer.Hex()}, &out)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return nil, ErrNoPendingPrizes
		}
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	resp, body, err := c.send(ctx, method, path, in, "")
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *HTTPClient) send(ctx context.Context, method, path string, in any, authorization string) (*http.Response, []byte, error) {
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, body, nil
}

func statusError(status int, body []byte) error {
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return &StatusError{Status: status, Message: strings.TrimSpace(string(body))}
	}
	return &StatusError{Status: status, Message: e.Error, Details: e.Details}
}
