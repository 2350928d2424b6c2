package http

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/layer-3/microslot/adapters/events"
	"github.com/layer-3/microslot/adapters/store"
	"github.com/layer-3/microslot/adapters/tokenizer"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
	"github.com/layer-3/microslot/internal/metrics"
	"github.com/layer-3/microslot/internal/ratelimit"
	"github.com/layer-3/microslot/ports"
	"github.com/layer-3/microslot/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPayer = "0x00000000000000000000000000000000000000a1"

var (
	testToken  = common.HexToAddress("0x20c0000000000000000000000000000000000000")
	testCasino = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

// stubLedger settles every transfer unless revert is set
type stubLedger struct {
	mu      sync.Mutex
	balance *big.Int
	revert  bool
	nonce   int
}

func (l *stubLedger) ServiceAddress() common.Address { return testCasino }

func (l *stubLedger) SubmitTransfer(ctx context.Context, req *core.TransferRequest) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonce++
	return crypto.Keccak256Hash(big.NewInt(int64(l.nonce)).Bytes()), nil
}

func (l *stubLedger) WaitForConfirmation(ctx context.Context, txHash common.Hash) (*core.Confirmation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &core.Confirmation{TxHash: txHash, BlockNumber: big.NewInt(1), Success: !l.revert}, nil
}

func (l *stubLedger) EstimateTransferGas(ctx context.Context, req *core.TransferRequest) (uint64, error) {
	return 60_000, nil
}

func (l *stubLedger) ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	return l.balance, nil
}

func (l *stubLedger) ReadRemainingSpendLimit(ctx context.Context, owner, delegate, token common.Address) (*big.Int, error) {
	return big.NewInt(100_000_000), nil
}

func (l *stubLedger) ReadDelegateKeyStatus(ctx context.Context, owner, delegate common.Address) (*core.DelegateKeyStatus, error) {
	return &core.DelegateKeyStatus{Registered: true}, nil
}

type testServer struct {
	router    *gin.Engine
	ledger    *stubLedger
	tokenizer ports.Tokenizer
	key       *core.DelegateKey
}

func newTestServer(t *testing.T, limiter *ratelimit.KeyLimiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	t.Cleanup(func() { _ = pubSub.Close() })

	ledger := &stubLedger{balance: big.NewInt(42_000_000)}
	tk := tokenizer.NewPaymentTokenizer("microslot")
	sessions := store.NewMemoryStore(5 * time.Minute)

	payments := service.NewPaymentService(tk, sessions, testCasino, service.PaymentConfig{
		Realm:        "microslot-casino",
		Method:       "tempo",
		Intent:       "charge",
		ChallengeTTL: 5 * time.Minute,
		ValidFor:     120 * time.Second,
		Token:        testToken,
		Decimals:     6,
		Price:        decimal.NewFromInt(1),
	}, m, logger)

	transfers := service.NewTransferExecutor(ledger, sessions, service.TransferConfig{
		Token:         testToken,
		Decimals:      6,
		FeeBuffer:     decimal.RequireFromString("0.01"),
		GasFloor:      300_000,
		GasMultiplier: 3,
		Attempts:      5,
		Backoff:       time.Millisecond,
		CooldownTTL:   30 * time.Second,
	}, m, logger)

	balances, err := service.NewBalanceService(ledger, service.BalanceConfig{
		Token:       testToken,
		Decimals:    6,
		FreshTTL:    10 * time.Second,
		CooldownTTL: 30 * time.Second,
		Attempts:    2,
		Backoff:     time.Millisecond,
	}, m, logger)
	require.NoError(t, err)

	// cherry, lemon, orange: never a win
	draws := []float64{0.1, 0.4, 0.6}
	var i int
	slot := service.NewSlot(service.DefaultSymbols, func() float64 {
		v := draws[i%len(draws)]
		i++
		return v
	})

	spins := service.NewSpinService(payments, transfers, sessions, events.NewWatermillPublisher(pubSub), slot, service.SpinConfig{
		Cost:        decimal.NewFromInt(1),
		PrizeAmount: decimal.NewFromInt(1000),
		Decimals:    6,
		Method:      "tempo",
	}, m, logger)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	return &testServer{
		router:    SetupRouter(NewHandlers(spins, payments, balances, logger), limiter, registry, logger),
		ledger:    ledger,
		tokenizer: tk,
		key: &core.DelegateKey{
			Address:    eth.AddressFromP256(&priv.PublicKey),
			PublicKey:  eth.MarshalP256PublicKey(&priv.PublicKey),
			PrivateKey: priv,
		},
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) registerKey(t *testing.T) {
	t.Helper()
	jwk, err := jose.JSONWebKey{Key: s.key.PrivateKey}.MarshalJSON()
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/access-key", map[string]any{
		"address": testPayer,
		"amount":  10,
		"accessKeyPair": map[string]any{
			"publicKeyRaw":  hexutil.Encode(s.key.PublicKey),
			"privateKeyJwk": json.RawMessage(jwk),
		},
		"accessKeyAddress": s.key.Address.Hex(),
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(10), body["depositedAmount"])
	assert.Equal(t, float64(10), body["remainingBalance"])
}

var challengeParams = regexp.MustCompile(`(\w+)="([^"]*)"`)

// answer signs the challenge advertised in a WWW-Authenticate header
func (s *testServer) answer(t *testing.T, header string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(header, "Payment "), header)

	params := map[string]string{}
	for _, m := range challengeParams.FindAllStringSubmatch(header, -1) {
		params[m[1]] = m[2]
	}
	challenge := &core.Challenge{ID: params["id"], Request: params["request"]}

	sig, err := tokenizer.SignChallenge("microslot", challenge, s.key)
	require.NoError(t, err)

	credential, err := s.tokenizer.EncodeCredential(&core.Credential{
		ID: challenge.ID,
		Payload: core.CredentialPayload{
			Signature:          sig,
			DelegateKeyAddress: s.key.Address.Hex(),
		},
	})
	require.NoError(t, err)
	return credential
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestSpinRequiresAddress(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/spin", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/spin?address=nope", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSpinIssuesChallenge(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), `realm="microslot-casino", method="tempo", intent="charge"`)

	body := decodeBody(t, w)
	assert.Equal(t, core.CodePaymentRequired, body["error"])
	assert.Equal(t, "Payment required to spin", body["message"])
}

func TestSpinPaidFlow(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerKey(t)

	w := s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, nil)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	credential := s.answer(t, w.Header().Get("WWW-Authenticate"))

	w = s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, http.Header{"Authorization": {credential}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "private", w.Header().Get("Cache-Control"))

	body := decodeBody(t, w)
	assert.Equal(t, []any{"🍒", "🍋", "🍊"}, body["combination"])
	assert.Equal(t, false, body["isWin"])
	assert.Equal(t, float64(9), body["remainingBalance"])
	assert.NotEmpty(t, body["txHash"])
	assert.NotContains(t, body, "prizeTxHash")

	receipt, err := s.tokenizer.DecodeReceipt(w.Header().Get("Payment-Receipt"))
	require.NoError(t, err)
	assert.Equal(t, "success", receipt.Status)
	assert.Equal(t, body["txHash"], receipt.Reference)

	// replaying the credential fails and advertises a new challenge
	w = s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, http.Header{"Authorization": {credential}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
	assert.Equal(t, core.CodePaymentExpired, decodeBody(t, w)["error"])
}

func TestSpinMalformedCredential(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, http.Header{"Authorization": {"Payment %%%"}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, core.CodeMalformedProof, decodeBody(t, w)["error"])
}

func TestSpinSettlementFailure(t *testing.T) {
	s := newTestServer(t, nil)
	s.registerKey(t)
	s.ledger.revert = true

	w := s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, nil)
	credential := s.answer(t, w.Header().Get("WWW-Authenticate"))

	w = s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, http.Header{"Authorization": {credential}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "Spin failed", body["error"])
	assert.Contains(t, body["details"], "transfer reverted")
}

func TestRegisterAccessKeyValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/access-key", map[string]any{"address": testPayer}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/access-key", map[string]any{
		"address":          testPayer,
		"amount":           "5",
		"accessKeyAddress": s.key.Address.Hex(),
		"accessKeyPair":    map[string]any{"publicKeyRaw": hexutil.Encode(s.key.PublicKey)},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Public key and private key JWK required", decodeBody(t, w)["error"])

	jwk, err := jose.JSONWebKey{Key: s.key.PrivateKey}.MarshalJSON()
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/api/access-key", map[string]any{
		"address":          testPayer,
		"amount":           "5",
		"accessKeyAddress": "0x00000000000000000000000000000000000000ee",
		"accessKeyPair": map[string]any{
			"publicKeyRaw":  hexutil.Encode(s.key.PublicKey),
			"privateKeyJwk": json.RawMessage(jwk),
		},
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Access key address mismatch", decodeBody(t, w)["error"])
}

func TestBalance(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/balance?address="+testPayer, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"balance": float64(42)}, decodeBody(t, w))

	w = s.do(t, http.MethodGet, "/api/balance?address="+testPayer, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]any{"balance": float64(42), "cached": true}, decodeBody(t, w))

	w = s.do(t, http.MethodGet, "/api/balance", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/balance?address="+testPayer+"&txHash=0x12", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCasinoAddress(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/casino-address", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, testCasino.Hex(), decodeBody(t, w)["casinoAddress"])
}

func TestClaimPrizes(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/prize/claim", map[string]any{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/prize/claim", map[string]any{"address": testPayer}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	s.do(t, http.MethodGet, "/api/spin?address="+testPayer, nil, nil)
	w = s.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "microslot_credential_verifications_total")
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, ratelimit.New(1, 1, time.Minute))

	w := s.do(t, http.MethodGet, "/api/casino-address", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/casino-address", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// health checks are not limited
	w = s.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
