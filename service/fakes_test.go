package service

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/microslot/adapters/store"
	"github.com/layer-3/microslot/adapters/tokenizer"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/internal/eth"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	testToken   = common.HexToAddress("0x20c0000000000000000000000000000000000000")
	testService = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

// fakeLedger is a scripted ports.Ledger
type fakeLedger struct {
	mu sync.Mutex

	balances     []*big.Int
	balanceErrs  []error
	balanceCalls int
	balanceDelay time.Duration

	remaining      *big.Int
	remainingErr   error
	remainingCalls int

	keyStatus      *core.DelegateKeyStatus
	keyStatusErr   error
	keyStatusCalls int

	estimate      uint64
	estimateErr   error
	estimateCalls int

	delegatedErrs []error
	serviceErrs   []error
	submits       []*core.TransferRequest
	submitDelay   time.Duration
	active        map[common.Address]int
	maxActive     int
	inFlight      int
	maxInFlight   int

	revert       bool
	confirmErr   error
	confirmCalls int
	nonce        int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		remaining: big.NewInt(100_000_000),
		keyStatus: &core.DelegateKeyStatus{Registered: true},
		estimate:  50_000,
		active:    make(map[common.Address]int),
	}
}

var _ ports.Ledger = (*fakeLedger)(nil)

func (f *fakeLedger) ServiceAddress() common.Address { return testService }

func (f *fakeLedger) ReadBalance(ctx context.Context, owner, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	call := f.balanceCalls
	f.balanceCalls++
	delay := f.balanceDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if call < len(f.balanceErrs) && f.balanceErrs[call] != nil {
		return nil, f.balanceErrs[call]
	}
	if call < len(f.balances) {
		return f.balances[call], nil
	}
	if len(f.balances) > 0 {
		return f.balances[len(f.balances)-1], nil
	}
	return new(big.Int), nil
}

func (f *fakeLedger) ReadRemainingSpendLimit(ctx context.Context, owner, delegate, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remainingCalls++
	if f.remainingErr != nil {
		return nil, f.remainingErr
	}
	return new(big.Int).Set(f.remaining), nil
}

func (f *fakeLedger) ReadDelegateKeyStatus(ctx context.Context, owner, delegate common.Address) (*core.DelegateKeyStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyStatusCalls++
	if f.keyStatusErr != nil {
		return nil, f.keyStatusErr
	}
	status := *f.keyStatus
	return &status, nil
}

func (f *fakeLedger) EstimateTransferGas(ctx context.Context, req *core.TransferRequest) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.estimateCalls++
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return f.estimate, nil
}

func (f *fakeLedger) SubmitTransfer(ctx context.Context, req *core.TransferRequest) (common.Hash, error) {
	f.mu.Lock()
	cp := *req
	f.submits = append(f.submits, &cp)

	queue := &f.delegatedErrs
	if req.Key == nil {
		queue = &f.serviceErrs
	}
	if len(*queue) > 0 {
		err := (*queue)[0]
		*queue = (*queue)[1:]
		f.mu.Unlock()
		return common.Hash{}, err
	}

	f.active[req.From]++
	if f.active[req.From] > f.maxActive {
		f.maxActive = f.active[req.From]
	}
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.nonce++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("tx-%d", f.nonce)))
	delay := f.submitDelay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.active[req.From]--
	f.inFlight--
	f.mu.Unlock()
	return hash, nil
}

func (f *fakeLedger) WaitForConfirmation(ctx context.Context, txHash common.Hash) (*core.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls++
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &core.Confirmation{TxHash: txHash, BlockNumber: big.NewInt(1), Success: !f.revert}, nil
}

func (f *fakeLedger) submitted(delegated bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.submits {
		if (s.Key != nil) == delegated {
			n++
		}
	}
	return n
}

// authorized counts delegated submissions that carried a key authorization
func (f *fakeLedger) authorized() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.submits {
		if s.Key != nil && s.Authorization != nil {
			n++
		}
	}
	return n
}

// mockPublisher records published events
type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishSpinSettled(ctx context.Context, event ports.SpinSettledEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockPublisher) PublishPrizeFailed(ctx context.Context, event ports.PrizeFailedEvent) error {
	return m.Called(ctx, event).Error(0)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDelegate(t *testing.T) *core.DelegateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &core.DelegateKey{
		Address:    eth.AddressFromP256(&priv.PublicKey),
		PublicKey:  eth.MarshalP256PublicKey(&priv.PublicKey),
		PrivateKey: priv,
	}
}

const testPayer = "0x00000000000000000000000000000000000000a1"

// harness wires the services over an in-memory store and a fake ledger
type harness struct {
	clock     *testClock
	store     *store.MemoryStore
	ledger    *fakeLedger
	tokenizer ports.Tokenizer
	publisher *mockPublisher
	payments  *PaymentService
	transfers *TransferExecutor
	spins     *SpinService
	key       *core.DelegateKey
}

func newHarness(t *testing.T, slot *Slot) *harness {
	t.Helper()

	h := &harness{
		clock:     newTestClock(),
		ledger:    newFakeLedger(),
		tokenizer: tokenizer.NewPaymentTokenizer("microslot"),
		publisher: &mockPublisher{},
		key:       newTestDelegate(t),
	}
	h.store = store.NewMemoryStore(5*time.Minute, store.WithClock(h.clock.Now))

	logger := zap.NewNop()
	h.payments = NewPaymentService(h.tokenizer, h.store, testService, PaymentConfig{
		Realm:        "microslot-casino",
		Method:       "tempo",
		Intent:       "charge",
		ChallengeTTL: 5 * time.Minute,
		ValidFor:     120 * time.Second,
		Token:        testToken,
		Decimals:     6,
		Price:        decimal.NewFromInt(1),
	}, nil, logger)
	h.payments.now = h.clock.Now

	h.transfers = newStoreExecutor(h.ledger, h.store)

	if slot == nil {
		slot = NewSlot(DefaultSymbols, sequence(0.1, 0.6, 0.99))
	}
	h.spins = NewSpinService(h.payments, h.transfers, h.store, h.publisher, slot, SpinConfig{
		Cost:        decimal.NewFromInt(1),
		PrizeAmount: decimal.NewFromInt(1000),
		Decimals:    6,
		Method:      "tempo",
	}, nil, logger)
	h.spins.now = h.clock.Now

	return h
}

func newTestExecutor(ledger ports.Ledger) *TransferExecutor {
	return newStoreExecutor(ledger, store.NewMemoryStore(5*time.Minute))
}

func newStoreExecutor(ledger ports.Ledger, sessions ports.SessionStore) *TransferExecutor {
	return NewTransferExecutor(ledger, sessions, TransferConfig{
		Token:         testToken,
		Decimals:      6,
		FeeBuffer:     decimal.RequireFromString("0.01"),
		GasFloor:      300_000,
		GasMultiplier: 3,
		Attempts:      5,
		Backoff:       time.Millisecond,
		Timeout:       5 * time.Second,
		CooldownTTL:   30 * time.Second,
	}, nil, zap.NewNop())
}

// register stores an access key session for testPayer
func (h *harness) register(t *testing.T, balance decimal.Decimal, auth *core.KeyAuthorization) {
	t.Helper()
	require.NoError(t, h.store.SetAccessKey(context.Background(), testPayer, &core.AccessKeySession{
		Owner:            common.HexToAddress(testPayer),
		Key:              *h.key,
		Authorization:    auth,
		Deposited:        balance,
		RemainingBalance: balance,
	}))
}

// credential answers a freshly issued challenge with a valid signature
func (h *harness) credential(t *testing.T) (*core.Challenge, string) {
	t.Helper()
	challenge, err := h.payments.IssueChallenge(context.Background(), testPayer)
	require.NoError(t, err)
	return challenge, h.sign(t, challenge, challenge.ID)
}

// sign signs challenge but presents the credential under id
func (h *harness) sign(t *testing.T, challenge *core.Challenge, id string) string {
	t.Helper()
	sig, err := tokenizer.SignChallenge("microslot", challenge, h.key)
	require.NoError(t, err)

	header, err := h.tokenizer.EncodeCredential(&core.Credential{
		ID: id,
		Payload: core.CredentialPayload{
			Signature:          sig,
			DelegateKeyAddress: h.key.Address.Hex(),
		},
	})
	require.NoError(t, err)
	return header
}
