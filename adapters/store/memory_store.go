package store

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/microslot/core"
	"github.com/layer-3/microslot/ports"
	"github.com/shopspring/decimal"
)

const shardCount = 32

type sessionState struct {
	createdAt  time.Time
	accessKey  *core.AccessKeySession
	challenges map[string]*core.Challenge
	prizes     []core.PendingPrize
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// MemoryStore is an in-memory implementation of the SessionStore interface.
// State is partitioned over a fixed set of shards, each with its own lock.
type MemoryStore struct {
	shards       [shardCount]*shard
	challengeTTL time.Duration
	now          func() time.Time
}

// Option configures a MemoryStore
type Option func(*MemoryStore)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a new in-memory store whose challenges expire after challengeTTL
func NewMemoryStore(challengeTTL time.Duration, opts ...Option) *MemoryStore {
	s := &MemoryStore{challengeTTL: challengeTTL, now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{sessions: make(map[string]*sessionState)}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.SessionStore = (*MemoryStore)(nil)

// normalize maps every spelling of an address, with or without 0x and in
// any case, to one key.
func normalize(address string) string {
	address = strings.TrimSpace(address)
	if common.IsHexAddress(address) {
		return strings.ToLower(common.HexToAddress(address).Hex())
	}
	return strings.ToLower(address)
}

func (s *MemoryStore) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// withSession runs fn under the shard lock. When create is false and the
// session does not exist, fn receives nil.
func (s *MemoryStore) withSession(address string, create bool, fn func(st *sessionState)) {
	key := normalize(address)
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.sessions[key]
	if !ok && create {
		st = &sessionState{createdAt: s.now(), challenges: make(map[string]*core.Challenge)}
		sh.sessions[key] = st
	}
	fn(st)
}

// GetOrCreateSession returns the session summary, creating an empty session if needed
func (s *MemoryStore) GetOrCreateSession(ctx context.Context, address string) (*core.SessionInfo, error) {
	if normalize(address) == "" {
		return nil, core.ErrInvalidAddress
	}

	var info *core.SessionInfo
	s.withSession(address, true, func(st *sessionState) {
		info = &core.SessionInfo{
			Address:      normalize(address),
			HasAccessKey: st.accessKey != nil,
			Challenges:   len(st.challenges),
			CreatedAt:    st.createdAt,
		}
	})
	return info, nil
}

// SetAccessKey stores the delegated spending session, replacing any previous one
func (s *MemoryStore) SetAccessKey(ctx context.Context, address string, session *core.AccessKeySession) error {
	if normalize(address) == "" {
		return core.ErrInvalidAddress
	}

	s.withSession(address, true, func(st *sessionState) {
		st.accessKey = copyAccessKey(session)
	})
	return nil
}

// GetAccessKey returns a copy of the payer's access key session
func (s *MemoryStore) GetAccessKey(ctx context.Context, address string) (*core.AccessKeySession, error) {
	var out *core.AccessKeySession
	s.withSession(address, false, func(st *sessionState) {
		if st != nil {
			out = copyAccessKey(st.accessKey)
		}
	})
	if out == nil {
		return nil, core.ErrNoAccessKey
	}
	return out, nil
}

// UpdateBalance overwrites the mirrored balance
func (s *MemoryStore) UpdateBalance(ctx context.Context, address string, balance decimal.Decimal) error {
	_, err := s.AdjustBalance(ctx, address, func(decimal.Decimal) decimal.Decimal { return balance })
	return err
}

// AdjustBalance applies fn to the mirrored balance atomically and returns the new value
func (s *MemoryStore) AdjustBalance(ctx context.Context, address string, fn func(decimal.Decimal) decimal.Decimal) (decimal.Decimal, error) {
	var (
		balance decimal.Decimal
		found   bool
	)
	s.withSession(address, false, func(st *sessionState) {
		if st == nil || st.accessKey == nil {
			return
		}
		st.accessKey.RemainingBalance = fn(st.accessKey.RemainingBalance)
		balance = st.accessKey.RemainingBalance
		found = true
	})
	if !found {
		return decimal.Zero, core.ErrNoAccessKey
	}
	return balance, nil
}

// TakeKeyAuthorization returns the one-shot key authorization and removes it
// from the session in one step. A session without one yields nil.
func (s *MemoryStore) TakeKeyAuthorization(ctx context.Context, address string) (*core.KeyAuthorization, error) {
	var (
		auth  *core.KeyAuthorization
		found bool
	)
	s.withSession(address, false, func(st *sessionState) {
		if st == nil || st.accessKey == nil {
			return
		}
		auth = st.accessKey.Authorization
		st.accessKey.Authorization = nil
		found = true
	})
	if !found {
		return nil, core.ErrNoAccessKey
	}
	return auth, nil
}

// RestoreKeyAuthorization puts back an authorization that never reached the
// ledger. It is a no-op when the session was replaced by another delegate
// key or already carries an authorization.
func (s *MemoryStore) RestoreKeyAuthorization(ctx context.Context, address string, delegate common.Address, auth *core.KeyAuthorization) error {
	found := false
	s.withSession(address, false, func(st *sessionState) {
		if st == nil || st.accessKey == nil {
			return
		}
		found = true
		if st.accessKey.Key.Address != delegate || st.accessKey.Authorization != nil {
			return
		}
		st.accessKey.Authorization = auth
	})
	if !found {
		return core.ErrNoAccessKey
	}
	return nil
}

// StoreChallenge adds a challenge and purges the payer's expired ones
func (s *MemoryStore) StoreChallenge(ctx context.Context, address string, challenge *core.Challenge) error {
	if normalize(address) == "" {
		return core.ErrInvalidAddress
	}

	now := s.now()
	s.withSession(address, true, func(st *sessionState) {
		for id, c := range st.challenges {
			if c.Expired(now, s.challengeTTL) {
				delete(st.challenges, id)
			}
		}
		c := *challenge
		st.challenges[challenge.ID] = &c
	})
	return nil
}

// ReplaceChallenge stores challenge as the payer's only live challenge
func (s *MemoryStore) ReplaceChallenge(ctx context.Context, address string, challenge *core.Challenge) error {
	if normalize(address) == "" {
		return core.ErrInvalidAddress
	}

	s.withSession(address, true, func(st *sessionState) {
		c := *challenge
		st.challenges = map[string]*core.Challenge{challenge.ID: &c}
	})
	return nil
}

// GetChallenge returns the challenge if it exists and has not expired.
// An expired challenge is removed.
func (s *MemoryStore) GetChallenge(ctx context.Context, address, id string) (*core.Challenge, error) {
	return s.lookupChallenge(address, id, false)
}

// TakeChallenge is GetChallenge followed by DeleteChallenge under a single lock,
// so a challenge can be redeemed at most once.
func (s *MemoryStore) TakeChallenge(ctx context.Context, address, id string) (*core.Challenge, error) {
	return s.lookupChallenge(address, id, true)
}

func (s *MemoryStore) lookupChallenge(address, id string, consume bool) (*core.Challenge, error) {
	var out *core.Challenge
	now := s.now()
	s.withSession(address, false, func(st *sessionState) {
		if st == nil {
			return
		}
		c, ok := st.challenges[id]
		if !ok {
			return
		}
		if c.Expired(now, s.challengeTTL) {
			delete(st.challenges, id)
			return
		}
		if consume {
			delete(st.challenges, id)
		}
		cp := *c
		out = &cp
	})
	if out == nil {
		return nil, core.ErrChallengeNotFound
	}
	return out, nil
}

// DeleteChallenge removes a challenge; missing challenges are ignored
func (s *MemoryStore) DeleteChallenge(ctx context.Context, address, id string) error {
	s.withSession(address, false, func(st *sessionState) {
		if st != nil {
			delete(st.challenges, id)
		}
	})
	return nil
}

// AddPendingPrize records a prize that still has to be credited
func (s *MemoryStore) AddPendingPrize(ctx context.Context, address string, prize core.PendingPrize) error {
	if normalize(address) == "" {
		return core.ErrInvalidAddress
	}

	s.withSession(address, true, func(st *sessionState) {
		st.prizes = append(st.prizes, prize)
	})
	return nil
}

// TakePendingPrizes removes and returns all pending prizes of the payer
func (s *MemoryStore) TakePendingPrizes(ctx context.Context, address string) ([]core.PendingPrize, error) {
	var out []core.PendingPrize
	s.withSession(address, false, func(st *sessionState) {
		if st != nil {
			out, st.prizes = st.prizes, nil
		}
	})
	return out, nil
}

// Sweep drops expired challenges and sessions with nothing left in them.
// It returns the number of challenges removed.
func (s *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, st := range sh.sessions {
			for id, c := range st.challenges {
				if c.Expired(now, s.challengeTTL) {
					delete(st.challenges, id)
					removed++
				}
			}
			if st.accessKey == nil && len(st.challenges) == 0 && len(st.prizes) == 0 {
				delete(sh.sessions, key)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run sweeps the store every interval until ctx is done
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

func copyAccessKey(in *core.AccessKeySession) *core.AccessKeySession {
	if in == nil {
		return nil
	}
	out := *in
	out.Key.PublicKey = append([]byte(nil), in.Key.PublicKey...)
	if in.Authorization != nil {
		auth := *in.Authorization
		auth.Limits = append([]core.SpendLimit(nil), in.Authorization.Limits...)
		out.Authorization = &auth
	}
	return &out
}
