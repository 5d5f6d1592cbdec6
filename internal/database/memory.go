package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"apiseller/entity"
)

// Memory is an in-process store with the same conditional-update semantics
// as MongoDB: every predicate check and its mutation happen under one lock,
// so the concurrency invariants (single-use voucher slots, plan uniqueness,
// first-wins referrals) hold exactly as they do against the real store.
// Used by the test suites; also handy for running the bot without a mongod.
type Memory struct {
	mu        sync.Mutex
	users     map[int64]*entity.User
	keys      map[string]*entity.ApiKey
	cards     map[string]*entity.GiftCard
	referrals map[int64]*entity.Referral // keyed by referred_id (unique)
}

func NewMemory() *Memory {
	return &Memory{
		users:     make(map[int64]*entity.User),
		keys:      make(map[string]*entity.ApiKey),
		cards:     make(map[string]*entity.GiftCard),
		referrals: make(map[int64]*entity.Referral),
	}
}

// --- users ---

func (m *Memory) UpsertUser(_ context.Context, telegramId int64, displayName string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[telegramId]; ok {
		u.DisplayName = displayName
		u.UpdatedAt = now
		return nil
	}
	m.users[telegramId] = &entity.User{
		TelegramId:  telegramId,
		DisplayName: displayName,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return nil
}

func (m *Memory) CountUsers(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

// --- api keys ---

func (m *Memory) InsertKey(_ context.Context, key *entity.ApiKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.Secret]; ok {
		return fmt.Errorf("insert key: %w", entity.ErrConflict)
	}
	if !key.IssuedByAdmin {
		// simulates the partial unique index on (owner_id, plan)
		for _, k := range m.keys {
			if k.OwnerId == key.OwnerId && k.Plan == key.Plan && k.IsActive && !k.IssuedByAdmin {
				return fmt.Errorf("insert key: %w", entity.ErrConflict)
			}
		}
	}
	cp := *key
	m.keys[key.Secret] = &cp
	return nil
}

func (m *Memory) KeyBySecret(_ context.Context, secret string) (*entity.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[secret]
	if !ok {
		return nil, fmt.Errorf("find key: %w", entity.ErrNotFound)
	}
	cp := *k
	return &cp, nil
}

func (m *Memory) ActiveKeyForPlan(_ context.Context, ownerId int64, plan entity.Plan) (*entity.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.OwnerId == ownerId && k.Plan == plan && k.IsActive && !k.IssuedByAdmin {
			cp := *k
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("find active key: %w", entity.ErrNotFound)
}

func (m *Memory) DeactivateKey(_ context.Context, secret string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[secret]
	if !ok || !k.IsActive {
		return false, nil
	}
	k.IsActive = false
	k.UpdatedAt = now
	return true, nil
}

func (m *Memory) ReactivateKey(_ context.Context, secret string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[secret]
	if !ok || k.IsActive {
		return false, nil
	}
	k.IsActive = true
	k.UpdatedAt = now
	return true, nil
}

func (m *Memory) DeleteKey(_ context.Context, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, secret)
	return nil
}

func (m *Memory) IncrementUsage(_ context.Context, secret string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[secret]
	if !ok || !k.IsActive || k.Expired(now) {
		return false, nil
	}
	k.RequestsUsed++
	k.UpdatedAt = now
	return true, nil
}

func (m *Memory) SweepExpiredKeys(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range m.keys {
		if k.IsActive && k.Expired(now) {
			k.IsActive = false
			k.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) KeysByOwner(_ context.Context, ownerId int64) ([]*entity.ApiKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*entity.ApiKey
	for _, k := range m.keys {
		if k.OwnerId == ownerId {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	return keys, nil
}

func (m *Memory) CountKeys(_ context.Context, activeOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range m.keys {
		if !activeOnly || k.IsActive {
			n++
		}
	}
	return n, nil
}

// --- gift cards ---

func (m *Memory) InsertGiftCard(_ context.Context, card *entity.GiftCard) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[card.Code]; ok {
		return fmt.Errorf("insert gift card: %w", entity.ErrConflict)
	}
	cp := *card
	cp.RedeemedBy = append([]int64(nil), card.RedeemedBy...)
	m.cards[card.Code] = &cp
	return nil
}

func (m *Memory) GiftCardByCode(_ context.Context, code string) (*entity.GiftCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[code]
	if !ok {
		return nil, fmt.Errorf("find gift card: %w", entity.ErrNotFound)
	}
	cp := *c
	cp.RedeemedBy = append([]int64(nil), c.RedeemedBy...)
	return &cp, nil
}

func (m *Memory) RedeemGiftCard(_ context.Context, code string, redeemerId int64, now time.Time) (*entity.GiftCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[code]
	if !ok || !c.Redeemable(redeemerId, now) {
		return nil, fmt.Errorf("redeem gift card: %w", entity.ErrNotFound)
	}
	c.UsedCount++
	c.RedeemedBy = append(c.RedeemedBy, redeemerId)
	c.UpdatedAt = now
	cp := *c
	cp.RedeemedBy = append([]int64(nil), c.RedeemedBy...)
	return &cp, nil
}

func (m *Memory) RefundGiftSlot(_ context.Context, code string, redeemerId int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[code]
	if !ok {
		return nil
	}
	for i, id := range c.RedeemedBy {
		if id == redeemerId {
			c.RedeemedBy = append(c.RedeemedBy[:i], c.RedeemedBy[i+1:]...)
			c.UsedCount--
			c.UpdatedAt = now
			return nil
		}
	}
	return nil
}

func (m *Memory) DeactivateGiftCard(_ context.Context, code string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cards[code]
	if !ok {
		return fmt.Errorf("deactivate gift card: %w", entity.ErrNotFound)
	}
	c.IsActive = false
	c.UpdatedAt = now
	return nil
}

func (m *Memory) DeleteGiftCard(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cards[code]; !ok {
		return fmt.Errorf("delete gift card: %w", entity.ErrNotFound)
	}
	delete(m.cards, code)
	return nil
}

func (m *Memory) CountGiftCards(_ context.Context, activeOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.cards {
		if !activeOnly || c.IsActive {
			n++
		}
	}
	return n, nil
}

// --- referrals ---

func (m *Memory) InsertReferral(_ context.Context, ref *entity.Referral) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.referrals[ref.ReferredId]; ok {
		return false, nil
	}
	cp := *ref
	m.referrals[ref.ReferredId] = &cp
	return true, nil
}

func (m *Memory) CountReferrals(_ context.Context, referrerId int64, unusedOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.referrals {
		if r.ReferrerId != referrerId {
			continue
		}
		if unusedOnly && r.IsUsed {
			continue
		}
		n++
	}
	return n, nil
}

func (m *Memory) ClaimReferrals(_ context.Context, referrerId int64, claimId string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.referrals {
		if r.ReferrerId == referrerId && !r.IsUsed {
			r.IsUsed = true
			r.ClaimId = claimId
			n++
		}
	}
	return n, nil
}

func (m *Memory) UnclaimReferrals(_ context.Context, referrerId int64, claimId string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, r := range m.referrals {
		if r.ReferrerId == referrerId && r.ClaimId == claimId {
			r.IsUsed = false
			r.ClaimId = ""
			n++
		}
	}
	return n, nil
}
