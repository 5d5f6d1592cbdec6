// Package entitlement composes the key registry, gift card ledger, and
// referral ledger into the operation surface the bot and the API gateway
// call. It owns multi-step sequencing: when a later step fails after an
// earlier one committed, it compensates rather than leaving credits spent
// with nothing granted.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"apiseller/entity"
	"apiseller/impl/giftcard"
	"apiseller/impl/keyreg"
	"apiseller/impl/referral"
	"apiseller/lib/clock"
	"apiseller/lib/sl"
)

// Database is the slice of the store the facade itself touches: user
// identity upserts and the counters behind the admin stats summary.
type Database interface {
	UpsertUser(ctx context.Context, telegramId int64, displayName string, now time.Time) error
	CountUsers(ctx context.Context) (int64, error)
	CountKeys(ctx context.Context, activeOnly bool) (int64, error)
	CountGiftCards(ctx context.Context, activeOnly bool) (int64, error)
}

// Settings are the issuance knobs, from config.
type Settings struct {
	TrialDays         int // validity of /trial free keys
	ReferralTrialDays int // validity of referral-claimed free keys
}

type Manager struct {
	db     Database
	keys   *keyreg.Registry
	gifts  *giftcard.Ledger
	refs   *referral.Ledger
	notify entity.Notifier
	set    Settings
	log    *slog.Logger
}

func New(db Database, keys *keyreg.Registry, gifts *giftcard.Ledger, refs *referral.Ledger, set Settings, log *slog.Logger) *Manager {
	if db == nil || keys == nil || gifts == nil || refs == nil {
		panic("entitlement: nil dependency")
	}
	return &Manager{
		db:     db,
		keys:   keys,
		gifts:  gifts,
		refs:   refs,
		notify: entity.NopNotifier{},
		set:    set,
		log:    log.With(sl.Module("entitlement")),
	}
}

// SetNotifier connects the event consumer. Call before serving traffic.
func (m *Manager) SetNotifier(n entity.Notifier) {
	if n == nil {
		n = entity.NopNotifier{}
	}
	m.notify = n
}

// touchUser upserts the caller's identity record; every user-facing
// operation goes through it so users exist before their entitlements.
func (m *Manager) touchUser(ctx context.Context, userId int64, username string) error {
	if err := m.db.UpsertUser(ctx, userId, username, clock.Now()); err != nil {
		return fmt.Errorf("touch user: %w", err)
	}
	return nil
}

// IssueFreeTrial issues a free-plan key valid for the configured trial
// period. ErrConflict when the user already holds a valid free key.
func (m *Manager) IssueFreeTrial(ctx context.Context, userId int64, username string) (*entity.ApiKey, error) {
	if err := m.touchUser(ctx, userId, username); err != nil {
		return nil, err
	}
	key, err := m.keys.Issue(ctx, userId, entity.PlanFree, clock.DaysTTL(m.set.TrialDays), false)
	if err != nil {
		return nil, err
	}
	m.notify.KeyIssued(m.keyIssuedEvent(key, entity.SourceTrial))
	return key, nil
}

// RedeemGift converts a voucher code into a key for the caller.
func (m *Manager) RedeemGift(ctx context.Context, userId int64, username, code string) (*entity.ApiKey, error) {
	if err := m.touchUser(ctx, userId, username); err != nil {
		return nil, err
	}
	key, err := m.gifts.Redeem(ctx, code, userId)
	if err != nil {
		return nil, err
	}
	m.notify.GiftRedeemed(entity.GiftRedeemedEvent{
		Id:         entity.EventId(),
		Code:       giftcard.Normalize(code),
		RedeemerId: userId,
		Plan:       key.Plan,
		At:         clock.Now(),
	})
	m.notify.KeyIssued(m.keyIssuedEvent(key, entity.SourceGift))
	return key, nil
}

// ClaimReferralTrial spends the caller's unused referrals on a free-plan
// key. ErrIneligible below threshold. If issuing the key fails after the
// referrals were marked used, the marks are rolled back so the credits
// survive for a retry; when even the rollback fails the error says so and
// carries ErrStoreUnavailable.
func (m *Manager) ClaimReferralTrial(ctx context.Context, userId int64, username string, threshold int) (*entity.ApiKey, error) {
	if err := m.touchUser(ctx, userId, username); err != nil {
		return nil, err
	}
	claim, err := m.refs.ClaimTrial(ctx, userId, threshold)
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, fmt.Errorf("claim referral trial: need %d unused referrals: %w", threshold, entity.ErrIneligible)
	}

	key, err := m.keys.Issue(ctx, userId, entity.PlanFree, clock.DaysTTL(m.set.ReferralTrialDays), false)
	if err != nil {
		if uerr := m.refs.Unclaim(ctx, userId, claim.Id); uerr != nil {
			m.log.With(sl.Owner(userId), sl.Err(uerr)).Error("referral claim compensation failed")
			return nil, fmt.Errorf("claim referral trial: key not issued and %d referrals left marked used: %w", claim.Count, uerr)
		}
		return nil, err
	}

	m.notify.ReferralClaimed(entity.ReferralClaimedEvent{
		Id:         entity.EventId(),
		ReferrerId: userId,
		Count:      claim.Count,
		At:         clock.Now(),
	})
	m.notify.KeyIssued(m.keyIssuedEvent(key, entity.SourceReferral))
	return key, nil
}

// AdminGrant issues a key bypassing the plan-uniqueness check.
// days <= 0 grants a permanent key.
func (m *Manager) AdminGrant(ctx context.Context, userId int64, username string, plan entity.Plan, days int) (*entity.ApiKey, error) {
	if err := m.touchUser(ctx, userId, username); err != nil {
		return nil, err
	}
	key, err := m.keys.Issue(ctx, userId, plan, clock.DaysTTL(days), true)
	if err != nil {
		return nil, err
	}
	m.notify.KeyIssued(m.keyIssuedEvent(key, entity.SourceAdmin))
	return key, nil
}

// AdminRevoke soft- or hard-revokes a key. Idempotent.
func (m *Manager) AdminRevoke(ctx context.Context, secret string, hard bool) error {
	if err := m.keys.Revoke(ctx, secret, hard); err != nil {
		return err
	}
	m.notify.KeyRevoked(entity.KeyRevokedEvent{
		Id:     entity.EventId(),
		Secret: secret,
		Hard:   hard,
		At:     clock.Now(),
	})
	return nil
}

// Reactivate reverses a soft revoke.
func (m *Manager) Reactivate(ctx context.Context, secret string) error {
	return m.keys.Reactivate(ctx, secret)
}

// Validate checks a secret for the API gateway. Does not count usage.
func (m *Manager) Validate(ctx context.Context, secret string) (*entity.ApiKey, error) {
	return m.keys.Validate(ctx, secret)
}

// RecordUsage counts one serviced request against the key.
func (m *Manager) RecordUsage(ctx context.Context, secret string) error {
	return m.keys.RecordUsage(ctx, secret)
}

// RecordReferral credits referrerId for bringing referredId in. The caller
// performs any gating (channel membership) before calling this.
func (m *Manager) RecordReferral(ctx context.Context, referrerId, referredId int64, referredName string) (bool, error) {
	if err := m.touchUser(ctx, referredId, referredName); err != nil {
		return false, err
	}
	return m.refs.Record(ctx, referrerId, referredId, referredName)
}

// ReferralStats reports a referrer's standing.
func (m *Manager) ReferralStats(ctx context.Context, referrerId int64) (*entity.ReferralStats, error) {
	return m.refs.Stats(ctx, referrerId)
}

// MyKeys lists all keys of an owner.
func (m *Manager) MyKeys(ctx context.Context, ownerId int64) ([]*entity.ApiKey, error) {
	return m.keys.KeysByOwner(ctx, ownerId)
}

// SweepExpired deactivates all expired keys; returns the number changed.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	return m.keys.SweepExpired(ctx)
}

// CreateGiftBatch generates count cards for distribution by an admin.
// cardExpiryDays bounds the codes, apiExpiryDays bounds the keys they issue;
// zero means unbounded in both cases.
func (m *Manager) CreateGiftBatch(ctx context.Context, createdBy int64, plan entity.Plan, maxUses, count, apiExpiryDays, cardExpiryDays int, note string) ([]string, error) {
	var cardExpiry *time.Time
	if cardExpiryDays > 0 {
		cardExpiry = clock.DaysFromNow(cardExpiryDays)
	}
	return m.gifts.CreateBatch(ctx, count, giftcard.CreateParams{
		Plan:          plan,
		MaxUses:       maxUses,
		CardExpiresAt: cardExpiry,
		ApiExpiryDays: apiExpiryDays,
		CreatedBy:     createdBy,
		Note:          note,
	})
}

// GiftInfo returns a card for admin inspection.
func (m *Manager) GiftInfo(ctx context.Context, code string) (*entity.GiftCard, error) {
	return m.gifts.Info(ctx, code)
}

// DeactivateGift stops redemptions of a code, keeping its audit record.
func (m *Manager) DeactivateGift(ctx context.Context, code string) error {
	return m.gifts.Deactivate(ctx, code)
}

// DeleteGift removes a card record entirely.
func (m *Manager) DeleteGift(ctx context.Context, code string) error {
	return m.gifts.Delete(ctx, code)
}

// Stats is the admin summary of the whole system.
type Stats struct {
	Users       int64
	ActiveKeys  int64
	TotalKeys   int64
	ActiveGifts int64
	TotalGifts  int64
}

func (m *Manager) SystemStats(ctx context.Context) (*Stats, error) {
	var s Stats
	var err error
	if s.Users, err = m.db.CountUsers(ctx); err != nil {
		return nil, fmt.Errorf("system stats: %w", err)
	}
	if s.ActiveKeys, err = m.db.CountKeys(ctx, true); err != nil {
		return nil, fmt.Errorf("system stats: %w", err)
	}
	if s.TotalKeys, err = m.db.CountKeys(ctx, false); err != nil {
		return nil, fmt.Errorf("system stats: %w", err)
	}
	if s.ActiveGifts, err = m.db.CountGiftCards(ctx, true); err != nil {
		return nil, fmt.Errorf("system stats: %w", err)
	}
	if s.TotalGifts, err = m.db.CountGiftCards(ctx, false); err != nil {
		return nil, fmt.Errorf("system stats: %w", err)
	}
	return &s, nil
}

func (m *Manager) keyIssuedEvent(key *entity.ApiKey, source entity.KeySource) entity.KeyIssuedEvent {
	return entity.KeyIssuedEvent{
		Id:      entity.EventId(),
		OwnerId: key.OwnerId,
		Plan:    key.Plan,
		Source:  source,
		At:      clock.Now(),
	}
}

// Retryable reports whether the caller may automatically retry after err.
// Everything terminal must be rendered to the user instead.
func Retryable(err error) bool {
	return errors.Is(err, entity.ErrStoreUnavailable)
}
