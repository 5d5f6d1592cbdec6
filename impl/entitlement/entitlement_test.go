package entitlement

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apiseller/entity"
	"apiseller/impl/giftcard"
	"apiseller/impl/keyreg"
	"apiseller/impl/referral"
	"apiseller/internal/database"
)

// eventLog captures emitted events for assertions.
type eventLog struct {
	mu       sync.Mutex
	issued   []entity.KeyIssuedEvent
	revoked  []entity.KeyRevokedEvent
	redeemed []entity.GiftRedeemedEvent
	claimed  []entity.ReferralClaimedEvent
}

func (e *eventLog) KeyIssued(ev entity.KeyIssuedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.issued = append(e.issued, ev)
}

func (e *eventLog) KeyRevoked(ev entity.KeyRevokedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.revoked = append(e.revoked, ev)
}

func (e *eventLog) GiftRedeemed(ev entity.GiftRedeemedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redeemed = append(e.redeemed, ev)
}

func (e *eventLog) ReferralClaimed(ev entity.ReferralClaimedEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claimed = append(e.claimed, ev)
}

func newManager(t *testing.T) (*Manager, *eventLog, *database.Memory) {
	t.Helper()
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := database.NewMemory()
	keys := keyreg.New(mem, lg)
	gifts := giftcard.New(mem, keys, lg)
	refs := referral.New(mem, lg)
	m := New(mem, keys, gifts, refs, Settings{TrialDays: 3, ReferralTrialDays: 7}, lg)
	events := &eventLog{}
	m.SetNotifier(events)
	return m, events, mem
}

func TestIssueFreeTrial(t *testing.T) {
	m, events, mem := newManager(t)
	ctx := context.Background()

	key, err := m.IssueFreeTrial(ctx, 100, "alice")
	require.NoError(t, err)
	require.Equal(t, entity.PlanFree, key.Plan)
	require.NotNil(t, key.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 3), *key.ExpiresAt, time.Minute)

	require.Len(t, events.issued, 1)
	assert.Equal(t, entity.SourceTrial, events.issued[0].Source)
	assert.EqualValues(t, 100, events.issued[0].OwnerId)

	// the caller's identity was recorded on the way through
	users, err := mem.CountUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, users)

	// second trial while the first is valid
	_, err = m.IssueFreeTrial(ctx, 100, "alice")
	require.ErrorIs(t, err, entity.ErrConflict)
	require.Len(t, events.issued, 1)
}

func TestGiftFlowEndToEnd(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	codes, err := m.CreateGiftBatch(ctx, 1, entity.PlanBasic, 3, 1, 30, 0, "launch promo")
	require.NoError(t, err)
	require.Len(t, codes, 1)
	code := codes[0]

	for id := int64(100); id < 103; id++ {
		key, err := m.RedeemGift(ctx, id, "user", code)
		require.NoError(t, err)
		assert.Equal(t, entity.PlanBasic, key.Plan)
		require.NotNil(t, key.ExpiresAt)
		assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), *key.ExpiresAt, time.Minute)
	}

	_, err = m.RedeemGift(ctx, 103, "late", code)
	require.ErrorIs(t, err, entity.ErrExhausted)
	_, err = m.RedeemGift(ctx, 100, "again", code)
	require.ErrorIs(t, err, entity.ErrConflict)

	require.Len(t, events.redeemed, 3)
	assert.Equal(t, code, events.redeemed[0].Code)
	require.Len(t, events.issued, 3)
	for _, ev := range events.issued {
		assert.Equal(t, entity.SourceGift, ev.Source)
	}

	card, err := m.GiftInfo(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, 3, card.UsedCount)
}

func TestClaimReferralTrial(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	// nothing recorded yet
	_, err := m.ClaimReferralTrial(ctx, 10, "ref", 2)
	require.ErrorIs(t, err, entity.ErrIneligible)

	created, err := m.RecordReferral(ctx, 10, 100, "a")
	require.NoError(t, err)
	require.True(t, created)
	_, err = m.ClaimReferralTrial(ctx, 10, "ref", 2)
	require.ErrorIs(t, err, entity.ErrIneligible)

	created, err = m.RecordReferral(ctx, 10, 101, "b")
	require.NoError(t, err)
	require.True(t, created)

	key, err := m.ClaimReferralTrial(ctx, 10, "ref", 2)
	require.NoError(t, err)
	require.Equal(t, entity.PlanFree, key.Plan)
	require.NotNil(t, key.ExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 7), *key.ExpiresAt, time.Minute)

	require.Len(t, events.claimed, 1)
	assert.EqualValues(t, 2, events.claimed[0].Count)

	// credit is spent
	_, err = m.ClaimReferralTrial(ctx, 10, "ref", 2)
	require.ErrorIs(t, err, entity.ErrIneligible)

	stats, err := m.ReferralStats(ctx, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.Zero(t, stats.Unused)
}

func TestClaimReferralTrialCompensatesFailedIssue(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	// referrer already holds a valid free key, so issuing will conflict
	_, err := m.IssueFreeTrial(ctx, 10, "ref")
	require.NoError(t, err)

	for referred := int64(100); referred < 102; referred++ {
		created, err := m.RecordReferral(ctx, 10, referred, "u")
		require.NoError(t, err)
		require.True(t, created)
	}

	_, err = m.ClaimReferralTrial(ctx, 10, "ref", 2)
	require.ErrorIs(t, err, entity.ErrConflict)
	require.Empty(t, events.claimed)

	// the marks were rolled back, the credit survives
	stats, err := m.ReferralStats(ctx, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Unused)
}

func TestRecordReferralSelfAndRepeat(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	created, err := m.RecordReferral(ctx, 10, 10, "self")
	require.NoError(t, err)
	assert.False(t, created)

	created, err = m.RecordReferral(ctx, 10, 100, "a")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = m.RecordReferral(ctx, 11, 100, "a")
	require.NoError(t, err)
	assert.False(t, created)
}

func TestAdminGrantAndRevoke(t *testing.T) {
	m, events, _ := newManager(t)
	ctx := context.Background()

	key, err := m.AdminGrant(ctx, 100, "vip", entity.PlanPro, 0)
	require.NoError(t, err)
	assert.True(t, key.IssuedByAdmin)
	assert.Nil(t, key.ExpiresAt)

	again, err := m.AdminGrant(ctx, 100, "vip", entity.PlanPro, 14)
	require.NoError(t, err)
	require.NotNil(t, again.ExpiresAt)

	require.NoError(t, m.AdminRevoke(ctx, key.Secret, false))
	_, err = m.Validate(ctx, key.Secret)
	require.ErrorIs(t, err, entity.ErrInactive)

	require.NoError(t, m.Reactivate(ctx, key.Secret))
	_, err = m.Validate(ctx, key.Secret)
	require.NoError(t, err)

	require.NoError(t, m.AdminRevoke(ctx, key.Secret, true))
	_, err = m.Validate(ctx, key.Secret)
	require.ErrorIs(t, err, entity.ErrNotFound)

	require.Len(t, events.revoked, 2)
	assert.False(t, events.revoked[0].Hard)
	assert.True(t, events.revoked[1].Hard)
}

func TestUsageAndKeyListing(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	key, err := m.IssueFreeTrial(ctx, 100, "alice")
	require.NoError(t, err)
	_, err = m.AdminGrant(ctx, 100, "alice", entity.PlanPro, 0)
	require.NoError(t, err)

	require.NoError(t, m.RecordUsage(ctx, key.Secret))
	require.NoError(t, m.RecordUsage(ctx, key.Secret))

	got, err := m.Validate(ctx, key.Secret)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.RequestsUsed)

	keys, err := m.MyKeys(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestSystemStats(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	_, err := m.IssueFreeTrial(ctx, 100, "a")
	require.NoError(t, err)
	key, err := m.IssueFreeTrial(ctx, 101, "b")
	require.NoError(t, err)
	require.NoError(t, m.AdminRevoke(ctx, key.Secret, false))

	codes, err := m.CreateGiftBatch(ctx, 1, entity.PlanFree, 1, 2, 0, 0, "")
	require.NoError(t, err)
	require.NoError(t, m.DeactivateGift(ctx, codes[0]))

	stats, err := m.SystemStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Users)
	assert.EqualValues(t, 1, stats.ActiveKeys)
	assert.EqualValues(t, 2, stats.TotalKeys)
	assert.EqualValues(t, 1, stats.ActiveGifts)
	assert.EqualValues(t, 2, stats.TotalGifts)
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(entity.ErrStoreUnavailable))
	assert.False(t, Retryable(entity.ErrConflict))
	assert.False(t, Retryable(nil))
}
