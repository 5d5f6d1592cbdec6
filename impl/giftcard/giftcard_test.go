package giftcard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"apiseller/entity"
	"apiseller/impl/keyreg"
	"apiseller/internal/database"
)

var codePattern = regexp.MustCompile(`^GIFT-[A-Z2-9]{4}-[A-Z2-9]{4}$`)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLedger(t *testing.T) (*Ledger, *keyreg.Registry, *database.Memory) {
	t.Helper()
	mem := database.NewMemory()
	keys := keyreg.New(mem, testLogger())
	return New(mem, keys, testLogger()), keys, mem
}

func TestCreateCodeFormat(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanBasic, MaxUses: 1, CreatedBy: 1})
	require.NoError(t, err)
	require.Regexp(t, codePattern, code)

	card, err := ledger.Info(ctx, code)
	require.NoError(t, err)
	require.True(t, card.IsActive)
	require.Zero(t, card.UsedCount)
	require.Empty(t, card.RedeemedBy)
}

func TestCreateRejectsBadParams(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.Create(ctx, CreateParams{Plan: "gold", MaxUses: 1})
	require.ErrorIs(t, err, entity.ErrValidation)

	_, err = ledger.Create(ctx, CreateParams{Plan: entity.PlanFree, MaxUses: 0})
	require.ErrorIs(t, err, entity.ErrValidation)

	_, err = ledger.Create(ctx, CreateParams{Plan: entity.PlanFree, MaxUses: 1, ApiExpiryDays: -5})
	require.ErrorIs(t, err, entity.ErrValidation)
}

func TestCreateBatchCodesAreDistinct(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	codes, err := ledger.CreateBatch(ctx, 10, CreateParams{Plan: entity.PlanPro, MaxUses: 2, CreatedBy: 1})
	require.NoError(t, err)
	require.Len(t, codes, 10)

	seen := make(map[string]bool)
	for _, c := range codes {
		require.Regexp(t, codePattern, c)
		require.False(t, seen[c])
		seen[c] = true
	}
}

func TestRedeemIssuesKeyWithCardExpiry(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanBasic, MaxUses: 3, ApiExpiryDays: 30, CreatedBy: 1})
	require.NoError(t, err)

	key, err := ledger.Redeem(ctx, code, 100)
	require.NoError(t, err)
	require.Equal(t, entity.PlanBasic, key.Plan)
	require.EqualValues(t, 100, key.OwnerId)
	require.NotNil(t, key.ExpiresAt)
	require.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 30), *key.ExpiresAt, time.Minute)

	card, err := ledger.Info(ctx, code)
	require.NoError(t, err)
	require.Equal(t, 1, card.UsedCount)
	require.Equal(t, []int64{100}, card.RedeemedBy)
}

func TestRedeemNoApiExpiryIsPermanent(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanPro, MaxUses: 1, CreatedBy: 1})
	require.NoError(t, err)

	key, err := ledger.Redeem(ctx, code, 100)
	require.NoError(t, err)
	require.Nil(t, key.ExpiresAt)
}

func TestRedeemIsCaseInsensitive(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanFree, MaxUses: 1, CreatedBy: 1})
	require.NoError(t, err)

	_, err = ledger.Redeem(ctx, "  "+strings.ToLower(code)+" ", 100)
	require.NoError(t, err)
}

func TestRedeemSlotExhaustion(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanBasic, MaxUses: 3, CreatedBy: 1})
	require.NoError(t, err)

	for id := int64(100); id < 103; id++ {
		_, err = ledger.Redeem(ctx, code, id)
		require.NoError(t, err)
	}

	// fourth distinct user finds no slot left
	_, err = ledger.Redeem(ctx, code, 103)
	require.ErrorIs(t, err, entity.ErrExhausted)

	// a past redeemer is told about the repeat, not the exhaustion
	_, err = ledger.Redeem(ctx, code, 100)
	require.ErrorIs(t, err, entity.ErrConflict)

	card, err := ledger.Info(ctx, code)
	require.NoError(t, err)
	require.Equal(t, 3, card.UsedCount)
}

func TestRedeemLastSlotConcurrently(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanBasic, MaxUses: 1, CreatedBy: 1})
	require.NoError(t, err)

	const racers = 8
	errs := make([]error, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ledger.Redeem(ctx, code, int64(200+i))
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		require.ErrorIs(t, err, entity.ErrExhausted)
	}
	require.Equal(t, 1, winners)

	card, err := ledger.Info(ctx, code)
	require.NoError(t, err)
	require.Equal(t, 1, card.UsedCount)
	require.Len(t, card.RedeemedBy, 1)
}

func TestRedeemRejections(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := ledger.Redeem(ctx, "GIFT-ZZZZ-ZZZZ", 100)
	require.ErrorIs(t, err, entity.ErrNotFound)

	_, err = ledger.Redeem(ctx, "   ", 100)
	require.ErrorIs(t, err, entity.ErrValidation)

	disabled, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanFree, MaxUses: 1, CreatedBy: 1})
	require.NoError(t, err)
	require.NoError(t, ledger.Deactivate(ctx, disabled))
	_, err = ledger.Redeem(ctx, disabled, 100)
	require.ErrorIs(t, err, entity.ErrInactive)

	past := time.Now().UTC().Add(-time.Hour)
	stale, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanFree, MaxUses: 1, CardExpiresAt: &past, CreatedBy: 1})
	require.NoError(t, err)
	_, err = ledger.Redeem(ctx, stale, 100)
	require.ErrorIs(t, err, entity.ErrExpired)
}

func TestRedeemRefundsSlotWhenIssueFails(t *testing.T) {
	ledger, keys, _ := newLedger(t)
	ctx := context.Background()

	// redeemer already holds a valid key for the card's plan
	_, err := keys.Issue(ctx, 100, entity.PlanBasic, nil, false)
	require.NoError(t, err)

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanBasic, MaxUses: 1, CreatedBy: 1})
	require.NoError(t, err)

	_, err = ledger.Redeem(ctx, code, 100)
	require.ErrorIs(t, err, entity.ErrConflict)

	// the held slot was given back
	card, err := ledger.Info(ctx, code)
	require.NoError(t, err)
	require.Zero(t, card.UsedCount)
	require.Empty(t, card.RedeemedBy)
	require.NotContains(t, card.RedeemedBy, int64(100))

	// so another user can still take it
	_, err = ledger.Redeem(ctx, code, 101)
	require.NoError(t, err)
}

func TestDeleteCard(t *testing.T) {
	ledger, _, _ := newLedger(t)
	ctx := context.Background()

	code, err := ledger.Create(ctx, CreateParams{Plan: entity.PlanFree, MaxUses: 1, CreatedBy: 1})
	require.NoError(t, err)
	require.NoError(t, ledger.Delete(ctx, code))

	_, err = ledger.Info(ctx, code)
	require.ErrorIs(t, err, entity.ErrNotFound)

	err = ledger.Delete(ctx, code)
	require.True(t, errors.Is(err, entity.ErrNotFound))
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "GIFT-AB2C-DE3F", Normalize("  gift-ab2c-de3f\n"))
	require.Equal(t, "", Normalize("   "))
}
