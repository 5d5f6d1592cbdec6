package keyreg

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"apiseller/entity"
	"apiseller/internal/database"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistry(t *testing.T) (*Registry, *database.Memory) {
	t.Helper()
	mem := database.NewMemory()
	return New(mem, testLogger()), mem
}

func ttl(d time.Duration) *time.Duration {
	return &d
}

func TestIssueSecondKeySamePlanConflicts(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	first, err := reg.Issue(ctx, 100, entity.PlanBasic, nil, false)
	require.NoError(t, err)
	require.True(t, first.IsActive)

	_, err = reg.Issue(ctx, 100, entity.PlanBasic, nil, false)
	require.ErrorIs(t, err, entity.ErrConflict)

	// a different plan for the same owner is fine
	_, err = reg.Issue(ctx, 100, entity.PlanPro, nil, false)
	require.NoError(t, err)

	// and a different owner on the same plan is fine
	_, err = reg.Issue(ctx, 101, entity.PlanBasic, nil, false)
	require.NoError(t, err)
}

func TestIssueAdminBypassesPlanUniqueness(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Issue(ctx, 100, entity.PlanPro, nil, false)
	require.NoError(t, err)

	granted, err := reg.Issue(ctx, 100, entity.PlanPro, nil, true)
	require.NoError(t, err)
	require.True(t, granted.IssuedByAdmin)
}

func TestIssueHealsExpiredLeftover(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	// expired but still flagged active: nobody validated or swept it yet
	stale, err := reg.Issue(ctx, 100, entity.PlanFree, ttl(-time.Hour), false)
	require.NoError(t, err)

	fresh, err := reg.Issue(ctx, 100, entity.PlanFree, ttl(24*time.Hour), false)
	require.NoError(t, err)
	require.NotEqual(t, stale.Secret, fresh.Secret)

	// the leftover was deactivated as a side effect
	_, err = reg.Validate(ctx, stale.Secret)
	require.ErrorIs(t, err, entity.ErrExpired)
}

func TestIssueRejectsBadInput(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Issue(ctx, 100, entity.Plan("platinum"), nil, false)
	require.ErrorIs(t, err, entity.ErrValidation)

	_, err = reg.Issue(ctx, 0, entity.PlanFree, nil, false)
	require.ErrorIs(t, err, entity.ErrValidation)
}

func TestValidate(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	key, err := reg.Issue(ctx, 100, entity.PlanBasic, ttl(24*time.Hour), false)
	require.NoError(t, err)

	got, err := reg.Validate(ctx, key.Secret)
	require.NoError(t, err)
	require.Equal(t, key.Secret, got.Secret)
	require.Equal(t, entity.PlanBasic, got.Plan)

	_, err = reg.Validate(ctx, "sk-no-such-key")
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestValidateExpiredSelfHealIsIdempotent(t *testing.T) {
	reg, mem := newRegistry(t)
	ctx := context.Background()

	key, err := reg.Issue(ctx, 100, entity.PlanFree, ttl(-time.Minute), false)
	require.NoError(t, err)

	// first read deactivates, both reads report Expired
	_, err = reg.Validate(ctx, key.Secret)
	require.ErrorIs(t, err, entity.ErrExpired)
	_, err = reg.Validate(ctx, key.Secret)
	require.ErrorIs(t, err, entity.ErrExpired)

	stored, err := mem.KeyBySecret(ctx, key.Secret)
	require.NoError(t, err)
	require.False(t, stored.IsActive)

	// the sweep finds nothing left to do for this key
	n, err := reg.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestValidateInactive(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	key, err := reg.Issue(ctx, 100, entity.PlanBasic, nil, false)
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, key.Secret, false))

	_, err = reg.Validate(ctx, key.Secret)
	require.ErrorIs(t, err, entity.ErrInactive)
}

func TestRecordUsage(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	key, err := reg.Issue(ctx, 100, entity.PlanPro, nil, false)
	require.NoError(t, err)

	require.NoError(t, reg.RecordUsage(ctx, key.Secret))
	require.NoError(t, reg.RecordUsage(ctx, key.Secret))

	got, err := reg.Validate(ctx, key.Secret)
	require.NoError(t, err)
	require.EqualValues(t, 2, got.RequestsUsed)
}

func TestRecordUsageAgainstDeadKey(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	require.ErrorIs(t, reg.RecordUsage(ctx, "sk-missing"), entity.ErrNotFound)

	revoked, err := reg.Issue(ctx, 100, entity.PlanBasic, nil, false)
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, revoked.Secret, false))
	require.ErrorIs(t, reg.RecordUsage(ctx, revoked.Secret), entity.ErrInactive)

	expired, err := reg.Issue(ctx, 101, entity.PlanBasic, ttl(-time.Minute), false)
	require.NoError(t, err)
	require.ErrorIs(t, reg.RecordUsage(ctx, expired.Secret), entity.ErrExpired)
}

func TestRevokeIsIdempotent(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	key, err := reg.Issue(ctx, 100, entity.PlanFree, nil, false)
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(ctx, key.Secret, false))
	require.NoError(t, reg.Revoke(ctx, key.Secret, false))
	require.NoError(t, reg.Revoke(ctx, "sk-never-existed", false))
	require.NoError(t, reg.Revoke(ctx, "sk-never-existed", true))
}

func TestHardRevokeDeletesRecord(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	key, err := reg.Issue(ctx, 100, entity.PlanFree, nil, false)
	require.NoError(t, err)

	require.NoError(t, reg.Revoke(ctx, key.Secret, true))
	_, err = reg.Validate(ctx, key.Secret)
	require.ErrorIs(t, err, entity.ErrNotFound)
	// repeat delete still succeeds
	require.NoError(t, reg.Revoke(ctx, key.Secret, true))
}

func TestReactivate(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	key, err := reg.Issue(ctx, 100, entity.PlanBasic, nil, false)
	require.NoError(t, err)
	require.NoError(t, reg.Revoke(ctx, key.Secret, false))
	require.NoError(t, reg.Reactivate(ctx, key.Secret))

	got, err := reg.Validate(ctx, key.Secret)
	require.NoError(t, err)
	require.True(t, got.IsActive)

	require.ErrorIs(t, reg.Reactivate(ctx, "sk-missing"), entity.ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Issue(ctx, 100, entity.PlanFree, ttl(-time.Hour), false)
	require.NoError(t, err)
	_, err = reg.Issue(ctx, 101, entity.PlanFree, ttl(-time.Hour), false)
	require.NoError(t, err)
	keep, err := reg.Issue(ctx, 102, entity.PlanFree, ttl(24*time.Hour), false)
	require.NoError(t, err)

	n, err := reg.SweepExpired(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	// re-running changes nothing
	n, err = reg.SweepExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = reg.Validate(ctx, keep.Secret)
	require.NoError(t, err)
}

func TestSecretFormat(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := newSecret()
		require.True(t, strings.HasPrefix(s, "sk-"))
		require.Len(t, s, 46)
		require.False(t, seen[s], "duplicate secret generated")
		seen[s] = true
	}
}
