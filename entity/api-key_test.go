package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParsePlan(t *testing.T) {
	for _, s := range []string{"free", "basic", "pro"} {
		plan, ok := ParsePlan(s)
		assert.True(t, ok)
		assert.Equal(t, Plan(s), plan)
	}
	_, ok := ParsePlan("Free")
	assert.False(t, ok)
	_, ok = ParsePlan("")
	assert.False(t, ok)
}

func TestApiKeyValidity(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	permanent := &ApiKey{IsActive: true}
	assert.False(t, permanent.Expired(now))
	assert.True(t, permanent.Valid(now))
	assert.Equal(t, -1, permanent.RemainingDays(now))

	live := &ApiKey{IsActive: true, ExpiresAt: &future}
	assert.True(t, live.Valid(now))
	assert.Equal(t, 1, live.RemainingDays(now))

	// expired but not yet deactivated: invalid either way
	stale := &ApiKey{IsActive: true, ExpiresAt: &past}
	assert.True(t, stale.Expired(now))
	assert.False(t, stale.Valid(now))
	assert.Equal(t, 0, stale.RemainingDays(now))

	dead := &ApiKey{IsActive: false, ExpiresAt: &future}
	assert.False(t, dead.Valid(now))
}

func TestApiKeyState(t *testing.T) {
	assert.Equal(t, KeyActive, (&ApiKey{IsActive: true}).State())
	assert.Equal(t, KeyDeactivated, (&ApiKey{}).State())
}
