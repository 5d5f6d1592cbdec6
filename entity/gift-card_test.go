package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGiftCardRedeemable(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	card := &GiftCard{
		Code:       "GIFT-AAAA-BBBB",
		MaxUses:    2,
		UsedCount:  1,
		RedeemedBy: []int64{100},
		IsActive:   true,
	}

	assert.True(t, card.Redeemable(101, now))
	// repeat redeemer
	assert.False(t, card.Redeemable(100, now))
	assert.True(t, card.RedeemedByUser(100))

	card.UsedCount = 2
	assert.True(t, card.Exhausted())
	assert.False(t, card.Redeemable(101, now))
	card.UsedCount = 1

	card.IsActive = false
	assert.False(t, card.Redeemable(101, now))
	card.IsActive = true

	card.CardExpiresAt = &past
	assert.True(t, card.CardExpired(now))
	assert.False(t, card.Redeemable(101, now))

	card.CardExpiresAt = &future
	assert.False(t, card.CardExpired(now))
	assert.True(t, card.Redeemable(101, now))
}
