package entity

import "time"

// GiftCard is a bounded, shareable redemption voucher. Each successful
// redemption consumes one slot (UsedCount) and records the redeemer, then
// converts into a freshly issued ApiKey for the voucher's plan.
//
// CardExpiresAt bounds the code itself, independently of IsActive;
// ApiExpiryDays bounds the keys it produces (0 = permanent keys).
// Exhausted cards are kept as an audit record and are only removed by an
// explicit admin delete.
type GiftCard struct {
	Code          string     `json:"code" bson:"code"`
	Plan          Plan       `json:"plan" bson:"plan"`
	MaxUses       int        `json:"max_uses" bson:"max_uses"`
	UsedCount     int        `json:"used_count" bson:"used_count"`
	RedeemedBy    []int64    `json:"redeemed_by" bson:"redeemed_by"`
	IsActive      bool       `json:"is_active" bson:"is_active"`
	CardExpiresAt *time.Time `json:"card_expires_at,omitempty" bson:"card_expires_at,omitempty"`
	ApiExpiryDays int        `json:"api_expiry_days" bson:"api_expiry_days"`
	CreatedBy     int64      `json:"created_by" bson:"created_by"`
	Note          string     `json:"note" bson:"note"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" bson:"updated_at"`
}

func (g *GiftCard) CardExpired(now time.Time) bool {
	return g.CardExpiresAt != nil && now.After(*g.CardExpiresAt)
}

func (g *GiftCard) Exhausted() bool {
	return g.UsedCount >= g.MaxUses
}

func (g *GiftCard) RedeemedByUser(telegramId int64) bool {
	for _, id := range g.RedeemedBy {
		if id == telegramId {
			return true
		}
	}
	return false
}

// Redeemable reports whether a redemption attempt by telegramId could
// currently succeed. The store enforces the same predicate atomically;
// this method exists to diagnose which clause rejected an attempt.
func (g *GiftCard) Redeemable(telegramId int64, now time.Time) bool {
	return g.IsActive && !g.CardExpired(now) && !g.Exhausted() && !g.RedeemedByUser(telegramId)
}
