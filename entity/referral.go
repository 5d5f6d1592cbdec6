package entity

import "time"

// Referral is a one-shot edge crediting ReferrerId for bringing in
// ReferredId. ReferredId is globally unique across all referral records
// (first write wins), so one user can only ever be counted for one referrer.
//
// IsUsed flips to true when the referrer claims a trial; ClaimId tags the
// batch that consumed the edge so a failed claim can be compensated exactly.
// Referral records are never deleted.
type Referral struct {
	ReferrerId   int64     `json:"referrer_id" bson:"referrer_id"`
	ReferredId   int64     `json:"referred_id" bson:"referred_id"`
	ReferredName string    `json:"referred_name" bson:"referred_name"`
	IsUsed       bool      `json:"is_used" bson:"is_used"`
	ClaimId      string    `json:"claim_id,omitempty" bson:"claim_id,omitempty"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
}

// ReferralStats summarizes a referrer's standing for display.
type ReferralStats struct {
	Total  int64 `json:"total"`
	Unused int64 `json:"unused"`
}
