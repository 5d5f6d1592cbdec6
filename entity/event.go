package entity

import (
	"time"

	"github.com/google/uuid"
)

// KeySource records which flow produced a key.
type KeySource string

const (
	SourceTrial    KeySource = "trial"
	SourceGift     KeySource = "gift"
	SourceReferral KeySource = "referral"
	SourceAdmin    KeySource = "admin"
)

// Events emitted after successful state transitions. The core does not care
// how they are delivered; the bot forwards them to admins, and a nop sink is
// used when nobody listens.

type KeyIssuedEvent struct {
	Id      string
	OwnerId int64
	Plan    Plan
	Source  KeySource
	At      time.Time
}

type KeyRevokedEvent struct {
	Id     string
	Secret string
	Hard   bool
	At     time.Time
}

type GiftRedeemedEvent struct {
	Id         string
	Code       string
	RedeemerId int64
	Plan       Plan
	At         time.Time
}

type ReferralClaimedEvent struct {
	Id         string
	ReferrerId int64
	Count      int64
	At         time.Time
}

func EventId() string {
	return uuid.NewString()
}

// Notifier consumes entitlement events. Implementations must not block:
// event delivery happens inline after the state transition commits.
type Notifier interface {
	KeyIssued(e KeyIssuedEvent)
	KeyRevoked(e KeyRevokedEvent)
	GiftRedeemed(e GiftRedeemedEvent)
	ReferralClaimed(e ReferralClaimedEvent)
}

// NopNotifier discards all events.
type NopNotifier struct{}

func (NopNotifier) KeyIssued(KeyIssuedEvent)             {}
func (NopNotifier) KeyRevoked(KeyRevokedEvent)           {}
func (NopNotifier) GiftRedeemed(GiftRedeemedEvent)       {}
func (NopNotifier) ReferralClaimed(ReferralClaimedEvent) {}
