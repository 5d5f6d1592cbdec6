package bot

import (
	"fmt"

	"apiseller/entity"
)

// The bot doubles as the event consumer: every successful state transition
// in the entitlement core is announced to the admins.

func (t *TgBot) KeyIssued(e entity.KeyIssuedEvent) {
	t.notifyAdmins(fmt.Sprintf("Key issued: %s plan for %d \\(%s\\)\\.",
		Sanitize(string(e.Plan)), e.OwnerId, Sanitize(string(e.Source))))
}

func (t *TgBot) KeyRevoked(e entity.KeyRevokedEvent) {
	mode := "deactivated"
	if e.Hard {
		mode = "deleted"
	}
	t.notifyAdmins(fmt.Sprintf("Key %s: `%s`", mode, Sanitize(mask(e.Secret))))
}

func (t *TgBot) GiftRedeemed(e entity.GiftRedeemedEvent) {
	t.notifyAdmins(fmt.Sprintf("Gift card `%s` redeemed by %d \\(%s plan\\)\\.",
		e.Code, e.RedeemerId, Sanitize(string(e.Plan))))
}

func (t *TgBot) ReferralClaimed(e entity.ReferralClaimedEvent) {
	t.notifyAdmins(fmt.Sprintf("Referral reward claimed by %d \\(%d referrals spent\\)\\.",
		e.ReferrerId, e.Count))
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "..."
}
