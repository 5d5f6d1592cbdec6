package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"apiseller/lib/sl"
)

const referralPayloadPrefix = "ref_"

func (t *TgBot) start(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	// Deep link payloads: /start ref_<referrerId> or /start GIFT-XXXX-XXXX
	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) > 1 {
		switch {
		case strings.HasPrefix(args[1], referralPayloadPrefix):
			t.handleReferralPayload(ctx, args[1])
		case strings.HasPrefix(strings.ToUpper(args[1]), "GIFT-"):
			key, err := t.ent.RedeemGift(context.Background(), chatId, displayName(ctx), args[1])
			if err != nil {
				t.reportError(chatId, "/start", err)
				return nil
			}
			t.plainResponse(chatId, "Gift card redeemed\\!\n"+keyMessage(key))
			return nil
		}
	}

	t.plainResponse(chatId, strings.Join([]string{
		"Welcome\\! This bot sells API keys for AI chat services\\.",
		"",
		"/trial — get a free trial key",
		"/redeem CODE — redeem a gift card",
		"/referral — your referral link and stats",
		"/myapi — list your keys",
		"/help — all commands",
	}, "\n"))
	return nil
}

// handleReferralPayload credits the referrer from a t.me deep link. When a
// channel is configured, membership is checked first; the entitlement core
// never sees ungated referrals.
func (t *TgBot) handleReferralPayload(ctx *ext.Context, payload string) {
	chatId := ctx.EffectiveUser.Id
	referrerId, err := strconv.ParseInt(strings.TrimPrefix(payload, referralPayloadPrefix), 10, 64)
	if err != nil || referrerId == chatId {
		return
	}

	if t.config.ChannelId != 0 && !t.isChannelMember(chatId) {
		t.plainResponse(chatId, "Join our channel first, then open the referral link again\\.")
		return
	}

	created, err := t.ent.RecordReferral(context.Background(), referrerId, chatId, displayName(ctx))
	if err != nil {
		t.log.With(sl.Err(err)).Warn("recording referral")
		return
	}
	if created {
		t.plainResponse(referrerId, fmt.Sprintf("New referral: %s\\. Check /referral for your progress\\.", Sanitize(displayName(ctx))))
	}
}

func (t *TgBot) isChannelMember(userId int64) bool {
	member, err := t.api.GetChatMember(t.config.ChannelId, userId, nil)
	if err != nil {
		t.log.With(sl.Err(err)).Warn("channel membership check")
		return false
	}
	switch member.MergeChatMember().Status {
	case "creator", "administrator", "member":
		return true
	}
	return false
}

func (t *TgBot) trial(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	key, err := t.ent.IssueFreeTrial(context.Background(), chatId, displayName(ctx))
	if err != nil {
		t.reportError(chatId, "/trial", err)
		return nil
	}
	t.plainResponse(chatId, "Trial activated\\!\n"+keyMessage(key))
	return nil
}

func (t *TgBot) redeem(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/redeem GIFT\\-XXXX\\-XXXX`")
		return nil
	}

	key, err := t.ent.RedeemGift(context.Background(), chatId, displayName(ctx), args[1])
	if err != nil {
		t.reportError(chatId, "/redeem", err)
		return nil
	}
	t.plainResponse(chatId, "Gift card redeemed\\!\n"+keyMessage(key))
	return nil
}

func (t *TgBot) referral(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	stats, err := t.ent.ReferralStats(context.Background(), chatId)
	if err != nil {
		t.reportError(chatId, "/referral", err)
		return nil
	}

	link := fmt.Sprintf("https://t.me/%s?start=%s%d", t.api.User.Username, referralPayloadPrefix, chatId)
	t.plainResponse(chatId, fmt.Sprintf(
		"Your referral link:\n`%s`\n\nReferrals: %d total, %d unspent\\.\nCollect %d unspent referrals and run /claim for a free key\\.",
		Sanitize(link), stats.Total, stats.Unused, t.config.ReferralThreshold))
	return nil
}

func (t *TgBot) claim(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	key, err := t.ent.ClaimReferralTrial(context.Background(), chatId, displayName(ctx), t.config.ReferralThreshold)
	if err != nil {
		t.reportError(chatId, "/claim", err)
		return nil
	}
	t.plainResponse(chatId, "Referral reward claimed\\!\n"+keyMessage(key))
	return nil
}

func (t *TgBot) myapi(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	keys, err := t.ent.MyKeys(context.Background(), chatId)
	if err != nil {
		t.reportError(chatId, "/myapi", err)
		return nil
	}
	for _, part := range splitMessage(keyListMessage(keys), maxTelegramMessageLen) {
		t.plainResponse(chatId, part)
	}
	return nil
}

func (t *TgBot) help(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id

	lines := []string{
		"*Commands*",
		"/trial — free trial key",
		"/redeem CODE — redeem a gift card",
		"/referral — referral link and stats",
		"/claim — claim referral reward",
		"/myapi — list your keys",
	}
	if t.requireAdmin(chatId) {
		lines = append(lines,
			"",
			"*Admin*",
			"/grant ID PLAN \\[DAYS\\] — issue a key",
			"/revokekey SECRET \\[hard\\] — revoke a key",
			"/reactivate SECRET — undo a soft revoke",
			"/gift PLAN MAXUSES COUNT \\[APIDAYS\\] \\[CARDDAYS\\] \\[NOTE\\] — generate gift cards",
			"/giftinfo CODE — inspect a gift card",
			"/disablegift CODE — stop redemptions",
			"/delgift CODE — delete a gift card",
			"/sweep — deactivate expired keys now",
			"/stats — system summary",
		)
	}
	t.plainResponse(chatId, strings.Join(lines, "\n"))
	return nil
}
