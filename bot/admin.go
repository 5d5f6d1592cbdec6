package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"apiseller/entity"
	"apiseller/lib/clock"
)

// grant issues a key bypassing the plan-uniqueness rule:
// /grant <telegramId> <plan> [days]
func (t *TgBot) grant(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 3 {
		t.plainResponse(chatId, "Usage: `/grant <telegramId> <free|basic|pro> [days]`")
		return nil
	}
	userId, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		t.plainResponse(chatId, "Invalid telegram id\\.")
		return nil
	}
	plan, ok := entity.ParsePlan(strings.ToLower(args[2]))
	if !ok {
		t.plainResponse(chatId, "Invalid plan\\. Use free, basic or pro\\.")
		return nil
	}
	days := 0
	if len(args) > 3 {
		if days, err = strconv.Atoi(args[3]); err != nil || days < 0 {
			t.plainResponse(chatId, "Invalid days value\\.")
			return nil
		}
	}

	key, err := t.ent.AdminGrant(context.Background(), userId, "", plan, days)
	if err != nil {
		t.reportError(chatId, "/grant", err)
		return nil
	}

	t.plainResponse(chatId, fmt.Sprintf("Granted %s key to %d\\.\n", Sanitize(string(plan)), userId)+keyMessage(key))
	t.plainResponse(userId, "An admin granted you a key\\!\n"+keyMessage(key))
	return nil
}

// revokeKey: /revokekey <secret> [hard]
func (t *TgBot) revokeKey(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/revokekey <secret> [hard]`")
		return nil
	}
	hard := len(args) > 2 && strings.EqualFold(args[2], "hard")

	if err := t.ent.AdminRevoke(context.Background(), args[1], hard); err != nil {
		t.reportError(chatId, "/revokekey", err)
		return nil
	}
	mode := "deactivated"
	if hard {
		mode = "deleted"
	}
	t.plainResponse(chatId, fmt.Sprintf("Key %s\\.", mode))
	return nil
}

// reactivate: /reactivate <secret>
func (t *TgBot) reactivate(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/reactivate <secret>`")
		return nil
	}

	if err := t.ent.Reactivate(context.Background(), args[1]); err != nil {
		t.reportError(chatId, "/reactivate", err)
		return nil
	}
	t.plainResponse(chatId, "Key reactivated\\.")
	return nil
}

// gift creates a batch of cards:
// /gift <plan> <maxUses> <count> [apiDays] [cardDays] [note...]
func (t *TgBot) gift(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 4 {
		t.plainResponse(chatId, "Usage: `/gift <plan> <maxUses> <count> [apiDays] [cardDays] [note]`")
		return nil
	}
	plan, ok := entity.ParsePlan(strings.ToLower(args[1]))
	if !ok {
		t.plainResponse(chatId, "Invalid plan\\. Use free, basic or pro\\.")
		return nil
	}
	maxUses, err1 := strconv.Atoi(args[2])
	count, err2 := strconv.Atoi(args[3])
	if err1 != nil || err2 != nil || maxUses < 1 || count < 1 {
		t.plainResponse(chatId, "maxUses and count must be positive numbers\\.")
		return nil
	}
	apiDays, cardDays := 0, 0
	if len(args) > 4 {
		if apiDays, _ = strconv.Atoi(args[4]); apiDays < 0 {
			apiDays = 0
		}
	}
	if len(args) > 5 {
		if cardDays, _ = strconv.Atoi(args[5]); cardDays < 0 {
			cardDays = 0
		}
	}
	note := ""
	if len(args) > 6 {
		note = strings.Join(args[6:], " ")
	}

	codes, err := t.ent.CreateGiftBatch(context.Background(), chatId, plan, maxUses, count, apiDays, cardDays, note)
	if err != nil {
		t.reportError(chatId, "/gift", err)
		return nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Generated %d %s gift card\\(s\\), %d use\\(s\\) each:\n", len(codes), Sanitize(string(plan)), maxUses))
	for _, code := range codes {
		sb.WriteString(fmt.Sprintf("`%s`\n", code))
	}
	for _, part := range splitMessage(sb.String(), maxTelegramMessageLen) {
		t.plainResponse(chatId, part)
	}
	return nil
}

// giftInfo: /giftinfo <code>
func (t *TgBot) giftInfo(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/giftinfo <code>`")
		return nil
	}

	card, err := t.ent.GiftInfo(context.Background(), args[1])
	if err != nil {
		t.reportError(chatId, "/giftinfo", err)
		return nil
	}

	state := "active"
	if !card.IsActive {
		state = "disabled"
	} else if card.CardExpired(clock.Now()) {
		state = "expired"
	} else if card.Exhausted() {
		state = "exhausted"
	}
	expiry := "never"
	if card.CardExpiresAt != nil {
		expiry = card.CardExpiresAt.Format("02 Jan 2006")
	}
	t.plainResponse(chatId, fmt.Sprintf(
		"`%s`\nPlan: %s \\| uses %d/%d \\| %s\nCode expires: %s \\| key validity: %s\nNote: %s",
		card.Code,
		Sanitize(string(card.Plan)), card.UsedCount, card.MaxUses, state,
		Sanitize(expiry), Sanitize(apiValidity(card.ApiExpiryDays)),
		Sanitize(card.Note),
	))
	return nil
}

func apiValidity(days int) string {
	if days <= 0 {
		return "permanent"
	}
	return fmt.Sprintf("%d days", days)
}

// disableGift: /disablegift <code>
func (t *TgBot) disableGift(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/disablegift <code>`")
		return nil
	}

	if err := t.ent.DeactivateGift(context.Background(), args[1]); err != nil {
		t.reportError(chatId, "/disablegift", err)
		return nil
	}
	t.plainResponse(chatId, "Gift card disabled\\.")
	return nil
}

// delGift: /delgift <code>
func (t *TgBot) delGift(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	args := strings.Fields(ctx.EffectiveMessage.Text)
	if len(args) < 2 {
		t.plainResponse(chatId, "Usage: `/delgift <code>`")
		return nil
	}

	if err := t.ent.DeleteGift(context.Background(), args[1]); err != nil {
		t.reportError(chatId, "/delgift", err)
		return nil
	}
	t.plainResponse(chatId, "Gift card deleted\\.")
	return nil
}

// sweep runs the expiry sweep immediately: /sweep
func (t *TgBot) sweep(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	n, err := t.ent.SweepExpired(context.Background())
	if err != nil {
		t.reportError(chatId, "/sweep", err)
		return nil
	}
	t.plainResponse(chatId, fmt.Sprintf("Sweep done: %d key\\(s\\) deactivated\\.", n))
	return nil
}

// stats: /stats
func (t *TgBot) stats(_ *tgbotapi.Bot, ctx *ext.Context) error {
	chatId := ctx.EffectiveUser.Id
	if !t.requireAdmin(chatId) {
		t.plainResponse(chatId, "Admin access required\\.")
		return nil
	}

	s, err := t.ent.SystemStats(context.Background())
	if err != nil {
		t.reportError(chatId, "/stats", err)
		return nil
	}
	t.plainResponse(chatId, fmt.Sprintf(
		"*System*\nUsers: %d\nKeys: %d/%d active\nGift cards: %d/%d active",
		s.Users, s.ActiveKeys, s.TotalKeys, s.ActiveGifts, s.TotalGifts))
	return nil
}
