package bot

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"apiseller/entity"
	"apiseller/lib/clock"
	"apiseller/lib/sl"
)

const maxTelegramMessageLen = 4096

func (t *TgBot) plainResponse(chatId int64, text string) {
	if text == "" {
		t.log.With("id", chatId).Debug("empty message")
		return
	}

	_, err := t.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{
		ParseMode: "MarkdownV2",
	})
	if err != nil {
		t.log.With(slog.Int64("id", chatId)).Warn("sending message", sl.Err(err))
		_, err = t.api.SendMessage(chatId, text, &tgbotapi.SendMessageOpts{})
		if err != nil {
			t.log.With(slog.Int64("id", chatId)).Error("sending safe message", sl.Err(err))
		}
	}
}

func Sanitize(input string) string {
	reservedChars := "\\_{}#+-.!|()[]=*"
	sanitized := ""
	for _, char := range input {
		if strings.ContainsRune(reservedChars, char) {
			sanitized += "\\" + string(char)
		} else {
			sanitized += string(char)
		}
	}
	return sanitized
}

func (t *TgBot) requireAdmin(chatId int64) bool {
	for _, id := range t.config.AdminIds {
		if id == chatId {
			return true
		}
	}
	return false
}

func (t *TgBot) notifyAdmins(msg string) {
	for _, id := range t.config.AdminIds {
		t.plainResponse(id, msg)
	}
}

func (t *TgBot) reportError(chatId int64, op string, err error) {
	t.log.With(slog.Int64("id", chatId), slog.String("op", op)).Warn("command failed", sl.Err(err))
	t.plainResponse(chatId, Sanitize(userMessage(err)))
}

// userMessage renders a typed entitlement error as a chat line. Only store
// failures are worth retrying; everything else is a final answer.
func userMessage(err error) string {
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return "Not found. Check the code or key and try again."
	case errors.Is(err, entity.ErrConflict):
		return "Already done: you either hold a valid key for this plan or used this code before."
	case errors.Is(err, entity.ErrExpired):
		return "This key or code has expired."
	case errors.Is(err, entity.ErrExhausted):
		return "This gift code has no uses left."
	case errors.Is(err, entity.ErrInactive):
		return "This key or code has been deactivated."
	case errors.Is(err, entity.ErrIneligible):
		return "Not enough referrals yet. Invite more friends and try again."
	case errors.Is(err, entity.ErrValidation):
		return "Invalid input. Check the command arguments."
	case errors.Is(err, entity.ErrStoreUnavailable):
		return "Temporary failure, please try again in a moment."
	default:
		return "Something went wrong. Please try again later."
	}
}

func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			parts = append(parts, text)
			break
		}
		// Try to split at newline
		cutAt := maxLen
		nlIdx := strings.LastIndex(text[:maxLen], "\n")
		if nlIdx > 0 {
			cutAt = nlIdx + 1
		}
		parts = append(parts, text[:cutAt])
		text = text[cutAt:]
	}
	return parts
}

func displayName(ctx *ext.Context) string {
	if ctx.EffectiveUser.Username != "" {
		return ctx.EffectiveUser.Username
	}
	return ctx.EffectiveUser.FirstName
}

// keyMessage renders an issued key for its owner.
func keyMessage(key *entity.ApiKey) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Your %s key:\n`%s`\n", Sanitize(strings.ToUpper(string(key.Plan))), key.Secret))
	sb.WriteString(validityLine(key))
	return sb.String()
}

func validityLine(key *entity.ApiKey) string {
	if key.ExpiresAt == nil {
		return "Validity: permanent\n"
	}
	days := key.RemainingDays(clock.Now())
	return fmt.Sprintf("Validity: %d days \\(until %s\\)\n", days, Sanitize(key.ExpiresAt.Format("02 Jan 2006")))
}

// keyListMessage renders all keys of an owner for /myapi.
func keyListMessage(keys []*entity.ApiKey) string {
	if len(keys) == 0 {
		return "No API keys yet\\. Use /trial to get a free one\\."
	}
	now := clock.Now()
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("You have %d key\\(s\\):\n\n", len(keys)))
	for i, key := range keys {
		state := "inactive"
		if key.Valid(now) {
			state = "active"
		} else if key.IsActive && key.Expired(now) {
			state = "expired"
		}
		sb.WriteString(fmt.Sprintf("%d\\. %s \\| %s \\| used %d\n`%s`\n%s\n",
			i+1,
			Sanitize(strings.ToUpper(string(key.Plan))),
			state,
			key.RequestsUsed,
			key.Secret,
			validityLine(key),
		))
	}
	return sb.String()
}
