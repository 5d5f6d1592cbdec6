// Package giftcard creates redeemable voucher codes and converts them into
// issued API keys.
//
// Redemption is the only operation in the system needing true atomicity
// under concurrent callers: the redeemability check and the slot mutation
// travel to the store as one conditional update, so two attempts on the last
// slot of a code cannot both succeed. Key issuance happens only after the
// slot is held; if issuance then fails, the slot is refunded so no caller is
// left with a spent slot and no key.
package giftcard

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"apiseller/entity"
	"apiseller/lib/clock"
	"apiseller/lib/sl"
)

// Database is the slice of the store the ledger depends on.
type Database interface {
	InsertGiftCard(ctx context.Context, card *entity.GiftCard) error
	GiftCardByCode(ctx context.Context, code string) (*entity.GiftCard, error)
	RedeemGiftCard(ctx context.Context, code string, redeemerId int64, now time.Time) (*entity.GiftCard, error)
	RefundGiftSlot(ctx context.Context, code string, redeemerId int64, now time.Time) error
	DeactivateGiftCard(ctx context.Context, code string, now time.Time) error
	DeleteGiftCard(ctx context.Context, code string) error
}

// KeyIssuer is what the ledger needs from the key registry.
type KeyIssuer interface {
	Issue(ctx context.Context, ownerId int64, plan entity.Plan, ttl *time.Duration, issuedByAdmin bool) (*entity.ApiKey, error)
}

type Ledger struct {
	db   Database
	keys KeyIssuer
	log  *slog.Logger
}

func New(db Database, keys KeyIssuer, log *slog.Logger) *Ledger {
	if db == nil {
		panic("giftcard: database is nil")
	}
	if keys == nil {
		panic("giftcard: key issuer is nil")
	}
	return &Ledger{
		db:   db,
		keys: keys,
		log:  log.With(sl.Module("giftcard")),
	}
}

// CreateParams are the shared parameters of one generated batch.
type CreateParams struct {
	Plan          entity.Plan
	MaxUses       int
	CardExpiresAt *time.Time
	ApiExpiryDays int
	CreatedBy     int64
	Note          string
}

func (p CreateParams) check() error {
	if _, ok := entity.ParsePlan(string(p.Plan)); !ok {
		return fmt.Errorf("plan %q: %w", p.Plan, entity.ErrValidation)
	}
	if p.MaxUses < 1 {
		return fmt.Errorf("max uses %d: %w", p.MaxUses, entity.ErrValidation)
	}
	if p.ApiExpiryDays < 0 {
		return fmt.Errorf("api expiry days %d: %w", p.ApiExpiryDays, entity.ErrValidation)
	}
	return nil
}

// Create generates one card with a fresh unique code. The code is
// collision-checked against the store before insert and the unique index
// backstops the race between check and insert.
func (l *Ledger) Create(ctx context.Context, p CreateParams) (string, error) {
	if err := p.check(); err != nil {
		return "", fmt.Errorf("create gift card: %w", err)
	}
	now := clock.Now()

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code := newCode()
		if _, err := l.db.GiftCardByCode(ctx, code); err == nil {
			continue
		} else if !errors.Is(err, entity.ErrNotFound) {
			return "", fmt.Errorf("create gift card: %w", err)
		}

		card := &entity.GiftCard{
			Code:          code,
			Plan:          p.Plan,
			MaxUses:       p.MaxUses,
			UsedCount:     0,
			RedeemedBy:    []int64{},
			IsActive:      true,
			CardExpiresAt: p.CardExpiresAt,
			ApiExpiryDays: p.ApiExpiryDays,
			CreatedBy:     p.CreatedBy,
			Note:          p.Note,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err := l.db.InsertGiftCard(ctx, card)
		if errors.Is(err, entity.ErrConflict) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create gift card: %w", err)
		}
		l.log.With(slog.String("code", code), slog.String("plan", string(p.Plan)), slog.Int("max_uses", p.MaxUses)).
			Info("gift card created")
		return code, nil
	}
	return "", fmt.Errorf("create gift card: code space exhausted after %d attempts: %w", codeAttempts, entity.ErrConflict)
}

// CreateBatch generates count independently-coded cards sharing the same
// parameters. Cards created before a failure are kept.
func (l *Ledger) CreateBatch(ctx context.Context, count int, p CreateParams) ([]string, error) {
	if count < 1 {
		return nil, fmt.Errorf("create gift batch: count %d: %w", count, entity.ErrValidation)
	}
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := l.Create(ctx, p)
		if err != nil {
			return codes, err
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// Redeem consumes one slot of the code and issues a key to the redeemer.
//
// The atomic conditional update either holds a slot or reports that the
// predicate no longer holds; in the latter case the card is re-read to name
// the clause that failed: ErrNotFound (no such code), ErrInactive,
// ErrExpired (past card_expires_at), ErrConflict (redeemer already used this
// code), ErrExhausted (all slots spent).
//
// If key issuance fails after the slot was held — typically because the
// redeemer already has a valid key for the card's plan — the slot is
// refunded before the error is returned.
func (l *Ledger) Redeem(ctx context.Context, code string, redeemerId int64) (*entity.ApiKey, error) {
	code = Normalize(code)
	if code == "" {
		return nil, fmt.Errorf("redeem: empty code: %w", entity.ErrValidation)
	}
	now := clock.Now()

	card, err := l.db.RedeemGiftCard(ctx, code, redeemerId, now)
	if err != nil {
		if !errors.Is(err, entity.ErrNotFound) {
			return nil, fmt.Errorf("redeem: %w", err)
		}
		return nil, l.diagnoseRejection(ctx, code, redeemerId, now)
	}

	key, err := l.keys.Issue(ctx, redeemerId, card.Plan, clock.DaysTTL(card.ApiExpiryDays), false)
	if err != nil {
		l.log.With(slog.String("code", code), sl.Owner(redeemerId), sl.Err(err)).
			Warn("issuing key after redemption failed, refunding slot")
		if rerr := l.db.RefundGiftSlot(ctx, code, redeemerId, clock.Now()); rerr != nil {
			// slot stays spent with no key; needs operator attention
			l.log.With(slog.String("code", code), sl.Owner(redeemerId), sl.Err(rerr)).
				Error("refunding gift slot failed")
			return nil, fmt.Errorf("redeem: refund after failed issue: %w", rerr)
		}
		return nil, fmt.Errorf("redeem: %w", err)
	}

	l.log.With(slog.String("code", code), sl.Owner(redeemerId), slog.String("plan", string(card.Plan))).
		Info("gift card redeemed")
	return key, nil
}

// diagnoseRejection maps a rejected conditional update to the clause that
// caused it. The card may have changed again since the rejection; the answer
// is the current reason the redemption cannot proceed.
func (l *Ledger) diagnoseRejection(ctx context.Context, code string, redeemerId int64, now time.Time) error {
	card, err := l.db.GiftCardByCode(ctx, code)
	if err != nil {
		return fmt.Errorf("redeem: %w", err)
	}
	switch {
	case card.RedeemedByUser(redeemerId):
		return fmt.Errorf("redeem: already redeemed by this user: %w", entity.ErrConflict)
	case !card.IsActive:
		return fmt.Errorf("redeem: %w", entity.ErrInactive)
	case card.CardExpired(now):
		return fmt.Errorf("redeem: %w", entity.ErrExpired)
	case card.Exhausted():
		return fmt.Errorf("redeem: %w", entity.ErrExhausted)
	default:
		// predicate holds again; the caller may simply retry
		return fmt.Errorf("redeem: lost update race: %w", entity.ErrConflict)
	}
}

// Info returns a card for admin inspection.
func (l *Ledger) Info(ctx context.Context, code string) (*entity.GiftCard, error) {
	card, err := l.db.GiftCardByCode(ctx, Normalize(code))
	if err != nil {
		return nil, fmt.Errorf("gift card info: %w", err)
	}
	return card, nil
}

// Deactivate stops further redemptions of a code; spent history is kept.
func (l *Ledger) Deactivate(ctx context.Context, code string) error {
	if err := l.db.DeactivateGiftCard(ctx, Normalize(code), clock.Now()); err != nil {
		return fmt.Errorf("deactivate gift card: %w", err)
	}
	return nil
}

// Delete removes the card record entirely, including its audit trail.
func (l *Ledger) Delete(ctx context.Context, code string) error {
	if err := l.db.DeleteGiftCard(ctx, Normalize(code)); err != nil {
		return fmt.Errorf("delete gift card: %w", err)
	}
	return nil
}

// Normalize canonicalizes a human-typed code: trimmed and upper-cased,
// codes are case-insensitive.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

const (
	codePrefix   = "GIFT"
	codeGroupLen = 4
	codeGroups   = 2
	codeAttempts = 5

	// no 0/O/1/I to keep codes typable from a phone screen
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// newCode builds a grouped human-typed code like GIFT-7KQ2-MX4A.
func newCode() string {
	buf := make([]byte, codeGroupLen*codeGroups)
	if _, err := rand.Read(buf); err != nil {
		panic("giftcard: reading random source: " + err.Error())
	}
	var sb strings.Builder
	sb.WriteString(codePrefix)
	for i, b := range buf {
		if i%codeGroupLen == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return sb.String()
}
