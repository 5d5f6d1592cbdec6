// Package referral records referral edges and handles trial claims.
//
// An edge is one-shot: referred_id is globally unique, so repeated link
// clicks and competing referrers resolve to whoever recorded the edge first.
// Claim eligibility counts only unused edges — a claim consumes the credit.
// (The source system counted all edges, letting the same referrals qualify a
// referrer over and over; that is treated as a bug and not preserved.)
package referral

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"apiseller/entity"
	"apiseller/lib/clock"
	"apiseller/lib/sl"
)

// Database is the slice of the store the ledger depends on.
type Database interface {
	InsertReferral(ctx context.Context, ref *entity.Referral) (bool, error)
	CountReferrals(ctx context.Context, referrerId int64, unusedOnly bool) (int64, error)
	ClaimReferrals(ctx context.Context, referrerId int64, claimId string) (int64, error)
	UnclaimReferrals(ctx context.Context, referrerId int64, claimId string) (int64, error)
}

type Ledger struct {
	db  Database
	log *slog.Logger
}

func New(db Database, log *slog.Logger) *Ledger {
	if db == nil {
		panic("referral: database is nil")
	}
	return &Ledger{
		db:  db,
		log: log.With(sl.Module("referral")),
	}
}

// Record writes the edge referrer→referred. Returns created=false without
// error when the referred user already has an edge (repeated clicks are
// harmless) or when a user tries to refer themselves.
func (l *Ledger) Record(ctx context.Context, referrerId, referredId int64, referredName string) (bool, error) {
	if referrerId <= 0 || referredId <= 0 {
		return false, fmt.Errorf("record referral: ids: %w", entity.ErrValidation)
	}
	if referrerId == referredId {
		return false, nil
	}
	created, err := l.db.InsertReferral(ctx, &entity.Referral{
		ReferrerId:   referrerId,
		ReferredId:   referredId,
		ReferredName: referredName,
		IsUsed:       false,
		CreatedAt:    clock.Now(),
	})
	if err != nil {
		return false, fmt.Errorf("record referral: %w", err)
	}
	if created {
		l.log.With(slog.Int64("referrer", referrerId), slog.Int64("referred", referredId)).
			Info("referral recorded")
	}
	return created, nil
}

// CountForReferrer returns the all-time number of credited referrals.
func (l *Ledger) CountForReferrer(ctx context.Context, referrerId int64) (int64, error) {
	n, err := l.db.CountReferrals(ctx, referrerId, false)
	if err != nil {
		return 0, fmt.Errorf("count referrals: %w", err)
	}
	return n, nil
}

// Stats returns total and currently-unused referral counts.
func (l *Ledger) Stats(ctx context.Context, referrerId int64) (*entity.ReferralStats, error) {
	total, err := l.db.CountReferrals(ctx, referrerId, false)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}
	unused, err := l.db.CountReferrals(ctx, referrerId, true)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}
	return &entity.ReferralStats{Total: total, Unused: unused}, nil
}

// Claim is the receipt for one successful ClaimTrial batch. Its Id is the
// compensation token for Unclaim.
type Claim struct {
	Id    string
	Count int64
}

// ClaimTrial checks eligibility against threshold and, when met, flips every
// currently-unused referral of the referrer to used in one batch. A nil
// Claim with nil error means not eligible. The caller is expected to issue
// the trial key next and call Unclaim if that fails.
func (l *Ledger) ClaimTrial(ctx context.Context, referrerId int64, threshold int) (*Claim, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("claim trial: threshold %d: %w", threshold, entity.ErrValidation)
	}
	unused, err := l.db.CountReferrals(ctx, referrerId, true)
	if err != nil {
		return nil, fmt.Errorf("claim trial: %w", err)
	}
	if unused < int64(threshold) {
		return nil, nil
	}

	claimId := uuid.NewString()
	marked, err := l.db.ClaimReferrals(ctx, referrerId, claimId)
	if err != nil {
		return nil, fmt.Errorf("claim trial: %w", err)
	}
	if marked < int64(threshold) {
		// lost a race with a concurrent claim; restore whatever we marked
		if marked > 0 {
			if _, uerr := l.db.UnclaimReferrals(ctx, referrerId, claimId); uerr != nil {
				return nil, fmt.Errorf("claim trial: unwind partial claim: %w", uerr)
			}
		}
		return nil, nil
	}

	l.log.With(slog.Int64("referrer", referrerId), slog.Int64("count", marked)).
		Info("referrals claimed")
	return &Claim{Id: claimId, Count: marked}, nil
}

// Unclaim compensates a claim whose follow-up step failed: exactly the edges
// tagged by the claim are flipped back to unused.
func (l *Ledger) Unclaim(ctx context.Context, referrerId int64, claimId string) error {
	n, err := l.db.UnclaimReferrals(ctx, referrerId, claimId)
	if err != nil {
		return fmt.Errorf("unclaim referrals: %w", err)
	}
	l.log.With(slog.Int64("referrer", referrerId), slog.Int64("count", n)).
		Warn("referral claim compensated")
	return nil
}
