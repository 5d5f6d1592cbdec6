// Package keyreg issues, validates, and deactivates API keys.
//
// Validity invariant: a key is valid iff is_active and not past expires_at.
// Expiry is evaluated lazily — any validation read that observes an
// expired-but-active key deactivates it on the spot (idempotent), and a
// periodic sweep does the same in bulk for keys nobody validates.
//
// Plan uniqueness: at most one valid key per (owner, plan) unless issued by
// an admin. The pre-check here only narrows the window; the store's partial
// unique index is what actually enforces it under concurrent issuance.
package keyreg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"apiseller/entity"
	"apiseller/lib/clock"
	"apiseller/lib/sl"
)

// Database is the slice of the store the registry depends on.
// Implemented by internal/database.MongoDB and internal/database.Memory.
type Database interface {
	InsertKey(ctx context.Context, key *entity.ApiKey) error
	KeyBySecret(ctx context.Context, secret string) (*entity.ApiKey, error)
	ActiveKeyForPlan(ctx context.Context, ownerId int64, plan entity.Plan) (*entity.ApiKey, error)
	DeactivateKey(ctx context.Context, secret string, now time.Time) (bool, error)
	ReactivateKey(ctx context.Context, secret string, now time.Time) (bool, error)
	DeleteKey(ctx context.Context, secret string) error
	IncrementUsage(ctx context.Context, secret string, now time.Time) (bool, error)
	SweepExpiredKeys(ctx context.Context, now time.Time) (int64, error)
	KeysByOwner(ctx context.Context, ownerId int64) ([]*entity.ApiKey, error)
}

type Registry struct {
	db  Database
	log *slog.Logger
}

func New(db Database, log *slog.Logger) *Registry {
	if db == nil {
		panic("keyreg: database is nil")
	}
	return &Registry{
		db:  db,
		log: log.With(sl.Module("keyreg")),
	}
}

// Issue creates a new key for (ownerId, plan). ttl nil means permanent.
// Non-admin issuance is refused with ErrConflict while a valid key for the
// same plan exists; an expired-but-active leftover is self-healed instead of
// blocking the reissue.
func (r *Registry) Issue(ctx context.Context, ownerId int64, plan entity.Plan, ttl *time.Duration, issuedByAdmin bool) (*entity.ApiKey, error) {
	if _, ok := entity.ParsePlan(string(plan)); !ok {
		return nil, fmt.Errorf("issue: plan %q: %w", plan, entity.ErrValidation)
	}
	if ownerId <= 0 {
		return nil, fmt.Errorf("issue: owner id: %w", entity.ErrValidation)
	}
	now := clock.Now()

	if !issuedByAdmin {
		existing, err := r.db.ActiveKeyForPlan(ctx, ownerId, plan)
		switch {
		case err == nil && existing.Expired(now):
			if _, herr := r.db.DeactivateKey(ctx, existing.Secret, now); herr != nil {
				return nil, fmt.Errorf("issue: heal expired key: %w", herr)
			}
		case err == nil:
			return nil, fmt.Errorf("issue: valid %s key exists: %w", plan, entity.ErrConflict)
		case !errors.Is(err, entity.ErrNotFound):
			return nil, fmt.Errorf("issue: %w", err)
		}
	}

	key := &entity.ApiKey{
		Secret:        newSecret(),
		OwnerId:       ownerId,
		Plan:          plan,
		RequestsUsed:  0,
		IsActive:      true,
		ExpiresAt:     expiryFromTTL(now, ttl),
		IssuedByAdmin: issuedByAdmin,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.db.InsertKey(ctx, key); err != nil {
		// The partial unique index rejects a concurrent duplicate here even
		// when the pre-check above passed. The secret index cannot realistically
		// collide at 32 random bytes.
		if errors.Is(err, entity.ErrConflict) {
			return nil, fmt.Errorf("issue: valid %s key exists: %w", plan, entity.ErrConflict)
		}
		return nil, fmt.Errorf("issue: %w", err)
	}

	r.log.With(sl.Owner(ownerId), slog.String("plan", string(plan)), slog.Bool("admin", issuedByAdmin)).
		Info("key issued")
	return key, nil
}

// Validate looks a key up by secret. ErrNotFound when absent, ErrExpired
// after deactivating an expired leftover (repeat calls also return
// ErrExpired), ErrInactive for a revoked key. Usage is not counted here.
func (r *Registry) Validate(ctx context.Context, secret string) (*entity.ApiKey, error) {
	key, err := r.db.KeyBySecret(ctx, secret)
	if err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	now := clock.Now()
	if key.Expired(now) {
		if key.IsActive {
			if _, herr := r.db.DeactivateKey(ctx, secret, now); herr != nil {
				return nil, fmt.Errorf("validate: heal expired key: %w", herr)
			}
			r.log.With(sl.Secret("key", secret)).Debug("expired key deactivated")
		}
		return nil, fmt.Errorf("validate: %w", entity.ErrExpired)
	}
	if !key.IsActive {
		return nil, fmt.Errorf("validate: %w", entity.ErrInactive)
	}
	return key, nil
}

// RecordUsage atomically counts one request against a currently valid key.
// Recording against a dead key is refused with the reason the key is dead.
func (r *Registry) RecordUsage(ctx context.Context, secret string) error {
	changed, err := r.db.IncrementUsage(ctx, secret, clock.Now())
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if !changed {
		if _, verr := r.Validate(ctx, secret); verr != nil {
			return verr
		}
		// key became valid between the two reads; the increment lost a race
		return fmt.Errorf("record usage: %w", entity.ErrInactive)
	}
	return nil
}

// Revoke deactivates (hard=false) or permanently deletes (hard=true) a key.
// Idempotent: revoking an already-inactive or absent key succeeds, so admin
// tooling can be re-run freely.
func (r *Registry) Revoke(ctx context.Context, secret string, hard bool) error {
	if hard {
		if err := r.db.DeleteKey(ctx, secret); err != nil && !errors.Is(err, entity.ErrNotFound) {
			return fmt.Errorf("revoke: %w", err)
		}
		r.log.With(sl.Secret("key", secret)).Info("key deleted")
		return nil
	}
	if _, err := r.db.DeactivateKey(ctx, secret, clock.Now()); err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	r.log.With(sl.Secret("key", secret)).Info("key deactivated")
	return nil
}

// Reactivate reverses a soft revoke. ErrNotFound when no such key exists.
func (r *Registry) Reactivate(ctx context.Context, secret string) error {
	changed, err := r.db.ReactivateKey(ctx, secret, clock.Now())
	if err != nil {
		return fmt.Errorf("reactivate: %w", err)
	}
	if !changed {
		if _, err = r.db.KeyBySecret(ctx, secret); err != nil {
			return fmt.Errorf("reactivate: %w", err)
		}
	}
	return nil
}

// SweepExpired deactivates all expired-but-active keys and returns the
// number changed. Every deactivation is idempotent with the lazy self-heal.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.db.SweepExpiredKeys(ctx, clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	if n > 0 {
		r.log.With(slog.Int64("count", n)).Info("expired keys swept")
	}
	return n, nil
}

// KeysByOwner lists every key of an owner, active or not.
func (r *Registry) KeysByOwner(ctx context.Context, ownerId int64) ([]*entity.ApiKey, error) {
	keys, err := r.db.KeysByOwner(ctx, ownerId)
	if err != nil {
		return nil, fmt.Errorf("keys by owner: %w", err)
	}
	return keys, nil
}

func expiryFromTTL(now time.Time, ttl *time.Duration) *time.Time {
	if ttl == nil {
		return nil
	}
	t := now.Add(*ttl)
	return &t
}
