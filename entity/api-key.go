package entity

import (
	"net/http"
	"time"

	"apiseller/lib/validate"
)

// Plan is a named service tier. Quota and feature limits per tier are
// enforced by the downstream API gateway, not here.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

func ParsePlan(s string) (Plan, bool) {
	switch Plan(s) {
	case PlanFree, PlanBasic, PlanPro:
		return Plan(s), true
	}
	return "", false
}

// KeyState is the lifecycle state of a key. Deleted keys have no record at
// all, so a loaded ApiKey is either Active or Deactivated; the tagged state
// exists to keep soft and hard delete from being modeled as two independent
// booleans.
type KeyState string

const (
	KeyActive      KeyState = "active"
	KeyDeactivated KeyState = "deactivated"
	KeyDeleted     KeyState = "deleted"
)

// ApiKey is a single entitlement: the right to call the downstream AI
// services under a given plan. Secret is unique and opaque
// ("sk-" + url-safe random suffix). A missing ExpiresAt means the key is
// permanent. Keys issued by an admin bypass the one-valid-key-per-plan rule.
type ApiKey struct {
	Secret        string     `json:"api_key" bson:"secret" validate:"required"`
	OwnerId       int64      `json:"owner_id" bson:"owner_id" validate:"required"`
	Plan          Plan       `json:"plan" bson:"plan" validate:"required,oneof=free basic pro"`
	RequestsUsed  int64      `json:"requests_used" bson:"requests_used"`
	IsActive      bool       `json:"is_active" bson:"is_active"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	IssuedByAdmin bool       `json:"issued_by_admin" bson:"issued_by_admin"`
	CreatedAt     time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" bson:"updated_at"`
}

func (k *ApiKey) Bind(_ *http.Request) error {
	return validate.Struct(k)
}

func (k *ApiKey) State() KeyState {
	if k.IsActive {
		return KeyActive
	}
	return KeyDeactivated
}

// Expired reports whether the key's expiry timestamp has passed.
// A key with no ExpiresAt never expires.
func (k *ApiKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}

// Valid is the single validity invariant: active and not past expiry.
// An expired key that is still flagged active is NOT valid; readers that
// observe one must deactivate it (lazy self-heal in the registry).
func (k *ApiKey) Valid(now time.Time) bool {
	return k.IsActive && !k.Expired(now)
}

// RemainingDays returns whole days until expiry, or -1 for permanent keys.
func (k *ApiKey) RemainingDays(now time.Time) int {
	if k.ExpiresAt == nil {
		return -1
	}
	d := k.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}
