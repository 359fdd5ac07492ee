package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role is the closed set of roles a staff account can hold.
type Role string

const (
	RoleAdmin     Role = "admin"
	RolePhysician Role = "physician"
	RoleNurse     Role = "nurse"
	RoleStaff     Role = "staff"
)

// ParseRole validates a role claim. Matching is exact after lower-casing;
// partial matches such as "clinic-admin" are rejected.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := Capabilities[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

func (r Role) String() string { return string(r) }

// Capability is something a role is allowed to do regardless of ownership.
type Capability string

const (
	// CapApproveReferral allows satisfying the administrative approval stages.
	CapApproveReferral Capability = "referral:approve"
	// CapViewAllReferrals allows seeing referrals of every clinic.
	CapViewAllReferrals Capability = "referral:view-all"
	// CapManageAnyReferral allows editing and soft-deleting referrals the
	// actor did not create, and acting for any destination clinic.
	CapManageAnyReferral Capability = "referral:manage-any"
	// CapCreateReferral allows initiating a referral.
	CapCreateReferral Capability = "referral:create"
)

// Capabilities is the role -> capability lookup table.
var Capabilities = map[Role]map[Capability]bool{
	RoleAdmin: {
		CapApproveReferral:   true,
		CapViewAllReferrals:  true,
		CapManageAnyReferral: true,
		CapCreateReferral:    true,
	},
	RolePhysician: {CapCreateReferral: true},
	RoleNurse:     {CapCreateReferral: true},
	RoleStaff:     {CapCreateReferral: true},
}

// Can reports whether the role holds the capability.
func (r Role) Can(c Capability) bool {
	return Capabilities[r][c]
}

// Identity is the authenticated caller as resolved from the bearer token.
// Role and clinic travel on the identity so no lookup is needed per request.
type Identity struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Role     Role      `json:"role"`
	ClinicID uuid.UUID `json:"clinic_id"`
}

// IsAdmin is shorthand for the admin role.
func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Can reports whether the identity's role holds the capability.
func (i Identity) Can(c Capability) bool { return i.Role.Can(c) }

// DisplayName is used to attribute comments and audit stamps.
func (i Identity) DisplayName() string {
	if i.Username != "" {
		return i.Username
	}
	return i.UserID.String()
}

type contextKey string

const IdentityKey contextKey = "identity"

// WithIdentity stores the identity on the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// IdentityFromContext returns the identity set by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(Identity)
	return id, ok
}
