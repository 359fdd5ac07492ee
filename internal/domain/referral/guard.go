package referral

import (
	"github.com/clinicnet/referrals/internal/platform/auth"
)

// Guard rule names. They are returned to callers so a rejection can be
// explained precisely.
const (
	RuleCreateCapability   = "create_capability"
	RuleApproverRole       = "approver_role_required"
	RuleDistinctApprover   = "distinct_approver"
	RuleDestinationClinic  = "destination_clinic_or_admin"
	RuleFinalDocument      = "final_document_required"
	RuleCreatorOrAdmin     = "creator_or_admin"
	RuleViewScope          = "creator_admin_or_destination"
	RuleStageNotApprovable = "stage_not_approvable"
)

// Verdict is the outcome of a guard evaluation.
type Verdict struct {
	Allowed bool
	Rule    string
	Reason  string
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(rule, reason string) Verdict {
	return Verdict{Rule: rule, Reason: reason}
}

func isCreator(actor auth.Identity, r *Referral) bool {
	return actor.UserID == r.CreatorUserID
}

func isDestination(actor auth.Identity, r *Referral) bool {
	return actor.ClinicID == r.TargetClinicID
}

// CanCreate checks the actor may initiate referrals. Target clinic checks need
// the store and live in the service.
func CanCreate(actor auth.Identity) Verdict {
	if !actor.Can(auth.CapCreateReferral) {
		return deny(RuleCreateCapability, "role may not create referrals")
	}
	return allow()
}

// CanConfirm evaluates whether actor may satisfy stage on r. It does not
// check ordering; callers confirm only the pending stage.
func CanConfirm(actor auth.Identity, r *Referral, stage Stage) Verdict {
	switch stage {
	case StageFirstApproval:
		if !actor.Can(auth.CapApproveReferral) {
			return deny(RuleApproverRole, "only administrators can give the first approval")
		}
		return allow()

	case StageSecondApproval:
		if !actor.Can(auth.CapApproveReferral) {
			return deny(RuleApproverRole, "only administrators can give the second approval")
		}
		if u := r.ConfirmingUser2; u != nil && *u == actor.UserID {
			return deny(RuleDistinctApprover, "the second approval must come from a different administrator")
		}
		return allow()

	case StageFinalApproval:
		if !isDestination(actor, r) && !actor.Can(auth.CapManageAnyReferral) {
			return deny(RuleDestinationClinic, "only the destination clinic can give the final approval")
		}
		if !r.HasFinalDocument() {
			return deny(RuleFinalDocument, "the final document must be attached before the final approval")
		}
		return allow()
	}
	return deny(RuleStageNotApprovable, "stage cannot be confirmed")
}

// CanUpdate evaluates a metadata patch. Terminal referrals are rejected by
// the service before this runs.
func CanUpdate(actor auth.Identity, r *Referral, p Patch) Verdict {
	if isCreator(actor, r) || actor.Can(auth.CapManageAnyReferral) {
		return allow()
	}
	if p.OnlyFinalDocument() && r.AwaitingFinalApproval() {
		if isDestination(actor, r) {
			return allow()
		}
		return deny(RuleDestinationClinic, "only the destination clinic can attach the final document")
	}
	return deny(RuleCreatorOrAdmin, "only the creator or an administrator can edit this referral")
}

// CanSetActive evaluates soft delete and restore.
func CanSetActive(actor auth.Identity, r *Referral) Verdict {
	if isCreator(actor, r) || actor.Can(auth.CapManageAnyReferral) {
		return allow()
	}
	return deny(RuleCreatorOrAdmin, "only the creator or an administrator can change the referral status")
}

// CanView evaluates read access to a single referral.
func CanView(actor auth.Identity, r *Referral) Verdict {
	if isCreator(actor, r) || actor.Can(auth.CapViewAllReferrals) || isDestination(actor, r) {
		return allow()
	}
	return deny(RuleViewScope, "referral is not visible to this user")
}
