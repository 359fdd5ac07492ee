package referral

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage is one of the four sequential approval checkpoints.
type Stage int

const (
	StageCreated        Stage = 1
	StageFirstApproval  Stage = 2
	StageSecondApproval Stage = 3
	StageFinalApproval  Stage = 4
)

// StageCount is the number of approval stages.
const StageCount = 4

func (s Stage) Valid() bool { return s >= StageCreated && s <= StageFinalApproval }

// Description is the human-readable message returned when the stage completes.
func (s Stage) Description() string {
	switch s {
	case StageCreated:
		return "referral created"
	case StageFirstApproval:
		return "first administrative approval recorded"
	case StageSecondApproval:
		return "second administrative approval recorded"
	case StageFinalApproval:
		return "referral completed; patient transferred to the destination clinic"
	default:
		return "unknown stage"
	}
}

// Referral is the aggregate root of a cross-clinic transfer request.
type Referral struct {
	ID                  uuid.UUID  `db:"id" json:"id"`
	CreatorUserID       uuid.UUID  `db:"creator_user_id" json:"creatorUserId"`
	PatientID           uuid.UUID  `db:"patient_id" json:"patientId"`
	ExpedienteID        uuid.UUID  `db:"expediente_id" json:"expedienteId"`
	TargetClinicID      uuid.UUID  `db:"target_clinic_id" json:"targetClinicId"`
	Comment             string     `db:"comment" json:"comment"`
	Confirmation1       bool       `db:"confirmation1" json:"confirmation1"`
	Confirmation2       bool       `db:"confirmation2" json:"confirmation2"`
	Confirmation3       bool       `db:"confirmation3" json:"confirmation3"`
	Confirmation4       bool       `db:"confirmation4" json:"confirmation4"`
	ConfirmingUser1     *uuid.UUID `db:"confirming_user1" json:"confirmingUser1"`
	ConfirmingUser2     *uuid.UUID `db:"confirming_user2" json:"confirmingUser2"`
	ConfirmingUser3     *uuid.UUID `db:"confirming_user3" json:"confirmingUser3"`
	ConfirmingUser4     *uuid.UUID `db:"confirming_user4" json:"confirmingUser4"`
	InitialDocumentPath *string    `db:"initial_document_path" json:"initialDocumentPath"`
	FinalDocumentPath   *string    `db:"final_document_path" json:"finalDocumentPath"`
	CreatedBy           uuid.UUID  `db:"created_by" json:"createdBy"`
	CreatedAt           time.Time  `db:"created_at" json:"createdAt"`
	ModifiedBy          *uuid.UUID `db:"modified_by" json:"modifiedBy"`
	ModifiedAt          *time.Time `db:"modified_at" json:"modifiedAt"`
	Active              bool       `db:"active" json:"active"`
	VersionID           int        `db:"version_id" json:"versionId"`

	// Read-model fields filled by list queries.
	PatientName      string `db:"-" json:"patientName,omitempty"`
	TargetClinicName string `db:"-" json:"targetClinicName,omitempty"`
}

// Confirmed reports whether stage s has been satisfied.
func (r *Referral) Confirmed(s Stage) bool {
	switch s {
	case StageCreated:
		return r.Confirmation1
	case StageFirstApproval:
		return r.Confirmation2
	case StageSecondApproval:
		return r.Confirmation3
	case StageFinalApproval:
		return r.Confirmation4
	}
	return false
}

// ConfirmingUser returns who satisfied stage s, or nil.
func (r *Referral) ConfirmingUser(s Stage) *uuid.UUID {
	switch s {
	case StageCreated:
		return r.ConfirmingUser1
	case StageFirstApproval:
		return r.ConfirmingUser2
	case StageSecondApproval:
		return r.ConfirmingUser3
	case StageFinalApproval:
		return r.ConfirmingUser4
	}
	return nil
}

// confirm marks stage s satisfied by user. Flags only ever move false -> true.
func (r *Referral) confirm(s Stage, user uuid.UUID) {
	u := user
	switch s {
	case StageCreated:
		r.Confirmation1, r.ConfirmingUser1 = true, &u
	case StageFirstApproval:
		r.Confirmation2, r.ConfirmingUser2 = true, &u
	case StageSecondApproval:
		r.Confirmation3, r.ConfirmingUser3 = true, &u
	case StageFinalApproval:
		r.Confirmation4, r.ConfirmingUser4 = true, &u
	}
}

// PendingStage is the lowest stage >= 2 not yet satisfied. ok is false for
// terminal referrals.
func (r *Referral) PendingStage() (Stage, bool) {
	for s := StageFirstApproval; s <= StageFinalApproval; s++ {
		if !r.Confirmed(s) {
			return s, true
		}
	}
	return 0, false
}

// IsTerminal reports whether every stage is satisfied.
func (r *Referral) IsTerminal() bool {
	return r.Confirmation4
}

// AwaitingFinalApproval is the window in which the destination clinic may
// attach the final document.
func (r *Referral) AwaitingFinalApproval() bool {
	return r.Confirmation3 && !r.Confirmation4
}

func (r *Referral) HasFinalDocument() bool {
	return r.FinalDocumentPath != nil && strings.TrimSpace(*r.FinalDocumentPath) != ""
}

// AppendComment adds an author-attributed note without touching earlier text.
func (r *Referral) AppendComment(author, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if r.Comment == "" {
		r.Comment = text
		return
	}
	r.Comment = r.Comment + "\n---\n" + author + ": " + text
}

// Snapshot is the state a conditional write expects to still be stored.
type Snapshot struct {
	Confirmations [StageCount]bool
	Active        bool
	VersionID     int
}

// Snapshot captures the concurrency-relevant state of r.
func (r *Referral) Snapshot() Snapshot {
	return Snapshot{
		Confirmations: [StageCount]bool{r.Confirmation1, r.Confirmation2, r.Confirmation3, r.Confirmation4},
		Active:        r.Active,
		VersionID:     r.VersionID,
	}
}

func (r *Referral) clone() *Referral {
	cp := *r
	return &cp
}

// CreateInput is the payload for initiating a referral.
type CreateInput struct {
	PatientID           uuid.UUID `json:"patientId" validate:"required"`
	ExpedienteID        uuid.UUID `json:"expedienteId" validate:"required"`
	TargetClinicID      uuid.UUID `json:"targetClinicId" validate:"required"`
	Comment             string    `json:"comment" validate:"max=4000"`
	InitialDocumentPath *string   `json:"initialDocumentPath" validate:"omitempty,min=1,max=1024"`
}

// Patch lists the fields update may change. Nil means untouched.
type Patch struct {
	TargetClinicID      *uuid.UUID `json:"targetClinicId"`
	Comment             *string    `json:"comment" validate:"omitempty,max=4000"`
	InitialDocumentPath *string    `json:"initialDocumentPath" validate:"omitempty,min=1,max=1024"`
	FinalDocumentPath   *string    `json:"finalDocumentPath" validate:"omitempty,min=1,max=1024"`
}

func (p Patch) IsEmpty() bool {
	return p.TargetClinicID == nil && p.Comment == nil && p.InitialDocumentPath == nil && p.FinalDocumentPath == nil
}

// OnlyFinalDocument reports whether the patch touches finalDocumentPath alone.
func (p Patch) OnlyFinalDocument() bool {
	return p.FinalDocumentPath != nil && p.TargetClinicID == nil && p.Comment == nil && p.InitialDocumentPath == nil
}

// ConfirmResult is returned by a successful stage confirmation.
type ConfirmResult struct {
	Referral *Referral `json:"referral"`
	Stage    Stage     `json:"stage"`
	Message  string    `json:"message"`
}

// Filter is the listing category.
type Filter string

const (
	FilterAll       Filter = "all"
	FilterPending   Filter = "pending"
	FilterReceived  Filter = "received"
	FilterCompleted Filter = "completed"
)

// ParseFilter accepts the known categories; empty means FilterAll.
func ParseFilter(s string) (Filter, bool) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterAll, true
	case FilterAll, FilterPending, FilterReceived, FilterCompleted:
		return f, true
	}
	return "", false
}
