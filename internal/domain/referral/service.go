package referral

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clinicnet/referrals/internal/domain/clinic"
	"github.com/clinicnet/referrals/internal/domain/patient"
	"github.com/clinicnet/referrals/internal/platform/auth"
	"github.com/clinicnet/referrals/internal/platform/events"
	"github.com/clinicnet/referrals/pkg/domainerrors"
)

// Transactor runs fn in one transaction; repositories pick it up from ctx.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Patients interface {
	FindActiveByID(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
	SetClinic(ctx context.Context, id, clinicID, actor uuid.UUID) error
}

type Expedientes interface {
	FindByIDAndPatient(ctx context.Context, id, patientID uuid.UUID) (*patient.Expediente, error)
}

type Clinics interface {
	FindActiveByID(ctx context.Context, id uuid.UUID) (*clinic.Clinic, error)
	CountActiveStaff(ctx context.Context, clinicID uuid.UUID) (int, error)
}

// ServiceDeps groups the collaborators of Service.
type ServiceDeps struct {
	Repo        Repository
	Patients    Patients
	Expedientes Expedientes
	Clinics     Clinics
	Tx          Transactor
	Events      events.Publisher
	Metrics     *Metrics
	Logger      zerolog.Logger
}

// Service runs the referral state machine. Every mutation is a conditional
// write against the snapshot read at the start of the operation.
type Service struct {
	repo        Repository
	patients    Patients
	expedientes Expedientes
	clinics     Clinics
	tx          Transactor
	events      events.Publisher
	metrics     *Metrics
	logger      zerolog.Logger
	validate    *validator.Validate
}

func NewService(d ServiceDeps) *Service {
	pub := d.Events
	if pub == nil {
		pub = events.NopPublisher{}
	}
	metrics := d.Metrics
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &Service{
		repo:        d.Repo,
		patients:    d.Patients,
		expedientes: d.Expedientes,
		clinics:     d.Clinics,
		tx:          d.Tx,
		events:      pub,
		metrics:     metrics,
		logger:      d.Logger.With().Str("component", "referral_service").Logger(),
		validate:    validator.New(),
	}
}

const RuleTargetClinicStaffed = "target_clinic_has_staff"

// -- error helpers --

func forbidden(v Verdict, stage Stage) error {
	return domainerrors.New(domainerrors.CodeForbidden, v.Reason).WithRule(v.Rule).WithStage(int(stage))
}

func (s *Service) conflict(reason, msg string, stage Stage) error {
	s.metrics.IncrementConflict(reason)
	return domainerrors.New(domainerrors.CodeConflict, msg).WithStage(int(stage))
}

func (s *Service) internal(op string, id uuid.UUID, err error) error {
	s.logger.Error().Err(err).Str("op", op).Str("referral_id", id.String()).Msg("referral operation failed")
	return domainerrors.Wrap(err, domainerrors.CodeInternal, "internal error")
}

func invalidFromValidation(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
		}
		return domainerrors.Newf(domainerrors.CodeInvalid, "invalid fields: %s", strings.Join(fields, ", "))
	}
	return domainerrors.Wrap(err, domainerrors.CodeInvalid, "invalid input")
}

// load returns an active referral or NotFound.
func (s *Service) load(ctx context.Context, op string, id uuid.UUID) (*Referral, error) {
	ref, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, domainerrors.New(domainerrors.CodeNotFound, "referral not found")
	}
	if err != nil {
		return nil, s.internal(op, id, err)
	}
	if !ref.Active {
		return nil, domainerrors.New(domainerrors.CodeNotFound, "referral not found")
	}
	return ref, nil
}

// checkTargetClinic requires an active clinic with at least one active staff member.
func (s *Service) checkTargetClinic(ctx context.Context, op string, id uuid.UUID) error {
	if _, err := s.clinics.FindActiveByID(ctx, id); err != nil {
		if errors.Is(err, clinic.ErrNotFound) {
			return domainerrors.New(domainerrors.CodeNotFound, "target clinic not found or inactive")
		}
		return s.internal(op, uuid.Nil, err)
	}
	n, err := s.clinics.CountActiveStaff(ctx, id)
	if err != nil {
		return s.internal(op, uuid.Nil, err)
	}
	if n == 0 {
		return domainerrors.New(domainerrors.CodeInvalid, "target clinic has no active staff").WithRule(RuleTargetClinicStaffed)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, t events.Type, ref *Referral, stage Stage, actor uuid.UUID) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	evt := events.Event{
		ID:             uuid.New(),
		Type:           t,
		ReferralID:     ref.ID,
		PatientID:      ref.PatientID,
		TargetClinicID: ref.TargetClinicID,
		Stage:          int(stage),
		ActorID:        actor,
		OccurredAt:     time.Now().UTC(),
	}
	if err := s.events.Publish(pubCtx, evt); err != nil {
		s.logger.Warn().Err(err).Str("event", string(t)).Str("referral_id", ref.ID.String()).Msg("event publish failed")
	}
}

// -- operations --

// Create initiates a referral. Stage 1 is satisfied by the creator.
func (s *Service) Create(ctx context.Context, in CreateInput, actor auth.Identity) (*Referral, error) {
	defer s.metrics.Observe("create", time.Now())

	if v := CanCreate(actor); !v.Allowed {
		return nil, forbidden(v, StageCreated)
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, invalidFromValidation(err)
	}

	if _, err := s.patients.FindActiveByID(ctx, in.PatientID); err != nil {
		if errors.Is(err, patient.ErrNotFound) {
			return nil, domainerrors.New(domainerrors.CodeNotFound, "patient not found or inactive")
		}
		return nil, s.internal("create", uuid.Nil, err)
	}
	if _, err := s.expedientes.FindByIDAndPatient(ctx, in.ExpedienteID, in.PatientID); err != nil {
		if errors.Is(err, patient.ErrExpedienteNotFound) {
			return nil, domainerrors.New(domainerrors.CodeNotFound, "expediente not found for this patient")
		}
		return nil, s.internal("create", uuid.Nil, err)
	}
	if err := s.checkTargetClinic(ctx, "create", in.TargetClinicID); err != nil {
		return nil, err
	}

	ref := &Referral{
		CreatorUserID:       actor.UserID,
		PatientID:           in.PatientID,
		ExpedienteID:        in.ExpedienteID,
		TargetClinicID:      in.TargetClinicID,
		Comment:             strings.TrimSpace(in.Comment),
		InitialDocumentPath: in.InitialDocumentPath,
		CreatedBy:           actor.UserID,
		Active:              true,
	}
	ref.confirm(StageCreated, actor.UserID)

	if err := s.repo.Create(ctx, ref); err != nil {
		return nil, s.internal("create", uuid.Nil, err)
	}

	s.metrics.IncrementCreated()
	s.logger.Info().
		Str("referral_id", ref.ID.String()).
		Str("actor", actor.UserID.String()).
		Str("target_clinic_id", ref.TargetClinicID.String()).
		Msg("referral created")
	s.publish(ctx, events.ReferralCreated, ref, StageCreated, actor.UserID)
	return ref, nil
}

// ConfirmStage satisfies whichever stage is pending.
func (s *Service) ConfirmStage(ctx context.Context, id uuid.UUID, actor auth.Identity, comment string) (*ConfirmResult, error) {
	return s.ConfirmStageAt(ctx, id, actor, 0, comment)
}

// ConfirmStageAt satisfies stage want, which must be the pending stage. A
// zero want means "the pending stage". Stage 4 also moves the patient to
// the target clinic in the same transaction.
func (s *Service) ConfirmStageAt(ctx context.Context, id uuid.UUID, actor auth.Identity, want Stage, comment string) (*ConfirmResult, error) {
	defer s.metrics.Observe("confirm", time.Now())

	if want != 0 && !want.Valid() {
		return nil, domainerrors.Newf(domainerrors.CodeInvalid, "stage must be between 1 and %d", StageCount)
	}

	ref, err := s.load(ctx, "confirm", id)
	if err != nil {
		return nil, err
	}

	pending, ok := ref.PendingStage()
	if !ok {
		return nil, s.conflict("terminal", "referral is already completed", StageFinalApproval)
	}
	if want != 0 && want != pending {
		if ref.Confirmed(want) {
			return nil, s.conflict("out_of_order", "stage already confirmed", want)
		}
		return nil, s.conflict("out_of_order", "earlier stages are still pending", want)
	}

	if v := CanConfirm(actor, ref, pending); !v.Allowed {
		s.logger.Debug().Str("referral_id", id.String()).Str("rule", v.Rule).Int("stage", int(pending)).Msg("confirmation denied")
		return nil, forbidden(v, pending)
	}

	expected := ref.Snapshot()
	next := ref.clone()
	next.confirm(pending, actor.UserID)
	next.AppendComment(actor.DisplayName(), comment)
	next.ModifiedBy = &actor.UserID

	if pending == StageFinalApproval {
		err = s.tx.RunInTx(ctx, func(txCtx context.Context) error {
			if err := s.repo.UpdateIfUnchanged(txCtx, next, expected); err != nil {
				return err
			}
			return s.patients.SetClinic(txCtx, next.PatientID, next.TargetClinicID, actor.UserID)
		})
	} else {
		err = s.repo.UpdateIfUnchanged(ctx, next, expected)
	}
	switch {
	case errors.Is(err, ErrStale):
		return nil, s.conflict("stale", "referral was modified concurrently; reload and retry", pending)
	case errors.Is(err, patient.ErrNotFound):
		return nil, domainerrors.New(domainerrors.CodeNotFound, "patient not found or inactive").WithStage(int(pending))
	case err != nil:
		return nil, s.internal("confirm", id, err)
	}

	s.metrics.IncrementConfirmed(pending)
	s.logger.Info().
		Str("referral_id", id.String()).
		Int("stage", int(pending)).
		Str("actor", actor.UserID.String()).
		Msg("referral stage confirmed")

	evt := events.ReferralStageConfirmed
	if pending == StageFinalApproval {
		evt = events.ReferralCompleted
	}
	s.publish(ctx, evt, next, pending, actor.UserID)

	return &ConfirmResult{Referral: next, Stage: pending, Message: pending.Description()}, nil
}

// Update applies a metadata patch to a non-terminal referral. Comments are
// appended, never replaced.
func (s *Service) Update(ctx context.Context, id uuid.UUID, actor auth.Identity, p Patch) (*Referral, error) {
	defer s.metrics.Observe("update", time.Now())

	if p.IsEmpty() {
		return nil, domainerrors.New(domainerrors.CodeInvalid, "no fields to update")
	}
	if err := s.validate.Struct(p); err != nil {
		return nil, invalidFromValidation(err)
	}

	ref, err := s.load(ctx, "update", id)
	if err != nil {
		return nil, err
	}
	if ref.IsTerminal() {
		return nil, s.conflict("terminal", "completed referrals cannot be modified", StageFinalApproval)
	}

	pending, _ := ref.PendingStage()
	if v := CanUpdate(actor, ref, p); !v.Allowed {
		return nil, forbidden(v, pending)
	}

	if p.TargetClinicID != nil && *p.TargetClinicID != ref.TargetClinicID {
		if err := s.checkTargetClinic(ctx, "update", *p.TargetClinicID); err != nil {
			return nil, err
		}
	}

	expected := ref.Snapshot()
	next := ref.clone()
	if p.TargetClinicID != nil {
		next.TargetClinicID = *p.TargetClinicID
	}
	if p.Comment != nil {
		next.AppendComment(actor.DisplayName(), *p.Comment)
	}
	if p.InitialDocumentPath != nil {
		next.InitialDocumentPath = p.InitialDocumentPath
	}
	if p.FinalDocumentPath != nil {
		next.FinalDocumentPath = p.FinalDocumentPath
	}
	next.ModifiedBy = &actor.UserID

	if err := s.repo.UpdateIfUnchanged(ctx, next, expected); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, s.conflict("stale", "referral was modified concurrently; reload and retry", pending)
		}
		return nil, s.internal("update", id, err)
	}

	s.logger.Info().Str("referral_id", id.String()).Str("actor", actor.UserID.String()).Msg("referral updated")
	return next, nil
}

// SetActive soft-deletes or restores a referral. Setting the current value
// is a successful no-op.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, actor auth.Identity, active bool) (*Referral, error) {
	defer s.metrics.Observe("set_active", time.Now())

	ref, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, domainerrors.New(domainerrors.CodeNotFound, "referral not found")
	}
	if err != nil {
		return nil, s.internal("set_active", id, err)
	}

	if v := CanSetActive(actor, ref); !v.Allowed {
		return nil, forbidden(v, 0)
	}
	if ref.Active == active {
		return ref, nil
	}

	expected := ref.Snapshot()
	next := ref.clone()
	next.Active = active
	next.ModifiedBy = &actor.UserID

	if err := s.repo.UpdateIfUnchanged(ctx, next, expected); err != nil {
		if errors.Is(err, ErrStale) {
			return nil, s.conflict("stale", "referral was modified concurrently; reload and retry", 0)
		}
		return nil, s.internal("set_active", id, err)
	}

	s.logger.Info().Str("referral_id", id.String()).Bool("active", active).Str("actor", actor.UserID.String()).Msg("referral status changed")
	return next, nil
}

// GetByID returns an active referral the actor may view.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID, actor auth.Identity) (*Referral, error) {
	ref, err := s.load(ctx, "get", id)
	if err != nil {
		return nil, err
	}
	if v := CanView(actor, ref); !v.Allowed {
		return nil, forbidden(v, 0)
	}
	return ref, nil
}
