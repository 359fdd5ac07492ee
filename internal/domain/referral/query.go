package referral

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clinicnet/referrals/internal/platform/auth"
	"github.com/clinicnet/referrals/pkg/domainerrors"
	"github.com/clinicnet/referrals/pkg/pagination"
)

// QueryService serves the read side: role-aware listing and patient history.
type QueryService struct {
	repo     Repository
	maxLimit int
	metrics  *Metrics
	logger   zerolog.Logger
}

// NewQueryService caps page sizes at maxLimit (pagination.MaxLimit when <= 0).
// A nil metrics registers on a private registry.
func NewQueryService(repo Repository, maxLimit int, metrics *Metrics, logger zerolog.Logger) *QueryService {
	if maxLimit <= 0 {
		maxLimit = pagination.MaxLimit
	}
	if metrics == nil {
		metrics = NewMetrics(prometheus.NewRegistry())
	}
	return &QueryService{
		repo:     repo,
		maxLimit: maxLimit,
		metrics:  metrics,
		logger:   logger.With().Str("component", "referral_query").Logger(),
	}
}

// CriteriaFor translates a listing category into storage criteria for actor.
func CriteriaFor(f Filter, actor auth.Identity) Criteria {
	own := &Visibility{UserID: actor.UserID, ClinicID: actor.ClinicID}
	clinicID := actor.ClinicID
	seesAll := actor.Can(auth.CapViewAllReferrals)

	var c Criteria
	switch f {
	case FilterPending:
		if actor.Can(auth.CapApproveReferral) {
			c.Status = StatusAwaitingAdmin
		} else {
			c.Status = StatusAwaitingFinal
			c.TargetClinicID = &clinicID
		}
	case FilterReceived:
		c.TargetClinicID = &clinicID
	case FilterCompleted:
		c.Status = StatusCompleted
		if !seesAll {
			c.VisibleTo = own
		}
	default:
		if !seesAll {
			c.VisibleTo = own
		}
	}
	return c
}

// List returns one page of active referrals in the category, newest first.
func (q *QueryService) List(ctx context.Context, f Filter, actor auth.Identity, search string, page pagination.Params) (*pagination.Response, error) {
	defer q.metrics.Observe("list", time.Now())

	if page.Page <= 0 || page.Limit <= 0 {
		return nil, domainerrors.New(domainerrors.CodeInvalid, "page and limit must be positive integers")
	}
	if page.Limit > q.maxLimit {
		page.Limit = q.maxLimit
	}
	if !page.InRange() {
		return nil, domainerrors.New(domainerrors.CodeInvalid, "page is out of range")
	}

	c := CriteriaFor(f, actor)
	c.Search = search
	c.Limit = page.Limit
	c.Offset = page.Offset()

	items, total, err := q.repo.List(ctx, c)
	if err != nil {
		q.logger.Error().Err(err).Str("filter", string(f)).Msg("list referrals failed")
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "internal error")
	}
	if items == nil {
		items = []*Referral{}
	}
	return pagination.NewResponse(items, total, page), nil
}

// GetPatientHistory returns every active referral of the patient, most
// recent first. Access to the patient record is checked by the caller.
func (q *QueryService) GetPatientHistory(ctx context.Context, patientID uuid.UUID) ([]*Referral, error) {
	defer q.metrics.Observe("patient_history", time.Now())

	items, err := q.repo.ListByPatient(ctx, patientID)
	if err != nil {
		q.logger.Error().Err(err).Str("patient_id", patientID.String()).Msg("patient referral history failed")
		return nil, domainerrors.Wrap(err, domainerrors.CodeInternal, "internal error")
	}
	if items == nil {
		items = []*Referral{}
	}
	return items, nil
}
