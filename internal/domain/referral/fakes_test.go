package referral

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clinicnet/referrals/internal/domain/clinic"
	"github.com/clinicnet/referrals/internal/domain/patient"
	"github.com/clinicnet/referrals/internal/platform/auth"
	"github.com/clinicnet/referrals/internal/platform/events"
)

// world is an in-memory stand-in for the database. RunInTx snapshots the
// maps and restores them if the callback fails.
type world struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	referrals   map[uuid.UUID]*Referral
	patients    map[uuid.UUID]*patient.Patient
	expedientes map[uuid.UUID]*patient.Expediente
	clinics     map[uuid.UUID]*clinic.Clinic
	staff       map[uuid.UUID]int
	clock       time.Time

	failSetClinic error
	failUpdate    error
	setClinicHits int
}

func newWorld() *world {
	return &world{
		referrals:   make(map[uuid.UUID]*Referral),
		patients:    make(map[uuid.UUID]*patient.Patient),
		expedientes: make(map[uuid.UUID]*patient.Expediente),
		clinics:     make(map[uuid.UUID]*clinic.Clinic),
		staff:       make(map[uuid.UUID]int),
		clock:       time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	}
}

func (w *world) addClinic(name string, staff int) uuid.UUID {
	id := uuid.New()
	w.clinics[id] = &clinic.Clinic{ID: id, Name: name, Active: true}
	w.staff[id] = staff
	return id
}

func (w *world) addPatient(first, last, nationalID string, clinicID uuid.UUID) (uuid.UUID, uuid.UUID) {
	id := uuid.New()
	nid := nationalID
	w.patients[id] = &patient.Patient{ID: id, FirstName: first, LastName: last, NationalID: &nid, ClinicID: clinicID, Active: true}
	exp := uuid.New()
	w.expedientes[exp] = &patient.Expediente{ID: exp, PatientID: id, Active: true}
	return id, exp
}

func (w *world) patientClinic(id uuid.UUID) uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.patients[id].ClinicID
}

func (w *world) stored(id uuid.UUID) *Referral {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.referrals[id].clone()
}

// -- Transactor --

func (w *world) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	w.txMu.Lock()
	defer w.txMu.Unlock()

	w.mu.Lock()
	refs := make(map[uuid.UUID]*Referral, len(w.referrals))
	for k, v := range w.referrals {
		refs[k] = v.clone()
	}
	pats := make(map[uuid.UUID]*patient.Patient, len(w.patients))
	for k, v := range w.patients {
		cp := *v
		pats[k] = &cp
	}
	w.mu.Unlock()

	if err := fn(ctx); err != nil {
		w.mu.Lock()
		w.referrals, w.patients = refs, pats
		w.mu.Unlock()
		return err
	}
	return nil
}

// -- Repository --

type memRepo struct{ w *world }

func (r memRepo) Create(_ context.Context, ref *Referral) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	ref.ID = uuid.New()
	r.w.clock = r.w.clock.Add(time.Minute)
	ref.CreatedAt = r.w.clock
	ref.VersionID = 1
	r.w.referrals[ref.ID] = ref.clone()
	return nil
}

func (r memRepo) GetByID(_ context.Context, id uuid.UUID) (*Referral, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	ref, ok := r.w.referrals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ref.clone(), nil
}

func (r memRepo) UpdateIfUnchanged(_ context.Context, ref *Referral, expected Snapshot) error {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	if r.w.failUpdate != nil {
		return r.w.failUpdate
	}
	cur, ok := r.w.referrals[ref.ID]
	if !ok || cur.Snapshot() != expected {
		return ErrStale
	}
	now := r.w.clock.Add(time.Second)
	ref.VersionID = cur.VersionID + 1
	ref.ModifiedAt = &now
	r.w.referrals[ref.ID] = ref.clone()
	return nil
}

func (r memRepo) matches(ref *Referral, c Criteria) bool {
	if !ref.Active {
		return false
	}
	switch c.Status {
	case StatusAwaitingAdmin:
		if !(ref.Confirmation1 && (!ref.Confirmation2 || !ref.Confirmation3)) {
			return false
		}
	case StatusAwaitingFinal:
		if !(ref.Confirmation3 && !ref.Confirmation4) {
			return false
		}
	case StatusCompleted:
		if !(ref.Confirmation1 && ref.Confirmation2 && ref.Confirmation3 && ref.Confirmation4) {
			return false
		}
	}
	if c.TargetClinicID != nil && ref.TargetClinicID != *c.TargetClinicID {
		return false
	}
	if v := c.VisibleTo; v != nil && ref.CreatorUserID != v.UserID && ref.TargetClinicID != v.ClinicID {
		return false
	}
	if s := strings.ToLower(strings.TrimSpace(c.Search)); s != "" {
		p := r.w.patients[ref.PatientID]
		hay := strings.ToLower(p.FirstName + " " + p.LastName)
		if p.NationalID != nil {
			hay += " " + strings.ToLower(*p.NationalID)
		}
		if !strings.Contains(hay, s) {
			return false
		}
	}
	return true
}

func sortNewestFirst(items []*Referral) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID.String() > items[j].ID.String()
	})
}

func (r memRepo) List(_ context.Context, c Criteria) ([]*Referral, int, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var all []*Referral
	for _, ref := range r.w.referrals {
		if r.matches(ref, c) {
			all = append(all, ref.clone())
		}
	}
	sortNewestFirst(all)
	total := len(all)
	if c.Offset >= total {
		return nil, total, nil
	}
	end := c.Offset + c.Limit
	if end > total {
		end = total
	}
	return all[c.Offset:end], total, nil
}

func (r memRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Referral, error) {
	r.w.mu.Lock()
	defer r.w.mu.Unlock()
	var out []*Referral
	for _, ref := range r.w.referrals {
		if ref.Active && ref.PatientID == patientID {
			out = append(out, ref.clone())
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// -- collaborators --

type memPatients struct{ w *world }

func (p memPatients) FindActiveByID(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	pt, ok := p.w.patients[id]
	if !ok || !pt.Active {
		return nil, patient.ErrNotFound
	}
	cp := *pt
	return &cp, nil
}

func (p memPatients) SetClinic(_ context.Context, id, clinicID, actor uuid.UUID) error {
	p.w.mu.Lock()
	defer p.w.mu.Unlock()
	if p.w.failSetClinic != nil {
		return p.w.failSetClinic
	}
	pt, ok := p.w.patients[id]
	if !ok || !pt.Active {
		return patient.ErrNotFound
	}
	pt.ClinicID = clinicID
	pt.ModifiedBy = &actor
	p.w.setClinicHits++
	return nil
}

type memExpedientes struct{ w *world }

func (e memExpedientes) FindByIDAndPatient(_ context.Context, id, patientID uuid.UUID) (*patient.Expediente, error) {
	exp, ok := e.w.expedientes[id]
	if !ok || !exp.Active || exp.PatientID != patientID {
		return nil, patient.ErrExpedienteNotFound
	}
	return exp, nil
}

type memClinics struct{ w *world }

func (c memClinics) FindActiveByID(_ context.Context, id uuid.UUID) (*clinic.Clinic, error) {
	cl, ok := c.w.clinics[id]
	if !ok || !cl.Active {
		return nil, clinic.ErrNotFound
	}
	return cl, nil
}

func (c memClinics) CountActiveStaff(_ context.Context, id uuid.UUID) (int, error) {
	return c.w.staff[id], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return p.err
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

var errBoom = errors.New("storage unavailable")

// -- fixture --

type fixture struct {
	w       *world
	svc     *Service
	query   *QueryService
	pub     *recordingPublisher
	metrics *Metrics

	clinicA, clinicB, clinicC uuid.UUID
	patientP, expedienteP     uuid.UUID

	creator auth.Identity // nurse at clinic A
	adminX  auth.Identity
	adminY  auth.Identity
	staffB  auth.Identity
	staffC  auth.Identity
}

func user(role auth.Role, clinicID uuid.UUID, name string) auth.Identity {
	return auth.Identity{UserID: uuid.New(), Username: name, Role: role, ClinicID: clinicID}
}

func newFixture() *fixture {
	w := newWorld()
	f := &fixture{w: w, pub: &recordingPublisher{}}
	f.clinicA = w.addClinic("Clinica A", 2)
	f.clinicB = w.addClinic("Clinica B", 3)
	f.clinicC = w.addClinic("Clinica C", 1)
	f.patientP, f.expedienteP = w.addPatient("Ana", "Lopez", "2547-11223-0101", f.clinicA)

	f.creator = user(auth.RoleNurse, f.clinicA, "nurse.a")
	f.adminX = user(auth.RoleAdmin, f.clinicA, "admin.x")
	f.adminY = user(auth.RoleAdmin, f.clinicC, "admin.y")
	f.staffB = user(auth.RoleStaff, f.clinicB, "staff.b")
	f.staffC = user(auth.RoleStaff, f.clinicC, "staff.c")

	f.metrics = NewMetrics(prometheus.NewRegistry())
	repo := memRepo{w: w}
	f.svc = NewService(ServiceDeps{
		Repo:        repo,
		Patients:    memPatients{w: w},
		Expedientes: memExpedientes{w: w},
		Clinics:     memClinics{w: w},
		Tx:          w,
		Events:      f.pub,
		Metrics:     f.metrics,
		Logger:      zerolog.Nop(),
	})
	f.query = NewQueryService(repo, 100, f.metrics, zerolog.Nop())
	return f
}

func (f *fixture) createReferral() *Referral {
	ref, err := f.svc.Create(context.Background(), CreateInput{
		PatientID:      f.patientP,
		ExpedienteID:   f.expedienteP,
		TargetClinicID: f.clinicB,
		Comment:        "needs cardiology follow-up",
	}, f.creator)
	if err != nil {
		panic(err)
	}
	return ref
}

func strPtr(s string) *string { return &s }
