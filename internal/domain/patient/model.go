package patient

import (
	"time"

	"github.com/google/uuid"
)

// Patient is the subset of the patient record the referral workflow reads and
// mutates. The record itself is owned by the patient registry.
type Patient struct {
	ID         uuid.UUID  `db:"id" json:"id"`
	FirstName  string     `db:"first_name" json:"first_name"`
	LastName   string     `db:"last_name" json:"last_name"`
	NationalID *string    `db:"national_id" json:"national_id,omitempty"`
	ClinicID   uuid.UUID  `db:"clinic_id" json:"clinic_id"`
	Active     bool       `db:"active" json:"active"`
	ModifiedBy *uuid.UUID `db:"modified_by" json:"modified_by,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// FullName joins first and last name.
func (p *Patient) FullName() string {
	if p.LastName == "" {
		return p.FirstName
	}
	return p.FirstName + " " + p.LastName
}

// Expediente is a patient's case file.
type Expediente struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Number    string    `db:"number" json:"number"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
