package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Hospital Repository ===========

type hospitalRepoPG struct{ pool *pgxpool.Pool }

func NewHospitalRepoPG(pool *pgxpool.Pool) HospitalRepository { return &hospitalRepoPG{pool: pool} }

const hospitalCols = `id, name, region, address, phone, created_at`

func scanHospital(row pgx.Row) (*Hospital, error) {
	var h Hospital
	err := row.Scan(&h.ID, &h.Name, &h.Region, &h.Address, &h.Phone, &h.CreatedAt)
	return &h, err
}

func (r *hospitalRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Hospital, error) {
	h, err := scanHospital(r.pool.QueryRow(ctx, `SELECT `+hospitalCols+` FROM hospital WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return h, nil
}

func (r *hospitalRepoPG) ListByRegion(ctx context.Context, region string) ([]*Hospital, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+hospitalCols+` FROM hospital
		WHERE lower(btrim(region)) = lower(btrim($1)) ORDER BY lower(name) ASC, id ASC`, region)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Hospital
	for rows.Next() {
		h, err := scanHospital(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, h)
	}
	return items, rows.Err()
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `id, hospital_id, name, specialty, available, created_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.HospitalID, &d.Name, &d.Specialty, &d.Available, &d.CreatedAt)
	return &d, err
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(r.pool.QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (r *doctorRepoPG) ListByHospitalAndSpecialty(ctx context.Context, hospitalID uuid.UUID, specialty string) ([]*Doctor, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+doctorCols+` FROM doctor
		WHERE hospital_id = $1 AND specialty = $2 ORDER BY created_at ASC, id ASC`, hospitalID, specialty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *doctorRepoPG) SetAvailability(ctx context.Context, id uuid.UUID, available bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE doctor SET available = $2 WHERE id = $1`, id, available)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.pool.QueryRow(ctx, `SELECT id, name, phone, email, address, region, created_at
		FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Phone, &p.Email, &p.Address, &p.Region, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// =========== Scheduled Care Repository ===========

type scheduledCareRepoPG struct{ pool *pgxpool.Pool }

func NewScheduledCareRepoPG(pool *pgxpool.Pool) ScheduledCareRepository {
	return &scheduledCareRepoPG{pool: pool}
}

func (r *scheduledCareRepoPG) RecentByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*ScheduledCare, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, patient_id, hospital_id, doctor_id, scheduled_for, reason, status, created_at
		FROM scheduled_care WHERE patient_id = $1
		ORDER BY scheduled_for DESC, created_at DESC LIMIT $2`, patientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ScheduledCare
	for rows.Next() {
		var s ScheduledCare
		if err := rows.Scan(&s.ID, &s.PatientID, &s.HospitalID, &s.DoctorID, &s.ScheduledFor,
			&s.Reason, &s.Status, &s.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &s)
	}
	return items, rows.Err()
}
