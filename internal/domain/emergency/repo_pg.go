package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careline/intake/internal/platform/db"
)

type alertRepoPG struct {
	pool  *pgxpool.Pool
	retry *db.Retrier
}

func NewAlertRepoPG(pool *pgxpool.Pool, retry *db.Retrier) AlertRepository {
	return &alertRepoPG{pool: pool, retry: retry}
}

const alertCols = `id, patient_id, hospital_id, status, patient_snapshot, intake_snapshot, care_snapshot,
	acknowledged_at, responded_at, closed_at, handled_by, created_at, updated_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	var patient, intakes, care []byte
	err := row.Scan(&a.ID, &a.PatientID, &a.HospitalID, &a.Status, &patient, &intakes, &care,
		&a.AcknowledgedAt, &a.RespondedAt, &a.ClosedAt, &a.HandledBy, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patient, &a.Patient); err != nil {
		return nil, fmt.Errorf("decode patient snapshot: %w", err)
	}
	if err := json.Unmarshal(intakes, &a.RecentIntakes); err != nil {
		return nil, fmt.Errorf("decode intake snapshot: %w", err)
	}
	if err := json.Unmarshal(care, &a.RecentCare); err != nil {
		return nil, fmt.Errorf("decode care snapshot: %w", err)
	}
	return &a, nil
}

func (r *alertRepoPG) Create(ctx context.Context, a *Alert) error {
	patient, err := json.Marshal(a.Patient)
	if err != nil {
		return err
	}
	intakes, err := json.Marshal(a.RecentIntakes)
	if err != nil {
		return err
	}
	care, err := json.Marshal(a.RecentCare)
	if err != nil {
		return err
	}
	return r.retry.Do(ctx, "create alert", func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `
			INSERT INTO emergency_alert (id, patient_id, hospital_id, status, patient_snapshot, intake_snapshot, care_snapshot)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING created_at, updated_at`,
			a.ID, a.PatientID, a.HospitalID, a.Status, patient, intakes, care).
			Scan(&a.CreatedAt, &a.UpdatedAt)
	})
}

func (r *alertRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Alert, error) {
	var a *Alert
	err := r.retry.Do(ctx, "get alert", func(ctx context.Context) error {
		var err error
		a, err = scanAlert(r.pool.QueryRow(ctx, `SELECT `+alertCols+` FROM emergency_alert WHERE id = $1`, id))
		return err
	})
	return a, err
}

func (r *alertRepoPG) UpdateStatus(ctx context.Context, a *Alert, from Status) error {
	return r.retry.Do(ctx, "update alert status", func(ctx context.Context) error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE emergency_alert SET status=$3, acknowledged_at=$4, responded_at=$5, closed_at=$6,
				handled_by=$7, updated_at=NOW()
			WHERE id = $1 AND status = $2`,
			a.ID, from, a.Status, a.AcknowledgedAt, a.RespondedAt, a.ClosedAt, a.HandledBy)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrInvalidTransition
		}
		return nil
	})
}

func (r *alertRepoPG) ListByHospital(ctx context.Context, hospitalID uuid.UUID, status Status, limit, offset int) ([]*Alert, int, error) {
	where := ` WHERE hospital_id = $1`
	args := []interface{}{hospitalID}
	if status != "" {
		where += ` AND status = $2`
		args = append(args, status)
	}
	return r.list(ctx, "list hospital alerts", where, args, limit, offset)
}

func (r *alertRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Alert, int, error) {
	return r.list(ctx, "list patient alerts", ` WHERE patient_id = $1`, []interface{}{patientID}, limit, offset)
}

func (r *alertRepoPG) list(ctx context.Context, op, where string, args []interface{}, limit, offset int) ([]*Alert, int, error) {
	var items []*Alert
	var total int
	err := r.retry.Do(ctx, op, func(ctx context.Context) error {
		items = nil
		if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM emergency_alert`+where, args...).Scan(&total); err != nil {
			return err
		}
		n := len(args)
		query := `SELECT ` + alertCols + ` FROM emergency_alert` + where +
			fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
		rows, err := r.pool.Query(ctx, query, append(args, limit, offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanAlert(rows)
			if err != nil {
				return err
			}
			items = append(items, a)
		}
		return rows.Err()
	})
	return items, total, err
}
