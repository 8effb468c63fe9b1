package triage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careline/intake/internal/platform/db"
)

// queueLockSpace is the first key of the two-key advisory lock; the second
// is a hash of the hospital id.
const queueLockSpace int32 = 0x51554555

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type entryRepoPG struct {
	pool  *pgxpool.Pool
	retry *db.Retrier
}

func NewEntryRepoPG(pool *pgxpool.Pool, retry *db.Retrier) EntryRepository {
	return &entryRepoPG{pool: pool, retry: retry}
}

const entryCols = `id, patient_id, hospital_id, doctor_id, document_ref, submitted_at, processed_at,
	condition, severity, status, queue_position, narrative, created_at, updated_at`

func scanEntry(row pgx.Row) (*IntakeEntry, error) {
	var e IntakeEntry
	err := row.Scan(&e.ID, &e.PatientID, &e.HospitalID, &e.DoctorID, &e.DocumentRef, &e.SubmittedAt, &e.ProcessedAt,
		&e.Condition, &e.Severity, &e.Status, &e.Position, &e.Narrative, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return &e, err
}

func collectEntries(rows pgx.Rows) ([]*IntakeEntry, error) {
	defer rows.Close()
	var items []*IntakeEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *entryRepoPG) WithinHospitalLock(ctx context.Context, hospitalID uuid.UUID, fn func(ctx context.Context, tx QueueTx) error) error {
	return r.retry.Do(ctx, "queue transaction", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, queueLockSpace, hospitalID.String()); err != nil {
				return err
			}
			return fn(ctx, &queueTxPG{q: tx})
		})
	})
}

func (r *entryRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*IntakeEntry, error) {
	var e *IntakeEntry
	err := r.retry.Do(ctx, "get intake", func(ctx context.Context) error {
		var err error
		e, err = scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryCols+` FROM intake_entry WHERE id = $1`, id))
		return err
	})
	return e, err
}

func (r *entryRepoPG) ListQueued(ctx context.Context, hospitalID uuid.UUID) ([]*IntakeEntry, error) {
	var items []*IntakeEntry
	err := r.retry.Do(ctx, "list queue", func(ctx context.Context) error {
		var err error
		items, err = listQueued(ctx, r.pool, hospitalID)
		return err
	})
	return items, err
}

func listQueued(ctx context.Context, q queryable, hospitalID uuid.UUID) ([]*IntakeEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryCols+` FROM intake_entry
		WHERE hospital_id = $1 AND status = 'QUEUED'
		ORDER BY queue_position ASC NULLS LAST, submitted_at ASC, id ASC`, hospitalID)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (r *entryRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*IntakeEntry, int, error) {
	var items []*IntakeEntry
	var total int
	err := r.retry.Do(ctx, "list patient intakes", func(ctx context.Context) error {
		if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM intake_entry WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
			return err
		}
		rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM intake_entry WHERE patient_id = $1
			ORDER BY submitted_at DESC, id DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
		if err != nil {
			return err
		}
		items, err = collectEntries(rows)
		return err
	})
	return items, total, err
}

func (r *entryRepoPG) RecentByPatient(ctx context.Context, patientID uuid.UUID, limit int) ([]*IntakeEntry, error) {
	var items []*IntakeEntry
	err := r.retry.Do(ctx, "recent patient intakes", func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx, `SELECT `+entryCols+` FROM intake_entry WHERE patient_id = $1
			ORDER BY submitted_at DESC, id DESC LIMIT $2`, patientID, limit)
		if err != nil {
			return err
		}
		items, err = collectEntries(rows)
		return err
	})
	return items, err
}

func (r *entryRepoPG) CountQueuedByDoctor(ctx context.Context, hospitalID, doctorID uuid.UUID) (int, error) {
	var n int
	err := r.retry.Do(ctx, "count doctor load", func(ctx context.Context) error {
		return r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM intake_entry
			WHERE hospital_id = $1 AND doctor_id = $2 AND status = 'QUEUED'`, hospitalID, doctorID).Scan(&n)
	})
	return n, err
}

// =========== Queue Transaction ===========

type queueTxPG struct{ q queryable }

func (t *queueTxPG) Stats(ctx context.Context, hospitalID uuid.UUID) (QueueStats, error) {
	var s QueueStats
	err := t.q.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT queue_position),
			COALESCE(MIN(queue_position), 0), COALESCE(MAX(queue_position), 0)
		FROM intake_entry WHERE hospital_id = $1 AND status = 'QUEUED'`, hospitalID).
		Scan(&s.Count, &s.Distinct, &s.Min, &s.Max)
	return s, err
}

func (t *queueTxPG) Insert(ctx context.Context, e *IntakeEntry) error {
	return t.q.QueryRow(ctx, `
		INSERT INTO intake_entry (id, patient_id, hospital_id, doctor_id, document_ref, submitted_at,
			condition, severity, status, queue_position, narrative)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		e.ID, e.PatientID, e.HospitalID, e.DoctorID, e.DocumentRef, e.SubmittedAt,
		e.Condition, e.Severity, e.Status, e.Position, e.Narrative).
		Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (t *queueTxPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*IntakeEntry, error) {
	return scanEntry(t.q.QueryRow(ctx, `SELECT `+entryCols+` FROM intake_entry WHERE id = $1 FOR UPDATE`, id))
}

func (t *queueTxPG) MarkCompleted(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := t.q.Exec(ctx, `UPDATE intake_entry
		SET status = 'COMPLETED', queue_position = NULL, processed_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'QUEUED'`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotInQueueState
	}
	return nil
}

func (t *queueTxPG) ShiftDown(ctx context.Context, hospitalID uuid.UUID, position int) (int64, error) {
	tag, err := t.q.Exec(ctx, `UPDATE intake_entry
		SET queue_position = queue_position - 1, updated_at = NOW()
		WHERE hospital_id = $1 AND status = 'QUEUED' AND queue_position > $2`, hospitalID, position)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *queueTxPG) ListQueued(ctx context.Context, hospitalID uuid.UUID) ([]*IntakeEntry, error) {
	return listQueued(ctx, t.q, hospitalID)
}

func (t *queueTxPG) SetPosition(ctx context.Context, id uuid.UUID, position int) error {
	_, err := t.q.Exec(ctx, `UPDATE intake_entry SET queue_position = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'QUEUED'`, id, position)
	return err
}

func (t *queueTxPG) DeleteByHospital(ctx context.Context, hospitalID uuid.UUID, scope ClearScope) (int64, []uuid.UUID, error) {
	query := `DELETE FROM intake_entry WHERE hospital_id = $1`
	if scope == ClearCompleted {
		query += ` AND status = 'COMPLETED'`
	}
	rows, err := t.q.Query(ctx, query+` RETURNING status, doctor_id`, hospitalID)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var deleted int64
	var doctors []uuid.UUID
	for rows.Next() {
		var status Status
		var doctorID *uuid.UUID
		if err := rows.Scan(&status, &doctorID); err != nil {
			return 0, nil, err
		}
		deleted++
		if status == StatusQueued && doctorID != nil {
			doctors = append(doctors, *doctorID)
		}
	}
	return deleted, doctors, rows.Err()
}
