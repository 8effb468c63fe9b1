package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"

	"github.com/careline/intake/internal/platform/cache"
	"github.com/careline/intake/internal/platform/events"
)

// DefaultQueueCacheTTL bounds how long a cached queue view may be served.
const DefaultQueueCacheTTL = 30 * time.Second

// AvailabilityRefresher recomputes a doctor's availability flag after the
// doctor's queued load changed.
type AvailabilityRefresher interface {
	RefreshAvailability(ctx context.Context, hospitalID, doctorID uuid.UUID) error
}

// QueueManager owns the per-hospital ordered queue of intake entries.
// Enqueue, Complete, Repair and ClearQueue for one hospital are serialised by
// an in-process lock and by the repository's transactional hospital lock.
type QueueManager struct {
	repo      EntryRepository
	cache     cache.Store
	cacheTTL  time.Duration
	publisher events.Publisher
	doctors   AvailabilityRefresher
	logger    zerolog.Logger
	now       func() time.Time

	locks *hospitalLocks
	fills singleflight.Group
}

func NewQueueManager(repo EntryRepository, store cache.Store, logger zerolog.Logger) *QueueManager {
	return &QueueManager{
		repo:      repo,
		cache:     store,
		cacheTTL:  DefaultQueueCacheTTL,
		publisher: events.Noop{},
		logger:    logger.With().Str("component", "queue").Logger(),
		now:       time.Now,
		locks:     newHospitalLocks(),
	}
}

func (m *QueueManager) SetCacheTTL(ttl time.Duration) {
	if ttl > 0 && ttl <= DefaultQueueCacheTTL {
		m.cacheTTL = ttl
	}
}

func (m *QueueManager) SetPublisher(p events.Publisher) { m.publisher = p }

func (m *QueueManager) SetAvailabilityRefresher(r AvailabilityRefresher) { m.doctors = r }

func queueKey(hospitalID uuid.UUID) string {
	return "queue:" + hospitalID.String()
}

// queueGenKey holds the hospital's queue generation. Every mutation bumps it
// in the shared store, so all instances agree on which cached view is current.
func queueGenKey(hospitalID uuid.UUID) string {
	return queueKey(hospitalID) + ":gen"
}

// queueSnapshot is the cached queue view tagged with the generation it was
// read under.
type queueSnapshot struct {
	Gen     int64          `json:"gen"`
	Entries []*IntakeEntry `json:"entries"`
}

// Enqueue appends e to the end of its hospital's queue and returns the
// assigned position. Severity never affects the position.
func (m *QueueManager) Enqueue(ctx context.Context, e *IntakeEntry) (int, error) {
	if e.PatientID == uuid.Nil || e.HospitalID == uuid.Nil {
		return 0, fmt.Errorf("%w: patient and hospital are required", ErrInvalidInput)
	}
	if e.Severity < 0 || e.Severity > 10 {
		return 0, fmt.Errorf("%w: severity %d out of range", ErrInvalidInput, e.Severity)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = m.now().UTC()
	}
	e.Status = StatusQueued
	e.ProcessedAt = nil

	unlock := m.locks.Lock(e.HospitalID)
	defer unlock()

	var position int
	err := m.repo.WithinHospitalLock(ctx, e.HospitalID, func(ctx context.Context, tx QueueTx) error {
		stats, err := tx.Stats(ctx, e.HospitalID)
		if err != nil {
			return err
		}
		count := stats.Count
		if !stats.Contiguous() {
			m.logger.Warn().Str("hospital_id", e.HospitalID.String()).
				Int("count", stats.Count).Int("max", stats.Max).Int("distinct", stats.Distinct).
				Msg("queue positions drifted, renumbering before enqueue")
			if _, err := m.renumberTx(ctx, tx, e.HospitalID); err != nil {
				return err
			}
		}
		position = count + 1
		e.Position = &position
		return tx.Insert(ctx, e)
	})
	if err != nil {
		e.Position = nil
		return 0, err
	}

	m.invalidate(ctx, e.HospitalID)
	m.refreshDoctor(ctx, e.HospitalID, e.DoctorID)
	events.Emit(ctx, m.publisher, m.logger, events.New(events.IntakeQueued, e.HospitalID, e.ID, map[string]interface{}{
		"patient_id": e.PatientID,
		"position":   position,
		"severity":   e.Severity,
		"urgent":     e.Urgent(),
	}))

	m.logger.Info().
		Str("hospital_id", e.HospitalID.String()).
		Str("entry_id", e.ID.String()).
		Int("position", position).
		Int("severity", e.Severity).
		Msg("intake queued")
	return position, nil
}

// Complete moves a queued entry to COMPLETED and closes the gap it leaves.
// Completing an entry that is not queued returns ErrNotInQueueState and
// changes nothing.
func (m *QueueManager) Complete(ctx context.Context, entryID uuid.UUID) (*IntakeEntry, error) {
	current, err := m.repo.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusQueued {
		return nil, ErrNotInQueueState
	}
	hospitalID := current.HospitalID

	unlock := m.locks.Lock(hospitalID)
	defer unlock()

	var done *IntakeEntry
	var shifted int64
	err = m.repo.WithinHospitalLock(ctx, hospitalID, func(ctx context.Context, tx QueueTx) error {
		e, err := tx.GetForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if e.Status != StatusQueued {
			return ErrNotInQueueState
		}

		at := m.now().UTC()
		if err := tx.MarkCompleted(ctx, entryID, at); err != nil {
			return err
		}
		shifted = 0
		if e.Position != nil {
			if shifted, err = tx.ShiftDown(ctx, hospitalID, *e.Position); err != nil {
				return err
			}
		}

		stats, err := tx.Stats(ctx, hospitalID)
		if err != nil {
			return err
		}
		if !stats.Contiguous() {
			m.logger.Warn().Str("hospital_id", hospitalID.String()).
				Msg("queue positions drifted, renumbering after completion")
			if _, err := m.renumberTx(ctx, tx, hospitalID); err != nil {
				return err
			}
		}

		e.Status = StatusCompleted
		e.Position = nil
		e.ProcessedAt = &at
		done = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.invalidate(ctx, hospitalID)
	m.refreshDoctor(ctx, hospitalID, done.DoctorID)
	events.Emit(ctx, m.publisher, m.logger, events.New(events.IntakeCompleted, hospitalID, done.ID, map[string]interface{}{
		"patient_id": done.PatientID,
		"shifted":    shifted,
	}))

	m.logger.Info().
		Str("hospital_id", hospitalID.String()).
		Str("entry_id", done.ID.String()).
		Int64("shifted", shifted).
		Msg("intake completed")
	return done, nil
}

// CurrentQueue returns the hospital's queued entries by position. The view
// is served from cache when possible; positions read from storage that are
// not exactly 1..N are re-ranked by submission order before they are
// returned. The returned entries must not be modified.
func (m *QueueManager) CurrentQueue(ctx context.Context, hospitalID uuid.UUID) ([]*IntakeEntry, error) {
	key := queueKey(hospitalID)
	log := m.logger.With().Str("hospital_id", hospitalID.String()).Logger()

	if gen, err := m.generation(ctx, hospitalID); err != nil {
		log.Warn().Err(err).Msg("queue generation read failed")
	} else {
		var snap queueSnapshot
		err := cache.GetJSON(ctx, m.cache, key, &snap)
		switch {
		case err == nil && snap.Gen == gen && snap.Entries != nil:
			return snap.Entries, nil
		case err == nil:
			log.Debug().Int64("cached_gen", snap.Gen).Int64("gen", gen).Msg("discarding stale queue view")
		case !errors.Is(err, cache.ErrMiss):
			log.Warn().Err(err).Msg("queue cache read failed")
		}
	}

	v, err, _ := m.fills.Do(key, func() (interface{}, error) {
		gen, genErr := m.generation(ctx, hospitalID)
		entries, err := m.repo.ListQueued(ctx, hospitalID)
		if err != nil {
			return nil, err
		}
		if changed := renumber(entries); len(changed) > 0 {
			log.Warn().
				Int("queued", len(entries)).
				Int("repaired", len(changed)).
				Msg("queue position drift detected on read")
		}
		if entries == nil {
			entries = []*IntakeEntry{}
		}
		if genErr == nil {
			m.fill(ctx, hospitalID, gen, entries)
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*IntakeEntry), nil
}

// Repair persists 1..N positions for the hospital's queued entries, ranked
// by submission order, when the stored positions have drifted. It returns
// how many entries moved.
func (m *QueueManager) Repair(ctx context.Context, hospitalID uuid.UUID) (int, error) {
	unlock := m.locks.Lock(hospitalID)
	defer unlock()

	var moved int
	err := m.repo.WithinHospitalLock(ctx, hospitalID, func(ctx context.Context, tx QueueTx) error {
		var err error
		moved, err = m.renumberTx(ctx, tx, hospitalID)
		return err
	})
	if err != nil {
		return 0, err
	}
	m.invalidate(ctx, hospitalID)
	m.logger.Info().Str("hospital_id", hospitalID.String()).Int("moved", moved).Msg("queue repaired")
	return moved, nil
}

// ClearQueue hard deletes the hospital's completed entries, or every entry
// when scope is ClearAll, and returns how many rows were removed.
func (m *QueueManager) ClearQueue(ctx context.Context, hospitalID uuid.UUID, scope ClearScope) (int64, error) {
	if scope != ClearCompleted && scope != ClearAll {
		return 0, ErrInvalidScope
	}

	unlock := m.locks.Lock(hospitalID)
	defer unlock()

	var deleted int64
	var doctors []uuid.UUID
	err := m.repo.WithinHospitalLock(ctx, hospitalID, func(ctx context.Context, tx QueueTx) error {
		var err error
		deleted, doctors, err = tx.DeleteByHospital(ctx, hospitalID, scope)
		return err
	})
	if err != nil {
		return 0, err
	}

	m.invalidate(ctx, hospitalID)
	for _, id := range lo.Uniq(doctors) {
		id := id
		m.refreshDoctor(ctx, hospitalID, &id)
	}
	events.Emit(ctx, m.publisher, m.logger, events.New(events.QueueCleared, hospitalID, uuid.Nil, map[string]interface{}{
		"scope":   scope,
		"deleted": deleted,
	}))

	m.logger.Info().
		Str("hospital_id", hospitalID.String()).
		Str("scope", string(scope)).
		Int64("deleted", deleted).
		Msg("queue cleared")
	return deleted, nil
}

func (m *QueueManager) renumberTx(ctx context.Context, tx QueueTx, hospitalID uuid.UUID) (int, error) {
	entries, err := tx.ListQueued(ctx, hospitalID)
	if err != nil {
		return 0, err
	}
	changed := renumber(entries)
	for _, e := range changed {
		if err := tx.SetPosition(ctx, e.ID, *e.Position); err != nil {
			return 0, err
		}
	}
	return len(changed), nil
}

func (m *QueueManager) refreshDoctor(ctx context.Context, hospitalID uuid.UUID, doctorID *uuid.UUID) {
	if m.doctors == nil || doctorID == nil {
		return
	}
	if err := m.doctors.RefreshAvailability(ctx, hospitalID, *doctorID); err != nil {
		m.logger.Warn().Err(err).
			Str("hospital_id", hospitalID.String()).
			Str("doctor_id", doctorID.String()).
			Msg("doctor availability refresh failed")
	}
}

// generation reads the hospital's shared queue generation; an absent counter
// reads as zero.
func (m *QueueManager) generation(ctx context.Context, hospitalID uuid.UUID) (int64, error) {
	raw, err := m.cache.Get(ctx, queueGenKey(hospitalID))
	if errors.Is(err, cache.ErrMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	gen, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse queue generation: %w", err)
	}
	return gen, nil
}

// invalidate bumps the shared generation and drops the cached view. A fill
// that read storage before the bump carries the old generation, so no
// instance will serve it.
func (m *QueueManager) invalidate(ctx context.Context, hospitalID uuid.UUID) {
	log := m.logger.With().Str("hospital_id", hospitalID.String()).Logger()
	if _, err := m.cache.Incr(ctx, queueGenKey(hospitalID)); err != nil {
		log.Warn().Err(err).Msg("queue generation bump failed")
	}
	if err := m.cache.Delete(ctx, queueKey(hospitalID)); err != nil {
		log.Warn().Err(err).Msg("queue cache invalidation failed")
	}
}

// fill caches entries under gen unless the generation has already moved on.
func (m *QueueManager) fill(ctx context.Context, hospitalID uuid.UUID, gen int64, entries []*IntakeEntry) {
	if cur, err := m.generation(ctx, hospitalID); err != nil || cur != gen {
		return
	}
	snap := queueSnapshot{Gen: gen, Entries: entries}
	if err := cache.SetJSON(ctx, m.cache, queueKey(hospitalID), snap, m.cacheTTL); err != nil {
		m.logger.Warn().Err(err).Str("hospital_id", hospitalID.String()).Msg("queue cache write failed")
	}
}

// renumber checks that entries, ordered by position, carry exactly 1..N. If
// they do not, it re-ranks them by submission order, assigns fresh
// positions in place and returns the entries whose position changed.
func renumber(entries []*IntakeEntry) []*IntakeEntry {
	if contiguous(entries) {
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	var changed []*IntakeEntry
	for i, e := range entries {
		want := i + 1
		if e.Position != nil && *e.Position == want {
			continue
		}
		e.Position = &want
		changed = append(changed, e)
	}
	return changed
}

func contiguous(entries []*IntakeEntry) bool {
	for i, e := range entries {
		if e.Position == nil || *e.Position != i+1 {
			return false
		}
	}
	return true
}

func (m *QueueManager) Get(ctx context.Context, entryID uuid.UUID) (*IntakeEntry, error) {
	return m.repo.GetByID(ctx, entryID)
}

// History lists a patient's entries newest first.
func (m *QueueManager) History(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*IntakeEntry, int, error) {
	return m.repo.ListByPatient(ctx, patientID, limit, offset)
}
