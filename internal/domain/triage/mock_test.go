package triage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/intake/internal/domain/classifier"
	"github.com/careline/intake/internal/domain/directory"
	"github.com/careline/intake/internal/platform/cache"
	"github.com/careline/intake/internal/platform/events"
)

// -- In-memory entry repository --

type memRepo struct {
	mu        sync.Mutex
	entries   map[uuid.UUID]*IntakeEntry
	hospLocks map[uuid.UUID]*sync.Mutex

	txErr       error
	listQueued  int
	commitDelay time.Duration
}

func newMemRepo() *memRepo {
	return &memRepo{
		entries:   make(map[uuid.UUID]*IntakeEntry),
		hospLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

func cloneEntry(e *IntakeEntry) *IntakeEntry {
	c := *e
	if e.Position != nil {
		p := *e.Position
		c.Position = &p
	}
	return &c
}

func (r *memRepo) hospitalLock(id uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.hospLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.hospLocks[id] = l
	}
	return l
}

func (r *memRepo) WithinHospitalLock(ctx context.Context, hospitalID uuid.UUID, fn func(ctx context.Context, tx QueueTx) error) error {
	l := r.hospitalLock(hospitalID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	if r.txErr != nil {
		err := r.txErr
		r.mu.Unlock()
		return err
	}
	snapshot := make(map[uuid.UUID]*IntakeEntry)
	for id, e := range r.entries {
		if e.HospitalID == hospitalID {
			snapshot[id] = cloneEntry(e)
		}
	}
	r.mu.Unlock()

	err := fn(ctx, &memTx{r: r})
	if r.commitDelay > 0 {
		time.Sleep(r.commitDelay)
	}
	if err != nil {
		r.mu.Lock()
		for id, e := range r.entries {
			if e.HospitalID == hospitalID {
				delete(r.entries, id)
			}
		}
		for id, e := range snapshot {
			r.entries[id] = e
		}
		r.mu.Unlock()
	}
	return err
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*IntakeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return cloneEntry(e), nil
}

func (r *memRepo) queuedLocked(hospitalID uuid.UUID) []*IntakeEntry {
	var out []*IntakeEntry
	for _, e := range r.entries {
		if e.HospitalID == hospitalID && e.Status == StatusQueued {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.Position == nil && b.Position != nil:
			return false
		case a.Position != nil && b.Position == nil:
			return true
		case a.Position != nil && *a.Position != *b.Position:
			return *a.Position < *b.Position
		case !a.SubmittedAt.Equal(b.SubmittedAt):
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

func (r *memRepo) ListQueued(_ context.Context, hospitalID uuid.UUID) ([]*IntakeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listQueued++
	return r.queuedLocked(hospitalID), nil
}

func (r *memRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*IntakeEntry, int, error) {
	items, _ := r.RecentByPatient(context.Background(), patientID, 1<<30)
	total := len(items)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (r *memRepo) RecentByPatient(_ context.Context, patientID uuid.UUID, limit int) ([]*IntakeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*IntakeEntry
	for _, e := range r.entries {
		if e.PatientID == patientID {
			out = append(out, cloneEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.After(out[j].SubmittedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) CountQueuedByDoctor(_ context.Context, hospitalID, doctorID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.HospitalID == hospitalID && e.Status == StatusQueued && e.DoctorID != nil && *e.DoctorID == doctorID {
			n++
		}
	}
	return n, nil
}

// seed stores e as-is, bypassing the queue manager.
func (r *memRepo) seed(e *IntakeEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.entries[e.ID] = cloneEntry(e)
}

func (r *memRepo) positions(hospitalID uuid.UUID) map[uuid.UUID]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]int)
	for _, e := range r.queuedLocked(hospitalID) {
		if e.Position != nil {
			out[e.ID] = *e.Position
		}
	}
	return out
}

type memTx struct{ r *memRepo }

func (t *memTx) Stats(_ context.Context, hospitalID uuid.UUID) (QueueStats, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var s QueueStats
	seen := make(map[int]bool)
	for _, e := range t.r.queuedLocked(hospitalID) {
		s.Count++
		if e.Position == nil {
			continue
		}
		p := *e.Position
		if !seen[p] {
			seen[p] = true
			s.Distinct++
		}
		if s.Min == 0 || p < s.Min {
			s.Min = p
		}
		if p > s.Max {
			s.Max = p
		}
	}
	return s, nil
}

func (t *memTx) Insert(_ context.Context, e *IntakeEntry) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	now := time.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	t.r.entries[e.ID] = cloneEntry(e)
	return nil
}

func (t *memTx) GetForUpdate(ctx context.Context, id uuid.UUID) (*IntakeEntry, error) {
	return t.r.GetByID(ctx, id)
}

func (t *memTx) MarkCompleted(_ context.Context, id uuid.UUID, at time.Time) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	e, ok := t.r.entries[id]
	if !ok || e.Status != StatusQueued {
		return ErrNotInQueueState
	}
	e.Status = StatusCompleted
	e.Position = nil
	e.ProcessedAt = &at
	return nil
}

func (t *memTx) ShiftDown(_ context.Context, hospitalID uuid.UUID, position int) (int64, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var n int64
	for _, e := range t.r.entries {
		if e.HospitalID == hospitalID && e.Status == StatusQueued && e.Position != nil && *e.Position > position {
			p := *e.Position - 1
			e.Position = &p
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListQueued(_ context.Context, hospitalID uuid.UUID) ([]*IntakeEntry, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.r.queuedLocked(hospitalID), nil
}

func (t *memTx) SetPosition(_ context.Context, id uuid.UUID, position int) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if e, ok := t.r.entries[id]; ok && e.Status == StatusQueued {
		p := position
		e.Position = &p
	}
	return nil
}

func (t *memTx) DeleteByHospital(_ context.Context, hospitalID uuid.UUID, scope ClearScope) (int64, []uuid.UUID, error) {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	var n int64
	var doctors []uuid.UUID
	for id, e := range t.r.entries {
		if e.HospitalID != hospitalID {
			continue
		}
		if scope == ClearCompleted && e.Status != StatusCompleted {
			continue
		}
		if e.Status == StatusQueued && e.DoctorID != nil {
			doctors = append(doctors, *e.DoctorID)
		}
		delete(t.r.entries, id)
		n++
	}
	return n, doctors, nil
}

// -- Collaborator fakes --

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (f *fakeRefresher) RefreshAvailability(_ context.Context, _, doctorID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, doctorID)
	return nil
}

type fakeHospitals struct {
	hospitals map[uuid.UUID]*directory.Hospital
	err       error
}

func (f *fakeHospitals) GetByID(_ context.Context, id uuid.UUID) (*directory.Hospital, error) {
	if f.err != nil {
		return nil, f.err
	}
	h, ok := f.hospitals[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return h, nil
}

func (f *fakeHospitals) ListByRegion(_ context.Context, region string) ([]*directory.Hospital, error) {
	var out []*directory.Hospital
	for _, h := range f.hospitals {
		if directory.SameRegion(h.Region, region) {
			out = append(out, h)
		}
	}
	return out, nil
}

// fakePatients knows every patient except those listed in missing.
type fakePatients struct {
	missing map[uuid.UUID]bool
	err     error
}

func (f *fakePatients) GetByID(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.missing[id] {
		return nil, directory.ErrNotFound
	}
	return &directory.Patient{ID: id, Name: "Test Patient"}, nil
}

type fakeClassifier struct {
	result *classifier.Result
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(context.Context, classifier.Document) (*classifier.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r := *f.result
	return &r, nil
}

type fakeSelector struct {
	doctor    *directory.Doctor
	err       error
	specialty string
	calls     int
}

func (f *fakeSelector) SelectDoctor(_ context.Context, _ uuid.UUID, specialty string) (*directory.Doctor, error) {
	f.calls++
	f.specialty = specialty
	return f.doctor, f.err
}

var errBoom = errors.New("boom")

var pngDoc = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

func newTestQueue(repo *memRepo) (*QueueManager, *cache.MemoryStore, *recordingPublisher) {
	store := cache.NewMemoryStore()
	pub := &recordingPublisher{}
	m := NewQueueManager(repo, store, zerolog.Nop())
	m.SetPublisher(pub)
	return m, store, pub
}

func queuedEntry(hospitalID uuid.UUID, severity int) *IntakeEntry {
	return &IntakeEntry{PatientID: uuid.New(), HospitalID: hospitalID, Severity: severity}
}

// assertContiguous fails unless the hospital's queued positions are 1..N.
func assertContiguous(t *testing.T, repo *memRepo, hospitalID uuid.UUID) int {
	t.Helper()
	positions := repo.positions(hospitalID)
	seen := make(map[int]bool)
	for id, p := range positions {
		if p < 1 || p > len(positions) {
			t.Errorf("entry %s has position %d outside 1..%d", id, p, len(positions))
		}
		if seen[p] {
			t.Errorf("duplicate position %d", p)
		}
		seen[p] = true
	}
	return len(positions)
}
