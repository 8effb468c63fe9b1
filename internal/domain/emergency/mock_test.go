package emergency

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/intake/internal/domain/directory"
	"github.com/careline/intake/internal/platform/db"
	"github.com/careline/intake/internal/platform/events"
)

var errBoom = errors.New("connection reset")

type memAlerts struct {
	mu        sync.Mutex
	alerts    map[uuid.UUID]*Alert
	createErr error
}

func newMemAlerts() *memAlerts {
	return &memAlerts{alerts: make(map[uuid.UUID]*Alert)}
}

// clone round-trips through a value copy so callers cannot mutate stored rows.
func clone(a *Alert) *Alert {
	cp := *a
	cp.RecentIntakes = append([]IntakeSnapshot(nil), a.RecentIntakes...)
	cp.RecentCare = append([]CareSnapshot(nil), a.RecentCare...)
	return &cp
}

func (m *memAlerts) Create(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return db.Unavailable("create alert", m.createErr)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	m.alerts[a.ID] = clone(a)
	return nil
}

func (m *memAlerts) GetByID(_ context.Context, id uuid.UUID) (*Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return clone(a), nil
}

func (m *memAlerts) UpdateStatus(_ context.Context, a *Alert, from Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.alerts[a.ID]
	if !ok {
		return ErrAlertNotFound
	}
	if stored.Status != from {
		return ErrInvalidTransition
	}
	stored.Status = a.Status
	stored.AcknowledgedAt = a.AcknowledgedAt
	stored.RespondedAt = a.RespondedAt
	stored.ClosedAt = a.ClosedAt
	stored.HandledBy = a.HandledBy
	stored.UpdatedAt = a.UpdatedAt
	return nil
}

func (m *memAlerts) list(match func(*Alert) bool, limit, offset int) ([]*Alert, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Alert
	for _, a := range m.alerts {
		if match(a) {
			out = append(out, clone(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *memAlerts) ListByHospital(_ context.Context, hospitalID uuid.UUID, status Status, limit, offset int) ([]*Alert, int, error) {
	return m.list(func(a *Alert) bool {
		return a.HospitalID == hospitalID && (status == "" || a.Status == status)
	}, limit, offset)
}

func (m *memAlerts) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Alert, int, error) {
	return m.list(func(a *Alert) bool { return a.PatientID == patientID }, limit, offset)
}

func (m *memAlerts) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

type fakePatients struct {
	patients map[uuid.UUID]*directory.Patient
	err      error
}

func (f *fakePatients) GetByID(_ context.Context, id uuid.UUID) (*directory.Patient, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.patients[id]
	if !ok {
		return nil, directory.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

type fakeHospitals struct {
	hospitals []*directory.Hospital
	err       error
}

func (f *fakeHospitals) GetByID(_ context.Context, id uuid.UUID) (*directory.Hospital, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, h := range f.hospitals {
		if h.ID == id {
			return h, nil
		}
	}
	return nil, directory.ErrNotFound
}

func (f *fakeHospitals) ListByRegion(_ context.Context, region string) ([]*directory.Hospital, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*directory.Hospital
	for _, h := range f.hospitals {
		if directory.SameRegion(h.Region, region) {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name) })
	return out, nil
}

type fakeCare struct {
	records []*directory.ScheduledCare
	err     error
}

func (f *fakeCare) RecentByPatient(_ context.Context, patientID uuid.UUID, limit int) ([]*directory.ScheduledCare, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []*directory.ScheduledCare
	for _, r := range f.records {
		if r.PatientID == patientID && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeIntakes struct {
	mu      sync.Mutex
	history map[uuid.UUID][]IntakeSnapshot
	err     error
}

func (f *fakeIntakes) recent(_ context.Context, patientID uuid.UUID, limit int) ([]IntakeSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := f.history[patientID]
	if len(h) > limit {
		h = h[:limit]
	}
	return append([]IntakeSnapshot(nil), h...), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
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

// routerFixture is one patient in "north" with two northern hospitals and one
// southern hospital.
type routerFixture struct {
	router    *Router
	alerts    *memAlerts
	patients  *fakePatients
	hospitals *fakeHospitals
	care      *fakeCare
	intakes   *fakeIntakes
	pub       *recordingPublisher

	patient *directory.Patient
	stMary  *directory.Hospital
	general *directory.Hospital
	south   *directory.Hospital
}

func strPtr(s string) *string { return &s }

func newRouterFixture() *routerFixture {
	region := "North"
	patient := &directory.Patient{
		ID:     uuid.New(),
		Name:   "Ada Obi",
		Phone:  strPtr("+15550100"),
		Region: &region,
	}
	f := &routerFixture{
		alerts:   newMemAlerts(),
		patients: &fakePatients{patients: map[uuid.UUID]*directory.Patient{patient.ID: patient}},
		care:     &fakeCare{},
		intakes:  &fakeIntakes{history: map[uuid.UUID][]IntakeSnapshot{}},
		pub:      &recordingPublisher{},
		patient:  patient,
		stMary:   &directory.Hospital{ID: uuid.New(), Name: "St Mary", Region: "north"},
		general:  &directory.Hospital{ID: uuid.New(), Name: "General", Region: "North"},
		south:    &directory.Hospital{ID: uuid.New(), Name: "Coastal", Region: "South"},
	}
	f.hospitals = &fakeHospitals{hospitals: []*directory.Hospital{f.stMary, f.general, f.south}}
	f.router = NewRouter(f.alerts, f.patients, f.hospitals, f.care, f.intakes.recent, zerolog.Nop())
	f.router.SetPublisher(f.pub)
	return f
}
