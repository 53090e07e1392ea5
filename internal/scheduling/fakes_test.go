package scheduling

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medrex/clinic-scheduler/pkg/types"
	"github.com/stretchr/testify/mock"
)

// MockSchedulingRepository is a mock implementation of SchedulingRepository
type MockSchedulingRepository struct {
	mock.Mock
}

func (m *MockSchedulingRepository) GetDoctorProfile(ctx context.Context, doctorID string) (*types.DoctorProfile, error) {
	args := m.Called(ctx, doctorID)
	if p, ok := args.Get(0).(*types.DoctorProfile); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) UpdateConsultationDuration(ctx context.Context, doctorID string, minutes int) error {
	args := m.Called(ctx, doctorID, minutes)
	return args.Error(0)
}

func (m *MockSchedulingRepository) GetDoctorAvailability(ctx context.Context, doctorID string) (*types.DoctorAvailability, error) {
	args := m.Called(ctx, doctorID)
	if a, ok := args.Get(0).(*types.DoctorAvailability); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) UpsertDoctorAvailability(ctx context.Context, avail *types.DoctorAvailability) error {
	args := m.Called(ctx, avail)
	return args.Error(0)
}

func (m *MockSchedulingRepository) GetDelayTracker(ctx context.Context, doctorID, date string) (*types.DelayTracker, error) {
	args := m.Called(ctx, doctorID, date)
	if t, ok := args.Get(0).(*types.DelayTracker); ok {
		return t, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) UpsertDelayTracker(ctx context.Context, tracker *types.DelayTracker) error {
	args := m.Called(ctx, tracker)
	return args.Error(0)
}

func (m *MockSchedulingRepository) CreateAppointment(ctx context.Context, apt *types.Appointment) error {
	args := m.Called(ctx, apt)
	return args.Error(0)
}

func (m *MockSchedulingRepository) GetAppointmentByID(ctx context.Context, id string) (*types.Appointment, error) {
	args := m.Called(ctx, id)
	if a, ok := args.Get(0).(*types.Appointment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) GetAppointments(ctx context.Context, filters *types.AppointmentFilters) ([]*types.Appointment, error) {
	args := m.Called(ctx, filters)
	if a, ok := args.Get(0).([]*types.Appointment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) GetBookedSlots(ctx context.Context, doctorID, date string) ([]string, error) {
	args := m.Called(ctx, doctorID, date)
	if s, ok := args.Get(0).([]string); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) TransitionStatus(ctx context.Context, id string, from []types.AppointmentStatus, to types.AppointmentStatus, updates *types.AppointmentUpdates) (*types.Appointment, error) {
	args := m.Called(ctx, id, from, to, updates)
	if a, ok := args.Get(0).(*types.Appointment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) GetWaitingAppointments(ctx context.Context, doctorID, date string) ([]*types.Appointment, error) {
	args := m.Called(ctx, doctorID, date)
	if a, ok := args.Get(0).([]*types.Appointment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSchedulingRepository) BatchUpdateQueue(ctx context.Context, doctorID, date string, assignments []*types.QueueAssignment) ([]*types.Appointment, error) {
	args := m.Called(ctx, doctorID, date, assignments)
	if a, ok := args.Get(0).([]*types.Appointment); ok {
		return a, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockEventPublisher is a mock implementation of EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, event *types.AppointmentEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventPublisher) Subscribe(ctx context.Context, scope types.SubscriptionScope) (<-chan *types.AppointmentEvent, func(), error) {
	args := m.Called(ctx, scope)
	ch, _ := args.Get(0).(<-chan *types.AppointmentEvent)
	cancel, _ := args.Get(1).(func())
	return ch, cancel, args.Error(2)
}

func (m *MockEventPublisher) Close() error {
	args := m.Called()
	return args.Error(0)
}

// fakeRepository is an in-memory store with the same conflict rules as the
// PostgreSQL schema: one live booking per slot, one consultation per doctor and date.
type fakeRepository struct {
	mu           sync.Mutex
	profiles     map[string]*types.DoctorProfile
	availability map[string]*types.DoctorAvailability
	delays       map[string]*types.DelayTracker
	appointments map[string]*types.Appointment
	batchCalls   int
}

func newFakeRepository(doctors ...*types.DoctorProfile) *fakeRepository {
	r := &fakeRepository{
		profiles:     map[string]*types.DoctorProfile{},
		availability: map[string]*types.DoctorAvailability{},
		delays:       map[string]*types.DelayTracker{},
		appointments: map[string]*types.Appointment{},
	}
	for _, d := range doctors {
		r.profiles[d.ID] = d
	}
	return r
}

func cloneAppointment(apt *types.Appointment) *types.Appointment {
	c := *apt
	return &c
}

func (r *fakeRepository) seed(apts ...*types.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, apt := range apts {
		r.appointments[apt.ID] = cloneAppointment(apt)
	}
}

func (r *fakeRepository) get(id string) *types.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	if apt, ok := r.appointments[id]; ok {
		return cloneAppointment(apt)
	}
	return nil
}

func (r *fakeRepository) batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batchCalls
}

func (r *fakeRepository) GetDoctorProfile(_ context.Context, doctorID string) (*types.DoctorProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[doctorID]
	if !ok {
		return nil, types.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r *fakeRepository) UpdateConsultationDuration(_ context.Context, doctorID string, minutes int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[doctorID]
	if !ok {
		return types.ErrNotFound
	}
	p.ConsultationDuration = minutes
	return nil
}

func (r *fakeRepository) GetDoctorAvailability(_ context.Context, doctorID string) (*types.DoctorAvailability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.availability[doctorID], nil
}

func (r *fakeRepository) UpsertDoctorAvailability(_ context.Context, avail *types.DoctorAvailability) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.availability[avail.DoctorID] = avail
	return nil
}

func (r *fakeRepository) GetDelayTracker(_ context.Context, doctorID, date string) (*types.DelayTracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[doctorID+"|"+date], nil
}

func (r *fakeRepository) UpsertDelayTracker(_ context.Context, tracker *types.DelayTracker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *tracker
	r.delays[tracker.DoctorID+"|"+tracker.Date] = &c
	return nil
}

func (r *fakeRepository) CreateAppointment(_ context.Context, apt *types.Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.appointments {
		if existing.DoctorID == apt.DoctorID && existing.Date == apt.Date &&
			existing.TimeSlot == apt.TimeSlot && existing.Status != types.StatusCancelled {
			return types.ErrSlotAlreadyTaken
		}
	}
	r.appointments[apt.ID] = cloneAppointment(apt)
	return nil
}

func (r *fakeRepository) GetAppointmentByID(_ context.Context, id string) (*types.Appointment, error) {
	if apt := r.get(id); apt != nil {
		return apt, nil
	}
	return nil, types.ErrNotFound
}

func (r *fakeRepository) GetAppointments(_ context.Context, f *types.AppointmentFilters) ([]*types.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Appointment
	for _, apt := range r.appointments {
		if f != nil {
			if f.DoctorID != "" && apt.DoctorID != f.DoctorID ||
				f.PatientID != "" && apt.PatientID != f.PatientID ||
				f.Date != "" && apt.Date != f.Date ||
				f.Status != "" && apt.Status != f.Status {
				continue
			}
		}
		out = append(out, cloneAppointment(apt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeSlot < out[j].TimeSlot })
	return out, nil
}

func (r *fakeRepository) GetBookedSlots(ctx context.Context, doctorID, date string) ([]string, error) {
	apts, _ := r.GetAppointments(ctx, &types.AppointmentFilters{DoctorID: doctorID, Date: date})
	slots := []string{}
	for _, apt := range apts {
		if apt.Status != types.StatusCancelled {
			slots = append(slots, apt.TimeSlot)
		}
	}
	return slots, nil
}

func (r *fakeRepository) TransitionStatus(_ context.Context, id string, from []types.AppointmentStatus, to types.AppointmentStatus, u *types.AppointmentUpdates) (*types.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	apt, ok := r.appointments[id]
	if !ok {
		return nil, types.ErrNotFound
	}

	allowed := false
	for _, s := range from {
		if apt.Status == s {
			allowed = true
		}
	}
	if !allowed {
		return nil, types.ErrInvalidTransition
	}

	if to == types.StatusInConsultation {
		for _, other := range r.appointments {
			if other.ID != id && other.DoctorID == apt.DoctorID && other.Date == apt.Date &&
				other.Status == types.StatusInConsultation {
				return nil, types.ErrInvariantViolation
			}
		}
	}

	apt.Status = to
	if u != nil {
		if u.ArrivedAt != nil {
			apt.ArrivedAt = u.ArrivedAt
		}
		if u.StartedAt != nil {
			apt.StartedAt = u.StartedAt
		}
		if u.CompletedAt != nil {
			apt.CompletedAt = u.CompletedAt
		}
		if u.CancelledAt != nil {
			apt.CancelledAt = u.CancelledAt
		}
	}
	if to != types.StatusWaiting {
		apt.QueuePosition, apt.PatientsBefore, apt.PatientsAfter, apt.WaitingTime = 0, 0, 0, 0
	}
	apt.UpdatedAt = apt.UpdatedAt.Add(time.Second)
	return cloneAppointment(apt), nil
}

func (r *fakeRepository) GetWaitingAppointments(ctx context.Context, doctorID, date string) ([]*types.Appointment, error) {
	return r.GetAppointments(ctx, &types.AppointmentFilters{DoctorID: doctorID, Date: date, Status: types.StatusWaiting})
}

func (r *fakeRepository) BatchUpdateQueue(_ context.Context, doctorID, date string, assignments []*types.QueueAssignment) ([]*types.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batchCalls++

	var ids []string
	for _, apt := range r.appointments {
		if apt.DoctorID == doctorID && apt.Date == date && apt.Status == types.StatusWaiting {
			ids = append(ids, apt.ID)
		}
	}
	if !sameIDSet(ids, assignments) {
		return nil, types.ErrQueueSnapshotStale
	}

	storedDuration := 0
	if p, ok := r.profiles[doctorID]; ok {
		storedDuration = p.ConsultationDuration
	}
	if !queueInputsMatch(assignments, r.delays[doctorID+"|"+date].EffectiveDelay(), storedDuration) {
		return nil, types.ErrQueueSnapshotStale
	}

	updated := make([]*types.Appointment, 0, len(assignments))
	for _, a := range assignments {
		apt := r.appointments[a.AppointmentID]
		applyAssignment(apt, a)
		apt.UpdatedAt = apt.UpdatedAt.Add(time.Second)
		updated = append(updated, cloneAppointment(apt))
	}
	return updated, nil
}

// interleavingRepository runs a hook once, right after the first read of the
// delay tracker or doctor profile, to let another writer slip in mid-recompute
type interleavingRepository struct {
	*fakeRepository
	afterDelayRead   func()
	afterProfileRead func()
	fired            atomic.Bool
}

func (r *interleavingRepository) GetDelayTracker(ctx context.Context, doctorID, date string) (*types.DelayTracker, error) {
	tracker, err := r.fakeRepository.GetDelayTracker(ctx, doctorID, date)
	if r.afterDelayRead != nil && r.fired.CompareAndSwap(false, true) {
		r.afterDelayRead()
	}
	return tracker, err
}

func (r *interleavingRepository) GetDoctorProfile(ctx context.Context, doctorID string) (*types.DoctorProfile, error) {
	profile, err := r.fakeRepository.GetDoctorProfile(ctx, doctorID)
	if r.afterProfileRead != nil && r.fired.CompareAndSwap(false, true) {
		r.afterProfileRead()
	}
	return profile, err
}

// recordingPublisher keeps published events and serves in-process subscriptions
type recordingPublisher struct {
	mu     sync.Mutex
	events []*types.AppointmentEvent
	subs   map[int]chan *types.AppointmentEvent
	scopes map[int]types.SubscriptionScope
	nextID int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{
		subs:   map[int]chan *types.AppointmentEvent{},
		scopes: map[int]types.SubscriptionScope{},
	}
}

func (p *recordingPublisher) Publish(_ context.Context, event *types.AppointmentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	for id, ch := range p.subs {
		if p.scopes[id].Matches(event.Appointment) {
			select {
			case ch <- event:
			default:
			}
		}
	}
	return nil
}

func (p *recordingPublisher) Subscribe(_ context.Context, scope types.SubscriptionScope) (<-chan *types.AppointmentEvent, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	ch := make(chan *types.AppointmentEvent, 16)
	p.subs[id] = ch
	p.scopes[id] = scope

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			delete(p.scopes, id)
			close(ch)
		})
	}, nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) published() []*types.AppointmentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.AppointmentEvent(nil), p.events...)
}
