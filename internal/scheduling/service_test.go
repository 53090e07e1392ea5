package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medrex/clinic-scheduler/pkg/config"
	"github.com/medrex/clinic-scheduler/pkg/logger"
	"github.com/medrex/clinic-scheduler/pkg/monitoring"
	"github.com/medrex/clinic-scheduler/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testDoctor = "doc-1"
	testDate   = "2024-01-15" // a Monday
)

var testNow = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Clinic: config.ClinicConfig{Timezone: "UTC"},
		Queue: config.QueueConfig{
			MaxRecomputeAttempts:       3,
			RetryBackoffMs:             0,
			DefaultConsultationMinutes: 30,
		},
	}
}

// stepClock advances one minute per reading so arrivals get distinct times
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.t
	c.t = c.t.Add(time.Minute)
	return t
}

// Test setup helpers
func setupTestService() (*Service, *MockSchedulingRepository, *MockEventPublisher) {
	mockRepo := &MockSchedulingRepository{}
	mockPublisher := &MockEventPublisher{}

	service := NewService(testConfig(), logger.NewDiscard(), mockRepo, mockPublisher,
		monitoring.NewMetricsCollector("test"), monitoring.NewNoopTracingManager("test"))
	service.now = func() time.Time { return testNow }

	return service, mockRepo, mockPublisher
}

func setupFakeService(duration int) (*Service, *fakeRepository, *recordingPublisher) {
	repo := newFakeRepository(&types.DoctorProfile{ID: testDoctor, Name: "Dr. Rao", ConsultationDuration: duration})
	publisher := newRecordingPublisher()

	service := NewService(testConfig(), logger.NewDiscard(), repo, publisher,
		monitoring.NewMetricsCollector("test"), monitoring.NewNoopTracingManager("test"))
	clock := &stepClock{t: testNow}
	service.now = clock.now

	return service, repo, publisher
}

func timeAt(minute int) *time.Time {
	t := testNow.Add(time.Duration(minute) * time.Minute)
	return &t
}

func waitingAppointment(id, slot string, arrived *time.Time) *types.Appointment {
	return &types.Appointment{
		ID:        id,
		DoctorID:  testDoctor,
		PatientID: "patient-" + id,
		Date:      testDate,
		TimeSlot:  slot,
		Status:    types.StatusWaiting,
		ArrivedAt: arrived,
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}
}

func scheduledAppointment(id, slot string) *types.Appointment {
	apt := waitingAppointment(id, slot, nil)
	apt.Status = types.StatusScheduled
	return apt
}

func bookingRequest(slot, patient string) *types.BookingRequest {
	return &types.BookingRequest{
		DoctorID:    testDoctor,
		Date:        testDate,
		TimeSlot:    slot,
		PatientID:   patient,
		PatientName: "Asha",
		Reason:      "Follow-up",
	}
}

func waitTimes(repo *fakeRepository, ids ...string) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = repo.get(id).WaitingTime
	}
	return out
}

func TestBookSlot_Success(t *testing.T) {
	service, mockRepo, mockPublisher := setupTestService()
	ctx := context.Background()

	mockRepo.On("GetDoctorProfile", mock.Anything, testDoctor).
		Return(&types.DoctorProfile{ID: testDoctor, ConsultationDuration: 30}, nil)
	mockRepo.On("GetDoctorAvailability", mock.Anything, testDoctor).Return(nil, nil)
	mockRepo.On("CreateAppointment", mock.Anything, mock.MatchedBy(func(apt *types.Appointment) bool {
		return apt.Status == types.StatusScheduled && apt.TimeSlot == "10:00" && apt.ID != ""
	})).Return(nil)
	mockPublisher.On("Publish", mock.Anything, mock.MatchedBy(func(e *types.AppointmentEvent) bool {
		return e.Type == types.EventAppointmentCreated
	})).Return(nil)

	apt, err := service.BookSlot(ctx, bookingRequest("10:00", "patient-1"))

	require.NoError(t, err)
	assert.Equal(t, types.StatusScheduled, apt.Status)
	assert.Equal(t, testNow, apt.CreatedAt)
	assert.Zero(t, apt.QueuePosition)
	mockRepo.AssertExpectations(t)
	mockPublisher.AssertExpectations(t)
}

func TestBookSlot_PublishFailureDoesNotFailBooking(t *testing.T) {
	service, mockRepo, mockPublisher := setupTestService()

	mockRepo.On("GetDoctorProfile", mock.Anything, testDoctor).
		Return(&types.DoctorProfile{ID: testDoctor, ConsultationDuration: 30}, nil)
	mockRepo.On("GetDoctorAvailability", mock.Anything, testDoctor).Return(nil, nil)
	mockRepo.On("CreateAppointment", mock.Anything, mock.Anything).Return(nil)
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("redis down"))

	apt, err := service.BookSlot(context.Background(), bookingRequest("10:00", "patient-1"))

	require.NoError(t, err)
	assert.NotNil(t, apt)
}

func TestBookSlot_PastDateRejected(t *testing.T) {
	service, mockRepo, _ := setupTestService()

	req := bookingRequest("10:00", "patient-1")
	req.Date = "2024-01-14"

	_, err := service.BookSlot(context.Background(), req)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrorTypeValidation, appErr.Type)
	mockRepo.AssertNotCalled(t, "CreateAppointment", mock.Anything, mock.Anything)
}

func TestBookSlot_InvalidRequest(t *testing.T) {
	service, mockRepo, _ := setupTestService()

	req := bookingRequest("9am", "")

	_, err := service.BookSlot(context.Background(), req)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeValidationFailed, appErr.Code)
	assert.Contains(t, appErr.Details, "PatientID")
	assert.Contains(t, appErr.Details, "TimeSlot")
	mockRepo.AssertNotCalled(t, "CreateAppointment", mock.Anything, mock.Anything)
}

func TestBookSlot_SlotNotOffered(t *testing.T) {
	service, _, _ := setupFakeService(30)

	_, err := service.BookSlot(context.Background(), bookingRequest("09:10", "patient-1"))

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrorTypeValidation, appErr.Type)
	assert.Equal(t, "ok", appErr.Details["reason"])
}

func TestBookSlot_SameSlotTwice(t *testing.T) {
	service, _, _ := setupFakeService(30)
	ctx := context.Background()

	_, err := service.BookSlot(ctx, bookingRequest("10:00", "patient-1"))
	require.NoError(t, err)

	_, err = service.BookSlot(ctx, bookingRequest("10:00", "patient-2"))
	assert.ErrorIs(t, err, types.ErrSlotAlreadyTaken)
}

func TestBookSlot_ConcurrentBookingsExactlyOneWins(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	service.now = func() time.Time { return testNow }
	ctx := context.Background()

	const bookers = 2
	results := make([]error, bookers)
	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < bookers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, results[i] = service.BookSlot(ctx, bookingRequest("11:00", fmt.Sprintf("patient-%d", i)))
		}(i)
	}
	close(start)
	wg.Wait()

	succeeded, taken := 0, 0
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, types.ErrSlotAlreadyTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, taken)

	booked, err := repo.GetBookedSlots(ctx, testDoctor, testDate)
	require.NoError(t, err)
	assert.Equal(t, []string{"11:00"}, booked)
}

func TestGetAvailableSlots_RemovesBookedSlots(t *testing.T) {
	service, _, _ := setupFakeService(30)
	ctx := context.Background()

	_, err := service.BookSlot(ctx, bookingRequest("09:00", "patient-1"))
	require.NoError(t, err)

	slots, err := service.GetAvailableSlots(ctx, testDoctor, testDate)

	require.NoError(t, err)
	assert.Equal(t, types.SlotReasonOK, slots.Reason)
	assert.Equal(t, 16, slots.Total)
	assert.Len(t, slots.Free, 15)
	assert.Equal(t, "09:30", slots.Free[0])
	assert.Equal(t, []string{"09:00"}, slots.Booked)
}

func TestGetAvailableSlots_OnLeave(t *testing.T) {
	service, _, _ := setupFakeService(30)
	ctx := context.Background()

	avail := DefaultAvailability(testDoctor)
	avail.OffDates = []string{testDate}
	require.NoError(t, service.SetDoctorAvailability(ctx, avail))

	slots, err := service.GetAvailableSlots(ctx, testDoctor, testDate)

	require.NoError(t, err)
	assert.Equal(t, types.SlotReasonOnLeave, slots.Reason)
	assert.Empty(t, slots.Free)
}

func TestGetAvailableSlots_UnknownDoctor(t *testing.T) {
	service, _, _ := setupFakeService(30)

	_, err := service.GetAvailableSlots(context.Background(), "nobody", testDate)

	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestCheckIn_WaitTimesFollowArrivalOrder(t *testing.T) {
	service, repo, _ := setupFakeService(20)
	ctx := context.Background()

	repo.seed(
		scheduledAppointment("a", "09:00"),
		scheduledAppointment("b", "09:30"),
		scheduledAppointment("c", "10:00"),
	)

	_, err := service.SetDoctorDelay(ctx, testDoctor, testDate, 10, true)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, err := service.CheckIn(ctx, id)
		require.NoError(t, err)
	}

	assert.Equal(t, []int{10, 30, 50}, waitTimes(repo, "a", "b", "c"))

	c := repo.get("c")
	assert.Equal(t, types.StatusWaiting, c.Status)
	assert.Equal(t, 3, c.QueuePosition)
	assert.Equal(t, 2, c.PatientsBefore)
	assert.Equal(t, 0, c.PatientsAfter)
	assert.NotNil(t, c.ArrivedAt)
}

func TestCheckIn_ReturnsPositionedAppointment(t *testing.T) {
	service, repo, publisher := setupFakeService(30)
	repo.seed(scheduledAppointment("a", "09:00"))

	update, err := service.CheckIn(context.Background(), "a")

	require.NoError(t, err)
	assert.False(t, update.QueueStale)
	assert.Equal(t, 1, update.Appointment.QueuePosition)
	require.Len(t, update.Assignments, 1)
	assert.Equal(t, "a", update.Assignments[0].AppointmentID)
	assert.NotEmpty(t, publisher.published())
}

func TestCheckIn_ArrivedIsFoldedIntoWaiting(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	apt := scheduledAppointment("a", "09:00")
	apt.Status = types.StatusArrived
	repo.seed(apt)

	_, err := service.CheckIn(context.Background(), "a")

	require.NoError(t, err)
	assert.Equal(t, types.StatusWaiting, repo.get("a").Status)
}

func TestCheckIn_TwiceIsInvalidTransition(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(scheduledAppointment("a", "09:00"))
	ctx := context.Background()

	_, err := service.CheckIn(ctx, "a")
	require.NoError(t, err)

	_, err = service.CheckIn(ctx, "a")
	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestUpdateConsultationDuration_CascadesToWaitingList(t *testing.T) {
	service, repo, _ := setupFakeService(15)
	repo.seed(
		waitingAppointment("a", "09:00", timeAt(1)),
		waitingAppointment("b", "09:30", timeAt(2)),
		waitingAppointment("c", "10:00", timeAt(3)),
	)

	update, err := service.UpdateConsultationDuration(context.Background(), testDoctor, 30, testDate)

	require.NoError(t, err)
	require.Len(t, update.Assignments, 3)
	assert.Equal(t, []int{0, 30, 60}, waitTimes(repo, "a", "b", "c"))
	assert.Equal(t, 30, repo.get("a").ConsultationDuration)

	profile, err := repo.GetDoctorProfile(context.Background(), testDoctor)
	require.NoError(t, err)
	assert.Equal(t, 30, profile.ConsultationDuration)
}

func TestUpdateConsultationDuration_DefaultsToToday(t *testing.T) {
	service, repo, _ := setupFakeService(15)
	repo.seed(waitingAppointment("a", "09:00", timeAt(1)))

	update, err := service.UpdateConsultationDuration(context.Background(), testDoctor, 20, "")

	require.NoError(t, err)
	require.Len(t, update.Assignments, 1)
	assert.Equal(t, 20, repo.get("a").ConsultationDuration)
}

func TestUpdateConsultationDuration_RejectsInvalidValues(t *testing.T) {
	service, mockRepo, _ := setupTestService()

	for _, minutes := range []int{0, 3, 7, 125} {
		_, err := service.UpdateConsultationDuration(context.Background(), testDoctor, minutes, testDate)

		var appErr *types.AppError
		require.ErrorAs(t, err, &appErr, "minutes=%d", minutes)
		assert.Equal(t, types.ErrorTypeValidation, appErr.Type)
	}
	mockRepo.AssertNotCalled(t, "UpdateConsultationDuration", mock.Anything, mock.Anything, mock.Anything)
}

func TestSetDoctorDelay_InactiveMeansNoDelay(t *testing.T) {
	service, repo, _ := setupFakeService(20)
	repo.seed(
		waitingAppointment("a", "09:00", timeAt(1)),
		waitingAppointment("b", "09:30", timeAt(2)),
	)
	ctx := context.Background()

	_, err := service.SetDoctorDelay(ctx, testDoctor, testDate, 15, true)
	require.NoError(t, err)
	assert.Equal(t, []int{15, 35}, waitTimes(repo, "a", "b"))

	_, err = service.SetDoctorDelay(ctx, testDoctor, testDate, 15, false)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 20}, waitTimes(repo, "a", "b"))
}

func TestSetDoctorDelay_RejectsNegative(t *testing.T) {
	service, _, _ := setupTestService()

	_, err := service.SetDoctorDelay(context.Background(), testDoctor, testDate, -5, true)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrorTypeValidation, appErr.Type)
}

func TestRecomputeQueue_IsIdempotent(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(
		waitingAppointment("a", "09:00", timeAt(1)),
		waitingAppointment("b", "09:30", timeAt(2)),
	)
	ctx := context.Background()

	first, err := service.RecomputeQueue(ctx, testDoctor, testDate)
	require.NoError(t, err)
	assert.Equal(t, 1, repo.batches())

	second, err := service.RecomputeQueue(ctx, testDoctor, testDate)
	require.NoError(t, err)

	assert.Equal(t, first.Assignments, second.Assignments)
	assert.Equal(t, 1, repo.batches(), "unchanged queue must not be rewritten")
}

func TestRecomputeQueue_EmptyWaitingListSkipsWrite(t *testing.T) {
	service, repo, _ := setupFakeService(30)

	update, err := service.RecomputeQueue(context.Background(), testDoctor, testDate)

	require.NoError(t, err)
	assert.Empty(t, update.Assignments)
	assert.False(t, update.QueueStale)
	assert.Equal(t, 0, repo.batches())
}

func TestRecomputeQueue_MissingArrivalGoesLast(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(
		waitingAppointment("no-time", "09:00", nil),
		waitingAppointment("late", "09:30", timeAt(5)),
		waitingAppointment("early", "10:00", timeAt(1)),
	)

	_, err := service.RecomputeQueue(context.Background(), testDoctor, testDate)

	require.NoError(t, err)
	assert.Equal(t, 1, repo.get("early").QueuePosition)
	assert.Equal(t, 2, repo.get("late").QueuePosition)
	assert.Equal(t, 3, repo.get("no-time").QueuePosition)
}

func TestRecomputeQueue_InvalidDate(t *testing.T) {
	service, _, _ := setupTestService()

	_, err := service.RecomputeQueue(context.Background(), testDoctor, "2024-13-01")

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrorTypeValidation, appErr.Type)
}

func TestStartConsultation_SecondConsultationIsInvariantViolation(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	busy := waitingAppointment("busy", "09:00", timeAt(1))
	busy.Status = types.StatusInConsultation
	repo.seed(busy, waitingAppointment("next", "09:30", timeAt(2)))

	_, err := service.StartConsultation(context.Background(), "next")

	assert.ErrorIs(t, err, types.ErrInvariantViolation)
	assert.Equal(t, types.StatusWaiting, repo.get("next").Status)
}

func TestStartConsultation_ShiftsQueue(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(
		waitingAppointment("a", "09:00", timeAt(1)),
		waitingAppointment("b", "09:30", timeAt(2)),
		waitingAppointment("c", "10:00", timeAt(3)),
	)
	ctx := context.Background()
	_, err := service.RecomputeQueue(ctx, testDoctor, testDate)
	require.NoError(t, err)

	update, err := service.StartConsultation(ctx, "a")

	require.NoError(t, err)
	assert.Equal(t, types.StatusInConsultation, update.Appointment.Status)
	assert.Zero(t, update.Appointment.QueuePosition)
	assert.NotNil(t, repo.get("a").StartedAt)
	assert.Equal(t, 1, repo.get("b").QueuePosition)
	assert.Equal(t, []int{0, 30}, waitTimes(repo, "b", "c"))
}

func TestCompleteConsultation(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	busy := waitingAppointment("busy", "09:00", timeAt(1))
	busy.Status = types.StatusInConsultation
	repo.seed(busy)

	update, err := service.CompleteConsultation(context.Background(), "busy")

	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, update.Appointment.Status)
	assert.NotNil(t, repo.get("busy").CompletedAt)
}

func TestCompleteConsultation_FromScheduledIsInvalid(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(scheduledAppointment("a", "09:00"))

	_, err := service.CompleteConsultation(context.Background(), "a")

	assert.ErrorIs(t, err, types.ErrInvalidTransition)
	assert.Equal(t, types.StatusScheduled, repo.get("a").Status)
}

func TestCancelAppointment_WaitingRecomputesAndFreesSlot(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(
		waitingAppointment("a", "09:00", timeAt(1)),
		waitingAppointment("b", "09:30", timeAt(2)),
	)
	ctx := context.Background()
	_, err := service.RecomputeQueue(ctx, testDoctor, testDate)
	require.NoError(t, err)

	update, err := service.CancelAppointment(ctx, "a")

	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, update.Appointment.Status)
	assert.Equal(t, 1, repo.get("b").QueuePosition)
	assert.Equal(t, 0, repo.get("b").WaitingTime)

	_, err = service.BookSlot(ctx, bookingRequest("09:00", "patient-z"))
	assert.NoError(t, err)
}

func TestCancelAppointment_TerminalIsInvalid(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	done := scheduledAppointment("a", "09:00")
	done.Status = types.StatusCompleted
	repo.seed(done)

	_, err := service.CancelAppointment(context.Background(), "a")

	assert.ErrorIs(t, err, types.ErrInvalidTransition)
}

func TestCancelAppointment_NotFound(t *testing.T) {
	service, _, _ := setupFakeService(30)

	_, err := service.CancelAppointment(context.Background(), "missing")

	assert.ErrorIs(t, err, types.ErrNotFound)
}

func mockQueueReads(mockRepo *MockSchedulingRepository, apt *types.Appointment) {
	mockRepo.On("TransitionStatus", mock.Anything, apt.ID, mock.Anything, types.StatusWaiting, mock.Anything).
		Return(apt, nil)
	mockRepo.On("GetWaitingAppointments", mock.Anything, testDoctor, testDate).
		Return([]*types.Appointment{apt}, nil)
	mockRepo.On("GetDelayTracker", mock.Anything, testDoctor, testDate).Return(nil, nil)
	mockRepo.On("GetDoctorProfile", mock.Anything, testDoctor).
		Return(&types.DoctorProfile{ID: testDoctor, ConsultationDuration: 20}, nil)
}

func TestRecompute_RetriesAfterStaleSnapshot(t *testing.T) {
	service, mockRepo, mockPublisher := setupTestService()
	apt := waitingAppointment("a", "09:00", timeAt(1))
	mockQueueReads(mockRepo, apt)

	positioned := *apt
	positioned.QueuePosition = 1

	mockRepo.On("BatchUpdateQueue", mock.Anything, testDoctor, testDate, mock.Anything).
		Return(nil, types.ErrQueueSnapshotStale).Once()
	mockRepo.On("BatchUpdateQueue", mock.Anything, testDoctor, testDate, mock.Anything).
		Return([]*types.Appointment{&positioned}, nil).Once()
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	update, err := service.CheckIn(context.Background(), "a")

	require.NoError(t, err)
	assert.False(t, update.QueueStale)
	require.Len(t, update.Assignments, 1)
	assert.Equal(t, 1, update.Assignments[0].QueuePosition)
	mockRepo.AssertNumberOfCalls(t, "BatchUpdateQueue", 2)
	mockRepo.AssertNumberOfCalls(t, "GetWaitingAppointments", 2)
}

func TestRecompute_ExhaustedRetriesMarkQueueStale(t *testing.T) {
	service, mockRepo, mockPublisher := setupTestService()
	apt := waitingAppointment("a", "09:00", timeAt(1))
	mockQueueReads(mockRepo, apt)

	mockRepo.On("BatchUpdateQueue", mock.Anything, testDoctor, testDate, mock.Anything).
		Return(nil, types.ErrQueueSnapshotStale)
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	update, err := service.CheckIn(context.Background(), "a")

	require.NoError(t, err, "a committed check-in is never reported as failed")
	assert.True(t, update.QueueStale)
	assert.Empty(t, update.Assignments)
	assert.Equal(t, types.StatusWaiting, update.Appointment.Status)
	mockRepo.AssertNumberOfCalls(t, "BatchUpdateQueue", 3)
	mockRepo.AssertNotCalled(t, "TransitionStatus", mock.Anything, "a", mock.Anything, types.StatusScheduled, mock.Anything)
}

func TestQueueHealth_DegradedWhileQueueStale(t *testing.T) {
	service, mockRepo, mockPublisher := setupTestService()
	apt := waitingAppointment("a", "09:00", timeAt(1))
	mockQueueReads(mockRepo, apt)
	mockRepo.On("BatchUpdateQueue", mock.Anything, testDoctor, testDate, mock.Anything).
		Return(nil, types.ErrQueueSnapshotStale)
	mockPublisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	healthy := service.queueHealth(context.Background())
	assert.Equal(t, monitoring.HealthStatusHealthy, healthy.Status)

	_, err := service.CheckIn(context.Background(), "a")
	require.NoError(t, err)

	report := service.health.CheckHealth(context.Background())
	assert.Equal(t, monitoring.HealthStatusDegraded, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "queue", report.Checks[0].Name)
	assert.Equal(t, []string{testDoctor + "|" + testDate}, report.Checks[0].Details["stale_queues"])
}

func TestQueueHealth_ClearedByNextCommittedRecompute(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(waitingAppointment("a", "09:00", timeAt(1)))
	service.stale.Store(testDoctor+"|"+testDate, testNow)

	_, err := service.RecomputeQueue(context.Background(), testDoctor, testDate)
	require.NoError(t, err)

	assert.Equal(t, monitoring.HealthStatusHealthy, service.queueHealth(context.Background()).Status)
}

func TestGetQueue_Snapshot(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	busy := waitingAppointment("busy", "08:30", timeAt(0))
	busy.Status = types.StatusInConsultation
	done := scheduledAppointment("done", "08:00")
	done.Status = types.StatusCompleted
	repo.seed(
		busy,
		done,
		scheduledAppointment("later", "11:00"),
		waitingAppointment("b", "09:30", timeAt(2)),
		waitingAppointment("a", "09:00", timeAt(1)),
	)
	ctx := context.Background()
	_, err := service.SetDoctorDelay(ctx, testDoctor, testDate, 5, true)
	require.NoError(t, err)

	queue, err := service.GetQueue(ctx, testDoctor, testDate)

	require.NoError(t, err)
	require.Len(t, queue.Waiting, 2)
	assert.Equal(t, "a", queue.Waiting[0].ID)
	assert.Equal(t, "b", queue.Waiting[1].ID)
	require.NotNil(t, queue.InConsultation)
	assert.Equal(t, "busy", queue.InConsultation.ID)
	assert.Equal(t, 1, queue.CompletedCount)
	assert.Equal(t, 1, queue.ScheduledCount)
	assert.Equal(t, 5, queue.DelayMinutes)
	assert.Equal(t, 30, queue.ConsultationDuration)
}

func TestSetDoctorAvailability_Validation(t *testing.T) {
	service, _, _ := setupFakeService(30)
	ctx := context.Background()

	cases := map[string]*types.DoctorAvailability{
		"missing doctor": {WorkingDays: map[string]types.WorkingHours{}},
		"unknown day": {DoctorID: testDoctor, WorkingDays: map[string]types.WorkingHours{
			"Funday": {Start: "09:00", End: "17:00"},
		}},
		"reversed hours": {DoctorID: testDoctor, WorkingDays: map[string]types.WorkingHours{
			"Monday": {Start: "17:00", End: "09:00"},
		}},
		"bad off date": {DoctorID: testDoctor, OffDates: []string{"15/01/2024"}},
	}

	for name, avail := range cases {
		t.Run(name, func(t *testing.T) {
			err := service.SetDoctorAvailability(ctx, avail)
			var appErr *types.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, types.ErrorTypeValidation, appErr.Type)
		})
	}
}

func TestGetDoctorAvailability_DefaultsWhenAbsent(t *testing.T) {
	service, _, _ := setupFakeService(30)

	avail, err := service.GetDoctorAvailability(context.Background(), testDoctor)

	require.NoError(t, err)
	assert.Equal(t, testDoctor, avail.DoctorID)
	assert.Len(t, avail.WorkingDays, 5)
	assert.Equal(t, types.WorkingHours{Start: "09:00", End: "17:00"}, avail.WorkingDays["Monday"])
}

func TestSubscribe_ReceivesCommittedChanges(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	repo.seed(scheduledAppointment("a", "09:00"))
	ctx := context.Background()

	events, cancel, err := service.Subscribe(ctx, types.SubscriptionScope{DoctorID: testDoctor, Date: testDate})
	require.NoError(t, err)
	defer cancel()

	_, err = service.CheckIn(ctx, "a")
	require.NoError(t, err)

	select {
	case event := <-events:
		assert.Equal(t, types.EventAppointmentUpdated, event.Type)
		assert.Equal(t, "a", event.Appointment.ID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func setupInterleavedService(duration int) (*Service, *interleavingRepository) {
	repo := &interleavingRepository{
		fakeRepository: newFakeRepository(&types.DoctorProfile{ID: testDoctor, Name: "Dr. Rao", ConsultationDuration: duration}),
	}

	service := NewService(testConfig(), logger.NewDiscard(), repo, newRecordingPublisher(),
		monitoring.NewMetricsCollector("test"), monitoring.NewNoopTracingManager("test"))
	clock := &stepClock{t: testNow}
	service.now = clock.now

	return service, repo
}

func TestSetDoctorDelay_NewerDelayWinsOverInFlightRecompute(t *testing.T) {
	service, repo := setupInterleavedService(30)
	repo.seed(
		waitingAppointment("a", "09:00", timeAt(1)),
		waitingAppointment("b", "09:30", timeAt(2)),
	)
	ctx := context.Background()

	// a second delay lands after the first recompute read the old one
	repo.afterDelayRead = func() {
		_, err := service.SetDoctorDelay(ctx, testDoctor, testDate, 20, true)
		require.NoError(t, err)
	}

	update, err := service.SetDoctorDelay(ctx, testDoctor, testDate, 10, true)
	require.NoError(t, err)

	assert.False(t, update.QueueStale)
	assert.Equal(t, 20, repo.delays[testDoctor+"|"+testDate].DelayMinutes)
	assert.Equal(t, []int{20, 50}, waitTimes(repo.fakeRepository, "a", "b"))
	assert.Equal(t, 20, repo.get("a").DelayMinutes)
	assert.Equal(t, 2, repo.batches(), "outdated batch is rejected, its retry finds nothing to write")
}

func TestCheckIn_NewerDurationWinsOverInFlightRecompute(t *testing.T) {
	service, repo := setupInterleavedService(30)
	repo.seed(
		waitingAppointment("a", "09:00", timeAt(-10)),
		scheduledAppointment("b", "09:30"),
	)
	ctx := context.Background()

	repo.afterProfileRead = func() {
		_, err := service.UpdateConsultationDuration(ctx, testDoctor, 15, testDate)
		require.NoError(t, err)
	}

	update, err := service.CheckIn(ctx, "b")
	require.NoError(t, err)

	assert.False(t, update.QueueStale)
	assert.Equal(t, []int{0, 15}, waitTimes(repo.fakeRepository, "a", "b"))
	assert.Equal(t, 15, repo.get("b").ConsultationDuration)
}

func TestCompleteConsultation_ThenRecomputeKeepsRanking(t *testing.T) {
	service, repo, _ := setupFakeService(30)
	busy := waitingAppointment("busy", "09:00", timeAt(1))
	busy.Status = types.StatusInConsultation
	repo.seed(
		busy,
		waitingAppointment("a", "09:30", timeAt(2)),
		waitingAppointment("b", "10:00", timeAt(3)),
	)
	ctx := context.Background()

	_, err := service.CompleteConsultation(ctx, "busy")
	require.NoError(t, err)

	positions := []int{repo.get("a").QueuePosition, repo.get("b").QueuePosition}
	waits := waitTimes(repo, "a", "b")
	batches := repo.batches()
	assert.Equal(t, []int{1, 2}, positions)
	assert.Equal(t, []int{0, 30}, waits)

	_, err = service.RecomputeQueue(ctx, testDoctor, testDate)
	require.NoError(t, err)

	assert.Equal(t, positions, []int{repo.get("a").QueuePosition, repo.get("b").QueuePosition})
	assert.Equal(t, waits, waitTimes(repo, "a", "b"))
	assert.Equal(t, batches, repo.batches(), "recompute after complete writes nothing")
}
