package scheduling

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/medrex/clinic-scheduler/pkg/logger"
	"github.com/medrex/clinic-scheduler/pkg/types"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = (livePongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin checks are done by the gateway in front of the service
	CheckOrigin: func(r *http.Request) bool { return true },
}

// setupRoutes configures HTTP routes for the scheduling service
func (s *Service) setupRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	// Slots and availability
	api.HandleFunc("/doctors/{doctorId}/slots", s.getAvailableSlotsHandler).Methods("GET")
	api.HandleFunc("/doctors/{doctorId}/availability", s.getAvailabilityHandler).Methods("GET")
	api.HandleFunc("/doctors/{doctorId}/availability", s.setAvailabilityHandler).Methods("PUT")

	// Doctor settings that feed the queue
	api.HandleFunc("/doctors/{doctorId}/consultation-duration", s.updateConsultationDurationHandler).Methods("PUT")
	api.HandleFunc("/doctors/{doctorId}/delay", s.setDelayHandler).Methods("PUT")

	// Queue
	api.HandleFunc("/doctors/{doctorId}/queue", s.getQueueHandler).Methods("GET")
	api.HandleFunc("/doctors/{doctorId}/queue/recompute", s.recomputeQueueHandler).Methods("POST")

	// Appointments
	api.HandleFunc("/appointments", s.bookSlotHandler).Methods("POST")
	api.HandleFunc("/appointments", s.getAppointmentsHandler).Methods("GET")
	api.HandleFunc("/appointments/{id}", s.getAppointmentHandler).Methods("GET")
	api.HandleFunc("/appointments/{id}", s.cancelAppointmentHandler).Methods("DELETE")
	api.HandleFunc("/appointments/{id}/cancel", s.cancelAppointmentHandler).Methods("POST")
	api.HandleFunc("/appointments/{id}/check-in", s.checkInHandler).Methods("POST")
	api.HandleFunc("/appointments/{id}/start", s.startConsultationHandler).Methods("POST")
	api.HandleFunc("/appointments/{id}/complete", s.completeConsultationHandler).Methods("POST")

	// Live feed
	api.HandleFunc("/live/appointments", s.liveAppointmentsHandler).Methods("GET")

	s.logger.Info("Scheduling service routes configured")
}

// getAvailableSlotsHandler lists free slots for a doctor on ?date=
func (s *Service) getAvailableSlotsHandler(w http.ResponseWriter, r *http.Request) {
	doctorID := mux.Vars(r)["doctorId"]

	slots, err := s.GetAvailableSlots(r.Context(), doctorID, r.URL.Query().Get("date"))
	if err != nil {
		s.writeServiceError(w, r, "Failed to get available slots", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, slots)
}

func (s *Service) getAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	doctorID := mux.Vars(r)["doctorId"]

	avail, err := s.GetDoctorAvailability(r.Context(), doctorID)
	if err != nil {
		s.writeServiceError(w, r, "Failed to get availability", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, avail)
}

func (s *Service) setAvailabilityHandler(w http.ResponseWriter, r *http.Request) {
	var avail types.DoctorAvailability
	if err := json.NewDecoder(r.Body).Decode(&avail); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	avail.DoctorID = mux.Vars(r)["doctorId"]

	if err := s.SetDoctorAvailability(r.Context(), &avail); err != nil {
		s.writeServiceError(w, r, "Failed to set availability", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, &avail)
}

type consultationDurationRequest struct {
	Minutes int    `json:"minutes"`
	Date    string `json:"date"`
}

func (s *Service) updateConsultationDurationHandler(w http.ResponseWriter, r *http.Request) {
	var req consultationDurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	update, err := s.UpdateConsultationDuration(r.Context(), mux.Vars(r)["doctorId"], req.Minutes, req.Date)
	if err != nil {
		s.writeServiceError(w, r, "Failed to update consultation duration", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, update)
}

type delayRequest struct {
	Date    string `json:"date"`
	Minutes int    `json:"minutes"`
	Active  *bool  `json:"active"`
}

func (s *Service) setDelayHandler(w http.ResponseWriter, r *http.Request) {
	var req delayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	update, err := s.SetDoctorDelay(r.Context(), mux.Vars(r)["doctorId"], req.Date, req.Minutes, active)
	if err != nil {
		s.writeServiceError(w, r, "Failed to set doctor delay", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, update)
}

func (s *Service) getQueueHandler(w http.ResponseWriter, r *http.Request) {
	queue, err := s.GetQueue(r.Context(), mux.Vars(r)["doctorId"], r.URL.Query().Get("date"))
	if err != nil {
		s.writeServiceError(w, r, "Failed to get queue", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, queue)
}

func (s *Service) recomputeQueueHandler(w http.ResponseWriter, r *http.Request) {
	update, err := s.RecomputeQueue(r.Context(), mux.Vars(r)["doctorId"], r.URL.Query().Get("date"))
	if err != nil {
		s.writeServiceError(w, r, "Failed to recompute queue", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, update)
}

// bookSlotHandler handles slot booking
func (s *Service) bookSlotHandler(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(clientKey(r, s.getUserIDFromRequest(r))) {
		s.metrics.RecordBooking("rate_limited")
		s.writeErrorResponse(w, http.StatusTooManyRequests, "Too many booking attempts", nil)
		return
	}

	var req types.BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	// Patients book for themselves unless reception names the patient
	if req.PatientID == "" {
		req.PatientID = s.getUserIDFromRequest(r)
	}

	apt, err := s.BookSlot(r.Context(), &req)
	if err != nil {
		s.writeServiceError(w, r, "Failed to book slot", err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, apt)
}

func (s *Service) getAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	appointments, err := s.GetAppointments(r.Context(), s.parseAppointmentFilters(r))
	if err != nil {
		s.writeServiceError(w, r, "Failed to get appointments", err)
		return
	}

	if appointments == nil {
		appointments = []*types.Appointment{}
	}
	s.writeJSONResponse(w, http.StatusOK, appointments)
}

func (s *Service) getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	apt, err := s.GetAppointment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, "Failed to get appointment", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, apt)
}

func (s *Service) cancelAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	s.queueTransitionHandler(w, r, "Failed to cancel appointment", s.CancelAppointment)
}

func (s *Service) checkInHandler(w http.ResponseWriter, r *http.Request) {
	s.queueTransitionHandler(w, r, "Failed to check in", s.CheckIn)
}

func (s *Service) startConsultationHandler(w http.ResponseWriter, r *http.Request) {
	s.queueTransitionHandler(w, r, "Failed to start consultation", s.StartConsultation)
}

func (s *Service) completeConsultationHandler(w http.ResponseWriter, r *http.Request) {
	s.queueTransitionHandler(w, r, "Failed to complete consultation", s.CompleteConsultation)
}

// queueTransitionHandler runs a status transition on {id}. A stale queue is still a 200.
func (s *Service) queueTransitionHandler(
	w http.ResponseWriter,
	r *http.Request,
	failure string,
	op func(context.Context, string) (*types.QueueUpdate, error),
) {
	update, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, failure, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, update)
}

// liveMessage is one frame on the live appointments socket
type liveMessage struct {
	Type         string                  `json:"type"`
	Appointments []*types.Appointment    `json:"appointments,omitempty"`
	Event        *types.AppointmentEvent `json:"event,omitempty"`
	Queue        *types.QueueSnapshot    `json:"queue,omitempty"`
}

// liveAppointmentsHandler upgrades to a WebSocket, sends the current appointments
// in scope and then every committed change until the client goes away
func (s *Service) liveAppointmentsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := types.SubscriptionScope{
		DoctorID:  q.Get("doctor_id"),
		Date:      q.Get("date"),
		PatientID: q.Get("patient_id"),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before reading the snapshot so no change falls in between
	events, unsubscribe, err := s.Subscribe(ctx, scope)
	if err != nil {
		s.writeServiceError(w, r, "Failed to subscribe", err)
		return
	}
	defer unsubscribe()

	current, err := s.GetAppointments(ctx, &types.AppointmentFilters{
		DoctorID:  scope.DoctorID,
		Date:      scope.Date,
		PatientID: scope.PatientID,
	})
	if err != nil {
		s.writeServiceError(w, r, "Failed to load appointments", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.WithContext(ctx).WithError(err).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"doctor_id":  scope.DoctorID,
		"date":       scope.Date,
		"patient_id": scope.PatientID,
	})
	log.Info("Live subscriber connected")
	defer log.Info("Live subscriber disconnected")

	go s.liveReadPump(conn, cancel)

	var view *QueueView
	if scope.DoctorID != "" && scope.Date != "" {
		view = NewQueueView(scope.DoctorID, scope.Date, current)
	}

	first := &liveMessage{Type: "snapshot", Appointments: current}
	if first.Appointments == nil {
		first.Appointments = []*types.Appointment{}
	}
	if view != nil {
		first.Queue = view.Snapshot()
	}
	if err := writeLiveMessage(conn, first); err != nil {
		return
	}

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case event, ok := <-events:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"))
				return
			}
			msg := &liveMessage{Type: "event", Event: event}
			if view != nil {
				view = view.Apply(event)
				msg.Queue = view.Snapshot()
			}
			if err := writeLiveMessage(conn, msg); err != nil {
				log.WithError(err).Debug("Live write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// liveReadPump drains client frames so pongs and close frames are processed
func (s *Service) liveReadPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeLiveMessage(conn *websocket.Conn, msg *liveMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// getUserIDFromRequest extracts user ID from request headers
func (s *Service) getUserIDFromRequest(r *http.Request) string {
	if userID, ok := r.Context().Value(logger.UserIDKey).(string); ok && userID != "" {
		return userID
	}
	return r.Header.Get("X-User-ID")
}

// parseAppointmentFilters parses query parameters into appointment filters
func (s *Service) parseAppointmentFilters(r *http.Request) *types.AppointmentFilters {
	q := r.URL.Query()
	filters := &types.AppointmentFilters{
		DoctorID:  q.Get("doctor_id"),
		PatientID: q.Get("patient_id"),
		Date:      q.Get("date"),
		Status:    types.AppointmentStatus(q.Get("status")),
	}

	if limit := q.Get("limit"); limit != "" {
		if parsed, err := strconv.Atoi(limit); err == nil {
			filters.Limit = parsed
		}
	}

	if offset := q.Get("offset"); offset != "" {
		if parsed, err := strconv.Atoi(offset); err == nil {
			filters.Offset = parsed
		}
	}

	return filters
}

// statusForError maps service errors to HTTP status codes
func statusForError(err error) int {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}

	switch appErr.Type {
	case types.ErrorTypeValidation:
		return http.StatusBadRequest
	case types.ErrorTypeNotFound:
		return http.StatusNotFound
	case types.ErrorTypeConflict:
		return http.StatusConflict
	case types.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status and code its type calls for
func (s *Service) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusForError(err)

	entry := s.logger.WithContext(r.Context()).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		entry.Error(message)
	} else {
		entry.Info(message)
	}

	response := map[string]interface{}{
		"error":  message,
		"status": status,
	}

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		response["code"] = appErr.Code
		response["message"] = appErr.Message
		if len(appErr.Details) > 0 {
			response["details"] = appErr.Details
		}
	}

	s.writeJSONResponse(w, status, response)
}

// writeJSONResponse writes a JSON response
func (s *Service) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func (s *Service) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	s.logger.WithError(err).Warn(message)

	response := map[string]interface{}{
		"error":  message,
		"status": statusCode,
	}

	if err != nil {
		response["details"] = err.Error()
	}

	s.writeJSONResponse(w, statusCode, response)
}
