package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"studio/internal/adapters/http/middleware"
	"studio/internal/application/listutil"
	"studio/internal/application/orchestrators"
	"studio/internal/application/projections"
	"studio/internal/domain/booking"
)

// perfWindow is how far back /api/admin/perf looks.
const perfWindow = time.Hour

// internalError logs the real error and returns a generic message to the client.
func internalError(w http.ResponseWriter, err error) {
	slog.Error("internal_error", "error", err.Error())
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// strictDecode decodes JSON from the request body, rejecting unknown fields.
func strictDecode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var kindStatus = map[string]int{
	orchestrators.KindNotFound:          http.StatusNotFound,
	orchestrators.KindForbidden:         http.StatusForbidden,
	orchestrators.KindDuplicate:         http.StatusConflict,
	orchestrators.KindUnknownCourse:     http.StatusUnprocessableEntity,
	orchestrators.KindSessionStarted:    http.StatusConflict,
	orchestrators.KindInvalidTransition: http.StatusConflict,
	orchestrators.KindEmailTaken:        http.StatusConflict,
	orchestrators.KindCredentials:       http.StatusUnauthorized,
	orchestrators.KindInvalidInput:      http.StatusBadRequest,
	orchestrators.KindNoStore:           http.StatusServiceUnavailable,
	orchestrators.KindUnavailable:       http.StatusServiceUnavailable,
	orchestrators.KindNotStored:         http.StatusServiceUnavailable,
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// operationError maps an orchestrator error to a status code.
// Store failures get a fixed message so driver details never reach the client.
func operationError(w http.ResponseWriter, err error) {
	kind := orchestrators.ErrorKind(err)
	status, ok := kindStatus[kind]
	if !ok {
		internalError(w, err)
		return
	}
	msg := err.Error()
	if status == http.StatusServiceUnavailable {
		slog.Warn("store_error", "kind", kind, "error", err)
		msg = "the change could not be saved, try again later"
	}
	writeJSON(w, status, errorResponse{Error: kind, Message: msg})
}

type bookingResponse struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	CourseID    string `json:"course_id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	CancelledAt string `json:"cancelled_at,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
	Mode        string `json:"mode"`
}

func toBookingResponse(res orchestrators.BookingResult) bookingResponse {
	b := res.Booking
	out := bookingResponse{
		ID:          b.ID,
		UserID:      b.UserID,
		CourseID:    b.CourseID,
		Status:      b.Status,
		Timestamp:   b.Timestamp.Format(time.RFC3339),
		CancelledBy: b.CancelledBy,
		Mode:        string(res.Mode),
	}
	if !b.CancelledAt.IsZero() {
		out.CancelledAt = b.CancelledAt.Format(time.RFC3339)
	}
	return out
}

// pageResponse is one page of an admin list.
type pageResponse[T any] struct {
	Items []T               `json:"items"`
	Page  listutil.PageInfo `json:"page"`
}

// writePage filters items by the q parameter and writes the requested page.
func writePage[T any](w http.ResponseWriter, r *http.Request, items []T, fields func(T) []string) {
	q := r.URL.Query()
	matched := listutil.Search(items, q.Get("q"), fields)
	page, info := listutil.Paginate(matched, listutil.ParsePageParams(q))
	writeJSON(w, http.StatusOK, pageResponse[T]{Items: page, Page: info})
}

func bookingFields(b projections.BookingView) []string {
	return []string{b.MemberName, b.Email, b.CourseName, b.DateDisplay}
}

func userFields(u projections.UserView) []string {
	return []string{u.FirstName + " " + u.LastName, u.Email, u.Username}
}

func actorOf(sess middleware.Session) orchestrators.Actor {
	return orchestrators.Actor{ID: sess.UserID, IsAdmin: sess.IsAdmin()}
}

// handleHealth handles GET /api/health
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "mode": string(s.Store.Mode())})
}

// handleLogin handles POST /api/login
func (s *server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var input struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := strictDecode(r, &input); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := orchestrators.ExecuteLogin(r.Context(), orchestrators.LoginInput{
		Identifier: input.Identifier,
		Password:   input.Password,
	}, s.Collections)
	if err != nil {
		operationError(w, err)
		return
	}

	sess := middleware.Session{UserID: result.UserID, Username: result.Username, Role: result.Role}
	if err := s.Sessions.Login(w, r, sess); err != nil {
		internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":   result.UserID,
		"username":  result.Username,
		"full_name": result.FullName,
		"role":      result.Role,
	})
}

// handleLogout handles POST /api/logout
func (s *server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.Sessions.Logout(w, r); err != nil {
		internalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSessions handles GET /api/sessions
func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := middleware.RequireSession(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Views.Get(projections.Key{Projection: projections.Sessions}))
}

// handleSchedule handles GET /api/schedule: the window with the caller's bookings.
func (s *server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := middleware.RequireSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Views.Get(projections.Key{Projection: projections.UserSchedule, UserID: sess.UserID}))
}

// handleBookings handles GET/POST for /api/bookings
func (s *server) handleBookings(w http.ResponseWriter, r *http.Request) {
	sess, ok := middleware.RequireSession(w, r)
	if !ok {
		return
	}

	if r.Method == "GET" {
		writeJSON(w, http.StatusOK, s.Views.Get(projections.Key{Projection: projections.UserBookings, UserID: sess.UserID}))
		return
	}

	if r.Method == "POST" {
		var input struct {
			CourseID string `json:"course_id"`
		}
		if err := strictDecode(r, &input); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		if input.CourseID == "" {
			http.Error(w, "course_id is required", http.StatusBadRequest)
			return
		}
		result, err := orchestrators.ExecuteCreateBooking(r.Context(), orchestrators.CreateBookingInput{
			UserID:   sess.UserID,
			CourseID: input.CourseID,
		}, s.lifecycle())
		if err != nil {
			operationError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBookingResponse(result))
		return
	}

	http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
}

// handleCancelBooking handles POST /api/bookings/cancel
func (s *server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := middleware.RequireSession(w, r)
	if !ok {
		return
	}
	var input struct {
		BookingID string `json:"booking_id"`
	}
	if err := strictDecode(r, &input); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	result, err := orchestrators.ExecuteCancelBooking(r.Context(), orchestrators.CancelBookingInput{
		BookingID: input.BookingID,
		Actor:     actorOf(sess),
	}, s.lifecycle())
	if err != nil {
		operationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(result))
}

// handleBookingStatus handles POST /api/bookings/status (admin)
func (s *server) handleBookingStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	sess, ok := middleware.RequireAdmin(w, r)
	if !ok {
		return
	}
	var input struct {
		BookingID string `json:"booking_id"`
		Status    string `json:"status"`
	}
	if err := strictDecode(r, &input); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	status := input.Status
	if label, ok := statusLabels[strings.ToLower(status)]; ok {
		status = label
	}

	result, err := orchestrators.ExecuteUpdateBookingStatus(r.Context(), orchestrators.UpdateStatusInput{
		BookingID: input.BookingID,
		Status:    status,
		Actor:     actorOf(sess),
	}, s.lifecycle())
	if err != nil {
		operationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingResponse(result))
}

var adminBookingViews = map[string]projections.Projection{
	"":          projections.AdminAllBookings,
	"all":       projections.AdminAllBookings,
	"pending":   projections.AdminPending,
	"waiting":   projections.AdminWaitingList,
	"cancelled": projections.AdminCancelled,
}

// handleAdminBookings handles GET /api/admin/bookings?view=all|pending|waiting|cancelled&q=&page=&per_page=
func (s *server) handleAdminBookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := middleware.RequireAdmin(w, r); !ok {
		return
	}
	p, ok := adminBookingViews[r.URL.Query().Get("view")]
	if !ok {
		http.Error(w, "view must be one of: all, pending, waiting, cancelled", http.StatusBadRequest)
		return
	}
	views, _ := s.Views.Get(projections.Key{Projection: p}).([]projections.BookingView)
	writePage(w, r, views, bookingFields)
}

// handleAdminUsers handles GET/POST/DELETE for /api/admin/users. GET takes q, page and per_page.
func (s *server) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, ok := middleware.RequireAdmin(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case "GET":
		users, _ := s.Views.Get(projections.Key{Projection: projections.AdminUsers}).([]projections.UserView)
		writePage(w, r, users, userFields)

	case "POST":
		var input struct {
			FirstName string `json:"first_name"`
			LastName  string `json:"last_name"`
			Email     string `json:"email"`
			Password  string `json:"password"`
			Role      string `json:"role"`
		}
		if err := strictDecode(r, &input); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
		result, err := orchestrators.ExecuteCreateUser(ctx, orchestrators.CreateUserInput{
			FirstName: input.FirstName,
			LastName:  input.LastName,
			Email:     input.Email,
			Password:  input.Password,
			Role:      input.Role,
			Actor:     actorOf(sess),
		}, s.users())
		if err != nil {
			operationError(w, err)
			return
		}
		u := result.User
		writeJSON(w, http.StatusCreated, projections.UserView{
			ID:        u.ID,
			FirstName: u.FirstName,
			LastName:  u.LastName,
			Email:     u.Email,
			Username:  u.Username,
			Role:      u.Role,
		})

	case "DELETE":
		id := r.URL.Query().Get("id")
		if id == "" {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		result, err := orchestrators.ExecuteDeleteUser(ctx, orchestrators.DeleteUserInput{
			UserID:    id,
			Requester: actorOf(sess),
		}, s.users())
		if err != nil {
			operationError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":          result.User.ID,
			"removed_bookings": result.RemovedBookings,
			"mode":             string(result.Mode),
		})

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleAdminPerf handles GET /api/admin/perf
func (s *server) handleAdminPerf(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := middleware.RequireAdmin(w, r); !ok {
		return
	}
	if s.Perf == nil {
		http.Error(w, "performance collection is disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.Perf.Snapshot(s.Now().Add(-perfWindow), 10))
}

// statusLabels lets clients send the booking status in any of its spellings.
var statusLabels = map[string]string{
	"pending":      booking.StatusPending,
	"confirmed":    booking.StatusConfirmed,
	"rejected":     booking.StatusRejected,
	"waiting":      booking.StatusWaitingList,
	"waiting list": booking.StatusWaitingList,
	"waiting_list": booking.StatusWaitingList,
	"cancelled":    booking.StatusCancelled,
}
