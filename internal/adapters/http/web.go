package web

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"studio/internal/adapters/http/middleware"
	"studio/internal/adapters/http/perf"
	"studio/internal/application/datasync"
	"studio/internal/application/orchestrators"
	"studio/internal/application/state"
)

// Store is the persistence the handlers write through.
type Store interface {
	orchestrators.BookingStore
	orchestrators.UserStore
	Mode() datasync.Mode
}

// Deps holds the handlers' dependencies.
type Deps struct {
	Collections *state.Collections
	Store       Store
	Refresher   orchestrators.Refresher
	Notices     orchestrators.NoticeQueue // optional
	Views       *ViewCache
	Sessions    *middleware.Sessions
	Perf        *perf.Collector // optional
	GenerateID  func() string   // defaults to uuid
	Now         func() time.Time
}

// Config tunes the middleware chain.
type Config struct {
	CSRFKey            []byte // 32 bytes
	SecureCookies      bool
	TrustedOrigins     []string
	RateLimitPerSecond int
	SlowRequest        time.Duration
}

// DefaultRateLimitPerSecond is used when Config leaves the limit at zero.
const DefaultRateLimitPerSecond = 10

type server struct {
	Deps
}

func (s *server) lifecycle() orchestrators.LifecycleDeps {
	return orchestrators.LifecycleDeps{
		Collections: s.Collections,
		Store:       s.Store,
		Refresher:   s.Refresher,
		Notices:     s.Notices,
		GenerateID:  s.GenerateID,
		Now:         s.Now,
	}
}

func (s *server) users() orchestrators.UserDeps {
	return orchestrators.UserDeps{
		Collections: s.Collections,
		Store:       s.Store,
		Refresher:   s.Refresher,
		GenerateID:  s.GenerateID,
		Now:         s.Now,
	}
}

// NewMux wires the JSON API and its middleware.
// The rate limiter releases its buckets when ctx ends.
func NewMux(ctx context.Context, deps Deps, cfg Config) http.Handler {
	if deps.GenerateID == nil {
		deps.GenerateID = func() string { return uuid.New().String() }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &server{Deps: deps}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	rate := cfg.RateLimitPerSecond
	if rate <= 0 {
		rate = DefaultRateLimitPerSecond
	}
	limiter := middleware.NewRateLimiter(ctx, rate, time.Second)

	// Timing -> RateLimit -> Auth -> CSRF -> SecurityHeaders -> Mux
	return middleware.Chain(mux,
		middleware.SecurityHeaders,
		middleware.CSRF(cfg.CSRFKey, cfg.SecureCookies, cfg.TrustedOrigins),
		middleware.Auth(deps.Sessions, s.lookupUser),
		middleware.RateLimit(limiter),
		middleware.Timing(deps.Perf, cfg.SlowRequest),
	)
}

// lookupUser resolves a session's user against the live collections.
func (s *server) lookupUser(userID string) (username, role string, ok bool) {
	u, ok := s.Collections.User(userID)
	if !ok {
		return "", "", false
	}
	return u.Username, u.Role, true
}

func (s *server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/schedule", s.handleSchedule)
	mux.HandleFunc("/api/bookings", s.handleBookings)
	mux.HandleFunc("/api/bookings/cancel", s.handleCancelBooking)
	mux.HandleFunc("/api/bookings/status", s.handleBookingStatus)
	mux.HandleFunc("/api/admin/bookings", s.handleAdminBookings)
	mux.HandleFunc("/api/admin/users", s.handleAdminUsers)
	mux.HandleFunc("/api/admin/perf", s.handleAdminPerf)
}
