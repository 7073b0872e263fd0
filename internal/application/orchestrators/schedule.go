package orchestrators

import (
	"context"
	"log/slog"
	"time"

	"studio/internal/application/datasync"
	"studio/internal/application/projections"
	"studio/internal/application/state"
	"studio/internal/domain/course"
)

// ScheduleStore defines the persistence needed by ExecuteRefreshSchedule.
type ScheduleStore interface {
	UpsertCourses(ctx context.Context, sessions []course.Session) (datasync.Mode, error)
}

// RefreshScheduleDeps holds dependencies for ExecuteRefreshSchedule.
type RefreshScheduleDeps struct {
	Collections *state.Collections
	Store       ScheduleStore
	Refresher   Refresher
	Template    course.WeeklyTemplate
	WindowDays  int
	Locale      course.Locale
	Location    *time.Location
	Now         func() time.Time
}

// RefreshScheduleResult reports the regenerated window.
type RefreshScheduleResult struct {
	Sessions int
	Mode     datasync.Mode
	Stored   bool // false when the courses could not be upserted
}

// ExecuteRefreshSchedule regenerates the session window from the weekly template.
// PRE: Template is valid
// POST: Collections hold the new window; sessions are upserted into the store when one is reachable
// INVARIANT: Regenerating on the same day yields the same session ids
func ExecuteRefreshSchedule(ctx context.Context, deps RefreshScheduleDeps) RefreshScheduleResult {
	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}
	sessions := course.GenerateSchedule(deps.Template, deps.Now().In(loc), deps.WindowDays, deps.Locale)
	deps.Collections.SetSessions(sessions)

	res := RefreshScheduleResult{Sessions: len(sessions)}
	mode, err := deps.Store.UpsertCourses(ctx, sessions)
	res.Mode = mode
	if err != nil {
		slog.Warn("schedule_event", "event", "courses_not_stored", "sessions", len(sessions), "kind", ErrorKind(err), "error", err)
	} else {
		res.Stored = true
	}

	slog.Info("schedule_event", "event", "schedule_refreshed", "sessions", len(sessions), "mode", string(mode))
	deps.Refresher.Dispatch(ctx, projections.Mutation{Kind: projections.ScheduleRefreshed, ActorIsAdmin: true})
	return res
}
