package orchestrators

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"studio/internal/application/state"
	"studio/internal/domain/booking"
	"studio/internal/domain/outbox"

	"github.com/yuin/goldmark"
	goldmarkHTML "github.com/yuin/goldmark/renderer/html"
)

// NoticeQueue stores notices for later delivery.
type NoticeQueue interface {
	Save(ctx context.Context, e outbox.Entry) error
}

// EnqueueNoticeInput carries input for ExecuteEnqueueBookingNotice.
type EnqueueNoticeInput struct {
	Booking booking.Booking
}

// EnqueueNoticeDeps holds dependencies for ExecuteEnqueueBookingNotice.
type EnqueueNoticeDeps struct {
	Collections *state.Collections
	Queue       NoticeQueue
	GenerateID  func() string
	Now         func() time.Time
}

// ExecuteEnqueueBookingNotice queues an email telling the booking's owner about its new status.
// PRE: Booking has just been changed by an admin
// POST: A pending booking_notice entry is saved
func ExecuteEnqueueBookingNotice(ctx context.Context, input EnqueueNoticeInput, deps EnqueueNoticeDeps) (outbox.Entry, error) {
	b := input.Booking
	u, ok := deps.Collections.User(b.UserID)
	if !ok {
		return outbox.Entry{}, fmt.Errorf("user %s: %w", b.UserID, ErrNotFound)
	}
	n := outbox.BookingNotice{
		BookingID:  b.ID,
		To:         u.Email,
		MemberName: u.FullName(),
		CourseName: b.CourseID,
		Status:     b.Status,
	}
	if s, ok := deps.Collections.Course(b.CourseID); ok {
		n.CourseName = s.Name
		n.CourseDate = s.DateDisplay
		n.CourseTime = s.Time
	}

	entry, err := outbox.NewBookingNotice(deps.GenerateID(), n, deps.Now())
	if err != nil {
		return outbox.Entry{}, err
	}
	if err := deps.Queue.Save(ctx, entry); err != nil {
		return outbox.Entry{}, fmt.Errorf("save notice: %w", err)
	}
	slog.Info("notice_event", "event", "notice_enqueued", "entry_id", entry.ID, "booking_id", b.ID, "status", b.Status)
	return entry, nil
}

// enqueueNotice queues a notice after an admin decision. Failures never fail the decision.
func enqueueNotice(ctx context.Context, b booking.Booking, deps LifecycleDeps) {
	if deps.Notices == nil {
		return
	}
	_, err := ExecuteEnqueueBookingNotice(ctx, EnqueueNoticeInput{Booking: b}, EnqueueNoticeDeps{
		Collections: deps.Collections,
		Queue:       deps.Notices,
		GenerateID:  deps.GenerateID,
		Now:         deps.Now,
	})
	if err != nil {
		slog.Warn("notice_event", "event", "notice_enqueue_failed", "booking_id", b.ID, "error", err)
	}
}

var noticeMarkdown = goldmark.New(
	goldmark.WithRendererOptions(
		goldmarkHTML.WithHardWraps(),
	),
)

var statusPhrases = map[string]string{
	booking.StatusConfirmed:   "has been **confirmed**. See you there!",
	booking.StatusRejected:    "could not be accepted. The course is fully booked.",
	booking.StatusWaitingList: "is on the **waiting list**. We will let you know if a place opens up.",
	booking.StatusCancelled:   "has been **cancelled** by the studio.",
	booking.StatusPending:     "is pending review again.",
}

// RenderNotice builds the subject and the Markdown body of a notice, and
// renders the body to HTML.
func RenderNotice(n outbox.BookingNotice) (subject, text, html string, err error) {
	subject = fmt.Sprintf("Your booking for %s: %s", n.CourseName, n.Status)

	var md strings.Builder
	fmt.Fprintf(&md, "Hello %s,\n\n", n.MemberName)
	when := strings.TrimSpace(n.CourseDate + " " + n.CourseTime)
	if when != "" {
		fmt.Fprintf(&md, "your booking for **%s** on %s ", n.CourseName, when)
	} else {
		fmt.Fprintf(&md, "your booking for **%s** ", n.CourseName)
	}
	phrase, ok := statusPhrases[n.Status]
	if !ok {
		phrase = "changed to " + n.Status + "."
	}
	md.WriteString(phrase)
	md.WriteString("\n\nYour studio team\n")
	text = md.String()

	var buf bytes.Buffer
	if err := noticeMarkdown.Convert([]byte(text), &buf); err != nil {
		return "", "", "", fmt.Errorf("render notice: %w", err)
	}
	return subject, text, buf.String(), nil
}
