package orchestrators

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"studio/internal/adapters/email"
	outboxStore "studio/internal/adapters/storage/outbox"
	domainOutbox "studio/internal/domain/outbox"
)

// OutboxRetryDeps provides the dependencies for delivering outbox entries.
type OutboxRetryDeps struct {
	OutboxStore outboxStore.Store
	Sender      email.Sender
	Now         func() time.Time
	BatchSize   int           // default 100
	BaseDelay   time.Duration // default 1 minute
	MaxDelay    time.Duration // default 1 hour
}

// OutboxRetryResult summarizes one pass.
type OutboxRetryResult struct {
	Processed int
	Succeeded int
	Failed    int
	Skipped   int
}

// ExecuteOutboxRetry delivers pending and retrying outbox entries with exponential backoff.
// PRE: Deps are valid and store is connected
// POST: Every due entry was attempted once and saved with its outcome
func ExecuteOutboxRetry(ctx context.Context, deps OutboxRetryDeps) (OutboxRetryResult, error) {
	batch, baseDelay, maxDelay := deps.BatchSize, deps.BaseDelay, deps.MaxDelay
	if batch <= 0 {
		batch = 100
	}
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	if maxDelay <= 0 {
		maxDelay = time.Hour
	}

	entries, err := deps.OutboxStore.ListPending(ctx, batch)
	if err != nil {
		return OutboxRetryResult{}, fmt.Errorf("list pending outbox entries: %w", err)
	}
	var res OutboxRetryResult
	if len(entries) == 0 {
		return res, nil
	}

	now := deps.Now()
	for _, entry := range entries {
		if !entry.CanRetry() {
			entry.MarkAbandoned()
			if err := deps.OutboxStore.Save(ctx, entry); err != nil {
				slog.Error("outbox_event", "event", "save_failed", "entry_id", entry.ID, "error", err)
			}
			res.Skipped++
			continue
		}
		if !entry.IsDue(now, baseDelay, maxDelay) {
			slog.Debug("outbox_event", "event", "backoff", "entry_id", entry.ID, "attempts", entry.Attempts)
			res.Skipped++
			continue
		}

		res.Processed++
		entry.MarkAttempt(now)
		externalID, err := deliver(ctx, entry, deps.Sender)
		if err != nil {
			entry.MarkFailed(err)
			res.Failed++
			slog.Error("outbox_event", "event", "delivery_failed", "entry_id", entry.ID, "action", entry.ActionType, "attempt", entry.Attempts, "error", err)
		} else {
			entry.MarkSuccess(externalID)
			res.Succeeded++
			slog.Info("outbox_event", "event", "delivered", "entry_id", entry.ID, "action", entry.ActionType, "attempt", entry.Attempts)
		}

		if err := deps.OutboxStore.Save(ctx, entry); err != nil {
			slog.Error("outbox_event", "event", "save_failed", "entry_id", entry.ID, "error", err)
		}
	}

	slog.Info("outbox_event", "event", "pass_complete", "processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

func deliver(ctx context.Context, entry domainOutbox.Entry, sender email.Sender) (string, error) {
	if entry.ActionType != domainOutbox.ActionTypeBookingNotice {
		return "", fmt.Errorf("unknown action type: %s", entry.ActionType)
	}
	n, err := entry.Notice()
	if err != nil {
		return "", fmt.Errorf("decode notice: %w", err)
	}
	subject, text, html, err := RenderNotice(n)
	if err != nil {
		return "", err
	}
	res, err := sender.Send(ctx, email.SendRequest{
		To:      []string{n.To},
		Subject: subject,
		HTML:    html,
		Text:    text,
	})
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}
