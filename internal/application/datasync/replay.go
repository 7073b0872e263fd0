package datasync

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"studio/internal/adapters/recordstore"
	"studio/internal/adapters/storage/backlog"
)

// replay pushes rows written locally during an earlier outage to the remote store.
// A row the remote store rejects as conflicting is dropped: the remote copy wins.
// POST: Returns the keys still queued, or nil when the backlog could not be read
// POST: A non-nil error means the remote store failed; the rest stays queued
func (g *Gateway) replay(ctx context.Context) (map[string]bool, error) {
	if g.backlog == nil || g.local == nil || g.remote == nil {
		return nil, nil
	}
	rows, err := g.backlog.List(ctx)
	if err != nil {
		slog.Error("sync_event", "event", "backlog_read_failed", "error", err)
		return nil, nil
	}
	slices.SortStableFunc(rows, func(a, b backlog.Row) int {
		return replayRank(a) - replayRank(b)
	})

	waiting := make(map[string]bool)
	replayed, dropped := 0, 0
	for i, r := range rows {
		err := g.replayRow(ctx, r)
		switch {
		case errors.Is(err, recordstore.ErrConflict):
			dropped++
			slog.Warn("sync_event", "event", "replay_conflict_dropped", "row", r.Key(), "error", err)
		case err != nil:
			for _, rest := range rows[i:] {
				waiting[rest.Key()] = true
			}
			slog.Warn("sync_event", "event", "replay_failed", "row", r.Key(), "waiting", len(rows)-i, "error", err)
			return waiting, err
		default:
			replayed++
		}
		if err := g.backlog.Remove(ctx, r.Table, r.ID); err != nil {
			slog.Error("sync_event", "event", "backlog_remove_failed", "row", r.Key(), "error", err)
			waiting[r.Key()] = true
		}
	}
	if len(rows) > 0 {
		slog.Info("sync_event", "event", "backlog_replayed", "replayed", replayed, "dropped", dropped)
	}
	return waiting, nil
}

func (g *Gateway) replayRow(ctx context.Context, r backlog.Row) error {
	if r.Deleted {
		if r.Table == recordstore.TableUsers {
			return deleteUser(ctx, g.remote, r.ID)
		}
		return g.remote.Delete(ctx, r.Table, recordstore.Filter{"id": r.ID})
	}
	rows, err := g.local.Select(ctx, r.Table, recordstore.Filter{"id": r.ID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// removed locally since, by a user deletion queued on its own
		return nil
	}
	_, err = g.remote.Upsert(ctx, r.Table, rows, "id")
	return err
}

// replayRank orders writes parents first and removals children first.
func replayRank(r backlog.Row) int {
	rank := slices.Index(recordstore.Tables, r.Table)
	if r.Deleted {
		return 2*len(recordstore.Tables) - rank
	}
	return rank
}
