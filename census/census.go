// Package census performs one collection pass: enumerate the rooms the
// monitor account has joined, count members per room, and fold the counts
// into the persisted time series.
package census

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/matrix-census/matrixapi"
	"github.com/onnwee/matrix-census/status"
)

// MonitorOffset is subtracted from every displayed member count. The
// authenticating account is assumed to be a non-human monitor and should not
// show up in the numbers it reports.
const MonitorOffset = 1

// Stats summarizes one run for logging and metrics export.
type Stats struct {
	RoomsPolled  int
	RoomsFailed  int
	RoomsSkipped int
	Observed     time.Time
}

// Run folds one observation per room into st, plus the synthetic "total"
// series counting the deduplicated union of members across all rooms.
//
// A room whose member list cannot be fetched is logged and skipped; the run
// continues. A room seen for the first time that has no display name is not
// tracked at all, and its members do not join the total for this run. Failure
// to list joined rooms at all, and any series consistency violation, abort
// the run.
func Run(ctx context.Context, c *matrixapi.Client, st *status.Status, now time.Time) (Stats, error) {
	stats := Stats{Observed: now}
	log := slog.With(slog.String("run_id", uuid.NewString()))

	rooms, err := c.JoinedRooms(ctx)
	if err != nil {
		return stats, err
	}
	log.Debug("joined rooms listed", slog.Int("rooms", len(rooms)))

	observed := now.Format(time.RFC3339)
	unique := map[string]struct{}{}
	for _, roomID := range rooms {
		members, err := c.JoinedMembers(ctx, roomID)
		if err != nil {
			log.Warn("skipping room, member list unavailable", slog.String("room", roomID), slog.Any("err", err))
			stats.RoomsFailed++
			continue
		}
		room, tracked := st.Rooms[roomID]
		if !tracked {
			name, err := c.RoomName(ctx, roomID)
			if err != nil {
				// rooms are allowed to have no name, but all we want to
				// monitor do
				log.Debug("ignoring unnamed room", slog.String("room", roomID), slog.Any("err", err))
				stats.RoomsSkipped++
				continue
			}
			room = &status.Room{Name: name}
			st.Rooms[roomID] = room
		}
		if err := room.Counts.Record(observed, len(members)-MonitorOffset); err != nil {
			return stats, fmt.Errorf("room %s: %w", roomID, err)
		}
		for _, m := range members {
			unique[m] = struct{}{}
		}
		stats.RoomsPolled++
		log.Debug("room counted", slog.String("room", roomID), slog.String("name", room.Name), slog.Int("members", len(members)-MonitorOffset))
	}

	total, ok := st.Rooms[status.TotalRoomID]
	if !ok {
		total = &status.Room{Name: "Total"}
		st.Rooms[status.TotalRoomID] = total
	}
	if err := total.Counts.Record(observed, len(unique)-MonitorOffset); err != nil {
		return stats, fmt.Errorf("total series: %w", err)
	}
	return stats, nil
}
