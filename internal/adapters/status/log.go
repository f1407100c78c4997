// Package status publishes room and peer snapshots outside the process.
package status

import (
	"context"

	"github.com/dkeye/Meet/internal/app"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogHook writes a one-line summary of every snapshot.
type LogHook struct {
	logger zerolog.Logger
}

func NewLogHook() *LogHook {
	return &LogHook{logger: log.With().Str("module", "status").Logger()}
}

func (h *LogHook) Name() string { return "log" }

func (h *LogHook) Publish(_ context.Context, s app.StatusSnapshot) error {
	h.logger.Info().
		Str("event", string(s.Event)).
		Str("room", string(s.RoomID)).
		Int("rooms", len(s.Rooms)).
		Int("peers", len(s.Peers)).
		Msg("status")
	return nil
}
