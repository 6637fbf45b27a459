package server

import (
	"context"
	"strings"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/interfaces"
	"smartgrid-relay/src/logger"
	"smartgrid-relay/src/utils"
)

// ModeCommander forwards operator mode changes to the feed store. The
// resulting change comes back to viewers through the mode_change watcher.
type ModeCommander struct {
	store   interfaces.IFeedStore
	allowed []string
	Logger  *logger.Logger
}

func NewModeCommander(store interfaces.IFeedStore, allowed []string, l *logger.Logger) *ModeCommander {
	if l == nil {
		l = logger.NewLogger(nil, "ModeCommander")
	}
	return &ModeCommander{
		store:   store,
		allowed: append([]string(nil), allowed...),
		Logger:  l,
	}
}

// -----------------------------------------------------------------------------

func (m *ModeCommander) SetMode(ctx context.Context, mode string) error {
	mode = strings.TrimSpace(mode)
	if mode == "" || !utils.Contains(m.allowed, mode) {
		return helpers.NewInvalidCommandError(mode, m.allowed)
	}
	if err := m.store.WriteMode(ctx, mode); err != nil {
		return helpers.NewDatabaseError("failed to write mode command", err)
	}
	m.Logger.Info("Mode command %q written upstream", mode)
	return nil
}

func (m *ModeCommander) AllowedModes() []string {
	return append([]string(nil), m.allowed...)
}
