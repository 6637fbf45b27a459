package interfaces

import "context"

// -----------------------------------------------------------------------------
// IModeCommander validates a mode command and writes it upstream.
// -----------------------------------------------------------------------------

type IModeCommander interface {
	// SetMode returns an InvalidCommandError, without touching the store,
	// when mode is not allowed.
	SetMode(ctx context.Context, mode string) error

	AllowedModes() []string
}
