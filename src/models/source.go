package models

// SourceName identifies one upstream feed.
type SourceName string

const (
	SourceCombinedTicks SourceName = "combined_ticks"
	SourceDeviceMessage SourceName = "device_message"
	SourceModeChange    SourceName = "mode_change"
)

// AllSources lists the monitored sources in startup order.
var AllSources = []SourceName{SourceCombinedTicks, SourceDeviceMessage, SourceModeChange}

// IsKnown reports whether s is one of the monitored sources.
func (s SourceName) IsKnown() bool {
	for _, known := range AllSources {
		if s == known {
			return true
		}
	}
	return false
}

// DefaultCollection is the upstream collection name used when the config omits one.
func (s SourceName) DefaultCollection() string {
	switch s {
	case SourceDeviceMessage:
		return "pico_messages"
	case SourceModeChange:
		return "mode_changes"
	default:
		return string(s)
	}
}

// -----------------------------------------------------------------------------
// Watcher state machine: Idle -> Watching -> (Error | Stopped)
// -----------------------------------------------------------------------------

type WatcherState string

const (
	WatcherIdle     WatcherState = "idle"
	WatcherWatching WatcherState = "watching"
	WatcherError    WatcherState = "error"
	WatcherStopped  WatcherState = "stopped"
)

// MSource is the externally visible status of one monitored source.
type MSource struct {
	Name     SourceName   `json:"name"`
	LastTick *int64       `json:"lastTick"`
	Active   bool         `json:"active"`
	State    WatcherState `json:"state"`
	LastErr  string       `json:"lastError,omitempty"`
}
