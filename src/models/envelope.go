package models

import "time"

// UnknownReading marks a device measurement the device did not report.
const UnknownReading = "unknown"

// -----------------------------------------------------------------------------
// Envelope is the normalized, wire-stable unit delivered to viewers.
// Concrete envelopes are immutable once built; the cache and the hub share them.
// -----------------------------------------------------------------------------

type Envelope interface {
	// Kind returns the source the envelope was produced from.
	Kind() SourceName

	// Stream returns the dedup/cache key (source, or source/device).
	Stream() string

	// TickValue returns the sequence marker, if the source carries one.
	TickValue() (int64, bool)

	// At returns the envelope timestamp.
	At() time.Time

	// WithTimestamp returns a copy stamped with ts.
	WithTimestamp(ts time.Time) Envelope
}

// -----------------------------------------------------------------------------
// combined_ticks
// -----------------------------------------------------------------------------

type MPrice struct {
	Buy  float64 `json:"buy"`
	Sell float64 `json:"sell"`
	Day  float64 `json:"day"`
}

type MCombinedTick struct {
	Type       SourceName    `json:"type"`
	Tick       int64         `json:"tick"`
	Timestamp  time.Time     `json:"timestamp"`
	Sun        float64       `json:"sun"`
	Price      MPrice        `json:"price"`
	Demand     float64       `json:"demand"`
	Deferrable []interface{} `json:"deferrable"`
	Yesterday  []interface{} `json:"yesterday"`

	hasTick bool
}

func (e *MCombinedTick) Kind() SourceName         { return SourceCombinedTicks }
func (e *MCombinedTick) Stream() string           { return string(SourceCombinedTicks) }
func (e *MCombinedTick) TickValue() (int64, bool) { return e.Tick, e.hasTick }
func (e *MCombinedTick) At() time.Time            { return e.Timestamp }

func (e *MCombinedTick) WithTimestamp(ts time.Time) Envelope {
	c := *e
	c.Timestamp = ts
	return &c
}

// SetTickPresent records whether the upstream document carried a tick.
func (e *MCombinedTick) SetTickPresent(present bool) { e.hasTick = present }

// -----------------------------------------------------------------------------
// device_message
// -----------------------------------------------------------------------------

type MDeviceReading struct {
	Type      SourceName `json:"type"`
	Tick      int64      `json:"tick"`
	PicoName  string     `json:"picoName,omitempty"`
	Vin       string     `json:"Vin"`
	Vout      string     `json:"Vout"`
	Iout      string     `json:"Iout"`
	Power     float64    `json:"power"`
	Money     float64    `json:"money"`
	Timestamp time.Time  `json:"timestamp"`

	hasTick bool
}

func (e *MDeviceReading) Kind() SourceName         { return SourceDeviceMessage }
func (e *MDeviceReading) TickValue() (int64, bool) { return e.Tick, e.hasTick }
func (e *MDeviceReading) At() time.Time            { return e.Timestamp }

func (e *MDeviceReading) Stream() string {
	if e.PicoName == "" {
		return string(SourceDeviceMessage)
	}
	return string(SourceDeviceMessage) + "/" + e.PicoName
}

func (e *MDeviceReading) WithTimestamp(ts time.Time) Envelope {
	c := *e
	c.Timestamp = ts
	return &c
}

func (e *MDeviceReading) SetTickPresent(present bool) { e.hasTick = present }

// -----------------------------------------------------------------------------
// mode_change
// -----------------------------------------------------------------------------

type MModeChange struct {
	Type      SourceName `json:"type"`
	Mode      string     `json:"mode"`
	Timestamp time.Time  `json:"timestamp"`
}

func (e *MModeChange) Kind() SourceName         { return SourceModeChange }
func (e *MModeChange) Stream() string           { return string(SourceModeChange) }
func (e *MModeChange) TickValue() (int64, bool) { return 0, false }
func (e *MModeChange) At() time.Time            { return e.Timestamp }

func (e *MModeChange) WithTimestamp(ts time.Time) Envelope {
	c := *e
	c.Timestamp = ts
	return &c
}

// -----------------------------------------------------------------------------
// Mode command (POST set-mode body)
// -----------------------------------------------------------------------------

type MModeCommand struct {
	Mode string `json:"mode"`
}

// MPipelineMetrics is the snapshot served at /api/metrics.
type MPipelineMetrics struct {
	Accepted       uint64 `json:"accepted"`
	Suppressed     uint64 `json:"suppressed"`
	Malformed      uint64 `json:"malformed"`
	Ignored        uint64 `json:"ignored"`
	Broadcasts     uint64 `json:"broadcasts"`
	DroppedViewers uint64 `json:"dropped_viewers"`
	Viewers        int    `json:"viewers"`
}
