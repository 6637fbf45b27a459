package pipeline

import (
	"strings"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/models"
	"smartgrid-relay/src/utils"
)

// -----------------------------------------------------------------------------
// Source descriptors
// -----------------------------------------------------------------------------

// SourceDescriptor tells the generic pipeline how to handle one source.
type SourceDescriptor struct {
	Name models.SourceName

	// HasTick is false for sources whose events are never deduplicated.
	HasTick bool

	// Validate rejects documents that cannot be normalized. May be nil.
	Validate func(doc map[string]interface{}) error

	// Build maps a validated document to an envelope. now is the fallback timestamp.
	Build func(doc map[string]interface{}, now time.Time) models.Envelope
}

var descriptors = map[models.SourceName]SourceDescriptor{
	models.SourceCombinedTicks: {
		Name:    models.SourceCombinedTicks,
		HasTick: true,
		Build:   buildCombinedTick,
	},
	models.SourceDeviceMessage: {
		Name:    models.SourceDeviceMessage,
		HasTick: true,
		Build:   buildDeviceReading,
	},
	models.SourceModeChange: {
		Name:     models.SourceModeChange,
		Validate: validateModeChange,
		Build:    buildModeChange,
	},
}

// Descriptor returns the descriptor registered for source.
func Descriptor(source models.SourceName) (SourceDescriptor, bool) {
	d, ok := descriptors[source]
	return d, ok
}

// -----------------------------------------------------------------------------

// Normalize maps a raw document to its envelope. It has no side effects.
func Normalize(source models.SourceName, doc map[string]interface{}, now time.Time) (models.Envelope, error) {
	d, ok := descriptors[source]
	if !ok {
		return nil, helpers.NewMalformedRawEventError(source, "unknown source")
	}
	if doc == nil {
		return nil, helpers.NewMalformedRawEventError(source, "empty document")
	}
	if d.Validate != nil {
		if err := d.Validate(doc); err != nil {
			return nil, err
		}
	}
	return d.Build(doc, now), nil
}

// -----------------------------------------------------------------------------
// combined_ticks
// -----------------------------------------------------------------------------

func buildCombinedTick(doc map[string]interface{}, now time.Time) models.Envelope {
	tick, hasTick := utils.Int64At(doc, "tick")

	env := &models.MCombinedTick{
		Type:      models.SourceCombinedTicks,
		Tick:      tick,
		Timestamp: timestampOf(doc, now),
		Sun:       nestedOrFlat(doc, "sun", "sun"),
		Price: models.MPrice{
			Buy:  priceField(doc, "buy_price", "buy"),
			Sell: priceField(doc, "sell_price", "sell"),
			Day:  priceField(doc, "day", "day"),
		},
		Demand:     nestedOrFlat(doc, "demand", "demand"),
		Deferrable: utils.SafeSlice(doc, "deferrable"),
		Yesterday:  utils.SafeSlice(doc, "yesterday"),
	}
	env.SetTickPresent(hasTick)
	return env
}

// nestedOrFlat reads outer.inner, falling back to outer when it is a scalar.
func nestedOrFlat(doc map[string]interface{}, outer, inner string) float64 {
	if f, ok := utils.Float64At(doc, outer, inner); ok {
		return f
	}
	return utils.SafeFloat64(doc, outer)
}

// priceField looks in the simulator's "prices" object first, then in an
// already normalized "price" object, then at the top level.
func priceField(doc map[string]interface{}, rawKey, key string) float64 {
	if f, ok := utils.Float64At(doc, "prices", rawKey); ok {
		return f
	}
	if f, ok := utils.Float64At(doc, "price", key); ok {
		return f
	}
	return utils.SafeFloat64(doc, rawKey)
}

// -----------------------------------------------------------------------------
// device_message
// -----------------------------------------------------------------------------

func buildDeviceReading(doc map[string]interface{}, now time.Time) models.Envelope {
	tick, hasTick := utils.Int64At(doc, "tick")

	env := &models.MDeviceReading{
		Type:      models.SourceDeviceMessage,
		Tick:      tick,
		PicoName:  strings.TrimSpace(utils.SafeString(doc, "picoName")),
		Vin:       reading(doc, "Vin"),
		Vout:      reading(doc, "Vout"),
		Iout:      reading(doc, "Iout"),
		Power:     utils.SafeFloat64(doc, "power"),
		Money:     utils.SafeFloat64(doc, "money"),
		Timestamp: timestampOf(doc, now),
	}
	env.SetTickPresent(hasTick)
	return env
}

func reading(doc map[string]interface{}, key string) string {
	val, _ := utils.Lookup(doc, key)
	if s, ok := utils.FormatReading(val); ok {
		return s
	}
	return models.UnknownReading
}

// -----------------------------------------------------------------------------
// mode_change
// -----------------------------------------------------------------------------

func validateModeChange(doc map[string]interface{}) error {
	val, ok := utils.Lookup(doc, "mode")
	if !ok {
		return helpers.NewMalformedRawEventError(models.SourceModeChange, "missing mode")
	}
	mode, ok := val.(string)
	if !ok || strings.TrimSpace(mode) == "" {
		return helpers.NewMalformedRawEventError(models.SourceModeChange, "mode must be a non-empty string, got %v", val)
	}
	return nil
}

func buildModeChange(doc map[string]interface{}, now time.Time) models.Envelope {
	return &models.MModeChange{
		Type:      models.SourceModeChange,
		Mode:      strings.TrimSpace(utils.SafeString(doc, "mode")),
		Timestamp: timestampOf(doc, now),
	}
}

// -----------------------------------------------------------------------------
// Timestamps
// -----------------------------------------------------------------------------

// timestampOf accepts RFC 3339 strings, time.Time values and epoch
// milliseconds. Anything else falls back to now.
func timestampOf(doc map[string]interface{}, now time.Time) time.Time {
	val, ok := utils.Lookup(doc, "timestamp")
	if !ok {
		return now.UTC()
	}
	switch v := val.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts.UTC()
		}
		if ms, err := utils.ExtractInt(v); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	default:
		if ms, err := utils.ExtractInt(v); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return now.UTC()
}
