package pipeline

import (
	"encoding/json"
	"fmt"

	"smartgrid-relay/src/models"
)

// -----------------------------------------------------------------------------

// Encode renders an envelope in its wire form.
func Encode(envelope models.Envelope) ([]byte, error) {
	return json.Marshal(envelope)
}

// -----------------------------------------------------------------------------

// Decode parses a wire-form envelope, dispatching on its "type" field.
func Decode(payload []byte) (models.Envelope, error) {
	var head struct {
		Type models.SourceName `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	var env models.Envelope
	switch head.Type {
	case models.SourceCombinedTicks:
		e := &models.MCombinedTick{}
		if err := json.Unmarshal(payload, e); err != nil {
			return nil, fmt.Errorf("failed to decode %s envelope: %w", head.Type, err)
		}
		if e.Deferrable == nil {
			e.Deferrable = []interface{}{}
		}
		if e.Yesterday == nil {
			e.Yesterday = []interface{}{}
		}
		e.SetTickPresent(true)
		env = e
	case models.SourceDeviceMessage:
		e := &models.MDeviceReading{}
		if err := json.Unmarshal(payload, e); err != nil {
			return nil, fmt.Errorf("failed to decode %s envelope: %w", head.Type, err)
		}
		e.SetTickPresent(true)
		env = e
	case models.SourceModeChange:
		e := &models.MModeChange{}
		if err := json.Unmarshal(payload, e); err != nil {
			return nil, fmt.Errorf("failed to decode %s envelope: %w", head.Type, err)
		}
		env = e
	default:
		return nil, fmt.Errorf("unknown envelope type %q", head.Type)
	}
	return env, nil
}
