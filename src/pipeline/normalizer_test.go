package pipeline

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"smartgrid-relay/src/helpers"
	"smartgrid-relay/src/models"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNormalize_CombinedTickRoundTrip(t *testing.T) {
	doc := map[string]interface{}{
		"tick":       5.0,
		"sun":        map[string]interface{}{"sun": 70.0},
		"prices":     map[string]interface{}{"buy_price": 1.2, "sell_price": 0.8, "day": 3.0},
		"demand":     map[string]interface{}{"demand": 4.4},
		"deferrable": []interface{}{},
		"yesterday":  []interface{}{},
	}

	env, err := Normalize(models.SourceCombinedTicks, doc, fixedNow)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	got := toMap(t, env)
	delete(got, "timestamp")
	want := map[string]interface{}{
		"type":       "combined_ticks",
		"tick":       5.0,
		"sun":        70.0,
		"price":      map[string]interface{}{"buy": 1.2, "sell": 0.8, "day": 3.0},
		"demand":     4.4,
		"deferrable": []interface{}{},
		"yesterday":  []interface{}{},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("normalized envelope mismatch\n got %v\nwant %v", got, want)
	}
	if !env.At().Equal(fixedNow) {
		t.Errorf("timestamp = %v, want arrival time %v", env.At(), fixedNow)
	}
}

func TestNormalize_FlatFallbacks(t *testing.T) {
	doc := map[string]interface{}{
		"tick":   json.Number("8"),
		"sun":    "55.5",
		"demand": json.Number("2.5"),
		"price":  map[string]interface{}{"buy": 9.0},
	}
	env, err := Normalize(models.SourceCombinedTicks, doc, fixedNow)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	tick := env.(*models.MCombinedTick)
	if tick.Tick != 8 || tick.Sun != 55.5 || tick.Demand != 2.5 || tick.Price.Buy != 9 {
		t.Errorf("unexpected envelope %+v", tick)
	}
}

func TestNormalize_DefaultsAlwaysPresent(t *testing.T) {
	tests := []struct {
		source   models.SourceName
		wantKeys []string
	}{
		{models.SourceCombinedTicks, []string{"type", "tick", "timestamp", "sun", "price", "demand", "deferrable", "yesterday"}},
		{models.SourceDeviceMessage, []string{"type", "tick", "timestamp", "Vin", "Vout", "Iout", "power", "money"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.source), func(t *testing.T) {
			env, err := Normalize(tt.source, map[string]interface{}{}, fixedNow)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			got := toMap(t, env)
			for _, key := range tt.wantKeys {
				v, ok := got[key]
				if !ok || v == nil {
					t.Errorf("field %q missing or null in %v", key, got)
				}
			}
			if _, present := env.TickValue(); present {
				t.Error("tick should be reported absent for a document without one")
			}
		})
	}
}

func TestNormalize_DeviceDefaults(t *testing.T) {
	env, err := Normalize(models.SourceDeviceMessage, map[string]interface{}{
		"picoName": "pico_3",
		"Vin":      "0.123",
		"Iout":     0.5,
		"tick":     12.0,
	}, fixedNow)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	r := env.(*models.MDeviceReading)

	if r.Vin != "0.123" || r.Iout != "0.500" {
		t.Errorf("readings not preserved: Vin=%q Iout=%q", r.Vin, r.Iout)
	}
	if r.Vout != models.UnknownReading {
		t.Errorf("Vout = %q, want %q", r.Vout, models.UnknownReading)
	}
	if r.Power != 0 || r.Money != 0 {
		t.Errorf("power/money should default to 0, got %v/%v", r.Power, r.Money)
	}
	if r.Stream() != "device_message/pico_3" {
		t.Errorf("Stream = %q", r.Stream())
	}
}

func TestNormalize_ModeChange(t *testing.T) {
	tests := []struct {
		name    string
		doc     map[string]interface{}
		want    string
		wantErr bool
	}{
		{"valid", map[string]interface{}{"mode": "mppt"}, "mppt", false},
		{"missing", map[string]interface{}{}, "", true},
		{"empty", map[string]interface{}{"mode": "  "}, "", true},
		{"not a string", map[string]interface{}{"mode": 3.0}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Normalize(models.SourceModeChange, tt.doc, fixedNow)
			if tt.wantErr {
				if !helpers.IsMalformed(err) {
					t.Fatalf("expected MalformedRawEventError, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			mc := env.(*models.MModeChange)
			if mc.Mode != tt.want {
				t.Errorf("mode = %q, want %q", mc.Mode, tt.want)
			}
			if _, present := env.TickValue(); present {
				t.Error("mode_change must never carry a tick")
			}
		})
	}
}

func TestNormalize_Timestamps(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want time.Time
	}{
		{"rfc3339", "2025-01-02T03:04:05Z", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"epoch millis", 1735787045000.0, time.UnixMilli(1735787045000).UTC()},
		{"time value", fixedNow.Add(-time.Hour), fixedNow.Add(-time.Hour)},
		{"garbage", "yesterday-ish", fixedNow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Normalize(models.SourceModeChange, map[string]interface{}{"mode": "normal", "timestamp": tt.in}, fixedNow)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if !env.At().Equal(tt.want) {
				t.Errorf("timestamp = %v, want %v", env.At(), tt.want)
			}
		})
	}
}

func TestNormalize_UnknownSourceAndNilDocument(t *testing.T) {
	if _, err := Normalize("weather", map[string]interface{}{}, fixedNow); !helpers.IsMalformed(err) {
		t.Errorf("unknown source: expected malformed error, got %v", err)
	}
	if _, err := Normalize(models.SourceCombinedTicks, nil, fixedNow); !helpers.IsMalformed(err) {
		t.Errorf("nil document: expected malformed error, got %v", err)
	}
}

func toMap(t *testing.T, env models.Envelope) map[string]interface{} {
	t.Helper()
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return out
}
