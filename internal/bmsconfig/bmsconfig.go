// Package bmsconfig loads the firmware's runtime-tunable parameters from
// an embedded JSON document, grounded on the teacher's services/config
// embedded-JSON publisher (services/config/config.go,
// defaultconfigs.go). The teacher publishes each top-level key as a
// retained bus message for a generic device tree; this package has no
// bus to publish onto, so it parses the same tinyjson.Raw document
// straight into a typed Tunables value instead.
package bmsconfig

import (
	"errors"

	"github.com/andreyvit/tinyjson"
)

// defaultBoard names the fallback embedded config used when Load is
// asked for a board variant it has no entry for.
const defaultBoard = "default"

// EmbeddedConfigLookup allows a test or a build variant to override how
// a board name resolves to its raw JSON document, mirroring the
// teacher's package-level override var of the same name.
var EmbeddedConfigLookup = func(board string) ([]byte, bool) {
	b, ok := embeddedConfigs[board]
	return b, ok
}

const cfgDefault = `{
  "balancing_threshold_mv": 50,
  "balancing_hysteresis_persists": false,
  "discharge_current_positive": true,
  "capacity_ah": 100.0,
  "request_update_window_ms": 3000
}`

var embeddedConfigs = map[string][]byte{
	defaultBoard: []byte(cfgDefault),
}

// Tunables holds every parameter SPEC_FULL.md names as runtime-adjustable
// rather than compile-time constant (internal/params holds the rest).
type Tunables struct {
	BalancingThresholdMV       int32
	BalancingHysteresisPersist bool
	DischargeCurrentPositive   bool
	CapacityAh                 float64
	RequestUpdateWindowMs      uint32
}

// DefaultTunables is what a board gets when its embedded document omits
// a field entirely; Load starts from this and overwrites only the keys
// present in the document.
var DefaultTunables = Tunables{
	BalancingThresholdMV:       50,
	BalancingHysteresisPersist: false,
	DischargeCurrentPositive:   true,
	CapacityAh:                 100.0,
	RequestUpdateWindowMs:      3000,
}

// Load resolves board's embedded JSON document (falling back to
// defaultBoard when unknown) and parses it into Tunables.
func Load(board string) (Tunables, error) {
	raw, ok := EmbeddedConfigLookup(board)
	if !ok || len(raw) == 0 {
		raw, ok = EmbeddedConfigLookup(defaultBoard)
		if !ok || len(raw) == 0 {
			return Tunables{}, errors.New("bmsconfig: no embedded config for board or default")
		}
	}

	r := tinyjson.Raw(raw)
	val := r.Value()
	r.EnsureEOF()

	m, ok := val.(map[string]any)
	if !ok {
		return Tunables{}, errors.New("bmsconfig: embedded config is not a JSON object")
	}

	t := DefaultTunables
	if v, ok := m["balancing_threshold_mv"].(float64); ok {
		t.BalancingThresholdMV = int32(v)
	}
	if v, ok := m["balancing_hysteresis_persists"].(bool); ok {
		t.BalancingHysteresisPersist = v
	}
	if v, ok := m["discharge_current_positive"].(bool); ok {
		t.DischargeCurrentPositive = v
	}
	if v, ok := m["capacity_ah"].(float64); ok {
		t.CapacityAh = v
	}
	if v, ok := m["request_update_window_ms"].(float64); ok {
		t.RequestUpdateWindowMs = uint32(v)
	}
	return t, nil
}
