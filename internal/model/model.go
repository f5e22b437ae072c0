// Package model normalizes inbound object payloads into their canonical
// map form. Every normalizer returns a map carrying the full field set of
// the object kind, with nil for absent optional fields, so downstream delta
// computation and digests see a stable shape. Unknown fields are dropped.
package model

import (
	"fmt"
	"math"
)

// fieldError reports a single offending field; the caller skips the object
// and moves on to the next id in the same message.
type fieldError struct {
	Field  string
	Reason string
}

func (e *fieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}

func errMissing(field string) error {
	return &fieldError{Field: field, Reason: "required field missing"}
}

// NormalizePlayer validates and normalizes a player observation.
func NormalizePlayer(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, 14)

	for _, f := range [...]string{"x", "y", "z"} {
		v, ok, err := numberField(raw, f)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errMissing(f)
		}
		out[f] = v
	}
	for _, f := range [...]string{"vx", "vy", "vz"} {
		v, err := numberFieldDefault(raw, f, 0)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}

	dim, ok, err := stringField(raw, "dimension")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errMissing("dimension")
	}
	out["dimension"] = dim

	out["playerName"] = optionalString(raw, "playerName")
	out["playerUUID"] = optionalString(raw, "playerUUID")

	if out["health"], err = boundedNumber(raw, "health", 0, 0, false); err != nil {
		return nil, err
	}
	if out["maxHealth"], err = boundedNumber(raw, "maxHealth", 20, 0, false); err != nil {
		return nil, err
	}
	if out["armor"], err = boundedNumber(raw, "armor", 0, 0, false); err != nil {
		return nil, err
	}
	if out["width"], err = boundedNumber(raw, "width", 0.6, 0, true); err != nil {
		return nil, err
	}
	if out["height"], err = boundedNumber(raw, "height", 1.8, 0, true); err != nil {
		return nil, err
	}

	return out, nil
}

// NormalizeEntity validates and normalizes an entity observation.
func NormalizeEntity(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, 11)

	for _, f := range [...]string{"x", "y", "z"} {
		v, ok, err := numberField(raw, f)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errMissing(f)
		}
		out[f] = v
	}
	for _, f := range [...]string{"vx", "vy", "vz"} {
		v, err := numberFieldDefault(raw, f, 0)
		if err != nil {
			return nil, err
		}
		out[f] = v
	}

	dim, ok, err := stringField(raw, "dimension")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errMissing("dimension")
	}
	out["dimension"] = dim

	out["entityType"] = optionalString(raw, "entityType")
	out["entityName"] = optionalString(raw, "entityName")

	if out["width"], err = boundedNumber(raw, "width", 0.6, 0, false); err != nil {
		return nil, err
	}
	if out["height"], err = boundedNumber(raw, "height", 1.8, 0, false); err != nil {
		return nil, err
	}

	return out, nil
}

// NormalizeWaypoint validates and normalizes a waypoint report.
func NormalizeWaypoint(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, 18)

	for _, f := range [...]string{"x", "y", "z"} {
		v, ok, err := numberField(raw, f)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errMissing(f)
		}
		out[f] = v
	}

	dim, ok, err := stringField(raw, "dimension")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errMissing("dimension")
	}
	out["dimension"] = dim

	name, ok, err := stringField(raw, "name")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errMissing("name")
	}
	out["name"] = name

	// symbol defaults to "W" when absent; an explicit null stays null.
	if v, present := raw["symbol"]; present {
		if v == nil {
			out["symbol"] = nil
		} else {
			s, _, err := stringField(raw, "symbol")
			if err != nil {
				return nil, err
			}
			out["symbol"] = s
		}
	} else {
		out["symbol"] = "W"
	}

	color, err := intFieldDefault(raw, "color", 5635925)
	if err != nil {
		return nil, err
	}
	out["color"] = color

	out["ownerId"] = optionalString(raw, "ownerId")
	out["ownerName"] = optionalString(raw, "ownerName")

	if out["createdAt"], err = optionalInt(raw, "createdAt", math.MinInt64, math.MaxInt64); err != nil {
		return nil, err
	}
	if out["ttlSeconds"], err = optionalInt(raw, "ttlSeconds", 5, 86400); err != nil {
		return nil, err
	}

	out["waypointKind"] = optionalString(raw, "waypointKind")

	if v, present := raw["replaceOldQuick"]; present && v != nil {
		b, isBool := v.(bool)
		if !isBool {
			return nil, &fieldError{Field: "replaceOldQuick", Reason: "expected boolean"}
		}
		out["replaceOldQuick"] = b
	} else {
		out["replaceOldQuick"] = nil
	}

	if out["maxQuickMarks"], err = optionalInt(raw, "maxQuickMarks", 1, 100); err != nil {
		return nil, err
	}

	out["targetType"] = optionalString(raw, "targetType")
	out["targetEntityId"] = optionalString(raw, "targetEntityId")
	out["targetEntityType"] = optionalString(raw, "targetEntityType")
	out["targetEntityName"] = optionalString(raw, "targetEntityName")

	return out, nil
}

// asNumber converts JSON-decoded numeric values. Decoded frames carry
// float64; merged baselines may also carry int64 written by earlier
// normalization.
func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func numberField(raw map[string]any, field string) (float64, bool, error) {
	v, present := raw[field]
	if !present || v == nil {
		return 0, false, nil
	}
	n, isNum := asNumber(v)
	if !isNum {
		return 0, false, &fieldError{Field: field, Reason: "expected number"}
	}
	return n, true, nil
}

func numberFieldDefault(raw map[string]any, field string, def float64) (float64, error) {
	v, ok, err := numberField(raw, field)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// boundedNumber enforces a lower bound; strict means the bound itself is
// excluded (width/height must be positive).
func boundedNumber(raw map[string]any, field string, def, min float64, strict bool) (float64, error) {
	v, err := numberFieldDefault(raw, field, def)
	if err != nil {
		return 0, err
	}
	if strict && v <= min {
		return 0, &fieldError{Field: field, Reason: fmt.Sprintf("must be greater than %v", min)}
	}
	if !strict && v < min {
		return 0, &fieldError{Field: field, Reason: fmt.Sprintf("must be at least %v", min)}
	}
	return v, nil
}

func stringField(raw map[string]any, field string) (string, bool, error) {
	v, present := raw[field]
	if !present || v == nil {
		return "", false, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return "", false, &fieldError{Field: field, Reason: "expected string"}
	}
	return s, true, nil
}

// optionalString returns the string value or nil; a non-string value is
// treated as absent rather than rejected.
func optionalString(raw map[string]any, field string) any {
	if s, isStr := raw[field].(string); isStr {
		return s
	}
	return nil
}

// optionalInt accepts integral numbers within [min, max]; returns nil when
// the field is absent or null. Non-integral values are rejected.
func optionalInt(raw map[string]any, field string, min, max int64) (any, error) {
	v, present := raw[field]
	if !present || v == nil {
		return nil, nil
	}
	n, isNum := asNumber(v)
	if !isNum || n != math.Trunc(n) {
		return nil, &fieldError{Field: field, Reason: "expected integer"}
	}
	i := int64(n)
	if i < min || i > max {
		return nil, &fieldError{Field: field, Reason: fmt.Sprintf("must be within [%d, %d]", min, max)}
	}
	return i, nil
}

func intFieldDefault(raw map[string]any, field string, def int64) (int64, error) {
	v, present := raw[field]
	if !present || v == nil {
		return def, nil
	}
	n, isNum := asNumber(v)
	if !isNum || n != math.Trunc(n) {
		return 0, &fieldError{Field: field, Reason: "expected integer"}
	}
	return int64(n), nil
}
