package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPlayer() map[string]any {
	return map[string]any{
		"x": 10.5, "y": 64.0, "z": -3.25,
		"dimension": "overworld",
	}
}

func TestNormalizePlayerDefaults(t *testing.T) {
	out, err := NormalizePlayer(validPlayer())
	require.NoError(t, err)

	assert.Equal(t, 10.5, out["x"])
	assert.Equal(t, 0.0, out["vx"])
	assert.Equal(t, 0.0, out["vy"])
	assert.Equal(t, 0.0, out["vz"])
	assert.Equal(t, 0.0, out["health"])
	assert.Equal(t, 20.0, out["maxHealth"])
	assert.Equal(t, 0.0, out["armor"])
	assert.Equal(t, 0.6, out["width"])
	assert.Equal(t, 1.8, out["height"])
	assert.Nil(t, out["playerName"])
	assert.Nil(t, out["playerUUID"])
}

func TestNormalizePlayerMissingRequired(t *testing.T) {
	for _, field := range []string{"x", "y", "z", "dimension"} {
		raw := validPlayer()
		delete(raw, field)
		_, err := NormalizePlayer(raw)
		assert.Error(t, err, "missing %s must be rejected", field)
	}
}

func TestNormalizePlayerRejectsBadTypes(t *testing.T) {
	raw := validPlayer()
	raw["x"] = "ten"
	_, err := NormalizePlayer(raw)
	assert.Error(t, err)

	raw = validPlayer()
	raw["dimension"] = 7.0
	_, err = NormalizePlayer(raw)
	assert.Error(t, err)
}

func TestNormalizePlayerRejectsNegativeHealth(t *testing.T) {
	raw := validPlayer()
	raw["health"] = -1.0
	_, err := NormalizePlayer(raw)
	assert.Error(t, err)
}

func TestNormalizePlayerRejectsNonPositiveWidth(t *testing.T) {
	raw := validPlayer()
	raw["width"] = 0.0
	_, err := NormalizePlayer(raw)
	assert.Error(t, err)
}

func TestNormalizePlayerDropsUnknownFields(t *testing.T) {
	raw := validPlayer()
	raw["hacks"] = true
	out, err := NormalizePlayer(raw)
	require.NoError(t, err)
	assert.NotContains(t, out, "hacks")
}

func TestNormalizeEntityAllowsZeroWidth(t *testing.T) {
	out, err := NormalizeEntity(map[string]any{
		"x": 0.0, "y": 0.0, "z": 0.0,
		"dimension": "nether",
		"width":     0.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.0, out["width"])
	assert.Nil(t, out["entityType"])
}

func validWaypoint() map[string]any {
	return map[string]any{
		"x": 1.0, "y": 2.0, "z": 3.0,
		"dimension": "overworld",
		"name":      "home",
	}
}

func TestNormalizeWaypointDefaults(t *testing.T) {
	out, err := NormalizeWaypoint(validWaypoint())
	require.NoError(t, err)

	assert.Equal(t, "W", out["symbol"])
	assert.Equal(t, int64(5635925), out["color"])
	assert.Nil(t, out["ttlSeconds"])
	assert.Nil(t, out["waypointKind"])
	assert.Nil(t, out["replaceOldQuick"])
	assert.Nil(t, out["maxQuickMarks"])
}

func TestNormalizeWaypointExplicitNullSymbol(t *testing.T) {
	raw := validWaypoint()
	raw["symbol"] = nil
	out, err := NormalizeWaypoint(raw)
	require.NoError(t, err)
	assert.Nil(t, out["symbol"])
}

func TestNormalizeWaypointMissingName(t *testing.T) {
	raw := validWaypoint()
	delete(raw, "name")
	_, err := NormalizeWaypoint(raw)
	assert.Error(t, err)
}

func TestNormalizeWaypointTTLBounds(t *testing.T) {
	raw := validWaypoint()
	raw["ttlSeconds"] = 30.0
	out, err := NormalizeWaypoint(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(30), out["ttlSeconds"])

	raw["ttlSeconds"] = 2.0
	_, err = NormalizeWaypoint(raw)
	assert.Error(t, err, "below minimum")

	raw["ttlSeconds"] = 100000.0
	_, err = NormalizeWaypoint(raw)
	assert.Error(t, err, "above maximum")

	raw["ttlSeconds"] = 30.5
	_, err = NormalizeWaypoint(raw)
	assert.Error(t, err, "non-integral")
}

func TestNormalizeWaypointMaxQuickMarksBounds(t *testing.T) {
	raw := validWaypoint()
	raw["maxQuickMarks"] = 5.0
	out, err := NormalizeWaypoint(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(5), out["maxQuickMarks"])

	raw["maxQuickMarks"] = 0.0
	_, err = NormalizeWaypoint(raw)
	assert.Error(t, err)

	raw["maxQuickMarks"] = 101.0
	_, err = NormalizeWaypoint(raw)
	assert.Error(t, err)
}

func TestNormalizeWaypointReplaceOldQuickType(t *testing.T) {
	raw := validWaypoint()
	raw["replaceOldQuick"] = true
	out, err := NormalizeWaypoint(raw)
	require.NoError(t, err)
	assert.Equal(t, true, out["replaceOldQuick"])

	raw["replaceOldQuick"] = "yes"
	_, err = NormalizeWaypoint(raw)
	assert.Error(t, err)
}

func TestNormalizeAcceptsMergedIntegerBaseline(t *testing.T) {
	// Patch merges re-validate data that was normalized earlier and may
	// carry int64 values.
	raw := validWaypoint()
	raw["color"] = int64(123)
	raw["ttlSeconds"] = int64(60)
	out, err := NormalizeWaypoint(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(123), out["color"])
	assert.Equal(t, int64(60), out["ttlSeconds"])
}
