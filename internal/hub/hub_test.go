package hub

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prof-chen/esphub/internal/state"
)

// fakeSession records everything the hub sends it.
type fakeSession struct {
	id       string
	sent     []map[string]any
	failSend bool
	closed   bool
}

func (f *fakeSession) ID() string { return f.id }

func (f *fakeSession) Send(payload []byte) error {
	if f.failSend {
		return errors.New("buffer full")
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) Close() { f.closed = true }

func (f *fakeSession) messagesOfType(msgType string) []map[string]any {
	var out []map[string]any
	for _, msg := range f.sent {
		if msg["type"] == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeSession) lastOfType(msgType string) map[string]any {
	msgs := f.messagesOfType(msgType)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

type testHub struct {
	*Hub
	clock float64
}

func newTestHub() *testHub {
	h := New(Options{
		Logger: zerolog.Nop(),
		State: state.New(state.Params{
			PlayerTimeoutSec:    30,
			EntityTimeoutSec:    30,
			WaypointTimeoutSec:  120,
			SwitchThresholdSec:  0.35,
			RefreshLeadSec:      1.2,
			RefreshCooldownSec:  1.5,
			TabReportTimeoutSec: 45,
		}),
		DigestIntervalSec: 10,
	})
	th := &testHub{Hub: h, clock: 100}
	h.now = func() float64 { return th.clock }
	return th
}

func (th *testHub) frame(t *testing.T, sess Session, msg map[string]any) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	th.handleClientFrame(sess, payload)
}

func (th *testHub) adminFrame(t *testing.T, sess Session, msg map[string]any) {
	t.Helper()
	payload, err := json.Marshal(msg)
	require.NoError(t, err)
	th.handleAdminFrame(sess, payload)
}

func handshake(sourceID string, delta bool) map[string]any {
	return map[string]any{
		"type":            "handshake",
		"submitPlayerId":  sourceID,
		"protocolVersion": 2,
		"supportsDelta":   delta,
	}
}

func playerData(x float64) map[string]any {
	return map[string]any{"x": x, "y": 64.0, "z": 0.0, "dimension": "overworld"}
}

func entityData(x float64) map[string]any {
	return map[string]any{"x": x, "y": 64.0, "z": 0.0, "dimension": "overworld"}
}

func waypointData(name string, extra map[string]any) map[string]any {
	data := map[string]any{
		"x": 1.0, "y": 2.0, "z": 3.0,
		"dimension": "overworld",
		"name":      name,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

func TestHandshakeAck(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}

	th.frame(t, sess, handshake("src-a", true))

	ack := sess.lastOfType("handshake_ack")
	require.NotNil(t, ack)
	assert.Equal(t, true, ack["ready"])
	assert.EqualValues(t, 2, ack["protocolVersion"])
	assert.Equal(t, true, ack["deltaEnabled"])
	assert.EqualValues(t, 10, ack["digestIntervalSec"])

	// A delta handshake forces a full snapshot plus an initial digest.
	require.NotNil(t, sess.lastOfType("snapshot_full"))
	require.NotNil(t, sess.lastOfType("digest"))
}

func TestHandshakeWithoutDeltaStaysLegacy(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}

	th.frame(t, sess, handshake("src-a", false))

	ack := sess.lastOfType("handshake_ack")
	require.NotNil(t, ack)
	assert.Equal(t, false, ack["deltaEnabled"])
	assert.Nil(t, sess.lastOfType("snapshot_full"))
}

func TestLegacyAutoRegistration(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}

	th.frame(t, sess, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(1)},
	})

	assert.True(t, th.state.HasConnection("src-a"))
	assert.False(t, th.state.IsDeltaClient("src-a"))

	// Legacy clients get the node-form positions frame, not a patch.
	positions := sess.lastOfType("positions")
	require.NotNil(t, positions)
	assert.Nil(t, sess.lastOfType("patch"))
	assert.Contains(t, positions, "playerMarks")

	players := positions["players"].(map[string]any)
	assert.Contains(t, players, "src-a")
}

func TestDeltaClientReceivesPatch(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	th.clock = 101
	th.frame(t, sess, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(5)},
	})

	patch := sess.lastOfType("patch")
	require.NotNil(t, patch)
	players := patch["players"].(map[string]any)
	upsert := players["upsert"].(map[string]any)
	assert.Contains(t, upsert, "src-a")
	assert.EqualValues(t, 1, patch["rev"])
}

func TestEntitiesUpdateReplacesSourceSet(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	th.clock = 101
	th.frame(t, sess, map[string]any{
		"type":           "entities_update",
		"submitPlayerId": "src-a",
		"entities":       map[string]any{"e1": entityData(1), "e2": entityData(2)},
	})

	th.clock = 102
	th.frame(t, sess, map[string]any{
		"type":           "entities_update",
		"submitPlayerId": "src-a",
		"entities":       map[string]any{"e2": entityData(2), "e3": entityData(3)},
	})

	// e1 was not re-reported and vanishes; e3 appears.
	patch := sess.lastOfType("patch")
	require.NotNil(t, patch)
	entities := patch["entities"].(map[string]any)
	assert.Equal(t, []any{"e1"}, entities["delete"])
	upsert := entities["upsert"].(map[string]any)
	assert.Contains(t, upsert, "e3")
	assert.NotContains(t, upsert, "e2", "unchanged entity must not reappear")

	assert.NotContains(t, th.state.EntityReports, "e1")
	assert.Contains(t, th.state.EntityReports, "e2")
	assert.Contains(t, th.state.EntityReports, "e3")
}

func TestQuickMarkEviction(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	sendQuick := func(id string, ts float64) {
		th.clock = ts
		th.frame(t, sess, map[string]any{
			"type":           "waypoints_update",
			"submitPlayerId": "src-a",
			"waypoints": map[string]any{
				id: waypointData(id, map[string]any{
					"waypointKind":  "quick",
					"maxQuickMarks": 2,
				}),
			},
		})
	}

	sendQuick("w1", 10.0)
	sendQuick("w2", 10.1)
	sendQuick("w3", 10.2)

	// Cap 2: the oldest quick mark w1 is evicted when w3 arrives.
	assert.NotContains(t, th.state.WaypointReports, "w1")
	assert.Contains(t, th.state.WaypointReports, "w2")
	assert.Contains(t, th.state.WaypointReports, "w3")
}

func TestQuickMarkReplaceOldQuickActsAsCapOne(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	send := func(id string, ts float64) {
		th.clock = ts
		th.frame(t, sess, map[string]any{
			"type":           "waypoints_update",
			"submitPlayerId": "src-a",
			"waypoints": map[string]any{
				id: waypointData(id, map[string]any{
					"waypointKind":    "quick",
					"replaceOldQuick": true,
				}),
			},
		})
	}

	send("w1", 10.0)
	send("w2", 10.1)

	assert.NotContains(t, th.state.WaypointReports, "w1")
	assert.Contains(t, th.state.WaypointReports, "w2")
}

func TestWaypointsDeleteRemovesOwnReportsOnly(t *testing.T) {
	th := newTestHub()
	sessA := &fakeSession{id: "c1"}
	sessB := &fakeSession{id: "c2"}
	th.frame(t, sessA, handshake("src-a", true))
	th.frame(t, sessB, handshake("src-b", true))

	for _, src := range []string{"src-a", "src-b"} {
		sess := sessA
		if src == "src-b" {
			sess = sessB
		}
		th.frame(t, sess, map[string]any{
			"type":           "waypoints_update",
			"submitPlayerId": src,
			"waypoints":      map[string]any{"w1": waypointData("w1", nil)},
		})
	}

	th.frame(t, sessA, map[string]any{
		"type":           "waypoints_delete",
		"submitPlayerId": "src-a",
		"waypointIds":    []any{"w1"},
	})

	bucket := th.state.WaypointReports["w1"]
	require.NotNil(t, bucket)
	assert.NotContains(t, bucket, "src-a")
	assert.Contains(t, bucket, "src-b")
}

func TestEntityDeathCancelRemovesAcrossSources(t *testing.T) {
	th := newTestHub()
	sessA := &fakeSession{id: "c1"}
	sessB := &fakeSession{id: "c2"}
	th.frame(t, sessA, handshake("src-a", true))
	th.frame(t, sessB, handshake("src-b", true))

	pinned := map[string]any{"targetType": "entity", "targetEntityId": "zombie-7"}
	th.frame(t, sessA, map[string]any{
		"type":           "waypoints_update",
		"submitPlayerId": "src-a",
		"waypoints":      map[string]any{"w1": waypointData("w1", pinned)},
	})
	th.frame(t, sessB, map[string]any{
		"type":           "waypoints_update",
		"submitPlayerId": "src-b",
		"waypoints": map[string]any{
			"w2": waypointData("w2", pinned),
			"w3": waypointData("w3", nil),
		},
	})

	// Any source may report the death; unpinned waypoints are untouched.
	th.frame(t, sessA, map[string]any{
		"type":            "waypoints_entity_death_cancel",
		"submitPlayerId":  "src-a",
		"targetEntityIds": []any{"zombie-7"},
	})

	assert.NotContains(t, th.state.WaypointReports, "w1")
	assert.NotContains(t, th.state.WaypointReports, "w2")
	assert.Contains(t, th.state.WaypointReports, "w3")
}

func TestPatchWithMissingBaselineTriggersRefreshReq(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	th.clock = 101
	th.frame(t, sess, map[string]any{
		"type":           "players_patch",
		"submitPlayerId": "src-a",
		"upsert":         map[string]any{"ghost": playerData(1)},
	})

	refresh := sess.lastOfType("refresh_req")
	require.NotNil(t, refresh)
	assert.Equal(t, "missing_baseline", refresh["reason"])
	assert.Equal(t, []any{"ghost"}, refresh["players"])
	assert.Equal(t, []any{}, refresh["entities"])
}

func TestPatchMergesOntoBaseline(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	th.clock = 101
	th.frame(t, sess, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(1)},
	})

	th.clock = 102
	th.frame(t, sess, map[string]any{
		"type":           "players_patch",
		"submitPlayerId": "src-a",
		"upsert":         map[string]any{"src-a": map[string]any{"x": 9.0}},
	})

	node := th.state.PlayerReports.Get("src-a", "src-a")
	require.NotNil(t, node)
	assert.Equal(t, 9.0, node.Data["x"])
	assert.Equal(t, 64.0, node.Data["y"], "unpatched baseline fields survive")

	// Baseline existed, so no refresh request goes out.
	assert.Nil(t, sess.lastOfType("refresh_req"))
}

func TestResyncReqSendsSnapshotWithoutRevisionBump(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))
	th.clock = 101
	th.frame(t, sess, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(1)},
	})

	before := th.state.Revision()
	snapshotsBefore := len(sess.messagesOfType("snapshot_full"))

	th.frame(t, sess, map[string]any{
		"type":           "resync_req",
		"submitPlayerId": "src-a",
	})

	assert.Equal(t, before, th.state.Revision())
	assert.Len(t, sess.messagesOfType("snapshot_full"), snapshotsBefore+1)
}

func TestDigestThrottledPerInterval(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	digests := len(sess.messagesOfType("digest"))
	require.Equal(t, 1, digests)

	// Within the interval: no new digest even across several ticks.
	th.clock = 105
	th.broadcastUpdates(false)
	th.clock = 109
	th.broadcastUpdates(false)
	assert.Len(t, sess.messagesOfType("digest"), 1)

	// Past the interval: one more.
	th.clock = 111
	th.broadcastUpdates(false)
	assert.Len(t, sess.messagesOfType("digest"), 2)
}

func TestRevisionBumpsOnlyOnChange(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))
	require.EqualValues(t, 0, th.state.Revision())

	th.frame(t, sess, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(1)},
	})
	assert.EqualValues(t, 1, th.state.Revision())

	th.broadcastUpdates(false)
	th.broadcastUpdates(false)
	assert.EqualValues(t, 1, th.state.Revision(), "quiet ticks must not bump the revision")
}

func TestClientClosedPrunesSource(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))
	th.frame(t, sess, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(1)},
	})

	th.clientClosed(sess)

	assert.False(t, th.state.HasConnection("src-a"))
	assert.Empty(t, th.state.PlayerReports)
}

func TestStaleSessionCloseDoesNotPruneReconnectedSource(t *testing.T) {
	th := newTestHub()
	oldSess := &fakeSession{id: "c1"}
	th.frame(t, oldSess, handshake("src-a", true))

	newSess := &fakeSession{id: "c2"}
	th.frame(t, newSess, handshake("src-a", true))

	// The old socket's close arrives after the reconnect.
	th.clientClosed(oldSess)

	assert.True(t, th.state.HasConnection("src-a"))
	assert.Equal(t, Session(newSess), th.sources["src-a"])
}

func TestFailedSendRemovesSubscriber(t *testing.T) {
	th := newTestHub()
	good := &fakeSession{id: "c1"}
	bad := &fakeSession{id: "c2"}
	th.frame(t, good, handshake("src-a", true))
	th.frame(t, bad, handshake("src-b", true))

	bad.failSend = true
	th.clock = 101
	th.frame(t, good, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(1)},
	})

	assert.True(t, bad.closed)
	assert.False(t, th.state.HasConnection("src-b"))
	assert.True(t, th.state.HasConnection("src-a"))
}

func TestSameServerFilterScopesDispatch(t *testing.T) {
	th := newTestHub()
	th.state.SetSameServerFilter(true)

	sessA := &fakeSession{id: "c1"}
	sessB := &fakeSession{id: "c2"}
	th.frame(t, sessA, handshake("src-a", true))
	th.frame(t, sessB, handshake("src-b", true))

	// Different servers: no shared identity keys.
	th.frame(t, sessA, map[string]any{
		"type":           "tab_players_update",
		"submitPlayerId": "src-a",
		"tabPlayers":     []any{map[string]any{"name": "OnAlpha"}},
	})
	th.frame(t, sessB, map[string]any{
		"type":           "tab_players_update",
		"submitPlayerId": "src-b",
		"tabPlayers":     []any{map[string]any{"name": "OnBeta"}},
	})

	th.clock = 101
	th.frame(t, sessA, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players":        map[string]any{"src-a": playerData(1)},
	})

	// With the filter on, delta subscribers get rebasing snapshots. B is
	// in another group and must not see src-a's player.
	snapB := sessB.lastOfType("snapshot_full")
	require.NotNil(t, snapB)
	playersB := snapB["players"].(map[string]any)
	assert.NotContains(t, playersB, "src-a")

	snapA := sessA.lastOfType("snapshot_full")
	require.NotNil(t, snapA)
	playersA := snapA["players"].(map[string]any)
	assert.Contains(t, playersA, "src-a")
}

func TestAdminPing(t *testing.T) {
	th := newTestHub()
	admin := &fakeSession{id: "a1"}
	th.admins[admin.ID()] = admin

	th.adminFrame(t, admin, map[string]any{"type": "ping"})

	pong := admin.lastOfType("pong")
	require.NotNil(t, pong)
	assert.EqualValues(t, 100, pong["serverTime"])
	assert.EqualValues(t, 0, pong["revision"])
}

func TestAdminPlayerMarkCommands(t *testing.T) {
	th := newTestHub()
	admin := &fakeSession{id: "a1"}
	th.admins[admin.ID()] = admin

	th.adminFrame(t, admin, map[string]any{
		"type":     "command_player_mark_set",
		"playerId": "steve",
		"team":     "hostile",
		"label":    "target",
	})
	ack := admin.lastOfType("admin_ack")
	require.NotNil(t, ack)
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, "player_mark_set", ack["action"])
	mark := ack["mark"].(map[string]any)
	assert.Equal(t, "enemy", mark["team"])

	// The command is followed by an admin snapshot carrying the mark.
	snapshot := admin.sent[len(admin.sent)-1]
	require.Contains(t, snapshot, "playerMarks")
	marks := snapshot["playerMarks"].(map[string]any)
	assert.Contains(t, marks, "steve")

	th.adminFrame(t, admin, map[string]any{
		"type":     "command_player_mark_clear",
		"playerId": "steve",
	})
	ack = admin.lastOfType("admin_ack")
	assert.Equal(t, true, ack["ok"])
	assert.Equal(t, true, ack["removed"])

	th.adminFrame(t, admin, map[string]any{
		"type":     "command_player_mark_set",
		"playerId": "   ",
	})
	ack = admin.lastOfType("admin_ack")
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "invalid_player_id", ack["error"])
}

func TestAdminSameServerFilterToggle(t *testing.T) {
	th := newTestHub()
	admin := &fakeSession{id: "a1"}
	th.admins[admin.ID()] = admin

	th.adminFrame(t, admin, map[string]any{
		"type":    "command_same_server_filter_set",
		"enabled": true,
	})

	ack := admin.lastOfType("admin_ack")
	require.NotNil(t, ack)
	assert.Equal(t, true, ack["ok"])
	assert.True(t, th.state.SameServerFilterEnabled())
}

func TestAdminUnknownCommand(t *testing.T) {
	th := newTestHub()
	admin := &fakeSession{id: "a1"}
	th.admins[admin.ID()] = admin

	th.adminFrame(t, admin, map[string]any{"type": "command_reboot"})

	ack := admin.lastOfType("admin_ack")
	require.NotNil(t, ack)
	assert.Equal(t, false, ack["ok"])
	assert.Equal(t, "unknown_command", ack["error"])
}

func TestPatchRoundTripReconstructsView(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}
	th.frame(t, sess, handshake("src-a", true))

	// Seed the client state from the handshake snapshot, then replay every
	// patch the hub emits.
	snapshot := sess.lastOfType("snapshot_full")
	require.NotNil(t, snapshot)
	clientPlayers := map[string]any{}
	for id, data := range snapshot["players"].(map[string]any) {
		clientPlayers[id] = data
	}
	applied := len(sess.sent)

	th.clock = 101
	th.frame(t, sess, map[string]any{
		"type":           "players_update",
		"submitPlayerId": "src-a",
		"players": map[string]any{
			"alice": playerData(1),
			"bob":   playerData(2),
		},
	})
	th.clock = 102
	th.frame(t, sess, map[string]any{
		"type":           "players_patch",
		"submitPlayerId": "src-a",
		"upsert":         map[string]any{"alice": map[string]any{"x": 7.0}},
	})
	th.clock = 103
	th.frame(t, sess, map[string]any{
		"type":           "players_patch",
		"submitPlayerId": "src-a",
		"delete":         []any{"bob"},
	})

	for _, msg := range sess.sent[applied:] {
		if msg["type"] != "patch" {
			continue
		}
		scope := msg["players"].(map[string]any)
		for id, fields := range scope["upsert"].(map[string]any) {
			existing, ok := clientPlayers[id].(map[string]any)
			if !ok {
				existing = map[string]any{}
			}
			for k, v := range fields.(map[string]any) {
				existing[k] = v
			}
			clientPlayers[id] = existing
		}
		for _, id := range scope["delete"].([]any) {
			delete(clientPlayers, id.(string))
		}
	}

	// The replayed client state must equal the server's resolved view,
	// compared through the same JSON lens the wire uses.
	wire, err := json.Marshal(state.CompactView(th.state.Players))
	require.NoError(t, err)
	var serverPlayers map[string]any
	require.NoError(t, json.Unmarshal(wire, &serverPlayers))
	assert.Equal(t, serverPlayers, clientPlayers)
}

func TestMalformedFrameIgnored(t *testing.T) {
	th := newTestHub()
	sess := &fakeSession{id: "c1"}

	th.handleClientFrame(sess, []byte("{not json"))
	th.frame(t, sess, map[string]any{"type": "mystery_message"})

	assert.Empty(t, th.state.PlayerReports)
	assert.False(t, sess.closed)
}
