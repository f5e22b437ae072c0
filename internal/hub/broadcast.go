package hub

import (
	"encoding/json"
	"sort"

	"github.com/prof-chen/esphub/internal/bus"
	"github.com/prof-chen/esphub/internal/state"
)

// visibleViews is one subscriber's slice of the resolved world.
type visibleViews struct {
	Players   map[string]*state.Node
	Entities  map[string]*state.Node
	Waypoints map[string]*state.Node
}

func (h *Hub) visibleViewsFor(sourceID string, now float64) visibleViews {
	allowed := h.state.AllowedSourcesFor(sourceID, now)
	return visibleViews{
		Players:   state.FilterBySources(h.state.Players, allowed),
		Entities:  state.FilterBySources(h.state.Entities, allowed),
		Waypoints: state.FilterBySources(h.state.Waypoints, allowed),
	}
}

// broadcastUpdates runs one broadcast tick. The ordering is load-bearing:
// refresh dispatch sees pre-cleanup pool contents, arbitration sees the
// cleaned pools, and subscriber dispatch sees the bumped revision.
func (h *Hub) broadcastUpdates(forceFull bool) {
	now := h.now()

	h.dispatchPreExpiryRefreshes(now)
	h.state.CleanupTimeouts(now)
	changes := h.state.RefreshResolvedViews()

	changed := changes.HasChanges()
	rev := h.state.Revision()
	if changed {
		rev = h.state.NextRevision()
	}
	h.meters.RecordTick(changed, rev)
	h.meters.RecordPoolSizes(len(h.state.Players), len(h.state.Entities), len(h.state.Waypoints))

	filterOn := h.state.SameServerFilterEnabled()
	var failed []string

	for _, sourceID := range h.sourceIDsSnapshot() {
		sess, ok := h.sources[sourceID]
		if !ok {
			continue
		}
		if !h.state.IsDeltaClient(sourceID) {
			continue
		}

		sendOK := true
		if filterOn {
			visible := h.visibleViewsFor(sourceID, now)
			if forceFull || changed {
				sendOK = h.sendSnapshotFull(sess, rev, visible)
			}
			if sendOK {
				sendOK = h.maybeSendDigest(sourceID, sess, visible, now)
			}
		} else {
			if forceFull {
				sendOK = h.sendSnapshotFull(sess, rev, h.fullViews())
			} else if changed {
				sendOK = h.send(sess, "patch", patchMsg{
					Type:      "patch",
					Rev:       rev,
					Players:   changes.Players,
					Entities:  changes.Entities,
					Waypoints: changes.Waypoints,
				})
			}
			if sendOK {
				sendOK = h.maybeSendDigest(sourceID, sess, h.fullViews(), now)
			}
		}

		if !sendOK {
			failed = append(failed, sourceID)
		}
	}

	if changed {
		h.broadcastLegacyPositions(now, &failed)
	}

	for _, sourceID := range failed {
		h.removeFailedSource(sourceID)
	}

	h.broadcastAdminSnapshot(now)
	h.flushPendingRefreshRequests(now)
	h.publishTickEvent(now, rev, changed, changes)
}

func (h *Hub) fullViews() visibleViews {
	return visibleViews{
		Players:   h.state.Players,
		Entities:  h.state.Entities,
		Waypoints: h.state.Waypoints,
	}
}

// sourceIDsSnapshot copies the subscriber keys so dispatch survives
// concurrent removals.
func (h *Hub) sourceIDsSnapshot() []string {
	ids := make([]string, 0, len(h.sources))
	for id := range h.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) sendSnapshotFull(sess Session, rev int64, views visibleViews) bool {
	return h.send(sess, "snapshot_full", snapshotFull{
		Type:        "snapshot_full",
		Rev:         rev,
		Players:     state.CompactView(views.Players),
		Entities:    state.CompactView(views.Entities),
		Waypoints:   state.CompactView(views.Waypoints),
		PlayerMarks: h.state.PlayerMarks(),
	})
}

// sendSnapshotFullTo serves a resync_req: the subscriber gets its visible
// view at the current revision, without a tick.
func (h *Hub) sendSnapshotFullTo(sourceID string) {
	sess, ok := h.sources[sourceID]
	if !ok {
		return
	}
	if !h.sendSnapshotFull(sess, h.state.Revision(), h.visibleViewsFor(sourceID, h.now())) {
		h.removeFailedSource(sourceID)
	}
}

// maybeSendDigest sends a digest over the subscriber's visible view, at
// most once per digest interval.
func (h *Hub) maybeSendDigest(sourceID string, sess Session, views visibleViews, now float64) bool {
	caps := h.state.Capability(sourceID)
	if caps == nil || !caps.Delta {
		return true
	}
	if now-caps.LastDigestSent < h.digestIntervalSec {
		return true
	}
	caps.LastDigestSent = now

	return h.send(sess, "digest", digestMsg{
		Type: "digest",
		Rev:  h.state.Revision(),
		Hashes: map[string]string{
			"players":   state.Digest(views.Players),
			"entities":  state.Digest(views.Entities),
			"waypoints": state.Digest(views.Waypoints),
		},
	})
}

// broadcastLegacyPositions pushes the full node-form world to every
// non-delta subscriber. With open visibility the frame is serialized once.
func (h *Hub) broadcastLegacyPositions(now float64, failed *[]string) {
	filterOn := h.state.SameServerFilterEnabled()

	var shared []byte
	if !filterOn {
		payload, err := json.Marshal(positionsMsg{
			Type:        "positions",
			Players:     h.state.Players,
			Entities:    h.state.Entities,
			Waypoints:   h.state.Waypoints,
			PlayerMarks: h.state.PlayerMarks(),
		})
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to serialize positions")
			return
		}
		shared = payload
	}

	for _, sourceID := range h.sourceIDsSnapshot() {
		sess, ok := h.sources[sourceID]
		if !ok || h.state.IsDeltaClient(sourceID) {
			continue
		}

		if filterOn {
			visible := h.visibleViewsFor(sourceID, now)
			if !h.send(sess, "positions", positionsMsg{
				Type:        "positions",
				Players:     visible.Players,
				Entities:    visible.Entities,
				Waypoints:   visible.Waypoints,
				PlayerMarks: h.state.PlayerMarks(),
			}) {
				*failed = append(*failed, sourceID)
			}
			continue
		}

		if err := sess.Send(shared); err != nil {
			h.logger.Warn().Err(err).Str("source", sourceID).Msg("Send failed")
			*failed = append(*failed, sourceID)
		} else {
			h.meters.MessageSent("positions")
		}
	}
}

func (h *Hub) removeFailedSource(sourceID string) {
	sess, ok := h.sources[sourceID]
	if !ok {
		return
	}
	delete(h.sources, sourceID)
	delete(h.bySession, sess)
	delete(h.pendingRefresh, sourceID)
	h.state.RemoveConnection(sourceID)
	h.meters.RecordDisconnect("send_failed")
	sess.Close()
}

// dispatchPreExpiryRefreshes asks owning sources to re-report objects that
// are about to time out.
func (h *Hub) dispatchPreExpiryRefreshes(now float64) {
	targets := h.state.CollectPreExpiryRefresh(now)
	if len(targets) == 0 {
		return
	}

	sourceIDs := make([]string, 0, len(targets))
	for sourceID := range targets {
		sourceIDs = append(sourceIDs, sourceID)
	}
	sort.Strings(sourceIDs)

	for _, sourceID := range sourceIDs {
		set := targets[sourceID]
		h.sendRefreshRequest(sourceID, set.Players, set.Entities, refreshReasonExpirySoon, now, false)
	}
}

// flushPendingRefreshRequests sends the missing-baseline requests queued
// during patch ingest. These bypass the cooldown: the source cannot make
// progress without a rebase.
func (h *Hub) flushPendingRefreshRequests(now float64) {
	if len(h.pendingRefresh) == 0 {
		return
	}
	pending := h.pendingRefresh
	h.pendingRefresh = map[string]*state.RefreshSet{}

	for sourceID, set := range pending {
		h.sendRefreshRequest(sourceID, set.Players, set.Entities, refreshReasonMissingBaseline, now, true)
	}
}

func (h *Hub) sendRefreshRequest(sourceID string, players, entities []string, reason string, now float64, bypassCooldown bool) {
	if sourceID == "" || (len(players) == 0 && len(entities) == 0) {
		return
	}
	if !bypassCooldown && !h.state.CanSendRefreshRequest(sourceID, now) {
		return
	}
	sess, ok := h.sources[sourceID]
	if !ok {
		return
	}
	if players == nil {
		players = []string{}
	}
	if entities == nil {
		entities = []string{}
	}

	msg := refreshReq{
		Type:       "refresh_req",
		Reason:     reason,
		ServerTime: now,
		Rev:        h.state.Revision(),
		Players:    players,
		Entities:   entities,
	}
	if !h.send(sess, "refresh_req", msg) {
		h.removeFailedSource(sourceID)
		return
	}
	h.state.MarkRefreshRequestSent(sourceID, now)
	h.meters.RefreshRequestSent(reason)
	h.logger.Debug().
		Str("source", sourceID).
		Int("players", len(players)).
		Int("entities", len(entities)).
		Str("reason", reason).
		Msg("Sent refresh_req")
}

func (h *Hub) publishTickEvent(now float64, rev int64, changed bool, changes state.Patch) {
	if h.bus == nil {
		return
	}
	upserts := len(changes.Players.Upsert) + len(changes.Entities.Upsert) + len(changes.Waypoints.Upsert)
	deletes := len(changes.Players.Delete) + len(changes.Entities.Delete) + len(changes.Waypoints.Delete)
	h.bus.PublishTick(bus.TickEvent{
		ServerTime: now,
		Revision:   rev,
		Changed:    changed,
		Players:    len(h.state.Players),
		Entities:   len(h.state.Entities),
		Waypoints:  len(h.state.Waypoints),
		Upserts:    upserts,
		Deletes:    deletes,
	})
}
