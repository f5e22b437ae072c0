package hub

import (
	"encoding/json"
	"sort"

	"github.com/prof-chen/esphub/internal/model"
	"github.com/prof-chen/esphub/internal/state"
)

// handleClientFrame processes one inbound subscriber frame on the actor
// goroutine. Malformed frames are logged at debug and dropped; the
// connection is kept.
func (h *Hub) handleClientFrame(sess Session, frame []byte) {
	var data map[string]any
	if err := json.Unmarshal(frame, &data); err != nil {
		h.logger.Debug().Err(err).Str("conn", sess.ID()).Msg("Dropping malformed frame")
		return
	}

	msgType, _ := data["type"].(string)
	sourceID, _ := data["submitPlayerId"].(string)
	h.meters.MessageReceived(msgType)

	if msgType == "handshake" {
		h.handleHandshake(sess, sourceID, data)
		return
	}

	// Backward compatibility: the first data message from an unknown
	// source registers it as a legacy (protocol 1, no delta) client.
	if sourceID != "" && !h.state.HasConnection(sourceID) {
		h.registerSource(sourceID, sess)
		h.state.MarkCapability(sourceID, 1, false)
		h.logger.Info().Str("source", sourceID).Msg("Client connected (legacy)")
	}

	switch msgType {
	case "players_update":
		h.handlePlayersUpdate(sourceID, data)
	case "players_patch":
		h.handleScopePatch(sourceID, data, h.state.PlayerReports, "players", model.NormalizePlayer)
	case "entities_update":
		h.handleEntitiesUpdate(sourceID, data)
	case "entities_patch":
		h.handleScopePatch(sourceID, data, h.state.EntityReports, "entities", model.NormalizeEntity)
	case "waypoints_update":
		h.handleWaypointsUpdate(sourceID, data)
	case "waypoints_delete":
		h.handleWaypointsDelete(sourceID, data)
	case "waypoints_entity_death_cancel":
		h.handleEntityDeathCancel(data)
	case "tab_players_update":
		h.handleTabPlayersUpdate(sourceID, data)
	case "resync_req":
		if sourceID != "" {
			h.sendSnapshotFullTo(sourceID)
		}
	default:
		h.logger.Debug().Str("msg_type", msgType).Str("conn", sess.ID()).Msg("Ignoring unknown message type")
	}
}

func (h *Hub) handleHandshake(sess Session, sourceID string, data map[string]any) {
	if sourceID == "" {
		return
	}

	protocolVersion := 1
	if v, ok := data["protocolVersion"].(float64); ok {
		protocolVersion = int(v)
	}
	supportsDelta, _ := data["supportsDelta"].(bool)

	h.registerSource(sourceID, sess)
	h.state.MarkCapability(sourceID, protocolVersion, supportsDelta)
	h.logger.Info().
		Str("source", sourceID).
		Int("protocol", protocolVersion).
		Bool("delta", h.state.IsDeltaClient(sourceID)).
		Msg("Client connected")

	ack := handshakeAck{
		Type:              "handshake_ack",
		Ready:             true,
		ProtocolVersion:   state.ProtocolV2,
		DeltaEnabled:      h.state.IsDeltaClient(sourceID),
		DigestIntervalSec: h.digestIntervalSec,
		Rev:               h.state.Revision(),
	}
	h.send(sess, "handshake_ack", ack)

	h.broadcastUpdates(h.state.IsDeltaClient(sourceID))
}

func (h *Hub) handlePlayersUpdate(sourceID string, data map[string]any) {
	now := h.now()
	players, _ := data["players"].(map[string]any)
	for objectID, raw := range players {
		payload, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		normalized, err := model.NormalizePlayer(payload)
		if err != nil {
			h.meters.ValidationFailure("players")
			h.logger.Debug().Err(err).Str("object", objectID).Msg("Rejected player data")
			continue
		}
		h.state.PlayerReports.Upsert(objectID, sourceID, &state.Node{
			Timestamp:      now,
			SubmitPlayerID: sourceID,
			Data:           normalized,
		})
	}
	h.broadcastUpdates(false)
}

// handleScopePatch merges a {upsert, delete} patch into the source's
// buckets of one pool. Upserts merge on top of the source's existing data
// before re-validation; ids with no baseline are flagged for a
// missing_baseline refresh request after the tick.
func (h *Hub) handleScopePatch(
	sourceID string,
	data map[string]any,
	pool state.ReportPool,
	scope string,
	normalize func(map[string]any) (map[string]any, error),
) {
	now := h.now()
	upsert, _ := data["upsert"].(map[string]any)
	deleteIDs, _ := data["delete"].([]any)

	for objectID, raw := range upsert {
		payload, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		existing := pool.Get(objectID, sourceID)
		if existing == nil {
			h.queueMissingBaselineRefresh(sourceID, scope, objectID)
		}

		merged := make(map[string]any)
		if existing != nil {
			for k, v := range existing.Data {
				merged[k] = v
			}
		}
		for k, v := range payload {
			merged[k] = v
		}

		normalized, err := normalize(merged)
		if err != nil {
			h.meters.ValidationFailure(scope)
			h.logger.Debug().Err(err).Str("object", objectID).Str("scope", scope).Msg("Rejected patch data")
			continue
		}
		pool.Upsert(objectID, sourceID, &state.Node{
			Timestamp:      now,
			SubmitPlayerID: sourceID,
			Data:           normalized,
		})
	}

	for _, raw := range deleteIDs {
		if objectID, ok := raw.(string); ok {
			pool.Delete(objectID, sourceID)
		}
	}

	h.broadcastUpdates(false)
}

// handleEntitiesUpdate treats the payload as the source's complete entity
// set for this round: previous entities of the source vanish.
func (h *Hub) handleEntitiesUpdate(sourceID string, data map[string]any) {
	now := h.now()
	entities, _ := data["entities"].(map[string]any)

	nodes := make(map[string]*state.Node, len(entities))
	for objectID, raw := range entities {
		payload, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		normalized, err := model.NormalizeEntity(payload)
		if err != nil {
			h.meters.ValidationFailure("entities")
			h.logger.Debug().Err(err).Str("object", objectID).Msg("Rejected entity data")
			continue
		}
		nodes[objectID] = &state.Node{
			Timestamp:      now,
			SubmitPlayerID: sourceID,
			Data:           normalized,
		}
	}

	h.state.EntityReports.ReplaceSource(sourceID, nodes)
	h.broadcastUpdates(false)
}

func (h *Hub) handleWaypointsUpdate(sourceID string, data map[string]any) {
	now := h.now()
	waypoints, _ := data["waypoints"].(map[string]any)

	for objectID, raw := range waypoints {
		payload, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		normalized, err := model.NormalizeWaypoint(payload)
		if err != nil {
			h.meters.ValidationFailure("waypoints")
			h.logger.Debug().Err(err).Str("object", objectID).Msg("Rejected waypoint data")
			continue
		}

		if normalized["waypointKind"] == "quick" {
			h.evictQuickMarks(sourceID, objectID, normalized)
		}

		h.state.WaypointReports.Upsert(objectID, sourceID, &state.Node{
			Timestamp:      now,
			SubmitPlayerID: sourceID,
			Data:           normalized,
		})
	}

	h.broadcastUpdates(false)
}

// evictQuickMarks enforces the per-source cap on quick waypoints before a
// new one is stored. The oldest marks go first; the legacy replaceOldQuick
// flag is a cap of one.
func (h *Hub) evictQuickMarks(sourceID, incomingID string, normalized map[string]any) {
	var limit int
	switch v := normalized["maxQuickMarks"].(type) {
	case int64:
		limit = int(v)
	default:
		if b, ok := normalized["replaceOldQuick"].(bool); ok && b {
			limit = 1
		} else {
			return
		}
	}
	if limit < 1 {
		limit = 1
	} else if limit > 100 {
		limit = 100
	}

	type quickMark struct {
		objectID  string
		timestamp float64
	}
	var existing []quickMark
	for objectID, bucket := range h.state.WaypointReports {
		if objectID == incomingID {
			continue
		}
		node := bucket[sourceID]
		if node == nil || node.Data == nil || node.Data["waypointKind"] != "quick" {
			continue
		}
		existing = append(existing, quickMark{objectID: objectID, timestamp: node.Timestamp})
	}

	removeCount := len(existing) - limit + 1
	if removeCount <= 0 {
		return
	}
	sort.Slice(existing, func(i, j int) bool {
		if existing[i].timestamp != existing[j].timestamp {
			return existing[i].timestamp < existing[j].timestamp
		}
		return existing[i].objectID < existing[j].objectID
	})
	for _, mark := range existing[:removeCount] {
		h.state.WaypointReports.Delete(mark.objectID, sourceID)
	}
}

func (h *Hub) handleWaypointsDelete(sourceID string, data map[string]any) {
	ids, _ := data["waypointIds"].([]any)
	for _, raw := range ids {
		if objectID, ok := raw.(string); ok {
			h.state.WaypointReports.Delete(objectID, sourceID)
		}
	}
	h.broadcastUpdates(false)
}

// handleEntityDeathCancel removes, across all sources, every waypoint
// pinned to one of the dead entities.
func (h *Hub) handleEntityDeathCancel(data map[string]any) {
	ids, _ := data["targetEntityIds"].([]any)
	targets := make(map[string]struct{}, len(ids))
	for _, raw := range ids {
		if id, ok := raw.(string); ok && id != "" {
			targets[id] = struct{}{}
		}
	}
	if len(targets) == 0 {
		return
	}

	for objectID, bucket := range h.state.WaypointReports {
		for sourceID, node := range bucket {
			if node == nil || node.Data == nil {
				continue
			}
			if node.Data["targetType"] != "entity" {
				continue
			}
			targetID, _ := node.Data["targetEntityId"].(string)
			if _, dead := targets[targetID]; dead {
				h.state.WaypointReports.Delete(objectID, sourceID)
			}
		}
	}

	h.broadcastUpdates(false)
}

func (h *Hub) handleTabPlayersUpdate(sourceID string, data map[string]any) {
	if sourceID == "" {
		return
	}
	tabPlayers, _ := data["tabPlayers"].([]any)
	h.state.UpsertTabReport(sourceID, tabPlayers, h.now())
	h.broadcastUpdates(false)
}

// queueMissingBaselineRefresh records an object id whose patch arrived
// before any snapshot; the refresh request goes out after the tick,
// bypassing the cooldown.
func (h *Hub) queueMissingBaselineRefresh(sourceID, scope, objectID string) {
	if sourceID == "" {
		return
	}
	set := h.pendingRefresh[sourceID]
	if set == nil {
		set = &state.RefreshSet{}
		h.pendingRefresh[sourceID] = set
	}
	items := &set.Players
	if scope == "entities" {
		items = &set.Entities
	}
	if len(*items) < state.RefreshMaxItemsPerScope && !containsString(*items, objectID) {
		*items = append(*items, objectID)
	}
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
