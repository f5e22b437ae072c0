package hub

import (
	"encoding/json"
)

// handleAdminFrame processes one inbound admin-channel frame. Commands are
// acknowledged with admin_ack and followed by a forced-full broadcast so
// every subscriber sees the new overlay or visibility state immediately.
func (h *Hub) handleAdminFrame(sess Session, frame []byte) {
	var data map[string]any
	if err := json.Unmarshal(frame, &data); err != nil {
		h.logger.Debug().Err(err).Str("conn", sess.ID()).Msg("Dropping malformed admin frame")
		return
	}

	msgType, _ := data["type"].(string)
	h.meters.MessageReceived(msgType)

	switch msgType {
	case "ping", "health":
		h.send(sess, "pong", map[string]any{
			"type":       "pong",
			"serverTime": h.now(),
			"revision":   h.state.Revision(),
		})

	case "command_player_mark_set":
		playerID, _ := data["playerId"].(string)
		team, _ := data["team"].(string)
		color, _ := data["color"].(string)
		label, _ := data["label"].(string)

		mark := h.state.SetPlayerMark(playerID, team, color, label, int64(h.now()*1000))
		if mark == nil {
			h.sendAdminAck(sess, false, "player_mark_set", map[string]any{"error": "invalid_player_id"})
			return
		}
		h.sendAdminAck(sess, true, "player_mark_set", map[string]any{
			"playerId": playerID,
			"mark":     mark,
		})
		h.broadcastUpdates(true)

	case "command_player_mark_clear":
		playerID, _ := data["playerId"].(string)
		removed := h.state.ClearPlayerMark(playerID)
		h.sendAdminAck(sess, true, "player_mark_clear", map[string]any{
			"playerId": playerID,
			"removed":  removed,
		})
		h.broadcastUpdates(true)

	case "command_player_mark_clear_all":
		count := h.state.ClearAllPlayerMarks()
		h.sendAdminAck(sess, true, "player_mark_clear_all", map[string]any{
			"cleared": count,
		})
		h.broadcastUpdates(true)

	case "command_same_server_filter_set":
		enabled, _ := data["enabled"].(bool)
		h.state.SetSameServerFilter(enabled)
		h.logger.Info().Bool("enabled", enabled).Msg("Same-server filter toggled")
		h.sendAdminAck(sess, true, "same_server_filter_set", map[string]any{
			"enabled": enabled,
		})
		// Visibility changed for everyone; force a rebase.
		h.broadcastUpdates(true)

	default:
		h.sendAdminAck(sess, false, msgType, map[string]any{"error": "unknown_command"})
	}
}

func (h *Hub) sendAdminAck(sess Session, ok bool, action string, extra map[string]any) {
	ack := map[string]any{
		"type":   "admin_ack",
		"ok":     ok,
		"action": action,
	}
	for k, v := range extra {
		ack[k] = v
	}
	h.send(sess, "admin_ack", ack)
}

// broadcastAdminSnapshot pushes the full world overview to every admin
// connection. Failed admins are dropped silently.
func (h *Hub) broadcastAdminSnapshot(now float64) {
	if len(h.admins) == 0 {
		return
	}

	snapshot := map[string]any{
		"server_time":       now,
		"players":           h.state.Players,
		"entities":          h.state.Entities,
		"waypoints":         h.state.Waypoints,
		"playerMarks":       h.state.PlayerMarks(),
		"tabState":          h.state.AdminTabSnapshot(now),
		"connections":       h.state.ConnectionIDs(),
		"connections_count": h.state.ConnectionCount(),
		"revision":          h.state.Revision(),
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to serialize admin snapshot")
		return
	}

	for adminID, sess := range h.admins {
		if err := sess.Send(payload); err != nil {
			h.logger.Warn().Err(err).Str("admin", adminID).Msg("Dropping admin connection")
			delete(h.admins, adminID)
			sess.Close()
		}
	}
}
