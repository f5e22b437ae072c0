package hub

import "github.com/prof-chen/esphub/internal/state"

// Outbound message shapes. Clients dispatch on the `type` field.

type handshakeAck struct {
	Type              string  `json:"type"`
	Ready             bool    `json:"ready"`
	ProtocolVersion   int     `json:"protocolVersion"`
	DeltaEnabled      bool    `json:"deltaEnabled"`
	DigestIntervalSec float64 `json:"digestIntervalSec"`
	Rev               int64   `json:"rev"`
}

type snapshotFull struct {
	Type        string                       `json:"type"`
	Rev         int64                        `json:"rev"`
	Players     map[string]map[string]any    `json:"players"`
	Entities    map[string]map[string]any    `json:"entities"`
	Waypoints   map[string]map[string]any    `json:"waypoints"`
	PlayerMarks map[string]*state.PlayerMark `json:"playerMarks"`
}

type patchMsg struct {
	Type      string           `json:"type"`
	Rev       int64            `json:"rev"`
	Players   state.ScopePatch `json:"players"`
	Entities  state.ScopePatch `json:"entities"`
	Waypoints state.ScopePatch `json:"waypoints"`
}

// positionsMsg is the legacy full broadcast; nodes keep their envelope so
// old clients can read timestamps.
type positionsMsg struct {
	Type        string                       `json:"type"`
	Players     map[string]*state.Node       `json:"players"`
	Entities    map[string]*state.Node       `json:"entities"`
	Waypoints   map[string]*state.Node       `json:"waypoints"`
	PlayerMarks map[string]*state.PlayerMark `json:"playerMarks"`
}

type digestMsg struct {
	Type   string            `json:"type"`
	Rev    int64             `json:"rev"`
	Hashes map[string]string `json:"hashes"`
}

type refreshReq struct {
	Type       string   `json:"type"`
	Reason     string   `json:"reason"`
	ServerTime float64  `json:"serverTime"`
	Rev        int64    `json:"rev"`
	Players    []string `json:"players"`
	Entities   []string `json:"entities"`
}

// Refresh request reasons.
const (
	refreshReasonExpirySoon      = "expiry_soon"
	refreshReasonMissingBaseline = "missing_baseline"
)
