package state

import "strings"

// PlayerMark is an admin-assigned overlay for one player. Label stays null
// on the wire when unset.
type PlayerMark struct {
	Team      string  `json:"team"`
	Color     string  `json:"color"`
	Label     *string `json:"label"`
	UpdatedAt int64   `json:"updatedAt"`
}

var defaultTeamColors = map[string]string{
	"friendly": "#3b82f6",
	"enemy":    "#ef4444",
	"neutral":  "#94a3b8",
}

// NormalizeMarkTeam folds team synonyms onto the three canonical values;
// anything unrecognized is neutral.
func NormalizeMarkTeam(team string) string {
	switch strings.ToLower(strings.TrimSpace(team)) {
	case "friendly", "friend", "ally", "blue":
		return "friendly"
	case "enemy", "hostile", "red":
		return "enemy"
	default:
		return "neutral"
	}
}

// NormalizeMarkColor accepts `#rrggbb` or `rrggbb` and returns the
// lowercased `#rrggbb` form, or "" when the input is unusable.
func NormalizeMarkColor(color string) string {
	text := strings.TrimSpace(color)
	text = strings.TrimPrefix(text, "#")
	if len(text) != 6 {
		return ""
	}
	for _, r := range text {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return ""
		}
	}
	return "#" + strings.ToLower(text)
}

// SetPlayerMark normalizes and stores a mark. An unusable color falls back
// to the team default; labels are trimmed and capped at 64 chars. Returns
// the stored mark, or nil for a blank player id.
func (s *State) SetPlayerMark(playerID, team, color, label string, nowMS int64) *PlayerMark {
	id := strings.TrimSpace(playerID)
	if id == "" {
		return nil
	}

	normalizedTeam := NormalizeMarkTeam(team)
	normalizedColor := NormalizeMarkColor(color)
	if normalizedColor == "" {
		normalizedColor = defaultTeamColors[normalizedTeam]
	}

	var normalizedLabel *string
	if trimmed := strings.TrimSpace(label); trimmed != "" {
		if len(trimmed) > 64 {
			trimmed = trimmed[:64]
		}
		normalizedLabel = &trimmed
	}

	mark := &PlayerMark{
		Team:      normalizedTeam,
		Color:     normalizedColor,
		Label:     normalizedLabel,
		UpdatedAt: nowMS,
	}
	s.playerMarks[id] = mark
	return mark
}

// ClearPlayerMark removes one mark and reports whether it existed.
func (s *State) ClearPlayerMark(playerID string) bool {
	id := strings.TrimSpace(playerID)
	if id == "" {
		return false
	}
	if _, ok := s.playerMarks[id]; !ok {
		return false
	}
	delete(s.playerMarks, id)
	return true
}

// ClearAllPlayerMarks removes every mark and returns how many were cleared.
func (s *State) ClearAllPlayerMarks() int {
	count := len(s.playerMarks)
	s.playerMarks = make(map[string]*PlayerMark)
	return count
}

// PlayerMarks returns the live marks map for serialization.
func (s *State) PlayerMarks() map[string]*PlayerMark {
	return s.playerMarks
}
