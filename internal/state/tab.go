package state

import (
	"sort"
	"strconv"
	"strings"
)

// TabEntry is one normalized row of a source's tab player list. Nil fields
// serialize as null, preserving the admin snapshot shape.
type TabEntry struct {
	UUID         *string `json:"uuid"`
	Name         *string `json:"name"`
	DisplayName  *string `json:"displayName"`
	PrefixedName *string `json:"prefixedName"`
}

// TabReport is a source's latest tab identity observation. IdentityKeys is
// the sorted, deduplicated key set used for same-server grouping.
type TabReport struct {
	Timestamp      float64    `json:"timestamp"`
	SubmitPlayerID string     `json:"submitPlayerId"`
	Players        []TabEntry `json:"players"`
	IdentityKeys   []string   `json:"identityKeys"`
}

// TabGroup is one same-server component. Members are sorted; the group id
// is assigned by position after sorting groups by smallest member.
type TabGroup struct {
	GroupID string   `json:"groupId"`
	Members []string `json:"members"`
}

// Grouping maps every active source to its same-server group.
type Grouping struct {
	SourceToGroup map[string]string `json:"sourceToGroup"`
	Groups        []TabGroup        `json:"groups"`
}

// normalizeTabUUID accepts only canonical 36-char UUIDs, lowercased.
func normalizeTabUUID(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	text := strings.ToLower(strings.TrimSpace(s))
	if len(text) != 36 {
		return nil
	}
	return &text
}

// normalizeTabName trims and caps a display name at 64 chars.
func normalizeTabName(v any) *string {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	text := strings.TrimSpace(s)
	if text == "" {
		return nil
	}
	if len(text) > 64 {
		text = text[:64]
	}
	return &text
}

func firstPresent(item map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := item[key]; ok && v != nil {
			if s, isStr := v.(string); !isStr || s != "" {
				return v
			}
		}
	}
	return nil
}

// BuildTabReport normalizes a raw tab player list into a report. The
// source's own submitPlayerId always contributes a uuid key, so a source
// that reports anything at all is groupable with peers that see it.
func BuildTabReport(submitPlayerID string, tabPlayers []any, now float64) *TabReport {
	entries := make([]TabEntry, 0, len(tabPlayers))
	keySet := make(map[string]struct{})

	if trimmed := strings.TrimSpace(submitPlayerID); trimmed != "" {
		keySet["uuid:"+strings.ToLower(trimmed)] = struct{}{}
	}

	for _, raw := range tabPlayers {
		item, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		entry := TabEntry{
			UUID:         normalizeTabUUID(firstPresent(item, "uuid", "playerUUID", "id")),
			Name:         normalizeTabName(firstPresent(item, "name", "playerName")),
			DisplayName:  normalizeTabName(firstPresent(item, "displayName")),
			PrefixedName: normalizeTabName(firstPresent(item, "prefixedName", "teamDisplayName")),
		}
		if entry.UUID == nil && entry.Name == nil && entry.DisplayName == nil && entry.PrefixedName == nil {
			continue
		}
		entries = append(entries, entry)

		if entry.UUID != nil {
			keySet["uuid:"+*entry.UUID] = struct{}{}
		}
		if entry.Name != nil {
			keySet["name:"+strings.ToLower(*entry.Name)] = struct{}{}
		}
	}

	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &TabReport{
		Timestamp:      now,
		SubmitPlayerID: submitPlayerID,
		Players:        entries,
		IdentityKeys:   keys,
	}
}

// unionFind unions by smaller root string, which makes every component's
// root its lexicographically smallest member.
type unionFind struct {
	parent map[string]string
}

func newUnionFind(members []string) *unionFind {
	parent := make(map[string]string, len(members))
	for _, m := range members {
		parent[m] = m
	}
	return &unionFind{parent: parent}
}

func (u *unionFind) find(id string) string {
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for u.parent[id] != root {
		id, u.parent[id] = u.parent[id], root
	}
	return root
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	if ra <= rb {
		u.parent[rb] = ra
	} else {
		u.parent[ra] = rb
	}
}

// buildGroups partitions the active sources by intersecting identity key
// sets. Sources without a usable report form singleton components (they
// still appear in the output; visibility fail-open is applied elsewhere).
func buildGroups(activeSources []string, reports map[string]*TabReport) Grouping {
	grouping := Grouping{SourceToGroup: map[string]string{}, Groups: []TabGroup{}}
	if len(activeSources) == 0 {
		return grouping
	}

	sources := make([]string, len(activeSources))
	copy(sources, activeSources)
	sort.Strings(sources)

	uf := newUnionFind(sources)

	identitySets := make(map[string]map[string]struct{}, len(sources))
	for _, sourceID := range sources {
		report := reports[sourceID]
		if report == nil || len(report.IdentityKeys) == 0 {
			continue
		}
		set := make(map[string]struct{}, len(report.IdentityKeys))
		for _, key := range report.IdentityKeys {
			set[key] = struct{}{}
		}
		identitySets[sourceID] = set
	}

	for i := 0; i < len(sources); i++ {
		keysA := identitySets[sources[i]]
		if len(keysA) == 0 {
			continue
		}
		for j := i + 1; j < len(sources); j++ {
			keysB := identitySets[sources[j]]
			if len(keysB) == 0 {
				continue
			}
			for key := range keysA {
				if _, ok := keysB[key]; ok {
					uf.union(sources[i], sources[j])
					break
				}
			}
		}
	}

	components := make(map[string][]string)
	for _, sourceID := range sources {
		root := uf.find(sourceID)
		components[root] = append(components[root], sourceID)
	}

	roots := make([]string, 0, len(components))
	for root := range components {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	for index, root := range roots {
		members := components[root]
		sort.Strings(members)
		groupID := "g" + strconv.Itoa(index+1)
		grouping.Groups = append(grouping.Groups, TabGroup{GroupID: groupID, Members: members})
		for _, member := range members {
			grouping.SourceToGroup[member] = groupID
		}
	}

	return grouping
}
