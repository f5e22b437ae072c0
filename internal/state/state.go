package state

import "sort"

// RefreshMaxItemsPerScope caps how many object ids one refresh_req may
// carry per scope, keeping the frame small.
const RefreshMaxItemsPerScope = 64

// Waypoint ttlSeconds override bounds.
const (
	waypointTTLMinSec = 5
	waypointTTLMaxSec = 86400
)

// Params are the arbitration and lifecycle tunables, already clamped by the
// configuration layer.
type Params struct {
	PlayerTimeoutSec    float64
	EntityTimeoutSec    float64
	WaypointTimeoutSec  float64
	SwitchThresholdSec  float64
	RefreshLeadSec      float64
	RefreshCooldownSec  float64
	TabReportTimeoutSec float64
	SameServerFilter    bool
}

// Capability records what a connected source negotiated at handshake.
type Capability struct {
	Protocol       int
	Delta          bool
	LastDigestSent float64
}

// State is the hub's entire mutable world. It is owned by a single
// goroutine; none of its methods are safe for concurrent use.
type State struct {
	params Params

	// Raw report pools, objectID -> sourceID -> node.
	PlayerReports   ReportPool
	EntityReports   ReportPool
	WaypointReports ReportPool

	// Resolved views, recomputed each tick.
	Players   map[string]*Node
	Entities  map[string]*Node
	Waypoints map[string]*Node

	playerSelected   map[string]string
	entitySelected   map[string]string
	waypointSelected map[string]string

	caps        map[string]*Capability
	playerMarks map[string]*PlayerMark
	tabReports  map[string]*TabReport
	connections map[string]struct{}

	sameServerFilter bool
	revision         int64
	lastRefreshReq   map[string]float64
}

// New creates an empty State with the given tunables.
func New(params Params) *State {
	return &State{
		params:           params,
		PlayerReports:    ReportPool{},
		EntityReports:    ReportPool{},
		WaypointReports:  ReportPool{},
		Players:          map[string]*Node{},
		Entities:         map[string]*Node{},
		Waypoints:        map[string]*Node{},
		playerSelected:   map[string]string{},
		entitySelected:   map[string]string{},
		waypointSelected: map[string]string{},
		caps:             map[string]*Capability{},
		playerMarks:      map[string]*PlayerMark{},
		tabReports:       map[string]*TabReport{},
		connections:      map[string]struct{}{},
		sameServerFilter: params.SameServerFilter,
		lastRefreshReq:   map[string]float64{},
	}
}

// Params returns the tunables the state was built with.
func (s *State) Params() Params {
	return s.params
}

// Revision returns the current global revision.
func (s *State) Revision() int64 {
	return s.revision
}

// NextRevision bumps and returns the global revision.
func (s *State) NextRevision() int64 {
	s.revision++
	return s.revision
}

// SameServerFilterEnabled reports whether visibility grouping is active.
func (s *State) SameServerFilterEnabled() bool {
	return s.sameServerFilter
}

// SetSameServerFilter toggles visibility grouping.
func (s *State) SetSameServerFilter(enabled bool) {
	s.sameServerFilter = enabled
}

// AddConnection registers a source id as connected.
func (s *State) AddConnection(sourceID string) {
	s.connections[sourceID] = struct{}{}
}

// HasConnection reports whether the source id is connected.
func (s *State) HasConnection(sourceID string) bool {
	_, ok := s.connections[sourceID]
	return ok
}

// ConnectionIDs returns the connected source ids, sorted.
func (s *State) ConnectionIDs() []string {
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectionCount returns how many sources are connected.
func (s *State) ConnectionCount() int {
	return len(s.connections)
}

// RemoveConnection forgets a source entirely: its connection record,
// capability, tab report, refresh cooldown and every report it owns.
func (s *State) RemoveConnection(sourceID string) {
	delete(s.connections, sourceID)
	delete(s.caps, sourceID)
	delete(s.tabReports, sourceID)
	delete(s.lastRefreshReq, sourceID)
	s.PlayerReports.PruneSource(sourceID)
	s.EntityReports.PruneSource(sourceID)
	s.WaypointReports.PruneSource(sourceID)
}

// MarkCapability records the negotiated protocol of a source. Delta mode
// requires protocol v2 or later plus an explicit opt-in.
func (s *State) MarkCapability(sourceID string, protocolVersion int, supportsDelta bool) {
	s.caps[sourceID] = &Capability{
		Protocol: protocolVersion,
		Delta:    protocolVersion >= ProtocolV2 && supportsDelta,
	}
}

// ProtocolV2 is the first protocol revision with delta support.
const ProtocolV2 = 2

// Capability returns a source's negotiated capability, or nil.
func (s *State) Capability(sourceID string) *Capability {
	return s.caps[sourceID]
}

// IsDeltaClient reports whether the source negotiated delta mode.
func (s *State) IsDeltaClient(sourceID string) bool {
	caps := s.caps[sourceID]
	return caps != nil && caps.Delta
}

// UpsertTabReport replaces a source's tab identity report.
func (s *State) UpsertTabReport(sourceID string, tabPlayers []any, now float64) *TabReport {
	report := BuildTabReport(sourceID, tabPlayers, now)
	s.tabReports[sourceID] = report
	return report
}

// CleanupTabReports drops identity reports of disconnected sources and
// reports older than the tab timeout.
func (s *State) CleanupTabReports(now float64) {
	for sourceID, report := range s.tabReports {
		if !s.HasConnection(sourceID) {
			delete(s.tabReports, sourceID)
			continue
		}
		if now-report.Timestamp > s.params.TabReportTimeoutSec {
			delete(s.tabReports, sourceID)
		}
	}
}

// BuildGroups computes the current same-server grouping over connected
// sources, after expiring stale tab reports.
func (s *State) BuildGroups(now float64) Grouping {
	s.CleanupTabReports(now)
	return buildGroups(s.ConnectionIDs(), s.tabReports)
}

// AllowedSourcesFor returns the set of sources the given subscriber may
// see. With the filter off, for an unknown subscriber, for a subscriber
// with no identity report, or when the subscriber has no group, it is
// every connected source: fail open rather than isolate a new client.
func (s *State) AllowedSourcesFor(sourceID string, now float64) map[string]struct{} {
	all := make(map[string]struct{}, len(s.connections))
	for id := range s.connections {
		all[id] = struct{}{}
	}
	if !s.sameServerFilter {
		return all
	}
	if _, connected := s.connections[sourceID]; !connected {
		return all
	}

	grouping := s.BuildGroups(now)
	if s.tabReports[sourceID] == nil {
		return all
	}
	groupID, ok := grouping.SourceToGroup[sourceID]
	if !ok || groupID == "" {
		return all
	}

	allowed := make(map[string]struct{})
	for member, memberGroup := range grouping.SourceToGroup {
		if memberGroup == groupID {
			allowed[member] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return all
	}
	return allowed
}

// FilterBySources keeps the nodes whose submitPlayerId is empty or in the
// allowed set. An empty allowed set hides everything.
func FilterBySources(view map[string]*Node, allowed map[string]struct{}) map[string]*Node {
	if len(allowed) == 0 {
		return map[string]*Node{}
	}
	filtered := make(map[string]*Node, len(view))
	for objectID, node := range view {
		if node == nil {
			continue
		}
		if node.SubmitPlayerID != "" {
			if _, ok := allowed[node.SubmitPlayerID]; !ok {
				continue
			}
		}
		filtered[objectID] = node
	}
	return filtered
}

// AdminTabSnapshot is the tabState block of the admin snapshot.
func (s *State) AdminTabSnapshot(now float64) map[string]any {
	grouping := s.BuildGroups(now)
	reports := make(map[string]any, len(s.tabReports))
	for sourceID, report := range s.tabReports {
		reports[sourceID] = map[string]any{
			"timestamp": report.Timestamp,
			"players":   report.Players,
		}
	}
	return map[string]any{
		"enabled": s.sameServerFilter,
		"reports": reports,
		"groups":  grouping.Groups,
	}
}

// waypointTimeout resolves the effective timeout of a waypoint node: the
// per-waypoint ttlSeconds override, clamped, else the scope default.
func (s *State) waypointTimeout(node *Node) float64 {
	if node == nil || node.Data == nil {
		return s.params.WaypointTimeoutSec
	}
	var ttl float64
	switch v := node.Data["ttlSeconds"].(type) {
	case int64:
		ttl = float64(v)
	case float64:
		ttl = float64(int64(v))
	default:
		return s.params.WaypointTimeoutSec
	}
	if ttl < waypointTTLMinSec {
		return waypointTTLMinSec
	}
	if ttl > waypointTTLMaxSec {
		return waypointTTLMaxSec
	}
	return ttl
}

// CleanupTimeouts prunes expired and malformed nodes from every pool.
// Nodes with a non-positive timestamp are treated as malformed and removed
// unconditionally.
func (s *State) CleanupTimeouts(now float64) {
	s.CleanupTabReports(now)

	cleanupPool := func(pool ReportPool, timeoutOf func(*Node) float64) {
		for objectID, bucket := range pool {
			for sourceID, node := range bucket {
				if node == nil || node.Timestamp <= 0 {
					delete(bucket, sourceID)
					continue
				}
				if now-node.Timestamp > timeoutOf(node) {
					delete(bucket, sourceID)
				}
			}
			if len(bucket) == 0 {
				delete(pool, objectID)
			}
		}
	}

	cleanupPool(s.PlayerReports, func(*Node) float64 { return s.params.PlayerTimeoutSec })
	cleanupPool(s.EntityReports, func(*Node) float64 { return s.params.EntityTimeoutSec })
	cleanupPool(s.WaypointReports, s.waypointTimeout)
}

// RefreshSet lists the object ids a refresh_req asks one source to
// re-report.
type RefreshSet struct {
	Players  []string
	Entities []string
}

// CollectPreExpiryRefresh gathers, per connected source, the objects whose
// remaining life is within the lead window. Sources inside their refresh
// cooldown are skipped; each scope carries at most RefreshMaxItemsPerScope
// ids. Only players and entities are scanned; waypoints expire silently.
func (s *State) CollectPreExpiryRefresh(now float64) map[string]*RefreshSet {
	requests := make(map[string]*RefreshSet)

	scan := func(pool ReportPool, timeoutOf func(*Node) float64, pick func(*RefreshSet) *[]string) {
		objectIDs := make([]string, 0, len(pool))
		for objectID := range pool {
			objectIDs = append(objectIDs, objectID)
		}
		sort.Strings(objectIDs)

		for _, objectID := range objectIDs {
			for sourceID, node := range pool[objectID] {
				if sourceID == "" || !s.HasConnection(sourceID) {
					continue
				}
				if node == nil || node.Timestamp <= 0 {
					continue
				}

				age := now - node.Timestamp
				if age < 0 {
					continue
				}
				remaining := timeoutOf(node) - age
				if remaining <= 0 || remaining > s.params.RefreshLeadSec {
					continue
				}
				if !s.CanSendRefreshRequest(sourceID, now) {
					continue
				}

				set := requests[sourceID]
				if set == nil {
					set = &RefreshSet{}
					requests[sourceID] = set
				}
				items := pick(set)
				if len(*items) >= RefreshMaxItemsPerScope {
					continue
				}
				if !containsString(*items, objectID) {
					*items = append(*items, objectID)
				}
			}
		}
	}

	scan(s.PlayerReports,
		func(*Node) float64 { return s.params.PlayerTimeoutSec },
		func(set *RefreshSet) *[]string { return &set.Players })
	scan(s.EntityReports,
		func(*Node) float64 { return s.params.EntityTimeoutSec },
		func(set *RefreshSet) *[]string { return &set.Entities })

	for sourceID, set := range requests {
		if len(set.Players) == 0 && len(set.Entities) == 0 {
			delete(requests, sourceID)
		}
	}
	return requests
}

// CanSendRefreshRequest reports whether the per-source refresh cooldown has
// elapsed.
func (s *State) CanSendRefreshRequest(sourceID string, now float64) bool {
	if sourceID == "" {
		return false
	}
	return now-s.lastRefreshReq[sourceID] >= s.params.RefreshCooldownSec
}

// MarkRefreshRequestSent starts the source's refresh cooldown.
func (s *State) MarkRefreshRequestSent(sourceID string, now float64) {
	if sourceID != "" {
		s.lastRefreshReq[sourceID] = now
	}
}

// RefreshResolvedViews re-arbitrates all three scopes and returns the patch
// against the previous views. Players prefer the self source.
func (s *State) RefreshResolvedViews() Patch {
	oldPlayers := s.Players
	oldEntities := s.Entities
	oldWaypoints := s.Waypoints

	s.Players = Resolve(s.PlayerReports, s.playerSelected, s.params.SwitchThresholdSec, true)
	s.Entities = Resolve(s.EntityReports, s.entitySelected, s.params.SwitchThresholdSec, false)
	s.Waypoints = Resolve(s.WaypointReports, s.waypointSelected, s.params.SwitchThresholdSec, false)

	return Patch{
		Players:   ComputeScopePatch(oldPlayers, s.Players),
		Entities:  ComputeScopePatch(oldEntities, s.Entities),
		Waypoints: ComputeScopePatch(oldWaypoints, s.Waypoints),
	}
}

// BuildDigests hashes the three resolved views.
func (s *State) BuildDigests() map[string]string {
	return map[string]string{
		"players":   Digest(s.Players),
		"entities":  Digest(s.Entities),
		"waypoints": Digest(s.Waypoints),
	}
}

// CompactView flattens a resolved view to the wire form id -> data.
func CompactView(view map[string]*Node) map[string]map[string]any {
	out := make(map[string]map[string]any, len(view))
	for objectID, node := range view {
		if node == nil || node.Data == nil {
			out[objectID] = map[string]any{}
			continue
		}
		out[objectID] = node.Data
	}
	return out
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
