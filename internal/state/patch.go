package state

import (
	"reflect"
	"sort"
)

// ScopePatch is the delta of one scope between two resolved views. Upsert
// values carry only the changed fields, except for newly appearing objects
// which carry their full data.
type ScopePatch struct {
	Upsert map[string]map[string]any `json:"upsert"`
	Delete []string                  `json:"delete"`
}

// Patch is the per-tick delta over all three scopes.
type Patch struct {
	Players   ScopePatch `json:"players"`
	Entities  ScopePatch `json:"entities"`
	Waypoints ScopePatch `json:"waypoints"`
}

// EmptyPatch returns a patch with allocated empty scopes, so wire output
// always carries `upsert:{}` and `delete:[]` rather than nulls.
func EmptyPatch() Patch {
	return Patch{
		Players:   ScopePatch{Upsert: map[string]map[string]any{}, Delete: []string{}},
		Entities:  ScopePatch{Upsert: map[string]map[string]any{}, Delete: []string{}},
		Waypoints: ScopePatch{Upsert: map[string]map[string]any{}, Delete: []string{}},
	}
}

// HasChanges reports whether any scope carries an upsert or delete.
func (p Patch) HasChanges() bool {
	for _, scope := range [...]ScopePatch{p.Players, p.Entities, p.Waypoints} {
		if len(scope.Upsert) > 0 || len(scope.Delete) > 0 {
			return true
		}
	}
	return false
}

// FieldDelta returns the fields of newData whose values differ from oldData.
// A nil oldData means the object is new and its full data is the delta.
func FieldDelta(oldData, newData map[string]any) map[string]any {
	if oldData == nil {
		out := make(map[string]any, len(newData))
		for k, v := range newData {
			out[k] = v
		}
		return out
	}
	delta := make(map[string]any)
	for k, v := range newData {
		if !reflect.DeepEqual(oldData[k], v) {
			delta[k] = v
		}
	}
	return delta
}

// ComputeScopePatch diffs two resolved views of one scope. Deletes are
// sorted for stable wire output.
func ComputeScopePatch(oldView, newView map[string]*Node) ScopePatch {
	patch := ScopePatch{Upsert: map[string]map[string]any{}, Delete: []string{}}

	for objectID := range oldView {
		if _, ok := newView[objectID]; !ok {
			patch.Delete = append(patch.Delete, objectID)
		}
	}
	sort.Strings(patch.Delete)

	for objectID, newNode := range newView {
		var oldData map[string]any
		if oldNode := oldView[objectID]; oldNode != nil {
			oldData = oldNode.Data
		}
		newData := newNode.Data
		if newData == nil {
			newData = map[string]any{}
		}
		if delta := FieldDelta(oldData, newData); len(delta) > 0 {
			patch.Upsert[objectID] = delta
		}
	}

	return patch
}
