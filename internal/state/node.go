// Package state holds the hub's in-memory world: multi-source report pools,
// the arbitration that turns them into resolved views, patch and digest
// computation, timeout scanning and the same-server grouping filter.
//
// Nothing in this package is goroutine-safe; all access is serialized by the
// hub actor that owns the State.
package state

import "sort"

// Node is one source's opinion about one object.
type Node struct {
	Timestamp      float64        `json:"timestamp"`
	SubmitPlayerID string         `json:"submitPlayerId"`
	Data           map[string]any `json:"data"`
}

// ReportPool maps objectID -> sourceID -> Node. Mutators maintain the
// invariant that no objectID ever maps to an empty source bucket.
type ReportPool map[string]map[string]*Node

// Upsert overwrites the source's node for the object.
func (p ReportPool) Upsert(objectID, sourceID string, node *Node) {
	bucket, ok := p[objectID]
	if !ok {
		bucket = make(map[string]*Node, 1)
		p[objectID] = bucket
	}
	bucket[sourceID] = node
}

// Delete removes one source's node for an object and reports whether
// anything was removed. An emptied object bucket is dropped entirely.
func (p ReportPool) Delete(objectID, sourceID string) bool {
	bucket, ok := p[objectID]
	if !ok {
		return false
	}
	if _, ok := bucket[sourceID]; !ok {
		return false
	}
	delete(bucket, sourceID)
	if len(bucket) == 0 {
		delete(p, objectID)
	}
	return true
}

// Get returns the source's node for an object, or nil.
func (p ReportPool) Get(objectID, sourceID string) *Node {
	return p[objectID][sourceID]
}

// PruneSource removes every node owned by the source.
func (p ReportPool) PruneSource(sourceID string) {
	for objectID, bucket := range p {
		if _, ok := bucket[sourceID]; !ok {
			continue
		}
		delete(bucket, sourceID)
		if len(bucket) == 0 {
			delete(p, objectID)
		}
	}
}

// ObjectIDsOfSource returns the ids of every object the source currently
// reports, sorted.
func (p ReportPool) ObjectIDsOfSource(sourceID string) []string {
	var ids []string
	for objectID, bucket := range p {
		if _, ok := bucket[sourceID]; ok {
			ids = append(ids, objectID)
		}
	}
	sort.Strings(ids)
	return ids
}

// ReplaceSource implements full-snapshot semantics: the new node set becomes
// the source's complete holding in this pool.
func (p ReportPool) ReplaceSource(sourceID string, nodes map[string]*Node) {
	p.PruneSource(sourceID)
	for objectID, node := range nodes {
		p.Upsert(objectID, sourceID, node)
	}
}

// timestampOf reads a node timestamp, treating nil nodes as epoch zero so
// they always lose arbitration.
func timestampOf(node *Node) float64 {
	if node == nil {
		return 0
	}
	return node.Timestamp
}
