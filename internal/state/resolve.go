package state

import "sort"

// Resolve computes the resolved view for one pool: exactly one winning node
// per object.
//
// Per object the choice is made in three steps:
//
//  1. Freshest timestamp wins; an exact tie breaks to the lexicographically
//     smallest sourceID, which keeps the result deterministic.
//  2. When preferSelf is set (players scope) and a bucket exists whose
//     sourceID equals the objectID, that self report wins whenever it is
//     within switchThreshold seconds of the freshest candidate.
//  3. The previously selected source sticks when it lags the chosen
//     candidate by at most switchThreshold seconds, suppressing flapping
//     between near-simultaneous sources.
//
// selected is mutated in place to hold the winners for the next tick; keys
// of objects that disappeared are dropped.
func Resolve(pool ReportPool, selected map[string]string, switchThreshold float64, preferSelf bool) map[string]*Node {
	resolved := make(map[string]*Node, len(pool))
	nextSelected := make(map[string]string, len(pool))

	for objectID, bucket := range pool {
		if len(bucket) == 0 {
			continue
		}

		sourceIDs := make([]string, 0, len(bucket))
		for sourceID := range bucket {
			sourceIDs = append(sourceIDs, sourceID)
		}
		sort.Strings(sourceIDs)

		// Sorted iteration with strict-greater replacement leaves the
		// smallest sourceID holding any exact timestamp tie.
		bestSource := sourceIDs[0]
		bestTS := timestampOf(bucket[bestSource])
		for _, sourceID := range sourceIDs[1:] {
			if ts := timestampOf(bucket[sourceID]); ts > bestTS {
				bestSource = sourceID
				bestTS = ts
			}
		}

		chosenSource := bestSource
		if preferSelf {
			if selfNode, ok := bucket[objectID]; ok {
				if bestTS-timestampOf(selfNode) <= switchThreshold {
					chosenSource = objectID
				}
			}
		}

		if prevSource, ok := selected[objectID]; ok {
			if prevNode, present := bucket[prevSource]; present {
				if timestampOf(bucket[chosenSource])-timestampOf(prevNode) <= switchThreshold {
					chosenSource = prevSource
				}
			}
		}

		resolved[objectID] = bucket[chosenSource]
		nextSelected[objectID] = chosenSource
	}

	for k := range selected {
		delete(selected, k)
	}
	for k, v := range nextSelected {
		selected[k] = v
	}

	return resolved
}
