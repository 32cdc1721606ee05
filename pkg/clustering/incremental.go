package clustering

// Assignment records a point's cluster after an incremental run.
type Assignment struct {
	ID        string
	ClusterID int
}

// Incremental clusters the union of existing and new points, keeping
// existing assignments stable where possible, and returns assignments for
// the new points only. Existing points whose cluster survives keep their
// cluster id; new clusters get ids above the current maximum.
func Incremental(existing map[string][]float32, existingAssignments map[string]int, fresh []Point, opts Options) []Assignment {
	all := make([]Point, 0, len(existing)+len(fresh))
	for id, vec := range existing {
		all = append(all, Point{ID: id, Vector: vec})
	}
	freshIDs := make(map[string]bool, len(fresh))
	for _, p := range fresh {
		all = append(all, p)
		freshIDs[p.ID] = true
	}

	result := DBSCAN(all, opts)

	maxExisting := 0
	for _, cid := range existingAssignments {
		if cid > maxExisting {
			maxExisting = cid
		}
	}

	// Map each fresh cluster onto the existing cluster its members mostly
	// came from; otherwise allocate a new id.
	next := maxExisting
	var out []Assignment
	for _, members := range result.Clusters {
		target := dominantExistingCluster(members, existingAssignments)
		if target == 0 {
			next++
			target = next
		}
		for _, id := range members {
			if freshIDs[id] {
				out = append(out, Assignment{ID: id, ClusterID: target})
			}
		}
	}
	for _, id := range result.Noise {
		if freshIDs[id] {
			out = append(out, Assignment{ID: id, ClusterID: 0})
		}
	}
	return out
}

func dominantExistingCluster(members []string, existingAssignments map[string]int) int {
	counts := map[int]int{}
	for _, id := range members {
		if cid, ok := existingAssignments[id]; ok && cid > 0 {
			counts[cid]++
		}
	}
	best, bestCount := 0, 0
	for cid, n := range counts {
		if n > bestCount {
			best, bestCount = cid, n
		}
	}
	return best
}
