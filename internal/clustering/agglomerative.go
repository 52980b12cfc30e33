package clustering

// averageLinkage runs deterministic agglomerative clustering with average
// linkage and a distance cutoff. Pairs are merged while the closest linkage
// distance is strictly below threshold, so the number of clusters emerges
// from the data. Ties resolve to the lowest (i, j) pair.
//
// Complexity is O(n^3) time and O(n^2) memory, which is why the clusterer
// only uses it below the density threshold.
func averageLinkage(vectors [][]float64, threshold float64) [][]int {
	n := len(vectors)
	if n == 0 {
		return nil
	}

	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := unitDistance(vectors[i], vectors[j])
			dist[i][j] = d
			dist[j][i] = d
		}
	}

	members := make([][]int, n)
	active := make([]bool, n)
	for i := range members {
		members[i] = []int{i}
		active[i] = true
	}

	for {
		bi, bj := -1, -1
		best := threshold
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			for j := i + 1; j < n; j++ {
				if !active[j] {
					continue
				}
				if dist[i][j] < best {
					best = dist[i][j]
					bi, bj = i, j
				}
			}
		}
		if bi == -1 {
			break
		}

		// Lance-Williams update for average linkage.
		si := float64(len(members[bi]))
		sj := float64(len(members[bj]))
		for k := 0; k < n; k++ {
			if !active[k] || k == bi || k == bj {
				continue
			}
			d := (si*dist[bi][k] + sj*dist[bj][k]) / (si + sj)
			dist[bi][k] = d
			dist[k][bi] = d
		}

		members[bi] = append(members[bi], members[bj]...)
		members[bj] = nil
		active[bj] = false
	}

	groups := make([][]int, 0)
	for i := 0; i < n; i++ {
		if active[i] {
			groups = append(groups, members[i])
		}
	}
	return groups
}
