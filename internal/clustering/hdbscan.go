package clustering

import (
	"math"
	"sort"
)

// minDistance keeps lambda = 1/distance finite for duplicate vectors.
const minDistance = 1e-12

type mstEdge struct {
	a, b int
	w    float64
}

// linkNode is an internal node of the single-linkage hierarchy. Leaves are
// the point indexes 0..n-1; node k (k >= n) is stored at nodes[k-n].
type linkNode struct {
	left, right int
	dist        float64
	size        int
}

// condensedCluster is a node of the condensed tree.
type condensedCluster struct {
	parent      int
	lambdaBirth float64
	size        int
	children    []int
	stability   float64
}

// hdbscan runs density-based clustering with min_samples = 1 (so mutual
// reachability equals plain cosine distance), excess-of-mass selection and
// a cluster selection epsilon. Points that belong to no selected cluster are
// noise and are omitted from the result.
//
// With an epsilon the whole dataset may form one cluster: the root is
// selected when its first split is closer than epsilon or when nothing else
// qualifies, and then only holds the points that fell out of it within
// epsilon.
func hdbscan(vectors [][]float64, minClusterSize int, epsilon float64) [][]int {
	n := len(vectors)
	if n < minClusterSize || n < 2 {
		return nil
	}

	edges := primMST(vectors)
	nodes := singleLinkage(n, edges)
	clusters, pointCluster, pointLambda := condense(n, nodes, minClusterSize)
	selected := selectEOM(clusters)
	if epsilon > 0 {
		selected = applyEpsilon(clusters, selected, epsilon)
		if len(selected) == 0 {
			selected[0] = true
		}
	}
	groups := labelPoints(n, clusters, selected, pointCluster, func(p int) bool {
		return 1.0/pointLambda[p] <= epsilon
	})

	out := groups[:0]
	for _, g := range groups {
		if len(g) >= minClusterSize {
			out = append(out, g)
		}
	}
	return out
}

// primMST builds a minimum spanning tree over the complete distance graph
// in O(n^2) time and O(n) memory. Ties pick the lowest point index.
func primMST(vectors [][]float64) []mstEdge {
	n := len(vectors)
	inTree := make([]bool, n)
	best := make([]float64, n)
	from := make([]int, n)
	for i := range best {
		best[i] = math.Inf(1)
		from[i] = -1
	}

	edges := make([]mstEdge, 0, n-1)
	current := 0
	inTree[0] = true
	for k := 1; k < n; k++ {
		next := -1
		for j := 0; j < n; j++ {
			if inTree[j] {
				continue
			}
			d := unitDistance(vectors[current], vectors[j])
			if d < best[j] {
				best[j] = d
				from[j] = current
			}
			if next == -1 || best[j] < best[next] {
				next = j
			}
		}
		edges = append(edges, mstEdge{a: from[next], b: next, w: best[next]})
		inTree[next] = true
		current = next
	}

	sort.SliceStable(edges, func(i, j int) bool {
		if edges[i].w != edges[j].w {
			return edges[i].w < edges[j].w
		}
		ai, bi := orderedPair(edges[i].a, edges[i].b)
		aj, bj := orderedPair(edges[j].a, edges[j].b)
		if ai != aj {
			return ai < aj
		}
		return bi < bj
	})
	return edges
}

func orderedPair(a, b int) (int, int) {
	if a < b {
		return a, b
	}
	return b, a
}

// singleLinkage turns sorted MST edges into a dendrogram using union-find.
func singleLinkage(n int, edges []mstEdge) []linkNode {
	parent := make([]int, 2*n-1)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}

	size := func(nodes []linkNode, x int) int {
		if x < n {
			return 1
		}
		return nodes[x-n].size
	}

	nodes := make([]linkNode, 0, n-1)
	for _, e := range edges {
		ra, rb := find(e.a), find(e.b)
		id := n + len(nodes)
		nodes = append(nodes, linkNode{
			left:  ra,
			right: rb,
			dist:  e.w,
			size:  size(nodes, ra) + size(nodes, rb),
		})
		parent[ra] = id
		parent[rb] = id
	}
	return nodes
}

func lambdaOf(dist float64) float64 {
	if dist < minDistance {
		dist = minDistance
	}
	return 1.0 / dist
}

// condense walks the dendrogram from the root and keeps only splits where
// both sides reach minClusterSize. pointCluster records, for each point, the
// condensed cluster it fell out of and pointLambda the lambda it fell out
// at; stabilities are accumulated on the way.
func condense(n int, nodes []linkNode, minClusterSize int) ([]condensedCluster, []int, []float64) {
	clusters := []condensedCluster{{parent: -1, lambdaBirth: 0, size: n}}
	pointCluster := make([]int, n)
	pointLambda := make([]float64, n)

	nodeSize := func(x int) int {
		if x < n {
			return 1
		}
		return nodes[x-n].size
	}

	var leaves func(x int, fn func(int))
	leaves = func(x int, fn func(int)) {
		stack := []int{x}
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top < n {
				fn(top)
				continue
			}
			node := nodes[top-n]
			stack = append(stack, node.right, node.left)
		}
	}

	fallOut := func(x, label int, lambda float64) {
		leaves(x, func(p int) {
			pointCluster[p] = label
			pointLambda[p] = lambda
			clusters[label].stability += lambda - clusters[label].lambdaBirth
		})
	}

	type frame struct{ node, label int }
	root := n + len(nodes) - 1
	queue := []frame{{node: root, label: 0}}
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.node < n {
			fallOut(f.node, f.label, clusters[f.label].lambdaBirth)
			continue
		}

		node := nodes[f.node-n]
		lambda := lambdaOf(node.dist)
		leftSize, rightSize := nodeSize(node.left), nodeSize(node.right)
		leftBig, rightBig := leftSize >= minClusterSize, rightSize >= minClusterSize

		switch {
		case leftBig && rightBig:
			for _, child := range []struct{ node, size int }{{node.left, leftSize}, {node.right, rightSize}} {
				id := len(clusters)
				clusters = append(clusters, condensedCluster{parent: f.label, lambdaBirth: lambda, size: child.size})
				clusters[f.label].children = append(clusters[f.label].children, id)
				clusters[f.label].stability += float64(child.size) * (lambda - clusters[f.label].lambdaBirth)
				queue = append(queue, frame{node: child.node, label: id})
			}
		case !leftBig && !rightBig:
			fallOut(node.left, f.label, lambda)
			fallOut(node.right, f.label, lambda)
		case leftBig:
			fallOut(node.right, f.label, lambda)
			queue = append(queue, frame{node: node.left, label: f.label})
		default:
			fallOut(node.left, f.label, lambda)
			queue = append(queue, frame{node: node.right, label: f.label})
		}
	}
	return clusters, pointCluster, pointLambda
}

// selectEOM picks the excess-of-mass clusters. The root is never selected.
func selectEOM(clusters []condensedCluster) map[int]bool {
	selected := make(map[int]bool)
	best := make([]float64, len(clusters))

	// Children always have higher ids than their parent.
	for id := len(clusters) - 1; id >= 1; id-- {
		c := clusters[id]
		if len(c.children) == 0 {
			selected[id] = true
			best[id] = c.stability
			continue
		}
		var childSum float64
		for _, child := range c.children {
			childSum += best[child]
		}
		if childSum > c.stability {
			best[id] = childSum
			continue
		}
		best[id] = c.stability
		selected[id] = true
		for _, d := range descendants(clusters, id) {
			delete(selected, d)
		}
	}
	return selected
}

func descendants(clusters []condensedCluster, id int) []int {
	var out []int
	stack := append([]int(nil), clusters[id].children...)
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, top)
		stack = append(stack, clusters[top].children...)
	}
	return out
}

// applyEpsilon replaces selected clusters born below epsilon distance by
// their closest ancestor born at or above it, so that both embedding
// algorithms agree at the similarity cutoff.
func applyEpsilon(clusters []condensedCluster, selected map[int]bool, epsilon float64) map[int]bool {
	ids := make([]int, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make(map[int]bool, len(ids))
	for _, id := range ids {
		birth := 1.0 / clusters[id].lambdaBirth
		if birth >= epsilon {
			out[id] = true
			continue
		}
		out[traverseUp(clusters, id, epsilon)] = true
	}

	// Drop anything covered by a selected ancestor.
	for id := range out {
		for p := clusters[id].parent; p >= 0; p = clusters[p].parent {
			if out[p] {
				delete(out, id)
				break
			}
		}
	}
	return out
}

// traverseUp returns the closest ancestor of id born above epsilon. The
// root counts as born at infinite distance.
func traverseUp(clusters []condensedCluster, id int, epsilon float64) int {
	for {
		parent := clusters[id].parent
		if parent < 0 {
			return id
		}
		if parent == 0 {
			return 0
		}
		if 1.0/clusters[parent].lambdaBirth > epsilon {
			return parent
		}
		id = parent
	}
}

// labelPoints assigns every point to its selected ancestor cluster. Points
// that fell out of the root directly join it only if within(p).
func labelPoints(n int, clusters []condensedCluster, selected map[int]bool, pointCluster []int, within func(p int) bool) [][]int {
	ids := make([]int, 0, len(selected))
	for id := range selected {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	index := make(map[int]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	groups := make([][]int, len(ids))
	for p := 0; p < n; p++ {
		if pointCluster[p] == 0 && selected[0] && !within(p) {
			continue
		}
		for c := pointCluster[p]; c >= 0; c = clusters[c].parent {
			if selected[c] {
				groups[index[c]] = append(groups[index[c]], p)
				break
			}
		}
	}
	return groups
}
