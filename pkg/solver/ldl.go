package solver

import (
	"container/heap"
)

// edge is an off-diagonal entry between two nodes of a symmetric matrix.
type edge struct {
	a, b int
}

// ldl is a sparse LDL' factorization of a symmetric quasi-definite matrix
// without pivoting. The sparsity pattern and elimination order are fixed when
// it is created; the values can be changed and refactored any number of
// times.
type ldl struct {
	n     int
	perm  []int
	iperm []int
	// sign is the expected sign of every pivot, in elimination order
	sign []float64

	// upper triangle of the permuted matrix, stored by column
	colPtr  []int
	rowIdx  []int
	values  []float64
	diagPos []int
	edgePos []int

	etree []int
	lp    []int
	li    []int
	lx    []float64
	d     []float64
	dinv  []float64

	marked  []bool
	yVals   []float64
	yIdx    []int
	stack   []int
	nextCol []int
	work    []float64

	// regularized counts the pivots replaced by the last factorization
	regularized int
}

// newLDL orders the nodes by minimum degree and computes the symbolic
// factorization. sign holds the expected pivot sign of every node.
func newLDL(n int, edges []edge, sign []float64) *ldl {
	adj := make([][]int, n)
	for _, e := range edges {
		adj[e.a] = append(adj[e.a], e.b)
		adj[e.b] = append(adj[e.b], e.a)
	}
	f := &ldl{
		n:     n,
		perm:  minimumDegree(adj),
		iperm: make([]int, n),
		sign:  make([]float64, n),
	}
	for k, v := range f.perm {
		f.iperm[v] = k
		f.sign[k] = sign[v]
	}

	count := make([]int, n)
	for k := range count {
		count[k] = 1
	}
	for _, e := range edges {
		count[max(f.iperm[e.a], f.iperm[e.b])]++
	}
	f.colPtr = make([]int, n+1)
	for k := 0; k < n; k++ {
		f.colPtr[k+1] = f.colPtr[k] + count[k]
	}
	f.rowIdx = make([]int, f.colPtr[n])
	f.values = make([]float64, f.colPtr[n])
	f.diagPos = make([]int, n)
	f.edgePos = make([]int, len(edges))
	next := make([]int, n)
	copy(next, f.colPtr[:n])
	for k := 0; k < n; k++ {
		f.diagPos[k] = next[k]
		f.rowIdx[next[k]] = k
		next[k]++
	}
	for i, e := range edges {
		pa, pb := f.iperm[e.a], f.iperm[e.b]
		col := max(pa, pb)
		f.rowIdx[next[col]] = min(pa, pb)
		f.edgePos[i] = next[col]
		next[col]++
	}

	f.symbolic()
	f.d = make([]float64, n)
	f.dinv = make([]float64, n)
	f.marked = make([]bool, n)
	f.yVals = make([]float64, n)
	f.yIdx = make([]int, n)
	f.stack = make([]int, n)
	f.nextCol = make([]int, n)
	f.work = make([]float64, n)
	return f
}

// setEdge sets the value of the i-th edge passed to newLDL.
func (f *ldl) setEdge(i int, v float64) {
	f.values[f.edgePos[i]] = v
}

// setDiag sets the diagonal entry of a node.
func (f *ldl) setDiag(node int, v float64) {
	f.values[f.diagPos[f.iperm[node]]] = v
}

// nonzeros returns the number of entries below the diagonal of L.
func (f *ldl) nonzeros() int {
	return f.lp[f.n]
}

// symbolic computes the elimination tree and the column counts of L.
func (f *ldl) symbolic() {
	n := f.n
	f.etree = make([]int, n)
	lnz := make([]int, n)
	work := make([]int, n)
	for i := 0; i < n; i++ {
		f.etree[i] = -1
		work[i] = -1
	}
	for j := 0; j < n; j++ {
		work[j] = j
		for p := f.colPtr[j]; p < f.colPtr[j+1]; p++ {
			i := f.rowIdx[p]
			for work[i] != j {
				if f.etree[i] == -1 {
					f.etree[i] = j
				}
				lnz[i]++
				work[i] = j
				i = f.etree[i]
			}
		}
	}
	f.lp = make([]int, n+1)
	for i := 0; i < n; i++ {
		f.lp[i+1] = f.lp[i] + lnz[i]
	}
	f.li = make([]int, f.lp[n])
	f.lx = make([]float64, f.lp[n])
}

// factor computes L and D from the current values. Pivots with the wrong sign
// or too close to zero are replaced by sign*dynamicReg.
func (f *ldl) factor() {
	n := f.n
	f.regularized = 0
	copy(f.nextCol, f.lp[:n])
	for k := 0; k < n; k++ {
		nnzY := 0
		f.d[k] = 0
		for p := f.colPtr[k]; p < f.colPtr[k+1]; p++ {
			b := f.rowIdx[p]
			if b == k {
				f.d[k] = f.values[p]
				continue
			}
			f.yVals[b] = f.values[p]
			if f.marked[b] {
				continue
			}
			// walk up the elimination tree to find the pattern of row k
			f.marked[b] = true
			f.stack[0] = b
			depth := 1
			for next := f.etree[b]; next != -1 && next < k; next = f.etree[next] {
				if f.marked[next] {
					break
				}
				f.marked[next] = true
				f.stack[depth] = next
				depth++
			}
			for depth > 0 {
				depth--
				f.yIdx[nnzY] = f.stack[depth]
				nnzY++
			}
		}

		for i := nnzY - 1; i >= 0; i-- {
			c := f.yIdx[i]
			end := f.nextCol[c]
			yc := f.yVals[c]
			for j := f.lp[c]; j < end; j++ {
				f.yVals[f.li[j]] -= f.lx[j] * yc
			}
			f.li[end] = k
			f.lx[end] = yc * f.dinv[c]
			f.d[k] -= yc * f.lx[end]
			f.nextCol[c]++
			f.yVals[c] = 0
			f.marked[c] = false
		}

		if f.sign[k]*f.d[k] <= dynamicEps {
			f.d[k] = f.sign[k] * dynamicReg
			f.regularized++
		}
		f.dinv[k] = 1 / f.d[k]
	}
}

// solve writes the solution of LDL'x = b to x. b and x are indexed by node
// and may be the same slice.
func (f *ldl) solve(b, x []float64) {
	n := f.n
	w := f.work
	for k, v := range f.perm {
		w[k] = b[v]
	}
	for i := 0; i < n; i++ {
		wi := w[i]
		for j := f.lp[i]; j < f.lp[i+1]; j++ {
			w[f.li[j]] -= f.lx[j] * wi
		}
	}
	for i := 0; i < n; i++ {
		w[i] *= f.dinv[i]
	}
	for i := n - 1; i >= 0; i-- {
		for j := f.lp[i]; j < f.lp[i+1]; j++ {
			w[i] -= f.lx[j] * w[f.li[j]]
		}
	}
	for k, v := range f.perm {
		x[v] = w[k]
	}
}

type degreeItem struct {
	degree, node int
}

type degreeHeap []degreeItem

func (h degreeHeap) Len() int { return len(h) }

func (h degreeHeap) Less(i, j int) bool {
	if h[i].degree != h[j].degree {
		return h[i].degree < h[j].degree
	}
	return h[i].node < h[j].node
}

func (h degreeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *degreeHeap) Push(x any) { *h = append(*h, x.(degreeItem)) }

func (h *degreeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// minimumDegree returns an elimination order that repeatedly eliminates the
// node with the fewest remaining neighbors, ties broken by the lowest node.
// Nodes that couple many others, like a peak shared by a whole month, end
// up last so they only add a few dense rows to L.
func minimumDegree(adj [][]int) []int {
	n := len(adj)
	sets := make([]map[int]struct{}, n)
	h := make(degreeHeap, 0, n)
	for v := 0; v < n; v++ {
		sets[v] = make(map[int]struct{}, len(adj[v]))
		for _, u := range adj[v] {
			if u != v {
				sets[v][u] = struct{}{}
			}
		}
		h = append(h, degreeItem{degree: len(sets[v]), node: v})
	}
	heap.Init(&h)

	eliminated := make([]bool, n)
	order := make([]int, 0, n)
	var neighbors []int
	for len(order) < n {
		it := heap.Pop(&h).(degreeItem)
		v := it.node
		// stale entries are left in the heap when a degree changes
		if eliminated[v] || len(sets[v]) != it.degree {
			continue
		}
		eliminated[v] = true
		order = append(order, v)

		neighbors = neighbors[:0]
		for u := range sets[v] {
			neighbors = append(neighbors, u)
		}
		for _, u := range neighbors {
			delete(sets[u], v)
			for _, w := range neighbors {
				if w != u {
					sets[u][w] = struct{}{}
				}
			}
			heap.Push(&h, degreeItem{degree: len(sets[u]), node: u})
		}
		sets[v] = nil
	}
	return order
}
