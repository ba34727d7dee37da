package genetic

import "math/rand"

// Operator mutates a permutation in place. Operators must keep the slice a
// permutation of its original values.
type Operator func(r *rand.Rand, perm []int)

// Mutation pairs an operator with the probability it is applied to a child
type Mutation struct {
	Name  string
	Apply Operator
	P     float64
}

// randomRange returns 0 <= i < j < n
func randomRange(r *rand.Rand, n int) (int, int) {
	i := r.Intn(n)
	j := r.Intn(n - 1)
	if j >= i {
		j++
	} else {
		i, j = j, i
	}
	return i, j
}

// InversionMutation reverses a random contiguous sub-range
func InversionMutation(r *rand.Rand, perm []int) {
	if len(perm) < 2 {
		return
	}
	i, j := randomRange(r, len(perm))
	for ; i < j; i, j = i+1, j-1 {
		perm[i], perm[j] = perm[j], perm[i]
	}
}

// SwapMutation exchanges two random positions
func SwapMutation(r *rand.Rand, perm []int) {
	if len(perm) < 2 {
		return
	}
	i, j := randomRange(r, len(perm))
	perm[i], perm[j] = perm[j], perm[i]
}

// DisplacementMutation cuts a random contiguous sub-range and reinserts it
// at a random position of the remainder.
func DisplacementMutation(r *rand.Rand, perm []int) {
	n := len(perm)
	if n < 2 {
		return
	}
	i, j := randomRange(r, n)
	segment := append([]int(nil), perm[i:j+1]...)
	rest := make([]int, 0, n-len(segment))
	rest = append(rest, perm[:i]...)
	rest = append(rest, perm[j+1:]...)

	k := r.Intn(len(rest) + 1)
	out := perm[:0]
	out = append(out, rest[:k]...)
	out = append(out, segment...)
	out = append(out, rest[k:]...)
}

// OrderCrossover is the OX1 operator: the child keeps a random slice of the
// first parent in place and fills the remaining positions with the genes of
// the second parent in the order they appear after the slice.
func OrderCrossover(r *rand.Rand, p1, p2 []int) []int {
	n := len(p1)
	child := make([]int, n)
	if n < 2 {
		copy(child, p1)
		return child
	}
	a, b := randomRange(r, n)

	taken := make(map[int]bool, b-a+1)
	for i := a; i <= b; i++ {
		child[i] = p1[i]
		taken[p1[i]] = true
	}

	pos := (b + 1) % n
	for k := 0; k < n; k++ {
		gene := p2[(b+1+k)%n]
		if taken[gene] {
			continue
		}
		child[pos] = gene
		pos = (pos + 1) % n
	}
	return child
}

// IsPermutation reports whether perm holds each of 0..n-1 exactly once
func IsPermutation(perm []int, n int) bool {
	if len(perm) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range perm {
		if v < 0 || v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}
