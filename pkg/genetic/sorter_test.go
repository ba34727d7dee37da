package genetic

import (
	"context"
	"math/rand"
	"testing"
)

func TestOperatorsKeepPermutation(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	ops := map[string]Operator{
		"inversion":    InversionMutation,
		"swap":         SwapMutation,
		"displacement": DisplacementMutation,
	}

	for name, op := range ops {
		for n := 0; n < 12; n++ {
			for k := 0; k < 50; k++ {
				perm := identity(n)
				r.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
				op(r, perm)
				if !IsPermutation(perm, n) {
					t.Fatalf("%s broke the permutation for n=%d: %v", name, n, perm)
				}
			}
		}
	}
}

func TestSwapMutationChangesTwoPositions(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	perm := identity(6)
	SwapMutation(r, perm)

	moved := 0
	for i, v := range perm {
		if v != i {
			moved++
		}
	}
	if moved != 2 {
		t.Errorf("Expected exactly 2 moved genes, got %d (%v)", moved, perm)
	}
}

func TestOrderCrossoverKeepsPermutation(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for n := 1; n < 15; n++ {
		for k := 0; k < 50; k++ {
			p1 := identity(n)
			p2 := identity(n)
			r.Shuffle(n, func(i, j int) { p1[i], p1[j] = p1[j], p1[i] })
			r.Shuffle(n, func(i, j int) { p2[i], p2[j] = p2[j], p2[i] })

			child := OrderCrossover(r, p1, p2)
			if !IsPermutation(child, n) {
				t.Fatalf("crossover of %v and %v produced %v", p1, p2, child)
			}
		}
	}
}

func TestOrderCrossoverOfEqualParents(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	p := []int{3, 1, 4, 0, 2}
	child := OrderCrossover(r, p, p)
	for i := range p {
		if child[i] != p[i] {
			t.Fatalf("Expected %v, got %v", p, child)
		}
	}
}

func TestIsPermutation(t *testing.T) {
	cases := []struct {
		perm []int
		n    int
		want bool
	}{
		{[]int{}, 0, true},
		{[]int{0, 1, 2}, 3, true},
		{[]int{2, 0, 1}, 3, true},
		{[]int{0, 0, 1}, 3, false},
		{[]int{0, 1}, 3, false},
		{[]int{0, 1, 3}, 3, false},
		{[]int{-1, 0, 1}, 3, false},
	}
	for _, c := range cases {
		if got := IsPermutation(c.perm, c.n); got != c.want {
			t.Errorf("IsPermutation(%v, %d) = %v, want %v", c.perm, c.n, got, c.want)
		}
	}
}

// sortedness rewards ascending neighbours
func sortedness(items []int) float64 {
	score := 0.0
	for i := 1; i < len(items); i++ {
		if items[i-1] < items[i] {
			score++
		}
	}
	return score
}

func TestSorterFindsBetterOrdering(t *testing.T) {
	items := []int{9, 8, 7, 6, 5, 4, 3, 2, 1, 0}
	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(42))
	opts.CrossoverP = 0.5
	opts.Mutations = []Mutation{
		{Name: "swap", Apply: SwapMutation, P: 0.3},
		{Name: "inversion", Apply: InversionMutation, P: 0.1},
	}

	s, err := NewSorter(context.Background(), items, sortedness, opts)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	seedFitness := sortedness(items)

	best, fitness := s.Run(context.Background(), 200)
	if fitness <= seedFitness {
		t.Errorf("Expected fitness above the seed (%v), got %v", seedFitness, fitness)
	}
	if fitness != sortedness(best) {
		t.Errorf("Reported fitness %v does not match ordering %v", fitness, best)
	}
}

func TestSorterNeverWorseThanSeed(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7}
	for seed := int64(0); seed < 20; seed++ {
		opts := DefaultOptions()
		opts.Rand = rand.New(rand.NewSource(seed))
		opts.PopulationSize = 10

		s, err := NewSorter(context.Background(), items, sortedness, opts)
		if err != nil {
			t.Fatalf("NewSorter: %v", err)
		}
		_, fitness := s.Run(context.Background(), 100)
		if fitness < sortedness(items) {
			t.Fatalf("seed %d: best fitness %v is worse than the seed ordering", seed, fitness)
		}
	}
}

func TestSorterPopulationStaysValid(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e", "f"}
	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(5))
	opts.PopulationSize = 20
	opts.CrossoverP = 0.9
	opts.Mutations = []Mutation{
		{Name: "inversion", Apply: InversionMutation, P: 0.5},
		{Name: "swap", Apply: SwapMutation, P: 0.5},
		{Name: "displacement", Apply: DisplacementMutation, P: 0.5},
	}

	s, err := NewSorter(context.Background(), items, func([]string) float64 { return 1 }, opts)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	for g := 0; g < 30; g++ {
		s.Step()
		pop := s.Population()
		if len(pop) != opts.PopulationSize {
			t.Fatalf("generation %d: population size %d", g, len(pop))
		}
		for _, perm := range pop {
			if !IsPermutation(perm, len(items)) {
				t.Fatalf("generation %d: invalid individual %v", g, perm)
			}
		}
	}
}

func TestSorterRejectsInvalidSeed(t *testing.T) {
	opts := DefaultOptions()
	opts.Seeds = [][]int{{0, 0, 1}}
	if _, err := NewSorter(context.Background(), []int{1, 2, 3}, sortedness, opts); err == nil {
		t.Error("Expected an error for a seed that is not a permutation")
	}
}

func TestSorterStopsOnCancelledContext(t *testing.T) {
	items := []int{3, 2, 1, 0}
	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(1))
	opts.PopulationSize = 1
	calls := 0
	fitness := func(p []int) float64 {
		calls++
		return sortedness(p)
	}

	s, err := NewSorter(context.Background(), items, fitness, opts)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	before := calls

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	best, _ := s.Run(ctx, 1000)
	if calls != before {
		t.Errorf("Expected no evaluations after cancellation, got %d", calls-before)
	}
	for i := range items {
		if best[i] != items[i] {
			t.Fatalf("Expected the seed ordering, got %v", best)
		}
	}
}

func TestNewSorterStopsFillingOnCancelledContext(t *testing.T) {
	items := []int{4, 3, 2, 1, 0}
	opts := DefaultOptions()
	opts.Rand = rand.New(rand.NewSource(1))
	opts.PopulationSize = 1_000_000
	calls := 0
	fitness := func(p []int) float64 {
		calls++
		return sortedness(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := NewSorter(ctx, items, fitness, opts)
	if err != nil {
		t.Fatalf("NewSorter: %v", err)
	}
	if pop := s.Population(); len(pop) != 1 {
		t.Errorf("Expected only the seed in the population, got %d individuals", len(pop))
	}
	if calls != 1 {
		t.Errorf("Expected one evaluation, got %d", calls)
	}
	best, _ := s.Run(ctx, 10)
	if len(best) != len(items) {
		t.Errorf("Expected a full ordering, got %v", best)
	}
}
