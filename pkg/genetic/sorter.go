// Package genetic implements a genetic algorithm that searches the
// permutations of an arbitrary item sequence for the ordering with the
// highest fitness.
package genetic

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

const (
	DefaultPopulationSize = 100
	DefaultCrossoverP     = 0.3
	DefaultTournamentSize = 3
)

// DefaultMutations are the operators used for timetables
func DefaultMutations() []Mutation {
	return []Mutation{
		{Name: "inversion", Apply: InversionMutation, P: 0.002},
		{Name: "swap", Apply: SwapMutation, P: 0.02},
		{Name: "displacement", Apply: DisplacementMutation, P: 0.01},
	}
}

// Options configures a Sorter
type Options struct {
	PopulationSize int
	CrossoverP     float64
	TournamentSize int
	Mutations      []Mutation
	// Seeds are index permutations placed into the initial population.
	Seeds [][]int
	Rand  *rand.Rand
}

// DefaultOptions returns the options with the identity ordering as seed
func DefaultOptions() Options {
	return Options{
		PopulationSize: DefaultPopulationSize,
		CrossoverP:     DefaultCrossoverP,
		TournamentSize: DefaultTournamentSize,
		Mutations:      DefaultMutations(),
	}
}

type individual struct {
	perm    []int
	fitness float64
}

// Sorter evolves a population of permutations of items
type Sorter[T any] struct {
	items      []T
	fitness    func([]T) float64
	opts       Options
	rng        *rand.Rand
	population []individual
	best       individual
	buf        []T
}

// NewSorter builds the initial population from the seeds, padded with random
// permutations up to the population size. Without seeds the identity
// ordering is used. If ctx is done while padding, the population stays at
// the size reached so far.
func NewSorter[T any](ctx context.Context, items []T, fitness func([]T) float64, opts Options) (*Sorter[T], error) {
	if opts.PopulationSize <= 0 {
		opts.PopulationSize = DefaultPopulationSize
	}
	if opts.TournamentSize <= 0 {
		opts.TournamentSize = DefaultTournamentSize
	}
	if opts.CrossoverP < 0 || opts.CrossoverP > 1 {
		return nil, fmt.Errorf("crossover probability %v out of range", opts.CrossoverP)
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	n := len(items)
	s := &Sorter[T]{
		items:   items,
		fitness: fitness,
		opts:    opts,
		rng:     rng,
		buf:     make([]T, n),
	}

	seeds := opts.Seeds
	if len(seeds) == 0 {
		seeds = [][]int{identity(n)}
	}
	for _, seed := range seeds {
		if !IsPermutation(seed, n) {
			return nil, fmt.Errorf("seed %v is not a permutation of %d items", seed, n)
		}
		if len(s.population) == opts.PopulationSize {
			break
		}
		s.population = append(s.population, s.newIndividual(append([]int(nil), seed...)))
	}
	for len(s.population) < opts.PopulationSize {
		if ctx.Err() != nil {
			break
		}
		perm := identity(n)
		rng.Shuffle(n, func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		s.population = append(s.population, s.newIndividual(perm))
	}
	s.survive(nil)
	return s, nil
}

func identity(n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	return perm
}

func (s *Sorter[T]) newIndividual(perm []int) individual {
	return individual{perm: perm, fitness: s.fitness(s.arrange(perm, s.buf))}
}

func (s *Sorter[T]) arrange(perm []int, out []T) []T {
	for i, idx := range perm {
		out[i] = s.items[idx]
	}
	return out
}

// tournament picks the fittest of a few random individuals
func (s *Sorter[T]) tournament() individual {
	best := s.population[s.rng.Intn(len(s.population))]
	for i := 1; i < s.opts.TournamentSize; i++ {
		c := s.population[s.rng.Intn(len(s.population))]
		if c.fitness > best.fitness {
			best = c
		}
	}
	return best
}

// survive merges the offspring into the population and keeps the fittest.
// Parents win ties, so the best individual is never lost.
func (s *Sorter[T]) survive(offspring []individual) {
	pool := append(s.population, offspring...)
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].fitness > pool[j].fitness
	})
	if len(pool) > s.opts.PopulationSize {
		pool = pool[:s.opts.PopulationSize]
	}
	s.population = pool
	if s.best.perm == nil || pool[0].fitness > s.best.fitness {
		s.best = pool[0]
	}
}

// Step runs one generation
func (s *Sorter[T]) Step() {
	var offspring []individual
	for _, parent := range s.population {
		var child []int
		changed := false
		if s.rng.Float64() < s.opts.CrossoverP {
			child = OrderCrossover(s.rng, parent.perm, s.tournament().perm)
			changed = true
		} else {
			child = append([]int(nil), parent.perm...)
		}
		for _, m := range s.opts.Mutations {
			if s.rng.Float64() < m.P {
				m.Apply(s.rng, child)
				changed = true
			}
		}
		if changed {
			offspring = append(offspring, s.newIndividual(child))
		}
	}
	s.survive(offspring)
}

// Run evolves the population for the given number of generations and
// returns the best ordering seen with its fitness. If ctx is done before the
// last generation the best ordering so far is returned.
func (s *Sorter[T]) Run(ctx context.Context, generations int) ([]T, float64) {
	for g := 0; g < generations; g++ {
		if ctx.Err() != nil {
			break
		}
		s.Step()
	}
	return s.Best()
}

// Best returns a copy of the best ordering seen so far with its fitness
func (s *Sorter[T]) Best() ([]T, float64) {
	return s.arrange(s.best.perm, make([]T, len(s.items))), s.best.fitness
}

// BestPermutation returns the index permutation of the best ordering
func (s *Sorter[T]) BestPermutation() []int {
	return append([]int(nil), s.best.perm...)
}

// Population returns copies of the current index permutations
func (s *Sorter[T]) Population() [][]int {
	out := make([][]int, len(s.population))
	for i, ind := range s.population {
		out[i] = append([]int(nil), ind.perm...)
	}
	return out
}
