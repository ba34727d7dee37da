package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/arnavshah/ecs-timetable/pkg/genetic"
	"github.com/arnavshah/ecs-timetable/pkg/models"
)

// Algorithm selects the permutation search strategy
type Algorithm string

const (
	Random     Algorithm = "random"
	BruteForce Algorithm = "brute_force"
	Genetic    Algorithm = "genetic"
)

// MaxBruteForceEntries bounds the exhaustive search (8! = 40320 orderings)
const MaxBruteForceEntries = 8

// DefaultGenerations is the fixed generation count of the genetic search
const DefaultGenerations = 100

var (
	ErrUnknownAlgorithm      = errors.New("unknown optimization algorithm")
	ErrTooLargeForBruteForce = errors.New("too large for exhaustive search")
	ErrNotPermutation        = errors.New("result is not a permutation of the input")
)

// ParseAlgorithm resolves an algorithm name. "ga" is accepted for genetic.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case string(Random):
		return Random, nil
	case string(BruteForce):
		return BruteForce, nil
	case string(Genetic), "ga":
		return Genetic, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
}

// Params tunes the strategies. Zero values select the defaults.
type Params struct {
	PopulationSize int
	Generations    int
	Rand           *rand.Rand
}

func (p Params) rng() *rand.Rand {
	if p.Rand != nil {
		return p.Rand
	}
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Strategy returns a permutation of entries
type Strategy func(ctx context.Context, entries []models.Entry, fitness FitnessFunc, p Params) ([]models.Entry, error)

// Strategy returns the implementation of the algorithm
func (a Algorithm) Strategy() (Strategy, error) {
	switch a {
	case Random:
		return OptimizeRandom, nil
	case BruteForce:
		return OptimizeBruteForce, nil
	case Genetic:
		return OptimizeGenetic, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
}

// OptimizeRandom returns one random shuffle
func OptimizeRandom(_ context.Context, entries []models.Entry, _ FitnessFunc, p Params) ([]models.Entry, error) {
	out := append([]models.Entry(nil), entries...)
	p.rng().Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out, nil
}

// OptimizeBruteForce evaluates every ordering and returns the first one with
// the maximum fitness. Inputs above MaxBruteForceEntries are rejected. When
// ctx is done the best ordering seen so far is returned.
func OptimizeBruteForce(ctx context.Context, entries []models.Entry, fitness FitnessFunc, _ Params) ([]models.Entry, error) {
	n := len(entries)
	if n > MaxBruteForceEntries {
		return nil, fmt.Errorf("%w: %d entries, limit is %d", ErrTooLargeForBruteForce, n, MaxBruteForceEntries)
	}

	perm := append([]models.Entry(nil), entries...)
	best := append([]models.Entry(nil), perm...)
	bestValue := fitness(perm)

	// Heap's algorithm, iterative form
	c := make([]int, n)
	evaluated := 0
	for i := 1; i < n; {
		if c[i] < i {
			if i%2 == 0 {
				perm[0], perm[i] = perm[i], perm[0]
			} else {
				perm[c[i]], perm[i] = perm[i], perm[c[i]]
			}
			if v := fitness(perm); v > bestValue {
				bestValue = v
				copy(best, perm)
			}
			evaluated++
			if evaluated%1024 == 0 && ctx.Err() != nil {
				break
			}
			c[i]++
			i = 1
		} else {
			c[i] = 0
			i++
		}
	}
	return best, nil
}

// OptimizeGenetic runs the genetic sorter seeded with the given ordering
func OptimizeGenetic(ctx context.Context, entries []models.Entry, fitness FitnessFunc, p Params) ([]models.Entry, error) {
	opts := genetic.DefaultOptions()
	if p.PopulationSize > 0 {
		opts.PopulationSize = p.PopulationSize
	}
	opts.Rand = p.rng()

	sorter, err := genetic.NewSorter(ctx, entries, fitness, opts)
	if err != nil {
		return nil, err
	}
	generations := p.Generations
	if generations <= 0 {
		generations = DefaultGenerations
	}
	best, _ := sorter.Run(ctx, generations)
	return best, nil
}

// SplitBatch separates the entries the optimizer may reorder from the batch
// processed ones, keeping the relative order of both.
func SplitBatch(entries []models.Entry) (regular, batch []models.Entry) {
	for _, e := range entries {
		if e.BatchProcessed {
			batch = append(batch, e)
		} else {
			regular = append(regular, e)
		}
	}
	return regular, batch
}

// ValidatePermutation checks that perm holds exactly the entries of original
func ValidatePermutation(original, perm []models.Entry) error {
	if len(original) != len(perm) {
		return fmt.Errorf("%w: %d entries instead of %d", ErrNotPermutation, len(perm), len(original))
	}
	count := make(map[string]int, len(original))
	for _, e := range original {
		count[e.ID]++
	}
	for _, e := range perm {
		count[e.ID]--
		if count[e.ID] < 0 {
			return fmt.Errorf("%w: unexpected entry %s", ErrNotPermutation, e.ID)
		}
	}
	return nil
}

// Optimize reorders the regular entries with the algorithm, scored by the
// production fitness over the constraints, and appends the batch processed
// entries in their original order.
func Optimize(ctx context.Context, entries []models.Entry, constraints []models.Constraint, alg Algorithm, p Params) ([]models.Entry, error) {
	regular, _ := SplitBatch(entries)
	return OptimizeWith(ctx, entries, NewFitness(regular, constraints), alg, p)
}

// OptimizeWith is Optimize with a caller supplied fitness function, which
// only ever sees orderings of the regular entries. The result is validated
// before it is returned; a panic inside a strategy is reported as an error.
func OptimizeWith(ctx context.Context, entries []models.Entry, fitness FitnessFunc, alg Algorithm, p Params) (out []models.Entry, err error) {
	strategy, err := alg.Strategy()
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("%s optimization panicked: %v", alg, r)
		}
	}()

	regular, batch := SplitBatch(entries)
	perm, err := strategy(ctx, regular, fitness, p)
	if err != nil {
		return nil, err
	}
	if err := ValidatePermutation(regular, perm); err != nil {
		return nil, err
	}

	out = make([]models.Entry, 0, len(entries))
	out = append(out, perm...)
	out = append(out, batch...)
	return out, nil
}
