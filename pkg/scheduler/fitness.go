package scheduler

import "github.com/arnavshah/ecs-timetable/pkg/models"

// FitnessFunc scores an ordering of entries; higher is better
type FitnessFunc func([]models.Entry) float64

// Evaluate scalarizes the metrics. Every term is bounded by its weight so no
// single objective can dominate through unbounded growth.
func Evaluate(m *Metrics) float64 {
	v := 0.0
	v += 1000000.0 / (m.WaitingTimeTotal.Seconds() + 1)
	v += 1000.0 / (m.ConstraintViolationTotal + 1)
	v += 1000000.0 / (float64(m.OptimalStartDiffSquaredSum) + 1)
	return v
}

// NewFitness builds the production fitness function for orderings of
// entries, scored against the users attending them and the constraints.
func NewFitness(entries []models.Entry, constraints []models.Constraint) FitnessFunc {
	calc := NewCalculator(UsersOf(entries), constraints)
	return func(perm []models.Entry) float64 {
		return Evaluate(calc.Compute(perm))
	}
}
