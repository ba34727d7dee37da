package scheduler

import (
	"context"
	"errors"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/models"
)

// Run validates a stateless optimize request, reorders its entries and
// reports the metrics of the original and the new order. defaults fill the
// parameters the request leaves unset. Errors are AppErrors.
func Run(ctx context.Context, in *models.OptimizeInput, defaults Params) (*models.OptimizeResponse, error) {
	if err := in.Validate(); err != nil {
		return nil, apperrors.InvalidArgument(err)
	}
	alg, err := ParseAlgorithm(in.Algorithm)
	if err != nil {
		return nil, apperrors.InvalidArgument(err)
	}

	p := defaults
	if in.AlgorithmParameters.PopulationSize > 0 {
		p.PopulationSize = in.AlgorithmParameters.PopulationSize
	}

	regular, _ := SplitBatch(in.Entries)
	fitness := NewFitness(regular, in.Constraints)
	out, err := OptimizeWith(ctx, in.Entries, fitness, alg, p)
	if err != nil {
		if errors.Is(err, ErrTooLargeForBruteForce) {
			return nil, apperrors.TooLarge(err)
		}
		return nil, apperrors.Internal(err)
	}

	optimized, _ := SplitBatch(out)
	return &models.OptimizeResponse{
		Algorithm: string(alg),
		Order:     models.EntryIDs(out),
		Entries:   out,
		Before:    ComputeMetrics(in.Entries, in.Constraints).Report(),
		After:     ComputeMetrics(out, in.Constraints).Report(),
		Fitness:   fitness(optimized),
	}, nil
}
