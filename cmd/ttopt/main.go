// Command ttopt optimizes a timetable given as JSON and prints the result.
//
//	ttopt -in input.json [-algorithm genetic] [-seed 42] [-timeout 1m]
//
// The input has the shape of the POST /api/optimize body.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/arnavshah/ecs-timetable/pkg/config"
	"github.com/arnavshah/ecs-timetable/pkg/logger"
	"github.com/arnavshah/ecs-timetable/pkg/models"
	"github.com/arnavshah/ecs-timetable/pkg/scheduler"
)

func main() {
	in := flag.String("in", "-", "input JSON file, - for stdin")
	algorithm := flag.String("algorithm", "", "overrides the algorithm of the input")
	seed := flag.Int64("seed", 0, "random seed, 0 for a time based seed")
	timeout := flag.Duration("timeout", 0, "time budget, defaults to OPTIMIZE_TIMEOUT")
	flag.Parse()

	config.LoadDotEnv()
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Environment)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	input, err := readInput(*in)
	if err != nil {
		log.Fatal("read input", zap.Error(err))
	}
	if *algorithm != "" {
		input.Algorithm = *algorithm
	}

	budget := cfg.OptimizeTimeout
	if *timeout > 0 {
		budget = *timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	p := scheduler.Params{
		PopulationSize: cfg.GAPopulationSize,
		Generations:    cfg.GAGenerations,
	}
	if *seed != 0 {
		p.Rand = rand.New(rand.NewSource(*seed))
	}

	started := time.Now()
	res, err := scheduler.Run(ctx, input, p)
	if err != nil {
		log.Fatal("optimization failed", zap.String("algorithm", input.Algorithm), zap.Error(err))
	}
	log.Info("optimized",
		zap.String("algorithm", res.Algorithm),
		zap.Int("entries", len(res.Order)),
		zap.Duration("took", time.Since(started)),
	)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		log.Fatal("write output", zap.Error(err))
	}
}

func readInput(path string) (*models.OptimizeInput, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var input models.OptimizeInput
	if err := json.NewDecoder(r).Decode(&input); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &input, nil
}
