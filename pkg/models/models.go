package models

const (
	// MaxPopulationSize caps the genetic population a request may ask for
	MaxPopulationSize       = 10000
	// DefaultConstraintWeight is used for constraints given without a weight
	DefaultConstraintWeight = 0.5
)

// Attendee marks a user attending a timetable entry. Ignored attendees count
// as present but are left out of waiting time and constraint accounting.
type Attendee struct {
	UserID  string `json:"user_id" validate:"required"`
	Ignored bool   `json:"ignored,omitempty"`
}

// Entry is one schedulable agenda item (a "top") as seen by the optimizer.
// Durations and offsets lie within one day, which keeps the squared optimal
// start deviations of up to 1000 entries within int64.
type Entry struct {
	ID                 string     `json:"id" validate:"required"`
	Title              string     `json:"title,omitempty"`
	DurationSeconds    int64      `json:"duration_seconds" validate:"gte=0,lte=86400"`
	Attendees          []Attendee `json:"attendees" validate:"dive"`
	BatchProcessed     bool       `json:"is_batch_processed,omitempty"`
	OptimalStartOffset *int64     `json:"optimal_start_offset_seconds,omitempty" validate:"omitempty,gte=-86400,lte=86400"`
}

// Constraint is a per-user time window, relative to the meeting start, that
// the user would rather not (weight 0.5) or cannot (weight 1.0) attend. A
// zero weight means DefaultConstraintWeight.
type Constraint struct {
	ID          string  `json:"id,omitempty"`
	UserID      string  `json:"user_id" validate:"required"`
	StartOffset int64   `json:"start_offset_seconds" validate:"gte=-86400,lte=86400"`
	EndOffset   int64   `json:"end_offset_seconds" validate:"gtefield=StartOffset,lte=86400"`
	Weight      float64 `json:"weight" validate:"gte=0,lte=1"`
}

// AlgorithmParameters tunes the selected optimization algorithm
type AlgorithmParameters struct {
	PopulationSize int `json:"population_size,omitempty" validate:"gte=0,lte=10000"`
}

// OptimizeInput is the data structure for the stateless optimize endpoint
type OptimizeInput struct {
	Entries             []Entry             `json:"entries" validate:"required,min=1,max=1000,dive"`
	Constraints         []Constraint        `json:"constraints" validate:"dive"`
	Algorithm           string              `json:"algorithm" validate:"required"`
	AlgorithmParameters AlgorithmParameters `json:"algorithm_parameters"`
}

// OptimizeResponse returns the reordered entry ids along with the metrics of
// the original and the optimized order.
type OptimizeResponse struct {
	Algorithm string        `json:"algorithm"`
	Order     []string      `json:"order"`
	Entries   []Entry       `json:"entries"`
	Before    MetricsReport `json:"before"`
	After     MetricsReport `json:"after"`
	Fitness   float64       `json:"fitness"`
}

// MetricsReport is the JSON rendering of timetable metrics. Durations are
// integer seconds.
type MetricsReport struct {
	WaitingTimePerUser       map[string]int64   `json:"waiting_time_per_user"`
	WaitingTimeTotal         int64              `json:"waiting_time_total"`
	WaitingTimeAvg           int64              `json:"waiting_time_avg"`
	WaitingTimeMin           int64              `json:"waiting_time_min"`
	WaitingTimeMax           int64              `json:"waiting_time_max"`
	WaitingTimeVariance      int64              `json:"waiting_time_variance"`
	ConstraintViolations     map[string]float64 `json:"constraint_violations,omitempty"`
	ConstraintViolationTotal float64            `json:"constraint_violation_total"`
	OptimalStartDiffs        map[string]int64   `json:"optimal_start_diffs,omitempty"`
	OptimalStartDiffSum      int64              `json:"optimal_start_diff_sum"`
	OptimalStartDiffSquared  int64              `json:"optimal_start_diff_squared_sum"`
}
