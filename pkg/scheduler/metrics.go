package scheduler

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/arnavshah/ecs-timetable/pkg/models"
)

// Metrics describes one ordering of timetable entries
type Metrics struct {
	// StartOffsets holds the offset in seconds of every entry from the
	// meeting start.
	StartOffsets  map[string]int64
	TotalDuration int64

	WaitingTimePerUser  map[string]time.Duration
	WaitingTimeTotal    time.Duration
	WaitingTimeAvg      time.Duration
	WaitingTimeMin      time.Duration
	WaitingTimeMax      time.Duration
	WaitingTimeVariance time.Duration // standard deviation, as a duration

	ConstraintViolations     map[string]float64
	ConstraintViolationTotal float64

	OptimalStartDiffs          map[string]int64
	OptimalStartDiffSum        int64
	OptimalStartDiffSquaredSum int64
}

type userConstraint struct {
	key   string
	start int64
	end   int64
	w     float64
}

// Calculator computes metrics for orderings of entries attended by a fixed
// set of users. It holds no mutable state and is safe for concurrent use.
type Calculator struct {
	users       []string
	constraints map[string][]userConstraint
}

// NewCalculator prepares a calculator for the given users and constraints.
// Constraints without an id are keyed by their position.
func NewCalculator(users []string, constraints []models.Constraint) *Calculator {
	c := &Calculator{
		users:       users,
		constraints: make(map[string][]userConstraint),
	}
	for i, con := range constraints {
		key := con.ID
		if key == "" {
			key = strconv.Itoa(i)
		}
		c.constraints[con.UserID] = append(c.constraints[con.UserID], userConstraint{
			key:   key,
			start: con.StartOffset,
			end:   con.EndOffset,
			w:     con.Weight,
		})
	}
	return c
}

// UsersOf returns the sorted distinct users attending any of the entries,
// ignored attendances included.
func UsersOf(entries []models.Entry) []string {
	seen := make(map[string]bool)
	var users []string
	for _, e := range entries {
		for _, a := range e.Attendees {
			if !seen[a.UserID] {
				seen[a.UserID] = true
				users = append(users, a.UserID)
			}
		}
	}
	sort.Strings(users)
	return users
}

// ComputeMetrics is a shortcut for computing the metrics of entries in their
// given order.
func ComputeMetrics(entries []models.Entry, constraints []models.Constraint) *Metrics {
	return NewCalculator(UsersOf(entries), constraints).Compute(entries)
}

type waitState struct {
	waiting int64
	lastEnd int64
	seen    bool
}

// Compute walks the ordering once, accumulating waiting times, constraint
// violations and optimal start deviations.
func (c *Calculator) Compute(perm []models.Entry) *Metrics {
	m := &Metrics{
		StartOffsets:         make(map[string]int64, len(perm)),
		WaitingTimePerUser:   make(map[string]time.Duration, len(c.users)),
		ConstraintViolations: make(map[string]float64),
		OptimalStartDiffs:    make(map[string]int64),
	}

	state := make(map[string]*waitState, len(c.users))
	order := make([]string, 0, len(c.users))
	for _, u := range c.users {
		if _, ok := state[u]; !ok {
			state[u] = &waitState{}
			order = append(order, u)
		}
	}

	var offset int64
	for _, entry := range perm {
		next := offset + entry.DurationSeconds
		m.StartOffsets[entry.ID] = offset

		for _, a := range entry.Attendees {
			if a.Ignored {
				continue
			}
			st, ok := state[a.UserID]
			if !ok {
				st = &waitState{}
				state[a.UserID] = st
				order = append(order, a.UserID)
			}
			if st.seen {
				st.waiting += offset - st.lastEnd
			}
			st.seen = true
			st.lastEnd = next

			for _, con := range c.constraints[a.UserID] {
				if con.start < next && con.end > offset {
					m.ConstraintViolations[con.key] += con.w
					m.ConstraintViolationTotal += con.w
				}
			}
		}

		if entry.OptimalStartOffset != nil {
			diff := offset - *entry.OptimalStartOffset
			if diff < 0 {
				diff = -diff
			}
			m.OptimalStartDiffs[entry.ID] = diff
			m.OptimalStartDiffSum += diff
			m.OptimalStartDiffSquaredSum += diff * diff
		}
		offset = next
	}
	m.TotalDuration = offset

	if len(order) == 0 {
		return m
	}

	var total int64
	minWait, maxWait := int64(math.MaxInt64), int64(math.MinInt64)
	for _, u := range order {
		wt := state[u].waiting
		m.WaitingTimePerUser[u] = time.Duration(wt) * time.Second
		total += wt
		if wt < minWait {
			minWait = wt
		}
		if wt > maxWait {
			maxWait = wt
		}
	}
	n := int64(len(order))
	m.WaitingTimeTotal = time.Duration(total) * time.Second
	m.WaitingTimeAvg = m.WaitingTimeTotal / time.Duration(n)
	m.WaitingTimeMin = time.Duration(minWait) * time.Second
	m.WaitingTimeMax = time.Duration(maxWait) * time.Second

	avg := float64(total) / float64(n)
	var sq float64
	for _, u := range order {
		d := avg - float64(state[u].waiting)
		sq += d * d
	}
	m.WaitingTimeVariance = time.Duration(math.Sqrt(sq/float64(n)) * float64(time.Second))
	return m
}

func seconds(d time.Duration) int64 {
	return int64(math.Round(d.Seconds()))
}

// Report converts the metrics into their JSON representation
func (m *Metrics) Report() models.MetricsReport {
	perUser := make(map[string]int64, len(m.WaitingTimePerUser))
	for u, wt := range m.WaitingTimePerUser {
		perUser[u] = seconds(wt)
	}
	return models.MetricsReport{
		WaitingTimePerUser:       perUser,
		WaitingTimeTotal:         seconds(m.WaitingTimeTotal),
		WaitingTimeAvg:           seconds(m.WaitingTimeAvg),
		WaitingTimeMin:           seconds(m.WaitingTimeMin),
		WaitingTimeMax:           seconds(m.WaitingTimeMax),
		WaitingTimeVariance:      seconds(m.WaitingTimeVariance),
		ConstraintViolations:     m.ConstraintViolations,
		ConstraintViolationTotal: m.ConstraintViolationTotal,
		OptimalStartDiffs:        m.OptimalStartDiffs,
		OptimalStartDiffSum:      m.OptimalStartDiffSum,
		OptimalStartDiffSquared:  m.OptimalStartDiffSquaredSum,
	}
}
