package timetable

import (
	"sort"
	"strconv"
	"time"

	"github.com/arnavshah/ecs-timetable/pkg/models"
	"github.com/arnavshah/ecs-timetable/pkg/scheduler"
)

// Users returns the distinct participating users, sorted
func (t *Timetable) Users() []string {
	seen := make(map[string]bool)
	var users []string
	for _, e := range t.All() {
		for _, p := range e.Participations {
			if !seen[p.UserID] {
				seen[p.UserID] = true
				users = append(users, p.UserID)
			}
		}
	}
	sort.Strings(users)
	return users
}

// EntryKey is the optimizer id of an entry
func EntryKey(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseEntryKey reverses EntryKey
func ParseEntryKey(key string) (uint, error) {
	id, err := strconv.ParseUint(key, 10, 64)
	return uint(id), err
}

// Schedule converts the visible entries and the constraints into optimizer
// records, in agenda order.
func (t *Timetable) Schedule() ([]models.Entry, []models.Constraint) {
	entries := make([]models.Entry, 0, len(t.order))
	for _, e := range t.order {
		rec := models.Entry{
			ID:              EntryKey(e.ID),
			Title:           e.Title,
			DurationSeconds: int64(e.Duration / time.Second),
			BatchProcessed:  e.BatchProcessed,
		}
		seen := make(map[models.Attendee]bool)
		for _, p := range e.Participations {
			a := models.Attendee{UserID: p.UserID, Ignored: p.Ignored}
			if !seen[a] {
				seen[a] = true
				rec.Attendees = append(rec.Attendees, a)
			}
		}
		if e.OptimalStart != nil {
			off := t.offsetOf(*e.OptimalStart)
			rec.OptimalStartOffset = &off
		}
		entries = append(entries, rec)
	}

	constraints := make([]models.Constraint, 0, len(t.constraints))
	for _, c := range t.constraints {
		constraints = append(constraints, models.Constraint{
			ID:          EntryKey(c.ID),
			UserID:      c.UserID,
			StartOffset: t.offsetOf(c.StartTime),
			EndOffset:   t.offsetOf(c.EndTime),
			Weight:      c.Weight,
		})
	}
	return entries, constraints
}

// Metrics computes the metrics of the current agenda for all users of the
// meeting.
func (t *Timetable) Metrics() *scheduler.Metrics {
	entries, constraints := t.Schedule()
	return scheduler.NewCalculator(t.Users(), constraints).Compute(entries)
}

// Timeframe returns the span a user has to be present for, from the start of
// their first to the end of their last non-ignored entry. The start is
// rounded down and the end up to ten minutes, with a minimum of 30 minutes.
func (t *Timetable) Timeframe(userID string) (start, end time.Time, ok bool) {
	cursor := t.Start
	for _, e := range t.order {
		entryStart := cursor
		cursor = cursor.Add(e.Duration)
		for _, p := range e.Participations {
			if p.UserID != userID || p.Ignored {
				continue
			}
			if !ok {
				start = entryStart
				ok = true
			}
			end = cursor
			break
		}
	}
	if !ok {
		return time.Time{}, time.Time{}, false
	}

	start = start.Add(-time.Duration(start.Minute()%10) * time.Minute)
	if m := end.Minute() % 10; m > 0 {
		end = end.Add(time.Duration(10-m) * time.Minute)
	}
	if end.Sub(start) < 30*time.Minute {
		end = start.Add(30 * time.Minute)
	}
	return start, end, true
}

func (e *Entry) userSet() map[string]bool {
	users := make(map[string]bool, len(e.Participations))
	for _, p := range e.Participations {
		users[p.UserID] = true
	}
	return users
}

// Headcount returns how many users are around an entry: those attending
// only entries within padding before it, those with entries on both sides of
// (or at) it, and those attending only entries within padding after it.
func (t *Timetable) Headcount(id uint, padding time.Duration) (before, during, after int, err error) {
	pos, err := t.position(id)
	if err != nil {
		return 0, 0, 0, err
	}

	atOrBefore := make(map[string]bool)
	atOrAfter := make(map[string]bool)
	for i, e := range t.order {
		for u := range e.userSet() {
			if i <= pos {
				atOrBefore[u] = true
			}
			if i >= pos {
				atOrAfter[u] = true
			}
		}
	}
	waiting := make(map[string]bool)
	for u := range atOrBefore {
		if atOrAfter[u] {
			waiting[u] = true
		}
	}

	collect := func(step int) int {
		users := make(map[string]bool)
		var offset time.Duration
		for i := pos + step; i >= 0 && i < len(t.order); i += step {
			for u := range t.order[i].userSet() {
				if !waiting[u] {
					users[u] = true
				}
			}
			offset += t.order[i].Duration
			if offset >= padding {
				break
			}
		}
		return len(users)
	}
	return collect(-1), len(waiting), collect(1), nil
}

// ViolatingEntries returns the visible entries in which a user takes part
// (not ignored) while one of their constraints forbids it.
func (t *Timetable) ViolatingEntries() []*Entry {
	y, m, d := t.Start.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Start.Location())

	var out []*Entry
	added := make(map[uint]bool)
	for _, c := range t.constraints {
		cStart := midnight.Add(c.StartTime)
		cEnd := midnight.Add(c.EndTime)
		cursor := t.Start
		for _, e := range t.order {
			start := cursor
			end := cursor.Add(e.Duration)
			cursor = end
			if added[e.ID] || !e.attendedBy(c.UserID) {
				continue
			}
			if (!cStart.Before(start) && cStart.Before(end)) ||
				(cEnd.After(start) && !cEnd.After(end)) ||
				(!cStart.After(start) && !cEnd.Before(end)) {
				added[e.ID] = true
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].Index < *out[j].Index })
	return out
}

func (e *Entry) attendedBy(userID string) bool {
	for _, p := range e.Participations {
		if p.UserID == userID && !p.Ignored {
			return true
		}
	}
	return false
}

// AddParticipation adds a user to an entry unless the same participation
// already exists.
func (t *Timetable) AddParticipation(entryID uint, p Participation) error {
	e, err := t.Get(entryID)
	if err != nil {
		return err
	}
	for _, existing := range e.Participations {
		if existing.UserID == p.UserID && sameCategory(existing.MedicalCategoryID, p.MedicalCategoryID) {
			return nil
		}
	}
	e.Participations = append(e.Participations, p)
	return nil
}

// RemoveParticipation drops all participations of a user in an entry
func (t *Timetable) RemoveParticipation(entryID uint, userID string) error {
	e, err := t.Get(entryID)
	if err != nil {
		return err
	}
	kept := e.Participations[:0]
	for _, p := range e.Participations {
		if p.UserID != userID {
			kept = append(kept, p)
		}
	}
	e.Participations = kept
	return nil
}

func sameCategory(a, b *uint) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
