// Package timetable holds the in-memory agenda of one meeting. It owns the
// ordering of the entries and keeps the visible indices a dense 0..N-1
// permutation after every mutation. Persistence happens elsewhere: callers
// read the resulting indices and write them back in one transaction.
package timetable

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrIndexOutOfRange   = errors.New("timetable index out of range")
	ErrEntryNotFound     = errors.New("timetable entry not found")
	ErrNotVisible        = errors.New("timetable entry is not visible")
	ErrInvalidOrder      = errors.New("order is not a permutation of the visible entries")
	ErrInconsistentIndex = errors.New("timetable indices are not a dense permutation")
)

// Participation is a user attending an entry
type Participation struct {
	UserID            string
	MedicalCategoryID *uint
	Ignored           bool
}

// Entry is one agenda item. Index is nil for invisible entries.
type Entry struct {
	ID             uint
	Title          string
	Index          *int
	Duration       time.Duration
	IsBreak        bool
	IsOpen         bool
	SubmissionID   *uint
	BatchProcessed bool
	// OptimalStart is the preferred time of day, as an offset from midnight
	OptimalStart   *time.Duration
	Participations []Participation
}

// Visible reports whether the entry has a position on the agenda
func (e *Entry) Visible() bool {
	return e.Index != nil
}

// Constraint is a window of the meeting day a user should not be scheduled
// in. Times are offsets from midnight.
type Constraint struct {
	ID        uint
	UserID    string
	StartTime time.Duration
	EndTime   time.Duration
	Weight    float64
}

// Timetable is the ordered agenda of one meeting
type Timetable struct {
	Start       time.Time
	order       []*Entry
	hidden      []*Entry
	constraints []Constraint
	lastID      uint
}

// New builds a timetable from stored entries. The visible indices must form a
// dense permutation.
func New(start time.Time, entries []*Entry, constraints []Constraint) (*Timetable, error) {
	t := &Timetable{Start: start, constraints: constraints}
	for _, e := range entries {
		if e.ID > t.lastID {
			t.lastID = e.ID
		}
		if e.Visible() {
			t.order = append(t.order, e)
		} else {
			t.hidden = append(t.hidden, e)
		}
	}
	sort.SliceStable(t.order, func(i, j int) bool { return *t.order[i].Index < *t.order[j].Index })
	for i, e := range t.order {
		if *e.Index != i {
			return nil, fmt.Errorf("%w: entry %d has index %d at position %d", ErrInconsistentIndex, e.ID, *e.Index, i)
		}
	}
	t.sortHidden()
	return t, nil
}

func (t *Timetable) sortHidden() {
	sort.SliceStable(t.hidden, func(i, j int) bool { return t.hidden[i].ID < t.hidden[j].ID })
}

// renumber writes the positions of the visible entries back into them
func (t *Timetable) renumber() {
	for i, e := range t.order {
		idx := i
		e.Index = &idx
	}
	for _, e := range t.hidden {
		e.Index = nil
	}
}

// AddOptions controls where a new entry is placed
type AddOptions struct {
	Hidden bool
	// Index moves the new entry to this position; -1 keeps it at the end.
	Index *int
}

// Add appends a new entry at the end of the agenda, or keeps it invisible.
// Entries with an optimal start are moved to their optimal position. Entries
// without an id get the next free one.
func (t *Timetable) Add(e *Entry, opts AddOptions) error {
	if e.ID == 0 {
		t.lastID++
		e.ID = t.lastID
	} else if e.ID > t.lastID {
		t.lastID = e.ID
	}

	if opts.Hidden {
		e.Index = nil
		t.hidden = append(t.hidden, e)
		t.sortHidden()
		return nil
	}

	t.order = append(t.order, e)
	t.renumber()
	if opts.Index != nil && *opts.Index != -1 {
		if err := t.SetIndex(e.ID, *opts.Index); err != nil {
			t.order = t.order[:len(t.order)-1]
			e.Index = nil
			return err
		}
	}
	if e.OptimalStart != nil {
		return t.MoveToOptimalPosition(e.ID)
	}
	return nil
}

// AddBreak adds an entry marked as a break
func (t *Timetable) AddBreak(e *Entry, opts AddOptions) error {
	e.IsBreak = true
	return t.Add(e, opts)
}

// Len returns the number of visible entries
func (t *Timetable) Len() int {
	return len(t.order)
}

// At returns the entry at the visible index
func (t *Timetable) At(index int) (*Entry, error) {
	if index < 0 || index >= len(t.order) {
		return nil, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return t.order[index], nil
}

// Entries returns the visible entries in agenda order
func (t *Timetable) Entries() []*Entry {
	return append([]*Entry(nil), t.order...)
}

// All returns the visible entries followed by the invisible ones
func (t *Timetable) All() []*Entry {
	out := make([]*Entry, 0, len(t.order)+len(t.hidden))
	out = append(out, t.order...)
	return append(out, t.hidden...)
}

// Constraints returns the constraints of the meeting
func (t *Timetable) Constraints() []Constraint {
	return append([]Constraint(nil), t.constraints...)
}

// AddConstraint records a constraint for a user
func (t *Timetable) AddConstraint(c Constraint) {
	t.constraints = append(t.constraints, c)
}

// Get looks an entry up by id
func (t *Timetable) Get(id uint) (*Entry, error) {
	for _, e := range t.order {
		if e.ID == id {
			return e, nil
		}
	}
	for _, e := range t.hidden {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
}

func (t *Timetable) position(id uint) (int, error) {
	for i, e := range t.order {
		if e.ID == id {
			return i, nil
		}
	}
	if _, err := t.Get(id); err != nil {
		return -1, err
	}
	return -1, fmt.Errorf("%w: %d", ErrNotVisible, id)
}

// SetIndex moves a visible entry to index, shifting the entries in between
func (t *Timetable) SetIndex(id uint, index int) error {
	if index < 0 || index >= len(t.order) {
		return fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	old, err := t.position(id)
	if err != nil {
		return err
	}
	if old == index {
		return nil
	}
	e := t.order[old]
	t.order = append(t.order[:old], t.order[old+1:]...)
	t.order = append(t.order[:index], append([]*Entry{e}, t.order[index:]...)...)
	t.renumber()
	return nil
}

// Remove deletes an entry; later visible entries move up by one
func (t *Timetable) Remove(id uint) error {
	for i, e := range t.order {
		if e.ID == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			e.Index = nil
			t.renumber()
			return nil
		}
	}
	for i, e := range t.hidden {
		if e.ID == id {
			t.hidden = append(t.hidden[:i], t.hidden[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrEntryNotFound, id)
}

// SetVisible shows or hides an entry. A shown entry is appended at the end;
// a hidden entry loses its index and its participations.
func (t *Timetable) SetVisible(id uint, visible bool) error {
	e, err := t.Get(id)
	if err != nil {
		return err
	}
	switch {
	case visible && !e.Visible():
		for i, h := range t.hidden {
			if h.ID == id {
				t.hidden = append(t.hidden[:i], t.hidden[i+1:]...)
				break
			}
		}
		t.order = append(t.order, e)
	case !visible && e.Visible():
		pos, _ := t.position(id)
		t.order = append(t.order[:pos], t.order[pos+1:]...)
		e.Participations = nil
		t.hidden = append(t.hidden, e)
		t.sortHidden()
	}
	t.renumber()
	return nil
}

// offsetOf converts a time of day on the meeting date into seconds from the
// meeting start.
func (t *Timetable) offsetOf(tod time.Duration) int64 {
	y, m, d := t.Start.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Start.Location())
	return int64(midnight.Add(tod).Sub(t.Start) / time.Second)
}

// MoveToOptimalPosition places the entry at the first position whose start
// offset reaches the entry's optimal start.
func (t *Timetable) MoveToOptimalPosition(id uint) error {
	e, err := t.Get(id)
	if err != nil {
		return err
	}
	if e.OptimalStart == nil {
		return nil
	}
	target := t.offsetOf(*e.OptimalStart)

	i := 0
	var offset int64
	for _, other := range t.order {
		if other.ID == id {
			continue
		}
		if offset >= target {
			break
		}
		offset += int64(other.Duration / time.Second)
		i++
	}
	return t.SetIndex(id, i)
}

// Duration is the sum of the visible entry durations
func (t *Timetable) Duration() time.Duration {
	var d time.Duration
	for _, e := range t.order {
		d += e.Duration
	}
	return d
}

// End is the meeting start plus its duration
func (t *Timetable) End() time.Time {
	return t.Start.Add(t.Duration())
}

// StartOf returns the start time of a visible entry
func (t *Timetable) StartOf(id uint) (time.Time, error) {
	pos, err := t.position(id)
	if err != nil {
		return time.Time{}, err
	}
	start := t.Start
	for _, e := range t.order[:pos] {
		start = start.Add(e.Duration)
	}
	return start, nil
}

// EndOf returns the end time of a visible entry
func (t *Timetable) EndOf(id uint) (time.Time, error) {
	start, err := t.StartOf(id)
	if err != nil {
		return time.Time{}, err
	}
	e, _ := t.Get(id)
	return start.Add(e.Duration), nil
}

// AgendaIndex is the visible index, or for invisible entries a position
// after all visible ones ranked by id.
func (t *Timetable) AgendaIndex(id uint) (int, error) {
	e, err := t.Get(id)
	if err != nil {
		return 0, err
	}
	if e.Visible() {
		return *e.Index, nil
	}
	index := len(t.order) - 1
	for _, h := range t.hidden {
		if h.ID <= id {
			index++
		}
	}
	return index, nil
}

func (t *Timetable) neighbour(id uint, step int, openOnly bool) (*Entry, error) {
	pos, err := t.position(id)
	if err != nil {
		return nil, err
	}
	for i := pos + step; i >= 0 && i < len(t.order); i += step {
		if !openOnly || t.order[i].IsOpen {
			return t.order[i], nil
		}
	}
	return nil, nil
}

// Next returns the following entry, or nil for the last one
func (t *Timetable) Next(id uint) (*Entry, error) { return t.neighbour(id, 1, false) }

// Previous returns the preceding entry, or nil for the first one
func (t *Timetable) Previous(id uint) (*Entry, error) { return t.neighbour(id, -1, false) }

// NextOpen returns the next entry that is still open
func (t *Timetable) NextOpen(id uint) (*Entry, error) { return t.neighbour(id, 1, true) }

// PreviousOpen returns the previous entry that is still open
func (t *Timetable) PreviousOpen(id uint) (*Entry, error) { return t.neighbour(id, -1, true) }

// Order returns the ids of the visible entries in agenda order
func (t *Timetable) Order() []uint {
	ids := make([]uint, len(t.order))
	for i, e := range t.order {
		ids[i] = e.ID
	}
	return ids
}

// Apply replaces the agenda order. The order must be a permutation of the
// visible entries; on error the timetable is unchanged.
func (t *Timetable) Apply(order []uint) error {
	if len(order) != len(t.order) {
		return fmt.Errorf("%w: %d ids for %d entries", ErrInvalidOrder, len(order), len(t.order))
	}
	byID := make(map[uint]*Entry, len(t.order))
	for _, e := range t.order {
		byID[e.ID] = e
	}
	next := make([]*Entry, 0, len(order))
	for _, id := range order {
		e, ok := byID[id]
		if !ok {
			return fmt.Errorf("%w: entry %d", ErrInvalidOrder, id)
		}
		delete(byID, id)
		next = append(next, e)
	}
	t.order = next
	t.renumber()
	return nil
}

// Indices maps every entry id to its index, nil for invisible entries
func (t *Timetable) Indices() map[uint]*int {
	out := make(map[uint]*int, len(t.order)+len(t.hidden))
	for _, e := range t.order {
		idx := *e.Index
		out[e.ID] = &idx
	}
	for _, e := range t.hidden {
		out[e.ID] = nil
	}
	return out
}
