package timetable

import (
	"errors"
	"math"
	"testing"
	"time"
)

var meetingStart = time.Date(2010, 4, 8, 0, 0, 0, 0, time.UTC)

func add(t *testing.T, tt *Timetable, title string, d time.Duration, users ...string) *Entry {
	t.Helper()
	e := &Entry{Title: title, Duration: d, IsOpen: true}
	for _, u := range users {
		e.Participations = append(e.Participations, Participation{UserID: u})
	}
	if err := tt.Add(e, AddOptions{}); err != nil {
		t.Fatalf("Add %s: %v", title, err)
	}
	return e
}

func titles(entries []*Entry) string {
	s := ""
	for _, e := range entries {
		s += e.Title
	}
	return s
}

func checkDense(t *testing.T, tt *Timetable) {
	t.Helper()
	for i, e := range tt.Entries() {
		if e.Index == nil || *e.Index != i {
			t.Fatalf("entry %s at position %d has index %v", e.Title, i, e.Index)
		}
	}
}

func TestEntryManagement(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	a := add(t, tt, "A", 30*time.Minute)
	b := add(t, tt, "B", time.Hour)
	c := add(t, tt, "C", 15*time.Minute)

	if tt.Len() != 3 {
		t.Fatalf("Expected 3 entries, got %d", tt.Len())
	}
	if got := titles(tt.Entries()); got != "ABC" {
		t.Errorf("Expected ABC, got %s", got)
	}

	if err := tt.SetIndex(a.ID, 1); err != nil {
		t.Fatalf("SetIndex: %v", err)
	}
	if got := titles(tt.Entries()); got != "BAC" {
		t.Errorf("Expected BAC, got %s", got)
	}
	checkDense(t, tt)

	if err := tt.SetIndex(a.ID, 0); err != nil {
		t.Fatalf("SetIndex: %v", err)
	}
	if got := titles(tt.Entries()); got != "ABC" {
		t.Errorf("Expected ABC, got %s", got)
	}

	if err := tt.SetIndex(a.ID, 3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange for 3, got %v", err)
	}
	if err := tt.SetIndex(a.ID, -1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange for -1, got %v", err)
	}

	if e, _ := tt.At(0); e != a {
		t.Errorf("Expected A at 0")
	}
	if e, _ := tt.At(2); e != c {
		t.Errorf("Expected C at 2")
	}
	if _, err := tt.At(-1); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange for At(-1), got %v", err)
	}
	if _, err := tt.At(3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Expected ErrIndexOutOfRange for At(3), got %v", err)
	}

	wants := []struct {
		e          *Entry
		start, end time.Duration
	}{
		{a, 0, 30 * time.Minute},
		{b, 30 * time.Minute, 90 * time.Minute},
		{c, 90 * time.Minute, 105 * time.Minute},
	}
	for _, w := range wants {
		start, _ := tt.StartOf(w.e.ID)
		end, _ := tt.EndOf(w.e.ID)
		if start.Sub(meetingStart) != w.start || end.Sub(meetingStart) != w.end {
			t.Errorf("%s: expected %v-%v, got %v-%v", w.e.Title, w.start, w.end, start.Sub(meetingStart), end.Sub(meetingStart))
		}
	}
	if tt.Duration() != 105*time.Minute {
		t.Errorf("Expected duration 105m, got %v", tt.Duration())
	}
}

func TestMoveLastToFirstShiftsEveryEntry(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	add(t, tt, "A", time.Minute)
	add(t, tt, "B", time.Minute)
	add(t, tt, "C", time.Minute)
	d := add(t, tt, "D", time.Minute)

	if err := tt.SetIndex(d.ID, 0); err != nil {
		t.Fatalf("SetIndex: %v", err)
	}
	if got := titles(tt.Entries()); got != "DABC" {
		t.Errorf("Expected DABC, got %s", got)
	}
	checkDense(t, tt)
}

func TestAddAtIndex(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	add(t, tt, "A", time.Minute)
	add(t, tt, "B", time.Minute)
	idx := 1
	if err := tt.Add(&Entry{Title: "X", Duration: time.Minute}, AddOptions{Index: &idx}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	end := -1
	if err := tt.Add(&Entry{Title: "Y", Duration: time.Minute}, AddOptions{Index: &end}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := titles(tt.Entries()); got != "AXBY" {
		t.Errorf("Expected AXBY, got %s", got)
	}
	checkDense(t, tt)
}

func TestHiddenEntries(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	a := add(t, tt, "A", time.Hour, "u0")
	b := add(t, tt, "B", time.Hour, "u1")
	add(t, tt, "C", time.Hour)

	h := &Entry{Title: "H", Duration: time.Hour}
	if err := tt.Add(h, AddOptions{Hidden: true}); err != nil {
		t.Fatalf("Add hidden: %v", err)
	}
	if h.Visible() || tt.Len() != 3 {
		t.Fatalf("Expected the hidden entry to stay off the agenda")
	}
	if idx, _ := tt.AgendaIndex(h.ID); idx != 3 {
		t.Errorf("Expected agenda index 3 for the hidden entry, got %d", idx)
	}

	if err := tt.SetVisible(b.ID, false); err != nil {
		t.Fatalf("SetVisible: %v", err)
	}
	if got := titles(tt.Entries()); got != "AC" {
		t.Errorf("Expected AC, got %s", got)
	}
	if len(b.Participations) != 0 {
		t.Errorf("Expected hidden entries to lose their participations")
	}
	checkDense(t, tt)
	if idx, _ := tt.AgendaIndex(b.ID); idx != 2 {
		t.Errorf("Expected agenda index 2 for B, got %d", idx)
	}
	if idx, _ := tt.AgendaIndex(h.ID); idx != 3 {
		t.Errorf("Expected agenda index 3 for H, got %d", idx)
	}

	if err := tt.SetVisible(h.ID, true); err != nil {
		t.Fatalf("SetVisible: %v", err)
	}
	if got := titles(tt.Entries()); got != "ACH" {
		t.Errorf("Expected ACH, got %s", got)
	}
	if err := tt.SetIndex(b.ID, 0); !errors.Is(err, ErrNotVisible) {
		t.Errorf("Expected ErrNotVisible, got %v", err)
	}
	_ = a
}

func TestRemove(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	add(t, tt, "A", time.Minute)
	b := add(t, tt, "B", time.Minute)
	add(t, tt, "C", time.Minute)

	if err := tt.Remove(b.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := titles(tt.Entries()); got != "AC" {
		t.Errorf("Expected AC, got %s", got)
	}
	checkDense(t, tt)
	if err := tt.Remove(b.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Expected ErrEntryNotFound, got %v", err)
	}
}

func TestMoveToOptimalPosition(t *testing.T) {
	start := time.Date(2010, 4, 8, 9, 0, 0, 0, time.UTC)
	tt, _ := New(start, nil, nil)
	add(t, tt, "A", time.Hour)
	add(t, tt, "B", time.Hour)
	add(t, tt, "C", time.Hour)

	// 11:00 is two hours after the start
	optimal := 11 * time.Hour
	x := &Entry{Title: "X", Duration: 30 * time.Minute, OptimalStart: &optimal}
	if err := tt.Add(x, AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := titles(tt.Entries()); got != "ABXC" {
		t.Errorf("Expected ABXC, got %s", got)
	}

	early := 8 * time.Hour
	y := &Entry{Title: "Y", Duration: 30 * time.Minute, OptimalStart: &early}
	if err := tt.Add(y, AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got := titles(tt.Entries()); got != "YABXC" {
		t.Errorf("Expected YABXC, got %s", got)
	}
	checkDense(t, tt)
}

func TestApply(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	a := add(t, tt, "A", time.Minute)
	b := add(t, tt, "B", time.Minute)
	c := add(t, tt, "C", time.Minute)

	if err := tt.Apply([]uint{c.ID, a.ID}); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("Expected ErrInvalidOrder for a short order, got %v", err)
	}
	if err := tt.Apply([]uint{c.ID, a.ID, a.ID}); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("Expected ErrInvalidOrder for duplicates, got %v", err)
	}
	if got := titles(tt.Entries()); got != "ABC" {
		t.Fatalf("Expected the failed apply to leave ABC, got %s", got)
	}

	if err := tt.Apply([]uint{c.ID, a.ID, b.ID}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := titles(tt.Entries()); got != "CAB" {
		t.Errorf("Expected CAB, got %s", got)
	}
	idx := tt.Indices()
	if *idx[c.ID] != 0 || *idx[a.ID] != 1 || *idx[b.ID] != 2 {
		t.Errorf("Unexpected indices %v", idx)
	}
}

func TestNewRejectsGaps(t *testing.T) {
	zero, two := 0, 2
	entries := []*Entry{
		{ID: 1, Index: &zero, Duration: time.Minute},
		{ID: 2, Index: &two, Duration: time.Minute},
	}
	if _, err := New(meetingStart, entries, nil); !errors.Is(err, ErrInconsistentIndex) {
		t.Errorf("Expected ErrInconsistentIndex, got %v", err)
	}
}

func TestNeighbours(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	a := add(t, tt, "A", time.Minute)
	b := add(t, tt, "B", time.Minute)
	c := add(t, tt, "C", time.Minute)
	b.IsOpen = false

	if n, _ := tt.Next(a.ID); n != b {
		t.Errorf("Expected B after A")
	}
	if n, _ := tt.NextOpen(a.ID); n != c {
		t.Errorf("Expected C as next open entry")
	}
	if p, _ := tt.PreviousOpen(c.ID); p != a {
		t.Errorf("Expected A as previous open entry")
	}
	if p, _ := tt.Previous(a.ID); p != nil {
		t.Errorf("Expected no entry before A")
	}
}

func TestMetrics(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	add(t, tt, "A", time.Hour, "u0", "u3")
	add(t, tt, "B", 2*time.Hour, "u0", "u1")
	add(t, tt, "C", 4*time.Hour, "u2")
	add(t, tt, "D", 8*time.Hour, "u0", "u1", "u2", "u3")

	m := tt.Metrics()
	if len(m.WaitingTimePerUser) != 4 {
		t.Fatalf("Expected 4 users, got %d", len(m.WaitingTimePerUser))
	}
	if m.WaitingTimePerUser["u0"] != 4*time.Hour || m.WaitingTimePerUser["u3"] != 6*time.Hour {
		t.Errorf("Unexpected waiting times %v", m.WaitingTimePerUser)
	}
	if m.WaitingTimeTotal != 14*time.Hour {
		t.Errorf("Expected 14h, got %v", m.WaitingTimeTotal)
	}
	want := time.Duration(math.Sqrt(4.75) * float64(time.Hour))
	if d := m.WaitingTimeVariance - want; d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("Expected variance %v, got %v", want, m.WaitingTimeVariance)
	}
}

func TestTimeframe(t *testing.T) {
	start := time.Date(2010, 4, 8, 9, 5, 0, 0, time.UTC)
	tt, _ := New(start, nil, nil)
	add(t, tt, "A", 10*time.Minute, "u0")
	add(t, tt, "B", 33*time.Minute, "u1")
	add(t, tt, "C", 7*time.Minute, "u0", "u2")

	from, to, ok := tt.Timeframe("u0")
	if !ok {
		t.Fatal("Expected a timeframe for u0")
	}
	if from != time.Date(2010, 4, 8, 9, 0, 0, 0, time.UTC) {
		t.Errorf("Expected 09:00, got %v", from)
	}
	if to != time.Date(2010, 4, 8, 10, 0, 0, 0, time.UTC) {
		t.Errorf("Expected 10:00, got %v", to)
	}

	from, to, _ = tt.Timeframe("u2")
	if to.Sub(from) != 30*time.Minute {
		t.Errorf("Expected the 30 minute minimum, got %v", to.Sub(from))
	}

	if _, _, ok := tt.Timeframe("nobody"); ok {
		t.Error("Expected no timeframe for an absent user")
	}
}

func TestHeadcount(t *testing.T) {
	tt, _ := New(meetingStart, nil, nil)
	add(t, tt, "A", 30*time.Minute, "early")
	add(t, tt, "B", 30*time.Minute, "u0", "before")
	x := add(t, tt, "X", 10*time.Minute, "u1")
	add(t, tt, "C", 2*time.Hour, "u0", "after")
	add(t, tt, "D", 30*time.Minute, "late")

	before, during, after, err := tt.Headcount(x.ID, time.Hour)
	if err != nil {
		t.Fatalf("Headcount: %v", err)
	}
	if before != 2 || during != 2 || after != 1 {
		t.Errorf("Expected 2/2/1, got %d/%d/%d", before, during, after)
	}
}

func TestViolatingEntries(t *testing.T) {
	start := time.Date(2010, 4, 8, 9, 0, 0, 0, time.UTC)
	tt, _ := New(start, nil, nil)
	add(t, tt, "A", time.Hour, "u0")
	b := add(t, tt, "B", time.Hour, "u1")
	b.Participations = append(b.Participations, Participation{UserID: "chair", Ignored: true})
	add(t, tt, "C", time.Hour, "u0")

	tt.AddConstraint(Constraint{ID: 1, UserID: "u1", StartTime: 10*time.Hour + 30*time.Minute, EndTime: 12 * time.Hour, Weight: 1})
	tt.AddConstraint(Constraint{ID: 2, UserID: "chair", StartTime: 9 * time.Hour, EndTime: 12 * time.Hour, Weight: 1})

	got := tt.ViolatingEntries()
	if titles(got) != "B" {
		t.Errorf("Expected only B to violate, got %s", titles(got))
	}

	_, constraints := tt.Schedule()
	if constraints[0].StartOffset != 5400 || constraints[0].EndOffset != 10800 {
		t.Errorf("Unexpected constraint offsets %+v", constraints[0])
	}
}

func TestSchedule(t *testing.T) {
	start := time.Date(2010, 4, 8, 9, 0, 0, 0, time.UTC)
	tt, _ := New(start, nil, nil)
	a := add(t, tt, "A", time.Hour, "u0")
	a.Participations = append(a.Participations, Participation{UserID: "u0"})
	optimal := 10 * time.Hour
	b := &Entry{Title: "B", Duration: time.Hour, OptimalStart: &optimal, BatchProcessed: true}
	if err := tt.Add(b, AddOptions{}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	entries, _ := tt.Schedule()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if len(entries[0].Attendees) != 1 {
		t.Errorf("Expected duplicate participations to collapse, got %v", entries[0].Attendees)
	}
	if entries[1].OptimalStartOffset == nil || *entries[1].OptimalStartOffset != 3600 {
		t.Errorf("Expected an optimal offset of 3600, got %v", entries[1].OptimalStartOffset)
	}
	if !entries[1].BatchProcessed || entries[1].ID != EntryKey(b.ID) {
		t.Errorf("Unexpected record %+v", entries[1])
	}
}
