package handlers

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/database"
	"github.com/arnavshah/ecs-timetable/pkg/models"
	"github.com/arnavshah/ecs-timetable/pkg/timetable"
)

// parseTimeOfDay reads "15:04" or "15:04:05" as seconds after midnight
func parseTimeOfDay(s string) (int64, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return int64(t.Hour()*3600 + t.Minute()*60 + t.Second()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func formatTimeOfDay(d time.Duration) string {
	d = d.Truncate(time.Minute)
	return fmt.Sprintf("%02d:%02d", int(d.Hours()), int(d.Minutes())%60)
}

type createMeetingRequest struct {
	Title                 string     `json:"title" binding:"required,max=200"`
	Start                 time.Time  `json:"start" binding:"required"`
	Deadline              *time.Time `json:"deadline"`
	DeadlineDiplomaThesis *time.Time `json:"deadline_diplomathesis"`
	Comments              string     `json:"comments"`
}

// CreateMeeting creates an empty meeting
func (h *Handler) CreateMeeting(c *gin.Context) {
	var req createMeetingRequest
	if !h.bind(c, &req) {
		return
	}
	m := &database.Meeting{
		Title:                 req.Title,
		Start:                 req.Start,
		Deadline:              req.Deadline,
		DeadlineDiplomaThesis: req.DeadlineDiplomaThesis,
		Comments:              req.Comments,
	}
	if err := h.Store.CreateMeeting(c.Request.Context(), m); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// ListMeetings returns all meetings
func (h *Handler) ListMeetings(c *gin.Context) {
	meetings, err := h.Store.ListMeetings(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"meetings": meetings})
}

// GetMeeting returns one meeting
func (h *Handler) GetMeeting(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	m, err := h.Store.GetMeeting(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// DeleteMeeting deletes a meeting with its agenda and constraints
func (h *Handler) DeleteMeeting(c *gin.Context) {
	id, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	if err := h.Store.DeleteMeeting(c.Request.Context(), id); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Meeting deleted"})
}

type participantRequest struct {
	UserID            string `json:"user_id" binding:"required"`
	MedicalCategoryID *uint  `json:"medical_category_id"`
	Ignored           bool   `json:"ignored_for_optimization"`
}

func (p participantRequest) row() database.Participation {
	return database.Participation{
		UserID:                 p.UserID,
		MedicalCategoryID:      p.MedicalCategoryID,
		IgnoredForOptimization: p.Ignored,
	}
}

type addEntryRequest struct {
	Title           string               `json:"title" binding:"required,max=200"`
	DurationSeconds int64                `json:"duration_seconds" binding:"gte=0,lte=86400"`
	Visible         *bool                `json:"visible"`
	Index           *int                 `json:"index" binding:"omitempty,gte=-1"`
	OptimalStart    string               `json:"optimal_start"`
	SubmissionID    *uint                `json:"submission_id"`
	BatchProcessed  bool                 `json:"is_batch_processed"`
	IsBreak         bool                 `json:"is_break"`
	IsOpen          *bool                `json:"is_open"`
	Participants    []participantRequest `json:"participants" binding:"dive"`
}

// AddEntry adds an entry to a meeting's agenda
func (h *Handler) AddEntry(c *gin.Context) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req addEntryRequest
	if !h.bind(c, &req) {
		return
	}

	row := &database.TimetableEntry{
		Title:             req.Title,
		DurationInSeconds: req.DurationSeconds,
		IsBreak:           req.IsBreak,
		SubmissionID:      req.SubmissionID,
		BatchProcessed:    req.BatchProcessed,
		IsOpen:            req.IsOpen == nil || *req.IsOpen,
	}
	if req.OptimalStart != "" {
		sec, err := parseTimeOfDay(req.OptimalStart)
		if err != nil {
			h.respondError(c, apperrors.InvalidArgument(err).WithDetail("field", "optimal_start"))
			return
		}
		row.OptimalStart = &sec
	}
	for _, p := range req.Participants {
		row.Participations = append(row.Participations, p.row())
	}

	opts := timetable.AddOptions{
		Hidden: req.Visible != nil && !*req.Visible,
		Index:  req.Index,
	}
	if err := h.Store.AddEntry(c.Request.Context(), meetingID, row, opts); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

// GetEntry returns one entry with its position and neighbours
func (h *Handler) GetEntry(c *gin.Context) {
	tt, entryID, ok := h.loadEntry(c)
	if !ok {
		return
	}
	e, err := tt.Get(entryID)
	if err != nil {
		h.respondError(c, apperrors.NotFound("timetable entry"))
		return
	}

	resp := gin.H{"entry": newEntryView(tt, e, nil)}
	if e.Visible() {
		for name, lookup := range map[string]func(uint) (*timetable.Entry, error){
			"next":          tt.Next,
			"previous":      tt.Previous,
			"next_open":     tt.NextOpen,
			"previous_open": tt.PreviousOpen,
		} {
			n, _ := lookup(entryID)
			if n != nil {
				resp[name] = n.ID
			} else {
				resp[name] = nil
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) loadEntry(c *gin.Context) (*timetable.Timetable, uint, bool) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return nil, 0, false
	}
	entryID, err := paramID(c, "entry")
	if err != nil {
		h.respondError(c, err)
		return nil, 0, false
	}
	tt, _, err := h.Store.LoadTimetable(c.Request.Context(), meetingID)
	if err != nil {
		h.respondError(c, err)
		return nil, 0, false
	}
	return tt, entryID, true
}

func (h *Handler) entryParams(c *gin.Context) (meetingID, entryID uint, ok bool) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return 0, 0, false
	}
	entryID, err = paramID(c, "entry")
	if err != nil {
		h.respondError(c, err)
		return 0, 0, false
	}
	return meetingID, entryID, true
}

// SetEntryIndex moves a visible entry to a new position
func (h *Handler) SetEntryIndex(c *gin.Context) {
	meetingID, entryID, ok := h.entryParams(c)
	if !ok {
		return
	}
	var req struct {
		Index *int `json:"index" binding:"required,gte=0"`
	}
	if !h.bind(c, &req) {
		return
	}
	if err := h.Store.SetEntryIndex(c.Request.Context(), meetingID, entryID, *req.Index); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Entry moved"})
}

// SetEntryVisibility shows or hides an entry
func (h *Handler) SetEntryVisibility(c *gin.Context) {
	meetingID, entryID, ok := h.entryParams(c)
	if !ok {
		return
	}
	var req struct {
		Visible *bool `json:"visible" binding:"required"`
	}
	if !h.bind(c, &req) {
		return
	}
	if err := h.Store.SetEntryVisible(c.Request.Context(), meetingID, entryID, *req.Visible); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Visibility updated"})
}

// MoveEntryToOptimalPosition places an entry by its optimal start
func (h *Handler) MoveEntryToOptimalPosition(c *gin.Context) {
	meetingID, entryID, ok := h.entryParams(c)
	if !ok {
		return
	}
	if err := h.Store.MoveToOptimalPosition(c.Request.Context(), meetingID, entryID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Entry moved"})
}

// DeleteEntry removes an entry from the agenda
func (h *Handler) DeleteEntry(c *gin.Context) {
	meetingID, entryID, ok := h.entryParams(c)
	if !ok {
		return
	}
	if err := h.Store.DeleteEntry(c.Request.Context(), meetingID, entryID); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Entry deleted"})
}

// AddParticipant adds a user to an entry
func (h *Handler) AddParticipant(c *gin.Context) {
	meetingID, entryID, ok := h.entryParams(c)
	if !ok {
		return
	}
	var req participantRequest
	if !h.bind(c, &req) {
		return
	}
	if err := h.Store.AddParticipation(c.Request.Context(), meetingID, entryID, req.row()); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Participant added"})
}

// RemoveParticipant removes a user from an entry
func (h *Handler) RemoveParticipant(c *gin.Context) {
	meetingID, entryID, ok := h.entryParams(c)
	if !ok {
		return
	}
	if err := h.Store.RemoveParticipation(c.Request.Context(), meetingID, entryID, c.Param("user")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Participant removed"})
}

// AddConstraint records a window of the meeting day a user is unavailable.
// Weight 0.5 means "rather not", 1.0 means "cannot".
func (h *Handler) AddConstraint(c *gin.Context) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	var req struct {
		UserID    string  `json:"user_id" binding:"required"`
		StartTime string  `json:"start_time" binding:"required"`
		EndTime   string  `json:"end_time" binding:"required"`
		Weight    float64 `json:"weight" binding:"gte=0,lte=1"`
	}
	if !h.bind(c, &req) {
		return
	}

	start, err := parseTimeOfDay(req.StartTime)
	if err != nil {
		h.respondError(c, apperrors.InvalidArgument(err).WithDetail("field", "start_time"))
		return
	}
	end, err := parseTimeOfDay(req.EndTime)
	if err != nil {
		h.respondError(c, apperrors.InvalidArgument(err).WithDetail("field", "end_time"))
		return
	}
	if end < start {
		h.respondError(c, apperrors.InvalidArgument(errors.New("end_time before start_time")))
		return
	}
	if req.Weight == 0 {
		req.Weight = models.DefaultConstraintWeight
	}

	con := &database.Constraint{UserID: req.UserID, StartTime: start, EndTime: end, Weight: req.Weight}
	if err := h.Store.AddConstraint(c.Request.Context(), meetingID, con); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, con)
}

type participantView struct {
	UserID            string `json:"user_id"`
	MedicalCategoryID *uint  `json:"medical_category_id,omitempty"`
	Ignored           bool   `json:"ignored_for_optimization,omitempty"`
}

type entryView struct {
	ID                  uint              `json:"id"`
	Title               string            `json:"title"`
	Index               *int              `json:"index"`
	AgendaIndex         int               `json:"agenda_index"`
	Start               *time.Time        `json:"start,omitempty"`
	End                 *time.Time        `json:"end,omitempty"`
	DurationSeconds     int64             `json:"duration_seconds"`
	IsBreak             bool              `json:"is_break"`
	IsOpen              bool              `json:"is_open"`
	BatchProcessed      bool              `json:"is_batch_processed"`
	OptimalStart        string            `json:"optimal_start,omitempty"`
	SubmissionID        *uint             `json:"submission_id,omitempty"`
	Participants        []participantView `json:"participants"`
	ViolatesConstraints bool              `json:"violates_constraints"`
}

func newEntryView(tt *timetable.Timetable, e *timetable.Entry, violating map[uint]bool) entryView {
	v := entryView{
		ID:                  e.ID,
		Title:               e.Title,
		Index:               e.Index,
		DurationSeconds:     int64(e.Duration / time.Second),
		IsBreak:             e.IsBreak,
		IsOpen:              e.IsOpen,
		BatchProcessed:      e.BatchProcessed,
		SubmissionID:        e.SubmissionID,
		ViolatesConstraints: violating[e.ID],
		Participants:        make([]participantView, 0, len(e.Participations)),
	}
	v.AgendaIndex, _ = tt.AgendaIndex(e.ID)
	if e.Visible() {
		start, _ := tt.StartOf(e.ID)
		end, _ := tt.EndOf(e.ID)
		v.Start, v.End = &start, &end
	}
	if e.OptimalStart != nil {
		v.OptimalStart = formatTimeOfDay(*e.OptimalStart)
	}
	for _, p := range e.Participations {
		v.Participants = append(v.Participants, participantView{
			UserID:            p.UserID,
			MedicalCategoryID: p.MedicalCategoryID,
			Ignored:           p.Ignored,
		})
	}
	return v
}

// GetTimetable returns the agenda with times, metrics and the entries that
// violate a constraint.
func (h *Handler) GetTimetable(c *gin.Context) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	tt, m, err := h.Store.LoadTimetable(c.Request.Context(), meetingID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	violating := make(map[uint]bool)
	violatingIDs := []uint{}
	for _, e := range tt.ViolatingEntries() {
		violating[e.ID] = true
		violatingIDs = append(violatingIDs, e.ID)
	}

	entries := make([]entryView, 0, tt.Len())
	hidden := []entryView{}
	for _, e := range tt.All() {
		if e.Visible() {
			entries = append(entries, newEntryView(tt, e, violating))
		} else {
			hidden = append(hidden, newEntryView(tt, e, violating))
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"meeting":          m,
		"start":            tt.Start,
		"end":              tt.End(),
		"duration_seconds": int64(tt.Duration() / time.Second),
		"entries":          entries,
		"hidden_entries":   hidden,
		"violating":        violatingIDs,
		"metrics":          tt.Metrics().Report(),
	})
}

// GetTimeframe returns when a user has to be present
func (h *Handler) GetTimeframe(c *gin.Context) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	tt, _, err := h.Store.LoadTimetable(c.Request.Context(), meetingID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	start, end, ok := tt.Timeframe(c.Param("user"))
	if !ok {
		h.respondError(c, apperrors.NotFound("timeframe"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": c.Param("user"), "start": start, "end": end})
}

// GetHeadcount estimates how many users are around an entry, for catering
func (h *Handler) GetHeadcount(c *gin.Context) {
	tt, entryID, ok := h.loadEntry(c)
	if !ok {
		return
	}
	padding := time.Hour
	if raw := c.Query("padding_minutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes < 0 {
			h.respondError(c, apperrors.InvalidArgument(fmt.Errorf("invalid padding_minutes %q", raw)))
			return
		}
		padding = time.Duration(minutes) * time.Minute
	}

	before, during, after, err := tt.Headcount(entryID, padding)
	if err != nil {
		switch {
		case errors.Is(err, timetable.ErrEntryNotFound):
			h.respondError(c, apperrors.NotFound("timetable entry"))
		default:
			h.respondError(c, apperrors.InvalidArgument(err))
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"before": before,
		"during": during,
		"after":  after,
		"total":  before + during + after,
	})
}

// ExportTimetableCSV writes one row per user and attended entry, with the
// user's timeframe.
func (h *Handler) ExportTimetableCSV(c *gin.Context) {
	meetingID, err := paramID(c, "id")
	if err != nil {
		h.respondError(c, err)
		return
	}
	tt, _, err := h.Store.LoadTimetable(c.Request.Context(), meetingID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var out strings.Builder
	writer := csv.NewWriter(&out)
	_ = writer.Write([]string{"user_id", "arrive", "leave", "index", "title", "start", "end", "ignored"})
	for _, user := range tt.Users() {
		arrive, leave, ok := tt.Timeframe(user)
		for _, e := range tt.Entries() {
			for _, p := range e.Participations {
				if p.UserID != user {
					continue
				}
				start, _ := tt.StartOf(e.ID)
				end, _ := tt.EndOf(e.ID)
				row := []string{
					user, "", "",
					strconv.Itoa(*e.Index),
					e.Title,
					start.Format(time.RFC3339),
					end.Format(time.RFC3339),
					strconv.FormatBool(p.Ignored),
				}
				if ok {
					row[1], row[2] = arrive.Format("15:04"), leave.Format("15:04")
				}
				_ = writer.Write(row)
				break
			}
		}
	}
	writer.Flush()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=timetable-%d.csv", meetingID))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(out.String()))
}
