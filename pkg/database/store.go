package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/arnavshah/ecs-timetable/pkg/apperrors"
	"github.com/arnavshah/ecs-timetable/pkg/timetable"
)

// Store persists meetings and their timetables
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// NewStore wraps db
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{db: db, log: log}
}

// DB exposes the underlying connection for the API key tables
func (s *Store) DB() *gorm.DB {
	return s.db
}

// CreateMeeting inserts a meeting without entries
func (s *Store) CreateMeeting(ctx context.Context, m *Meeting) error {
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return apperrors.Internal(fmt.Errorf("create meeting: %w", err))
	}
	return nil
}

// ListMeetings returns all meetings, latest start first
func (s *Store) ListMeetings(ctx context.Context) ([]Meeting, error) {
	var meetings []Meeting
	if err := s.db.WithContext(ctx).Order("start desc").Find(&meetings).Error; err != nil {
		return nil, apperrors.Internal(err)
	}
	return meetings, nil
}

// GetMeeting returns the meeting or a not found error
func (s *Store) GetMeeting(ctx context.Context, id uint) (*Meeting, error) {
	return getMeeting(s.db.WithContext(ctx), id)
}

func getMeeting(tx *gorm.DB, id uint) (*Meeting, error) {
	var m Meeting
	if err := tx.First(&m, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFound("meeting")
		}
		return nil, apperrors.Internal(err)
	}
	return &m, nil
}

// DeleteMeeting removes a meeting with its entries, participations and
// constraints.
func (s *Store) DeleteMeeting(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getMeeting(tx, id); err != nil {
			return err
		}
		entryIDs := tx.Model(&TimetableEntry{}).Select("id").Where("meeting_id = ?", id)
		if err := tx.Where("entry_id IN (?)", entryIDs).Delete(&Participation{}).Error; err != nil {
			return apperrors.Internal(err)
		}
		if err := tx.Where("meeting_id = ?", id).Delete(&TimetableEntry{}).Error; err != nil {
			return apperrors.Internal(err)
		}
		if err := tx.Where("meeting_id = ?", id).Delete(&Constraint{}).Error; err != nil {
			return apperrors.Internal(err)
		}
		if err := tx.Delete(&Meeting{}, id).Error; err != nil {
			return apperrors.Internal(err)
		}
		return nil
	})
}

// LoadTimetable reads the meeting with all its entries and constraints
func (s *Store) LoadTimetable(ctx context.Context, meetingID uint) (*timetable.Timetable, *Meeting, error) {
	return loadTimetable(s.db.WithContext(ctx), meetingID)
}

func loadTimetable(tx *gorm.DB, meetingID uint) (*timetable.Timetable, *Meeting, error) {
	m, err := getMeeting(tx, meetingID)
	if err != nil {
		return nil, nil, err
	}

	var rows []TimetableEntry
	if err := tx.Preload("Participations", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).Where("meeting_id = ?", meetingID).Order("id").Find(&rows).Error; err != nil {
		return nil, nil, apperrors.Internal(err)
	}
	var cons []Constraint
	if err := tx.Where("meeting_id = ?", meetingID).Order("id").Find(&cons).Error; err != nil {
		return nil, nil, apperrors.Internal(err)
	}

	entries := make([]*timetable.Entry, len(rows))
	for i := range rows {
		entries[i] = toTimetableEntry(&rows[i])
	}
	constraints := make([]timetable.Constraint, len(cons))
	for i, c := range cons {
		constraints[i] = toTimetableConstraint(c)
	}

	tt, err := timetable.New(m.Start, entries, constraints)
	if err != nil {
		return nil, nil, apperrors.Internal(fmt.Errorf("meeting %d: %w", meetingID, err))
	}
	return tt, m, nil
}

// Mutate loads the timetable inside a transaction, lets fn change it and
// writes the resulting indices back. fn may use tx for row level changes.
func (s *Store) Mutate(ctx context.Context, meetingID uint, fn func(tx *gorm.DB, tt *timetable.Timetable) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tt, _, err := loadTimetable(tx, meetingID)
		if err != nil {
			return err
		}
		if err := fn(tx, tt); err != nil {
			return wrapTimetableErr(err)
		}
		return writeIndices(tx, meetingID, tt.Indices())
	})
}

// AddEntry stores a new entry with its participations and places it on the
// agenda according to opts.
func (s *Store) AddEntry(ctx context.Context, meetingID uint, row *TimetableEntry, opts timetable.AddOptions) error {
	return s.Mutate(ctx, meetingID, func(tx *gorm.DB, tt *timetable.Timetable) error {
		row.ID = 0
		row.MeetingID = meetingID
		row.TimetableIndex = nil
		for i := range row.Participations {
			row.Participations[i].ID = 0
		}
		if err := tx.Create(row).Error; err != nil {
			return apperrors.Internal(fmt.Errorf("create entry: %w", err))
		}
		e := toTimetableEntry(row)
		var err error
		if row.IsBreak {
			err = tt.AddBreak(e, opts)
		} else {
			err = tt.Add(e, opts)
		}
		if err != nil {
			return err
		}
		row.TimetableIndex = e.Index
		return nil
	})
}

// SetEntryIndex moves a visible entry to index, shifting the entries between
func (s *Store) SetEntryIndex(ctx context.Context, meetingID, entryID uint, index int) error {
	return s.Mutate(ctx, meetingID, func(_ *gorm.DB, tt *timetable.Timetable) error {
		return tt.SetIndex(entryID, index)
	})
}

// MoveToOptimalPosition places the entry where it starts closest to its
// optimal start time
func (s *Store) MoveToOptimalPosition(ctx context.Context, meetingID, entryID uint) error {
	return s.Mutate(ctx, meetingID, func(_ *gorm.DB, tt *timetable.Timetable) error {
		return tt.MoveToOptimalPosition(entryID)
	})
}

// SetEntryVisible shows or hides an entry. Hiding drops its participations.
func (s *Store) SetEntryVisible(ctx context.Context, meetingID, entryID uint, visible bool) error {
	return s.Mutate(ctx, meetingID, func(tx *gorm.DB, tt *timetable.Timetable) error {
		if err := tt.SetVisible(entryID, visible); err != nil {
			return err
		}
		if !visible {
			if err := tx.Where("entry_id = ?", entryID).Delete(&Participation{}).Error; err != nil {
				return apperrors.Internal(err)
			}
		}
		return nil
	})
}

// DeleteEntry removes the entry with its participations and closes the gap
// it leaves in the agenda
func (s *Store) DeleteEntry(ctx context.Context, meetingID, entryID uint) error {
	return s.Mutate(ctx, meetingID, func(tx *gorm.DB, tt *timetable.Timetable) error {
		if err := tt.Remove(entryID); err != nil {
			return err
		}
		if err := tx.Where("entry_id = ?", entryID).Delete(&Participation{}).Error; err != nil {
			return apperrors.Internal(err)
		}
		if err := tx.Delete(&TimetableEntry{}, entryID).Error; err != nil {
			return apperrors.Internal(err)
		}
		return nil
	})
}

// AddParticipation adds a user to an entry; an identical participation is
// not stored twice.
func (s *Store) AddParticipation(ctx context.Context, meetingID, entryID uint, p Participation) error {
	return s.Mutate(ctx, meetingID, func(tx *gorm.DB, tt *timetable.Timetable) error {
		e, err := tt.Get(entryID)
		if err != nil {
			return err
		}
		before := len(e.Participations)
		if err := tt.AddParticipation(entryID, toTimetableParticipation(p)); err != nil {
			return err
		}
		if len(e.Participations) == before {
			return nil
		}
		p.ID = 0
		p.EntryID = entryID
		if err := tx.Create(&p).Error; err != nil {
			return apperrors.Internal(err)
		}
		return nil
	})
}

// RemoveParticipation drops a user from an entry
func (s *Store) RemoveParticipation(ctx context.Context, meetingID, entryID uint, userID string) error {
	return s.Mutate(ctx, meetingID, func(tx *gorm.DB, tt *timetable.Timetable) error {
		if err := tt.RemoveParticipation(entryID, userID); err != nil {
			return err
		}
		if err := tx.Where("entry_id = ? AND user_id = ?", entryID, userID).Delete(&Participation{}).Error; err != nil {
			return apperrors.Internal(err)
		}
		return nil
	})
}

// AddConstraint stores a time window the user is unavailable
func (s *Store) AddConstraint(ctx context.Context, meetingID uint, c *Constraint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getMeeting(tx, meetingID); err != nil {
			return err
		}
		c.ID = 0
		c.MeetingID = meetingID
		if err := tx.Create(c).Error; err != nil {
			return apperrors.Internal(err)
		}
		return nil
	})
}

// ApplyOrder writes a new agenda order in one transaction. All indices of the
// meeting are cleared first so the unique (meeting, index) pair holds at
// every step.
func (s *Store) ApplyOrder(ctx context.Context, meetingID uint, order []uint) error {
	err := s.Mutate(ctx, meetingID, func(_ *gorm.DB, tt *timetable.Timetable) error {
		return tt.Apply(order)
	})
	if err != nil {
		return err
	}
	s.log.Debug("applied timetable order", zap.Uint("meeting_id", meetingID), zap.Int("entries", len(order)))
	return nil
}

func writeIndices(tx *gorm.DB, meetingID uint, indices map[uint]*int) error {
	if err := tx.Model(&TimetableEntry{}).
		Where("meeting_id = ?", meetingID).
		Update("timetable_index", nil).Error; err != nil {
		return apperrors.Internal(fmt.Errorf("clear indices: %w", err))
	}
	for id, idx := range indices {
		if idx == nil {
			continue
		}
		if err := tx.Model(&TimetableEntry{}).
			Where("id = ? AND meeting_id = ?", id, meetingID).
			Update("timetable_index", *idx).Error; err != nil {
			return apperrors.Internal(fmt.Errorf("set index of entry %d: %w", id, err))
		}
	}
	return nil
}

// SetOptimizationTask records the running optimization of a meeting
func (s *Store) SetOptimizationTask(ctx context.Context, meetingID uint, taskID string) error {
	err := s.db.WithContext(ctx).Model(&Meeting{}).
		Where("id = ?", meetingID).
		Update("optimization_task_id", taskID).Error
	if err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

// ClearOptimizationTask unsets the meeting's task id if it is still taskID.
// A newer run's id is left in place.
func (s *Store) ClearOptimizationTask(ctx context.Context, meetingID uint, taskID string) error {
	err := s.db.WithContext(ctx).Model(&Meeting{}).
		Where("id = ? AND optimization_task_id = ?", meetingID, taskID).
		Update("optimization_task_id", nil).Error
	if err != nil {
		return apperrors.Internal(err)
	}
	return nil
}

func wrapTimetableErr(err error) error {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return err
	case errors.Is(err, timetable.ErrEntryNotFound):
		return apperrors.NotFound("timetable entry")
	case errors.Is(err, timetable.ErrIndexOutOfRange),
		errors.Is(err, timetable.ErrNotVisible),
		errors.Is(err, timetable.ErrInvalidOrder):
		return apperrors.InvalidArgument(err)
	default:
		return apperrors.Internal(err)
	}
}

func toTimetableEntry(row *TimetableEntry) *timetable.Entry {
	e := &timetable.Entry{
		ID:             row.ID,
		Title:          row.Title,
		Duration:       time.Duration(row.DurationInSeconds) * time.Second,
		IsBreak:        row.IsBreak,
		IsOpen:         row.IsOpen,
		SubmissionID:   row.SubmissionID,
		BatchProcessed: row.BatchProcessed,
	}
	if row.TimetableIndex != nil {
		idx := *row.TimetableIndex
		e.Index = &idx
	}
	if row.OptimalStart != nil {
		tod := time.Duration(*row.OptimalStart) * time.Second
		e.OptimalStart = &tod
	}
	for _, p := range row.Participations {
		e.Participations = append(e.Participations, toTimetableParticipation(p))
	}
	return e
}

func toTimetableParticipation(p Participation) timetable.Participation {
	return timetable.Participation{
		UserID:            p.UserID,
		MedicalCategoryID: p.MedicalCategoryID,
		Ignored:           p.IgnoredForOptimization,
	}
}

func toTimetableConstraint(c Constraint) timetable.Constraint {
	return timetable.Constraint{
		ID:        c.ID,
		UserID:    c.UserID,
		StartTime: time.Duration(c.StartTime) * time.Second,
		EndTime:   time.Duration(c.EndTime) * time.Second,
		Weight:    c.Weight,
	}
}
