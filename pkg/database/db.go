package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/arnavshah/ecs-timetable/pkg/config"
)

// Meeting represents the meetings table
type Meeting struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	Title                 string     `gorm:"size:200;not null" json:"title"`
	Start                 time.Time  `gorm:"not null" json:"start"`
	Deadline              *time.Time `json:"deadline,omitempty"`
	DeadlineDiplomaThesis *time.Time `json:"deadline_diplomathesis,omitempty"`
	OptimizationTaskID    *string    `json:"optimization_task_id,omitempty"`
	Started               *time.Time `json:"started,omitempty"`
	Ended                 *time.Time `json:"ended,omitempty"`
	Comments              string     `json:"comments,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`

	Entries     []TimetableEntry `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	Constraints []Constraint     `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// TimetableEntry represents the timetable_entries table. A null
// TimetableIndex marks an invisible entry.
type TimetableEntry struct {
	ID                uint   `gorm:"primaryKey" json:"id"`
	MeetingID         uint   `gorm:"not null;uniqueIndex:idx_meeting_index" json:"meeting_id"`
	Title             string `gorm:"size:200" json:"title"`
	TimetableIndex    *int   `gorm:"uniqueIndex:idx_meeting_index" json:"timetable_index"`
	DurationInSeconds int64  `gorm:"not null" json:"duration_in_seconds"`
	IsBreak           bool   `gorm:"default:false" json:"is_break"`
	SubmissionID      *uint  `json:"submission_id,omitempty"`
	BatchProcessed    bool   `gorm:"default:false" json:"is_batch_processed"`
	OptimalStart      *int64 `json:"optimal_start,omitempty"` // seconds after midnight
	IsOpen            bool   `json:"is_open"`

	Participations []Participation `gorm:"foreignKey:EntryID;constraint:OnDelete:CASCADE" json:"-"`
}

// Participation represents the participations table
type Participation struct {
	ID                     uint   `gorm:"primaryKey" json:"id"`
	EntryID                uint   `gorm:"not null;index" json:"entry_id"`
	UserID                 string `gorm:"not null;index" json:"user_id"`
	MedicalCategoryID      *uint  `json:"medical_category_id,omitempty"`
	IgnoredForOptimization bool   `gorm:"default:false" json:"ignored_for_optimization"`
}

// Constraint represents the constraints table. Times are seconds after
// midnight of the meeting day.
type Constraint struct {
	ID        uint    `gorm:"primaryKey" json:"id"`
	MeetingID uint    `gorm:"not null;index" json:"meeting_id"`
	UserID    string  `gorm:"not null" json:"user_id"`
	StartTime int64   `json:"start_time"`
	EndTime   int64   `json:"end_time"`
	Weight    float64 `gorm:"default:0.5" json:"weight"`
}

// APIKey represents the api_keys table
type APIKey struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Key        string     `gorm:"unique;not null" json:"-"`
	Name       string     `gorm:"not null" json:"name"`
	KeyPreview string     `json:"key_preview"`
	RateLimit  int        `gorm:"default:10000" json:"rate_limit"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsed   *time.Time `json:"last_used"`
}

// APIUsage represents the api_usage table
type APIUsage struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	KeyID          uint   `gorm:"uniqueIndex:idx_key_date;not null" json:"key_id"`
	Date           string `gorm:"uniqueIndex:idx_key_date;not null" json:"date"`
	RequestCount   int    `gorm:"default:0" json:"request_count"`
	TotalEntries   int    `gorm:"default:0" json:"total_entries"`
	TotalOptimized int    `gorm:"default:0" json:"total_optimized"`
}

// MasterUser represents the master_users table
type MasterUser struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Username     string    `gorm:"unique;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// AllModels lists the tables managed by AutoMigrate
func AllModels() []any {
	return []any{
		&Meeting{}, &TimetableEntry{}, &Participation{}, &Constraint{},
		&APIKey{}, &APIUsage{}, &MasterUser{},
	}
}

// Open connects to Postgres when a DATABASE_URL is configured, otherwise to
// a sqlite file. Connecting is retried with exponential backoff until the
// connect timeout expires; the schema is migrated afterwards.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if cfg.DatabaseURL != "" {
		dialector = postgres.New(postgres.Config{
			DSN:                  cfg.DatabaseURL,
			PreferSimpleProtocol: true,
		})
	} else {
		dialector = sqlite.Open(cfg.DataPath + "?_foreign_keys=on")
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.DBConnectTimeout

	var db *gorm.DB
	connect := func() error {
		var err error
		db, err = gorm.Open(dialector, gormCfg)
		if err != nil {
			return err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return backoff.Permanent(err)
		}
		return sqlDB.PingContext(ctx)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("database not reachable, retrying", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(connect, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the schema
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
