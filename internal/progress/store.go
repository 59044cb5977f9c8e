// Package progress persists per-user, per-book playback state and the daily
// listening ledger derived from it.
package progress

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/evanharte/playsync/internal/database"
	"github.com/evanharte/playsync/internal/logger"
)

// Mutation describes a partial update to a progress record. Nil fields are
// left untouched; ClearFinishedAt distinguishes "unset the finish timestamp"
// from "leave it alone".
type Mutation struct {
	PositionMs      *int64
	Percentage      *float64
	Status          *string
	FinishedAt      *time.Time
	ClearFinishedAt bool
	LastActivityAt  *time.Time
}

// Store reads and writes MediaProgress rows
type Store struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewStore creates a progress store on the given database
func NewStore(db *database.Database) *Store {
	return &Store{db: db.GetDB(), log: logger.Get()}
}

// Get returns the progress record for a user and book, or nil when none
// exists yet
func (s *Store) Get(userID, bookID string) (*database.MediaProgress, error) {
	var rec database.MediaProgress
	err := s.db.Where("user_id = ? AND book_id = ?", userID, bookID).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return &rec, nil
}

// MergeUpdate applies a mutation to the progress record for a user and book,
// creating the record when absent. The whole merge runs in one transaction
// so a record is written at most once per reconciliation pass. Percentage is
// clamped to [0,100].
func (s *Store) MergeUpdate(userID, bookID string, m Mutation) (*database.MediaProgress, error) {
	var out *database.MediaProgress
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec database.MediaProgress
		err := tx.Where("user_id = ? AND book_id = ?", userID, bookID).First(&rec).Error
		if err == gorm.ErrRecordNotFound {
			rec = database.MediaProgress{
				UserID: userID,
				BookID: bookID,
				Status: database.StatusNotStarted,
			}
		} else if err != nil {
			return fmt.Errorf("failed to load progress: %w", err)
		}

		if m.PositionMs != nil {
			rec.PositionMs = *m.PositionMs
		}
		if m.Percentage != nil {
			pct := *m.Percentage
			if pct < 0 {
				pct = 0
			}
			if pct > 100 {
				pct = 100
			}
			rec.Percentage = pct
		}
		if m.Status != nil {
			rec.Status = *m.Status
		}
		if m.ClearFinishedAt {
			rec.FinishedAt = nil
		} else if m.FinishedAt != nil {
			t := m.FinishedAt.UTC()
			rec.FinishedAt = &t
		}
		if m.LastActivityAt != nil {
			// Last activity only advances; replayed older sessions must not
			// roll it back
			t := m.LastActivityAt.UTC()
			if rec.LastActivityAt == nil || t.After(*rec.LastActivityAt) {
				rec.LastActivityAt = &t
			}
		}

		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("failed to save progress: %w", err)
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureStartDate sets the record's start timestamp when it has none. Once
// set the start date is never overwritten.
func (s *Store) EnsureStartDate(userID, bookID string, candidate time.Time) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var rec database.MediaProgress
		err := tx.Where("user_id = ? AND book_id = ?", userID, bookID).First(&rec).Error
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load progress: %w", err)
		}

		if rec.StartedAt != nil {
			return nil
		}
		c := candidate.UTC()
		rec.StartedAt = &c
		return tx.Save(&rec).Error
	})
}

// Ledger accumulates listening minutes per user, book and calendar day
type Ledger struct {
	db  *gorm.DB
	log *logger.Logger
}

// NewLedger creates a ledger on the given database
func NewLedger(db *database.Database) *Ledger {
	return &Ledger{db: db.GetDB(), log: logger.Get()}
}

// AppendMinutes adds listening minutes (and the derived page estimate) to
// the ledger row for the session's calendar day, creating the row when it
// does not exist. Days are keyed YYYY-MM-DD in UTC.
func (l *Ledger) AppendMinutes(userID, bookID string, at time.Time, minutes float64, minutesPerPage float64) error {
	if minutes <= 0 {
		return nil
	}

	day := at.UTC().Format("2006-01-02")
	pages := 0.0
	if minutesPerPage > 0 {
		pages = minutes / minutesPerPage
	}

	err := l.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "book_id"}, {Name: "day"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"minutes": gorm.Expr("minutes + ?", minutes),
			"pages":   gorm.Expr("pages + ?", pages),
		}),
	}).Create(&database.ListeningDay{
		UserID:  userID,
		BookID:  bookID,
		Day:     day,
		Minutes: minutes,
		Pages:   pages,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to append listening minutes: %w", err)
	}
	return nil
}

// DaysFor returns the ledger rows for a user and book ordered by day
func (l *Ledger) DaysFor(userID, bookID string) ([]database.ListeningDay, error) {
	var days []database.ListeningDay
	err := l.db.Where("user_id = ? AND book_id = ?", userID, bookID).
		Order("day ASC").Find(&days).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list listening days: %w", err)
	}
	return days, nil
}
